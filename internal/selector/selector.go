// Package selector finds and scores candidate strangle strike pairs from an
// option chain snapshot.
package selector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"nifty-strangler/internal/analytics"
	"nifty-strangler/internal/models"
	"nifty-strangler/internal/util"
)

// MarketData is the slice of the gateway the selector needs.
type MarketData interface {
	GetQuote(ctx context.Context, exchange, symbol string) (models.Quote, error)
	GetVWAP(ctx context.Context, exchange, symbol string) (float64, error)
}

// Decision classifies a scored pair.
type Decision string

const (
	DecisionGo      Decision = "GO"
	DecisionCaution Decision = "CAUTION"
	DecisionReject  Decision = "REJECT"
	DecisionSkipped Decision = "SKIPPED"
)

// Score weights. A pair that reaches scoring has already passed parity, so
// the parity component is always earned there.
const (
	scoreParity    = 2.0
	scoreIVFloor   = 1.5
	scoreDeltaPass = 1.0
	scoreVWAPNear  = 0.5
	scoreVWAPFar   = 0.25

	maxScore = 5.0
)

// Config holds the selection thresholds.
type Config struct {
	Exchange            string
	StrikeStep          float64 // strike grid spacing, 50 for NIFTY
	WindowWidth         float64 // points either side of ATM
	MaxParityPercent    float64 // parity filter ceiling
	IVFloorPercent      float64 // minimum acceptable IV, in percent
	VWAPDistancePercent float64
	RiskFreeRate        float64
	GoThreshold         float64
	CautionThreshold    float64
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "NFO"
	}
	if c.StrikeStep <= 0 {
		c.StrikeStep = 50
	}
	if c.WindowWidth <= 0 {
		c.WindowWidth = 500
	}
	if c.MaxParityPercent <= 0 {
		c.MaxParityPercent = 1.5
	}
	if c.IVFloorPercent <= 0 {
		c.IVFloorPercent = 8.8
	}
	if c.VWAPDistancePercent <= 0 {
		c.VWAPDistancePercent = 15
	}
	if c.RiskFreeRate <= 0 {
		c.RiskFreeRate = 0.07
	}
	if c.GoThreshold <= 0 {
		c.GoThreshold = 4.5
	}
	if c.CautionThreshold <= 0 {
		c.CautionThreshold = 3.5
	}
	return c
}

// PairCandidate is a scored call/put pairing. Transient, never persisted.
type PairCandidate struct {
	Call      models.OptionContract
	Put       models.OptionContract
	CallQuote models.Quote
	PutQuote  models.Quote
	CallDelta float64
	PutDelta  float64
	CallIV    float64 // decimal, 0 when unavailable
	PutIV     float64
	CallVWAP  float64
	PutVWAP   float64

	ParityPercent float64
	PriceGap      float64
	Score         float64
	Decision      Decision
}

// Selection is the chosen pair with its stop-loss offsets.
type Selection struct {
	Pair         PairCandidate
	CallSLOffset float64
	PutSLOffset  float64
	TakenAt      time.Time
}

// Selector screens a chain window by delta, filters pairs by price parity and
// scores the survivors.
type Selector struct {
	data   MarketData
	logger logrus.FieldLogger
	cfg    Config
	now    func() time.Time
}

func New(data MarketData, logger logrus.FieldLogger, cfg Config) *Selector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Selector{
		data:   data,
		logger: logger.WithField("component", "selector"),
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// NearestExpiry returns the earliest expiry in the chain on or after now,
// or the zero time when the chain is empty.
func NearestExpiry(chain []models.OptionContract, now time.Time) time.Time {
	var best time.Time
	today := now.Truncate(24 * time.Hour)
	for _, c := range chain {
		if c.Expiry.Before(today) {
			continue
		}
		if best.IsZero() || c.Expiry.Before(best) {
			best = c.Expiry
		}
	}
	return best
}

type screenedLeg struct {
	contract models.OptionContract
	quote    models.Quote
	delta    float64
}

// SelectPair scans the chain for the best "Go" pair. A nil Selection with a
// nil error means nothing qualified; the caller re-scans after a backoff.
// screeningSigma is the volatility used for the pre-quote delta screen,
// typically the current index VIX as a decimal.
func (s *Selector) SelectPair(ctx context.Context, chain []models.OptionContract, spot, screeningSigma float64,
	band models.DeltaRangeConfig, expiry time.Time, slPercent float64) (*Selection, error) {

	if spot <= 0 {
		return nil, fmt.Errorf("invalid spot price %.2f", spot)
	}
	if expiry.IsZero() {
		return nil, fmt.Errorf("no target expiry")
	}

	atm := util.RoundToStep(spot, s.cfg.StrikeStep)
	low, high := atm-s.cfg.WindowWidth, atm+s.cfg.WindowWidth
	now := s.now()

	calls, puts := s.screen(ctx, chain, spot, screeningSigma, band, expiry, low, high, now)
	s.logger.WithFields(logrus.Fields{
		"spot":   spot,
		"atm":    atm,
		"window": fmt.Sprintf("[%.0f, %.0f]", low, high),
		"calls":  len(calls),
		"puts":   len(puts),
	}).Info("Chain screened")
	if len(calls) == 0 || len(puts) == 0 {
		return nil, nil
	}

	vwaps := map[string]float64{}
	var goPairs []PairCandidate
	for _, call := range calls {
		for _, put := range puts {
			cand, ok := s.scorePair(ctx, call, put, spot, screeningSigma, band, now, vwaps)
			if !ok {
				continue
			}
			if cand.Decision == DecisionGo {
				goPairs = append(goPairs, cand)
			}
		}
	}
	if len(goPairs) == 0 {
		s.logger.Info("No Go pairs in this scan")
		return nil, nil
	}

	// Tie-break on minimum absolute price gap, not on score.
	sort.Slice(goPairs, func(i, j int) bool {
		return goPairs[i].PriceGap < goPairs[j].PriceGap
	})
	best := goPairs[0]
	s.logger.WithFields(logrus.Fields{
		"call":  best.Call.TradingSymbol,
		"put":   best.Put.TradingSymbol,
		"score": best.Score,
		"gap":   best.PriceGap,
	}).Info("Pair selected")

	return &Selection{
		Pair:         best,
		CallSLOffset: best.CallQuote.LastPrice * slPercent / 100,
		PutSLOffset:  best.PutQuote.LastPrice * slPercent / 100,
		TakenAt:      now,
	}, nil
}

// screen applies the strike window and the delta band, fetching one quote
// per surviving contract. Legs without a usable quote are dropped silently.
func (s *Selector) screen(ctx context.Context, chain []models.OptionContract, spot, sigma float64,
	band models.DeltaRangeConfig, expiry time.Time, low, high float64, now time.Time) (calls, puts []screenedLeg) {

	for _, c := range chain {
		if !sameDay(c.Expiry, expiry) {
			continue
		}
		if c.Strike < low || c.Strike > high {
			continue
		}
		tte := c.TimeToExpiry(now)
		delta, err := analytics.Delta(c.InstrumentType, spot, c.Strike, tte, sigma, s.cfg.RiskFreeRate)
		if err != nil {
			continue
		}
		if !band.Contains(math.Abs(delta)) {
			continue
		}
		q, err := s.data.GetQuote(ctx, s.cfg.Exchange, c.TradingSymbol)
		if err != nil || q.LastPrice <= 0 {
			s.logger.WithField("symbol", c.TradingSymbol).Debug("Leg excluded, quote unavailable")
			continue
		}
		leg := screenedLeg{contract: c, quote: q, delta: delta}
		if c.InstrumentType == models.InstrumentCall {
			calls = append(calls, leg)
		} else {
			puts = append(puts, leg)
		}
	}
	return calls, puts
}

// scorePair runs the parity filter and, for survivors, the full score.
// ok is false when the pair was skipped by parity.
func (s *Selector) scorePair(ctx context.Context, call, put screenedLeg, spot, screeningSigma float64,
	band models.DeltaRangeConfig, now time.Time, vwaps map[string]float64) (PairCandidate, bool) {

	cp, pp := call.quote.LastPrice, put.quote.LastPrice
	mean := (cp + pp) / 2
	parity := math.Abs(cp-pp) / mean * 100
	cand := PairCandidate{
		Call:          call.contract,
		Put:           put.contract,
		CallQuote:     call.quote,
		PutQuote:      put.quote,
		CallDelta:     call.delta,
		PutDelta:      put.delta,
		ParityPercent: parity,
		PriceGap:      math.Abs(cp - pp),
	}
	if parity > s.cfg.MaxParityPercent {
		cand.Decision = DecisionSkipped
		s.logger.WithFields(logrus.Fields{
			"call":   call.contract.TradingSymbol,
			"put":    put.contract.TradingSymbol,
			"parity": fmt.Sprintf("%.2f%%", parity),
		}).Info("SKIPPED: price parity above threshold")
		return cand, false
	}

	score := scoreParity

	cand.CallIV = s.impliedVol(call, spot, now)
	cand.PutIV = s.impliedVol(put, spot, now)
	ivPass := cand.CallIV*100 >= s.cfg.IVFloorPercent && cand.PutIV*100 >= s.cfg.IVFloorPercent
	if ivPass {
		score += scoreIVFloor
	}

	if s.recheckDelta(call, cand.CallIV, spot, screeningSigma, band, now) &&
		s.recheckDelta(put, cand.PutIV, spot, screeningSigma, band, now) {
		score += scoreDeltaPass
	}

	cand.CallVWAP = s.vwap(ctx, call.contract.TradingSymbol, vwaps)
	cand.PutVWAP = s.vwap(ctx, put.contract.TradingSymbol, vwaps)
	switch dist := s.worstVWAPDistance(cand); {
	case dist >= 0 && dist <= s.cfg.VWAPDistancePercent:
		score += scoreVWAPNear
	case dist >= 0 && dist <= 2*s.cfg.VWAPDistancePercent:
		score += scoreVWAPFar
	}

	cand.Score = score
	switch {
	case score >= s.cfg.GoThreshold:
		cand.Decision = DecisionGo
	case score >= s.cfg.CautionThreshold:
		cand.Decision = DecisionCaution
	default:
		cand.Decision = DecisionReject
	}

	s.logger.WithFields(logrus.Fields{
		"call":     call.contract.TradingSymbol,
		"put":      put.contract.TradingSymbol,
		"parity":   fmt.Sprintf("%.2f%%", parity),
		"iv_pass":  ivPass,
		"score":    fmt.Sprintf("%.2f/%.1f", score, maxScore),
		"decision": cand.Decision,
	}).Info("Pair scored")
	return cand, true
}

// impliedVol backs the IV out of the leg's market price. Returns 0 when the
// solver does not converge; zero always fails the IV floor.
func (s *Selector) impliedVol(leg screenedLeg, spot float64, now time.Time) float64 {
	tte := leg.contract.TimeToExpiry(now)
	iv, err := analytics.ImpliedVolatility(leg.contract.InstrumentType, spot, leg.contract.Strike,
		tte, s.cfg.RiskFreeRate, leg.quote.LastPrice)
	if err != nil {
		return 0
	}
	return iv
}

// recheckDelta re-validates the leg's delta band membership using the
// market-implied volatility when available, falling back to the screening
// sigma otherwise.
func (s *Selector) recheckDelta(leg screenedLeg, iv, spot, screeningSigma float64,
	band models.DeltaRangeConfig, now time.Time) bool {

	sigma := iv
	if sigma <= 0 {
		sigma = screeningSigma
	}
	tte := leg.contract.TimeToExpiry(now)
	delta, err := analytics.Delta(leg.contract.InstrumentType, spot, leg.contract.Strike,
		tte, sigma, s.cfg.RiskFreeRate)
	if err != nil {
		return false
	}
	return band.Contains(math.Abs(delta))
}

// vwap fetches and memoizes the per-symbol VWAP for this scan.
// A negative value marks it unavailable.
func (s *Selector) vwap(ctx context.Context, symbol string, memo map[string]float64) float64 {
	if v, ok := memo[symbol]; ok {
		return v
	}
	v, err := s.data.GetVWAP(ctx, s.cfg.Exchange, symbol)
	if err != nil || v <= 0 {
		v = -1
	}
	memo[symbol] = v
	return v
}

// worstVWAPDistance returns the larger of the two legs' price distances from
// VWAP in percent, or -1 when either VWAP is unavailable.
func (s *Selector) worstVWAPDistance(cand PairCandidate) float64 {
	if cand.CallVWAP <= 0 || cand.PutVWAP <= 0 {
		return -1
	}
	cd, err := analytics.DistancePercent(cand.CallQuote.LastPrice, cand.CallVWAP)
	if err != nil {
		return -1
	}
	pd, err := analytics.DistancePercent(cand.PutQuote.LastPrice, cand.PutVWAP)
	if err != nil {
		return -1
	}
	return math.Max(cd, pd)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
