// Package regime computes the volatility-regime parameter snapshot for each
// decision cycle from the volatility index (India VIX): a trailing average
// against a threshold picks between the wide calm-market delta band and the
// narrow defensive one.
package regime

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nifty-strangler/internal/models"
)

// Regime names the two operating modes.
type Regime string

const (
	// RegimeExtended is the calm-volatility mode: wider delta band and
	// longer-dated hedges.
	RegimeExtended Regime = "extended"
	// RegimeStandard is the elevated-volatility mode: narrower band and
	// same-cycle hedges.
	RegimeStandard Regime = "standard"
)

// MarketData is the slice of the gateway the selector needs.
type MarketData interface {
	GetQuote(ctx context.Context, exchange, symbol string) (models.Quote, error)
	GetCandles(ctx context.Context, exchange, symbol, interval string, from, to time.Time) ([]models.Candle, error)
}

// Config tunes regime selection.
type Config struct {
	VIXSymbol   string
	VIXExchange string
	// Threshold is compared against the trailing VIX average: below it the
	// market is calm enough for the Extended regime.
	Threshold float64
	// LookbackDays is the trailing window length including today.
	LookbackDays int
	// CacheTTL bounds how often the current index value is refetched.
	CacheTTL time.Duration

	Extended models.DeltaRangeConfig
	Standard models.DeltaRangeConfig
}

func (c Config) withDefaults() Config {
	if c.VIXSymbol == "" {
		c.VIXSymbol = "INDIA VIX"
	}
	if c.VIXExchange == "" {
		c.VIXExchange = "NSE"
	}
	if c.Threshold <= 0 {
		c.Threshold = 13.0
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 5
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 3 * time.Minute
	}
	return c
}

// Snapshot is the immutable per-cycle output. Scoring, entry, hedging and
// re-entry within one decision cycle must all share the same Snapshot.
type Snapshot struct {
	models.DeltaRangeConfig
	Regime     Regime    `json:"regime"`
	CurrentVIX float64   `json:"current_vix"`
	VIXAverage float64   `json:"vix_average"`
	Degraded   bool      `json:"degraded"` // true when data was unavailable and we failed safe
	TakenAt    time.Time `json:"taken_at"`
}

// Selector computes regime snapshots. It keeps its own short-lived cache of
// the current index value so a 3-second monitoring cadence does not hammer
// the quote endpoint.
type Selector struct {
	data   MarketData
	logger logrus.FieldLogger
	cfg    Config

	mu         sync.Mutex
	cachedVIX  float64
	vixFetched time.Time
}

// New creates a Selector.
func New(data MarketData, logger logrus.FieldLogger, cfg Config) *Selector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Selector{
		data:   data,
		logger: logger.WithField("component", "regime"),
		cfg:    cfg.withDefaults(),
	}
}

// Snapshot computes the parameter snapshot for one decision cycle. It never
// returns an error: on total data unavailability it fails safe to the more
// conservative Extended regime and marks the snapshot Degraded.
func (s *Selector) Snapshot(ctx context.Context) Snapshot {
	now := time.Now().UTC()

	vix, vixOK := s.currentVIX(ctx)
	if !vixOK {
		s.logger.Warn("volatility index unavailable, failing safe to extended regime")
		return Snapshot{
			DeltaRangeConfig: s.cfg.Extended,
			Regime:           RegimeExtended,
			Degraded:         true,
			TakenAt:          now,
		}
	}

	avg := s.trailingAverage(ctx, vix)

	snap := Snapshot{
		CurrentVIX: vix,
		VIXAverage: avg,
		TakenAt:    now,
	}
	if avg < s.cfg.Threshold {
		snap.Regime = RegimeExtended
		snap.DeltaRangeConfig = s.cfg.Extended
	} else {
		snap.Regime = RegimeStandard
		snap.DeltaRangeConfig = s.cfg.Standard
	}

	s.logger.WithFields(logrus.Fields{
		"vix":       vix,
		"average":   avg,
		"threshold": s.cfg.Threshold,
		"regime":    snap.Regime,
	}).Info("regime snapshot")
	return snap
}

// currentVIX returns the index value, cached for CacheTTL.
func (s *Selector) currentVIX(ctx context.Context) (float64, bool) {
	s.mu.Lock()
	if !s.vixFetched.IsZero() && time.Since(s.vixFetched) < s.cfg.CacheTTL {
		v := s.cachedVIX
		s.mu.Unlock()
		return v, true
	}
	s.mu.Unlock()

	quote, err := s.data.GetQuote(ctx, s.cfg.VIXExchange, s.cfg.VIXSymbol)
	if err != nil {
		s.logger.WithError(err).Warn("could not fetch volatility index")
		// A stale selector-local value is still better than nothing.
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.vixFetched.IsZero() {
			return s.cachedVIX, true
		}
		return 0, false
	}

	s.mu.Lock()
	s.cachedVIX = quote.LastPrice
	s.vixFetched = time.Now()
	s.mu.Unlock()
	return quote.LastPrice, true
}

// trailingAverage averages the prior LookbackDays−1 daily closes together
// with today's value. Missing history degrades to today's value alone.
func (s *Selector) trailingAverage(ctx context.Context, today float64) float64 {
	n := s.cfg.LookbackDays
	if n <= 1 {
		return today
	}

	to := time.Now()
	// Twice the window in calendar days comfortably covers weekends and
	// holidays.
	from := to.AddDate(0, 0, -2*n-7)
	candles, err := s.data.GetCandles(ctx, s.cfg.VIXExchange, s.cfg.VIXSymbol, "day", from, to)
	if err != nil || len(candles) == 0 {
		if err != nil {
			s.logger.WithError(err).Warn("could not fetch volatility index history")
		}
		return today
	}

	// Last n-1 full sessions before today.
	closes := make([]float64, 0, n-1)
	for i := len(candles) - 1; i >= 0 && len(closes) < n-1; i-- {
		if sameDay(candles[i].Timestamp, to) {
			continue // today's partial bar; we already have the live value
		}
		closes = append(closes, candles[i].Close)
	}

	sum := today
	for _, c := range closes {
		sum += c
	}
	return sum / float64(len(closes)+1)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
