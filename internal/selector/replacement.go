package selector

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"nifty-strangler/internal/analytics"
	"nifty-strangler/internal/models"
)

// Replacement is a single-leg candidate used after a stop-loss fill.
type Replacement struct {
	Contract models.OptionContract
	Quote    models.Quote
	Delta    float64
}

// FindReplacement picks a same-expiry contract of the given type whose
// |delta| sits in the band, preferring the one closest to the band midpoint.
// Returns nil with a nil error when nothing qualifies.
func (s *Selector) FindReplacement(ctx context.Context, chain []models.OptionContract, spot, screeningSigma float64,
	band models.DeltaRangeConfig, expiry time.Time, instrType models.InstrumentType) (*Replacement, error) {

	if spot <= 0 || expiry.IsZero() {
		return nil, nil
	}
	atm := spot
	low, high := atm-s.cfg.WindowWidth, atm+s.cfg.WindowWidth
	mid := (band.DeltaLow + band.DeltaHigh) / 2
	now := s.now()

	var best *Replacement
	var bestDist float64
	for _, c := range chain {
		if c.InstrumentType != instrType || !sameDay(c.Expiry, expiry) {
			continue
		}
		if c.Strike < low || c.Strike > high {
			continue
		}
		tte := c.TimeToExpiry(now)
		delta, err := analytics.Delta(c.InstrumentType, spot, c.Strike, tte, screeningSigma, s.cfg.RiskFreeRate)
		if err != nil {
			continue
		}
		abs := math.Abs(delta)
		if !band.Contains(abs) {
			continue
		}
		dist := math.Abs(abs - mid)
		if best != nil && dist >= bestDist {
			continue
		}
		q, err := s.data.GetQuote(ctx, s.cfg.Exchange, c.TradingSymbol)
		if err != nil || q.LastPrice <= 0 {
			continue
		}
		best = &Replacement{Contract: c, Quote: q, Delta: delta}
		bestDist = dist
	}
	if best == nil {
		s.logger.WithField("type", instrType).Info("No replacement leg in the active delta band")
		return nil, nil
	}
	s.logger.WithFields(logrus.Fields{
		"symbol": best.Contract.TradingSymbol,
		"delta":  best.Delta,
		"price":  best.Quote.LastPrice,
	}).Info("Replacement leg found")
	return best, nil
}
