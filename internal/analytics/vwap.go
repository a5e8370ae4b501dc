package analytics

import (
	"fmt"

	"nifty-strangler/internal/models"
)

// VWAP returns the volume-weighted average of the typical price (H+L+C)/3
// over the given candles. It reports ErrUnavailable when the series is
// shorter than minCandles or the total volume is zero; it never divides by
// zero.
func VWAP(candles []models.Candle, minCandles int) (float64, error) {
	if len(candles) < minCandles {
		return 0, fmt.Errorf("vwap: %d candles below minimum %d: %w",
			len(candles), minCandles, ErrUnavailable)
	}

	var weighted float64
	var totalVolume int64
	for _, c := range candles {
		weighted += c.TypicalPrice() * float64(c.Volume)
		totalVolume += c.Volume
	}
	if totalVolume == 0 {
		return 0, fmt.Errorf("vwap: zero total volume over %d candles: %w",
			len(candles), ErrUnavailable)
	}
	return weighted / float64(totalVolume), nil
}

// DistancePercent returns |price − reference|/reference×100, the measure the
// selector scores VWAP proximity with.
func DistancePercent(price, reference float64) (float64, error) {
	if reference == 0 {
		return 0, fmt.Errorf("distance: zero reference: %w", ErrUnavailable)
	}
	d := (price - reference) / reference * 100
	if d < 0 {
		d = -d
	}
	return d, nil
}
