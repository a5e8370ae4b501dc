package analytics

import (
	"errors"
	"math"
	"testing"
	"time"

	"nifty-strangler/internal/models"
)

func candle(h, l, c float64, vol int64) models.Candle {
	return models.Candle{
		Timestamp: time.Now(),
		Open:      c,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    vol,
	}
}

func TestVWAP_WeightsByVolume(t *testing.T) {
	candles := []models.Candle{
		candle(102, 98, 100, 100), // typical 100
		candle(112, 108, 110, 300), // typical 110
	}
	got, err := VWAP(candles, 2)
	if err != nil {
		t.Fatalf("VWAP: %v", err)
	}
	want := (100.0*100 + 110.0*300) / 400
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("VWAP = %.4f, want %.4f", got, want)
	}
}

func TestVWAP_ZeroTotalVolume(t *testing.T) {
	candles := []models.Candle{
		candle(102, 98, 100, 0),
		candle(112, 108, 110, 0),
	}
	_, err := VWAP(candles, 2)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("zero volume should yield ErrUnavailable, got %v", err)
	}
}

func TestVWAP_TooFewCandles(t *testing.T) {
	candles := []models.Candle{candle(102, 98, 100, 500)}
	if _, err := VWAP(candles, 10); !errors.Is(err, ErrUnavailable) {
		t.Errorf("short series should yield ErrUnavailable, got %v", err)
	}
}

func TestDistancePercent(t *testing.T) {
	got, err := DistancePercent(105, 100)
	if err != nil {
		t.Fatalf("DistancePercent: %v", err)
	}
	if math.Abs(got-5) > 1e-9 {
		t.Errorf("distance = %.4f, want 5", got)
	}

	got, err = DistancePercent(95, 100)
	if err != nil {
		t.Fatalf("DistancePercent: %v", err)
	}
	if math.Abs(got-5) > 1e-9 {
		t.Errorf("distance should be absolute, got %.4f", got)
	}

	if _, err := DistancePercent(100, 0); err == nil {
		t.Error("zero reference must error")
	}
}
