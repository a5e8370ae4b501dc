package regime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"nifty-strangler/internal/models"
)

type fakeMarket struct {
	vix         float64
	quoteErr    error
	candles     []models.Candle
	candleErr   error
	quoteCalls  int
	candleCalls int
}

func (f *fakeMarket) GetQuote(context.Context, string, string) (models.Quote, error) {
	f.quoteCalls++
	if f.quoteErr != nil {
		return models.Quote{}, f.quoteErr
	}
	return models.Quote{Symbol: "INDIA VIX", LastPrice: f.vix, FetchedAt: time.Now()}, nil
}

func (f *fakeMarket) GetCandles(context.Context, string, string, string, time.Time, time.Time) ([]models.Candle, error) {
	f.candleCalls++
	if f.candleErr != nil {
		return nil, f.candleErr
	}
	return f.candles, nil
}

func dailyCloses(closes ...float64) []models.Candle {
	out := make([]models.Candle, len(closes))
	day := time.Now().AddDate(0, 0, -len(closes))
	for i, c := range closes {
		out[i] = models.Candle{Timestamp: day.AddDate(0, 0, i), Close: c, Volume: 1}
	}
	return out
}

func testConfig() Config {
	return Config{
		Threshold:    13.0,
		LookbackDays: 5,
		Extended:     models.DeltaRangeConfig{DeltaLow: 0.21, DeltaHigh: 0.40, HedgeTriggerPoints: 60, UseExtendedExpiry: true},
		Standard:     models.DeltaRangeConfig{DeltaLow: 0.29, DeltaHigh: 0.36, HedgeTriggerPoints: 40},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestSnapshot_CalmMarketGetsExtendedRegime(t *testing.T) {
	market := &fakeMarket{vix: 11.5, candles: dailyCloses(11.0, 11.2, 11.8, 12.0)}
	s := New(market, quietLogger(), testConfig())

	snap := s.Snapshot(context.Background())
	if snap.Regime != RegimeExtended {
		t.Fatalf("regime = %s, want extended", snap.Regime)
	}
	if snap.Degraded {
		t.Error("snapshot should not be degraded with data available")
	}
	if !snap.UseExtendedExpiry {
		t.Error("extended regime carries extended-expiry hedging")
	}
	want := (11.5 + 11.0 + 11.2 + 11.8 + 12.0) / 5
	if diff := snap.VIXAverage - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("average = %.4f, want %.4f", snap.VIXAverage, want)
	}
}

func TestSnapshot_ElevatedMarketGetsStandardRegime(t *testing.T) {
	market := &fakeMarket{vix: 16.0, candles: dailyCloses(15.0, 15.5, 16.5, 17.0)}
	s := New(market, quietLogger(), testConfig())

	snap := s.Snapshot(context.Background())
	if snap.Regime != RegimeStandard {
		t.Fatalf("regime = %s, want standard", snap.Regime)
	}
	if snap.DeltaLow != 0.29 || snap.DeltaHigh != 0.36 {
		t.Errorf("band = [%.2f, %.2f], want [0.29, 0.36]", snap.DeltaLow, snap.DeltaHigh)
	}
	if snap.UseExtendedExpiry {
		t.Error("standard regime hedges on the active expiry")
	}
}

func TestSnapshot_TotalUnavailabilityFailsSafe(t *testing.T) {
	market := &fakeMarket{quoteErr: errors.New("gateway down")}
	s := New(market, quietLogger(), testConfig())

	snap := s.Snapshot(context.Background())
	if snap.Regime != RegimeExtended {
		t.Fatalf("regime = %s, want the fail-safe extended", snap.Regime)
	}
	if !snap.Degraded {
		t.Error("snapshot must be marked degraded")
	}
	if snap.CurrentVIX != 0 {
		t.Errorf("degraded snapshot carries no index value, got %.2f", snap.CurrentVIX)
	}
}

func TestSnapshot_MissingHistoryDegradesToLiveValue(t *testing.T) {
	market := &fakeMarket{vix: 14.2, candleErr: errors.New("history unavailable")}
	s := New(market, quietLogger(), testConfig())

	snap := s.Snapshot(context.Background())
	if snap.Degraded {
		t.Error("a live index value alone is not a degraded snapshot")
	}
	if snap.VIXAverage != 14.2 {
		t.Errorf("average = %.2f, want the live value 14.2", snap.VIXAverage)
	}
	if snap.Regime != RegimeStandard {
		t.Errorf("regime = %s, want standard at 14.2 vs threshold 13", snap.Regime)
	}
}

func TestSnapshot_IndexValueCachedBetweenCycles(t *testing.T) {
	market := &fakeMarket{vix: 12.0, candles: dailyCloses(12.0, 12.0)}
	cfg := testConfig()
	cfg.CacheTTL = time.Hour
	s := New(market, quietLogger(), cfg)

	s.Snapshot(context.Background())
	s.Snapshot(context.Background())
	s.Snapshot(context.Background())
	if market.quoteCalls != 1 {
		t.Errorf("quote fetched %d times within TTL, want 1", market.quoteCalls)
	}
}

func TestSnapshot_StaleCacheBeatsFetchFailure(t *testing.T) {
	market := &fakeMarket{vix: 12.0, candles: dailyCloses(12.0, 12.0)}
	cfg := testConfig()
	cfg.CacheTTL = time.Nanosecond
	s := New(market, quietLogger(), cfg)

	first := s.Snapshot(context.Background())
	if first.Degraded {
		t.Fatal("first snapshot should be clean")
	}

	market.quoteErr = errors.New("gateway down")
	time.Sleep(time.Millisecond)
	second := s.Snapshot(context.Background())
	if second.Degraded {
		t.Error("a stale cached index value should still produce a clean snapshot")
	}
	if second.CurrentVIX != 12.0 {
		t.Errorf("stale value = %.2f, want 12.0", second.CurrentVIX)
	}
}
