// Package gateway is the resilient data-access layer over the broker API.
// It owns retry/backoff classification, three TTL caches (option chain,
// quotes, VWAP), a global minimum inter-call delay, and an observational
// consecutive-failure alert. Everything above it (regime, selector, engine)
// talks to the gateway, never to the broker directly.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nifty-strangler/internal/analytics"
	"nifty-strangler/internal/broker"
	"nifty-strangler/internal/models"
)

// Config tunes the gateway. Zero values fall back to defaults.
type Config struct {
	ChainTTL time.Duration
	QuoteTTL time.Duration
	VWAPTTL  time.Duration
	// StalenessMultiple bounds how long a stale cache entry may still be
	// served after live refetches start failing.
	StalenessMultiple int
	// MinCallGap is the global minimum delay between non-cached outbound
	// calls. The broker API is rate-limited; this is the engine's side of
	// the bargain.
	MinCallGap    time.Duration
	SweepInterval time.Duration

	// AlertThreshold consecutive failures emit one alert log line per
	// AlertInterval. Purely observational.
	AlertThreshold int
	AlertInterval  time.Duration

	// VWAP candle collection.
	VWAPInterval     string
	MinCandles       int
	LookbackSessions int

	Retry Policy
}

func (c Config) withDefaults() Config {
	if c.ChainTTL <= 0 {
		c.ChainTTL = 5 * time.Minute
	}
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = 10 * time.Second
	}
	if c.VWAPTTL <= 0 {
		c.VWAPTTL = 60 * time.Second
	}
	if c.StalenessMultiple <= 0 {
		c.StalenessMultiple = 5
	}
	if c.MinCallGap <= 0 {
		c.MinCallGap = 2 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 5
	}
	if c.AlertInterval <= 0 {
		c.AlertInterval = 5 * time.Minute
	}
	if c.VWAPInterval == "" {
		c.VWAPInterval = "5minute"
	}
	if c.MinCandles <= 0 {
		c.MinCandles = 10
	}
	if c.LookbackSessions <= 0 {
		c.LookbackSessions = 10
	}
	return c
}

// Gateway wraps a Broker with caching, retry, pacing, and failure tracking.
// One Gateway per account; its caches must never be shared across accounts.
type Gateway struct {
	broker broker.Broker
	logger logrus.FieldLogger
	cfg    Config

	chainCache *ttlCache[[]models.OptionContract]
	quoteCache *ttlCache[models.Quote]
	vwapCache  *ttlCache[float64]

	paceMu   sync.Mutex
	lastCall time.Time

	alertMu      sync.Mutex
	consecutive  int
	lastAlert    time.Time
	totalAlerted int
}

// New creates a gateway over the given broker.
func New(b broker.Broker, logger logrus.FieldLogger, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gateway{
		broker:     b,
		logger:     logger.WithField("component", "gateway"),
		cfg:        cfg,
		chainCache: newTTLCache[[]models.OptionContract](cfg.ChainTTL, cfg.StalenessMultiple),
		quoteCache: newTTLCache[models.Quote](cfg.QuoteTTL, cfg.StalenessMultiple),
		vwapCache:  newTTLCache[float64](cfg.VWAPTTL, cfg.StalenessMultiple),
	}
}

// RunSweeper periodically evicts cache entries past the staleness bound.
// It blocks until ctx is done.
func (g *Gateway) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := g.chainCache.sweep() + g.quoteCache.sweep() + g.vwapCache.sweep()
			if evicted > 0 {
				g.logger.WithField("evicted", evicted).Debug("cache sweep")
			}
		}
	}
}

// pace enforces the global minimum inter-call delay. Callers are serialized
// so each outbound call is at least MinCallGap after the previous one.
func (g *Gateway) pace(ctx context.Context) error {
	g.paceMu.Lock()
	defer g.paceMu.Unlock()
	wait := g.cfg.MinCallGap - time.Since(g.lastCall)
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.lastCall = time.Now()
	return nil
}

func (g *Gateway) recordOutcome(op string, err error) {
	g.alertMu.Lock()
	defer g.alertMu.Unlock()
	if err == nil {
		g.consecutive = 0
		return
	}
	g.consecutive++
	if g.consecutive >= g.cfg.AlertThreshold && time.Since(g.lastAlert) >= g.cfg.AlertInterval {
		g.lastAlert = time.Now()
		g.totalAlerted++
		g.logger.WithFields(logrus.Fields{
			"op":           op,
			"consecutive":  g.consecutive,
			"total_alerts": g.totalAlerted,
		}).Warnf("broker API failing repeatedly: %v", err)
	}
}

// ConsecutiveFailures returns the current failure streak (for status views).
func (g *Gateway) ConsecutiveFailures() int {
	g.alertMu.Lock()
	defer g.alertMu.Unlock()
	return g.consecutive
}

// call runs one broker operation with pacing, retry, and failure tracking.
func call[T any](g *Gateway, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	result, err := withRetry(ctx, g.cfg.Retry, op, func(ctx context.Context) (T, error) {
		var zero T
		if perr := g.pace(ctx); perr != nil {
			return zero, perr
		}
		r, cerr := fn(ctx)
		g.recordOutcome(op, cerr)
		return r, cerr
	})
	return result, err
}

// GetQuote returns the last traded price for a symbol, cached for QuoteTTL.
// On fetch failure a stale quote is served while its age is below
// StalenessMultiple×QuoteTTL, otherwise ErrUnavailable.
func (g *Gateway) GetQuote(ctx context.Context, exchange, symbol string) (models.Quote, error) {
	key := exchange + ":" + symbol
	return g.quoteCache.getOrFetch(key, func() (models.Quote, error) {
		q, err := call(g, ctx, "get_quote "+key, func(ctx context.Context) (*models.Quote, error) {
			return g.broker.GetQuote(ctx, exchange, symbol)
		})
		if err != nil {
			return models.Quote{}, err
		}
		return *q, nil
	})
}

// GetOptionChain returns the option instrument master for an underlying,
// cached for ChainTTL.
func (g *Gateway) GetOptionChain(ctx context.Context, exchange, underlying string) ([]models.OptionContract, error) {
	key := exchange + ":" + underlying
	return g.chainCache.getOrFetch(key, func() ([]models.OptionContract, error) {
		return call(g, ctx, "get_instruments "+key, func(ctx context.Context) ([]models.OptionContract, error) {
			return g.broker.GetInstruments(ctx, exchange, underlying)
		})
	})
}

// GetVWAP returns the volume-weighted average price for a symbol, cached for
// VWAPTTL. If the current session has fewer than MinCandles bars the window
// extends into prior sessions, bounded by LookbackSessions.
func (g *Gateway) GetVWAP(ctx context.Context, exchange, symbol string) (float64, error) {
	key := exchange + ":" + symbol + ":" + g.cfg.VWAPInterval
	return g.vwapCache.getOrFetch(key, func() (float64, error) {
		candles, err := g.collectCandles(ctx, exchange, symbol)
		if err != nil {
			return 0, err
		}
		return analytics.VWAP(candles, g.cfg.MinCandles)
	})
}

// collectCandles fetches today's bars, extending into the bounded look-back
// window when the session is too short.
func (g *Gateway) collectCandles(ctx context.Context, exchange, symbol string) ([]models.Candle, error) {
	now := time.Now()
	sessionStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	fetch := func(from time.Time) ([]models.Candle, error) {
		op := fmt.Sprintf("get_candles %s:%s", exchange, symbol)
		return call(g, ctx, op, func(ctx context.Context) ([]models.Candle, error) {
			return g.broker.GetCandles(ctx, exchange, symbol, g.cfg.VWAPInterval, from, now)
		})
	}

	candles, err := fetch(sessionStart)
	if err != nil {
		return nil, err
	}
	if len(candles) >= g.cfg.MinCandles {
		return candles, nil
	}

	// Short session (early morning, resumed halt): pull the whole bounded
	// look-back window in one call.
	extended, err := fetch(sessionStart.AddDate(0, 0, -g.cfg.LookbackSessions))
	if err != nil {
		// The short series we already have may still satisfy VWAP's own
		// minimum; let analytics decide.
		return candles, nil
	}
	return extended, nil
}

// GetCandles is an uncached pass-through with retry, used for daily series
// (volatility-index closes).
func (g *Gateway) GetCandles(ctx context.Context, exchange, symbol, interval string,
	from, to time.Time) ([]models.Candle, error) {
	op := fmt.Sprintf("get_candles %s:%s:%s", exchange, symbol, interval)
	return call(g, ctx, op, func(ctx context.Context) ([]models.Candle, error) {
		return g.broker.GetCandles(ctx, exchange, symbol, interval, from, to)
	})
}

// PlaceOrder submits an order. Writes never fall back to cache: on retry
// exhaustion the error propagates and the caller keeps its prior order
// authoritative.
func (g *Gateway) PlaceOrder(ctx context.Context, p broker.OrderParams) (string, error) {
	op := fmt.Sprintf("place_order %s %s", p.TransactionType, p.TradingSymbol)
	return call(g, ctx, op, func(ctx context.Context) (string, error) {
		return g.broker.PlaceOrder(ctx, p)
	})
}

// ModifyOrder updates a working order's price/trigger.
func (g *Gateway) ModifyOrder(ctx context.Context, variety, orderID string, p broker.ModifyParams) error {
	_, err := call(g, ctx, "modify_order "+orderID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.broker.ModifyOrder(ctx, variety, orderID, p)
	})
	return err
}

// CancelOrder cancels a working order.
func (g *Gateway) CancelOrder(ctx context.Context, variety, orderID string) error {
	_, err := call(g, ctx, "cancel_order "+orderID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.broker.CancelOrder(ctx, variety, orderID)
	})
	return err
}

// GetOrderStatus returns the latest state of an order. Uncached: order state
// is the one thing the engine must never act on stale.
func (g *Gateway) GetOrderStatus(ctx context.Context, orderID string) (*broker.Order, error) {
	return call(g, ctx, "order_status "+orderID, func(ctx context.Context) (*broker.Order, error) {
		return g.broker.GetOrderStatus(ctx, orderID)
	})
}

// GetPositions returns the net positions book.
func (g *Gateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	return call(g, ctx, "get_positions", func(ctx context.Context) ([]broker.Position, error) {
		return g.broker.GetPositions(ctx)
	})
}
