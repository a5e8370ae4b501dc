// Package engine drives the strangle session state machine: scanning,
// entry, monitoring, hedging, re-entry and square-off.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"nifty-strangler/internal/broker"
	"nifty-strangler/internal/config"
	"nifty-strangler/internal/models"
	"nifty-strangler/internal/regime"
	"nifty-strangler/internal/selector"
	"nifty-strangler/internal/storage"
)

// Gateway is the slice of the broker gateway the engine needs.
type Gateway interface {
	GetQuote(ctx context.Context, exchange, symbol string) (models.Quote, error)
	GetOptionChain(ctx context.Context, exchange, underlying string) ([]models.OptionContract, error)
	PlaceOrder(ctx context.Context, p broker.OrderParams) (string, error)
	ModifyOrder(ctx context.Context, variety, orderID string, p broker.ModifyParams) error
	CancelOrder(ctx context.Context, variety, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (*broker.Order, error)
}

// PairFinder selects entry pairs and re-entry replacement legs.
type PairFinder interface {
	SelectPair(ctx context.Context, chain []models.OptionContract, spot, screeningSigma float64,
		band models.DeltaRangeConfig, expiry time.Time, slPercent float64) (*selector.Selection, error)
	FindReplacement(ctx context.Context, chain []models.OptionContract, spot, screeningSigma float64,
		band models.DeltaRangeConfig, expiry time.Time, instrType models.InstrumentType) (*selector.Replacement, error)
}

// RegimeSource supplies the per-cycle volatility regime snapshot.
type RegimeSource interface {
	Snapshot(ctx context.Context) regime.Snapshot
}

// Engine owns exactly one trade session at a time.
type Engine struct {
	gw     Gateway
	finder PairFinder
	regime RegimeSource
	store  storage.Interface
	logger logrus.FieldLogger
	cfg    *config.Config

	mu    sync.RWMutex
	sm    *models.StateMachine
	trade *models.TradeState
	cycle regime.Snapshot

	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	lastSnapshot time.Time

	// closedPremium carries the buy-back prices of legs that were closed
	// without replacement, so the premium mark stays truthful after exits.
	closedPremium float64
}

// New wires an engine. store may be nil in tests.
func New(gw Gateway, finder PairFinder, rs RegimeSource, store storage.Interface,
	logger logrus.FieldLogger, cfg *config.Config) *Engine {

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		gw:     gw,
		finder: finder,
		regime: rs,
		store:  store,
		logger: logger.WithField("component", "engine"),
		cfg:    cfg,
		sm:     models.NewStateMachine(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current state and its description.
func (e *Engine) State() (models.EngineState, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sm.Current(), e.sm.Description()
}

// Trade returns a copy of the active trade state, or nil when idle.
func (e *Engine) Trade() *models.TradeState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.trade == nil {
		return nil
	}
	cp := *e.trade
	return &cp
}

func (e *Engine) transition(to models.EngineState, condition string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.sm.Current()
	if err := e.sm.Transition(to, condition); err != nil {
		e.logger.WithError(err).Error("State transition rejected")
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"from":      prev,
		"to":        to,
		"condition": condition,
	}).Info("State transition")
	return nil
}

func (e *Engine) setTrade(t *models.TradeState) {
	e.mu.Lock()
	e.trade = t
	e.mu.Unlock()
}

// Run executes one full session and returns when it reaches Terminal or the
// context is cancelled. The stop signal is cooperative: it is honored at the
// top of each scan attempt and each monitoring tick, never mid-order.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.transition(models.StateScanning, models.ConditionSessionStart); err != nil {
		return err
	}

	sel, snap, err := e.scan(ctx)
	if err != nil {
		// Scanning only ends by stop or square-off cutoff; both are terminal.
		return nil //nolint:nilerr // the session ended cleanly without a trade
	}

	trade, ok := e.enter(ctx, sel, snap)
	for !ok {
		if ctx.Err() != nil {
			e.transition(models.StateTerminal, models.ConditionStopped)
			return nil
		}
		sel, snap, err = e.scan(ctx)
		if err != nil {
			return nil
		}
		trade, ok = e.enter(ctx, sel, snap)
	}

	e.setTrade(trade)
	e.monitor(ctx)
	e.finishSession(ctx)
	return nil
}

// finishSession persists the closing snapshot once the machine is terminal.
func (e *Engine) finishSession(ctx context.Context) {
	e.mu.RLock()
	trade := e.trade
	e.mu.RUnlock()
	if trade == nil || e.store == nil {
		return
	}
	cur := e.currentPremium(ctx, trade)
	snap := trade.Snapshot(cur, e.now())
	if err := e.store.AppendSnapshot(snap); err != nil {
		e.logger.WithError(err).Warn("Final snapshot not persisted")
	}
	if err := e.store.RecordSessionClose(trade.SessionID, snap.RealizedPnL); err != nil {
		e.logger.WithError(err).Warn("Session close not persisted")
	}
	e.logger.WithFields(logrus.Fields{
		"session": trade.SessionID,
		"pnl":     snap.RealizedPnL,
	}).Info("Session finished")
}

func newSessionID() string {
	return uuid.NewString()
}
