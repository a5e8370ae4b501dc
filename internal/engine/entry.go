package engine

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"nifty-strangler/internal/broker"
	"nifty-strangler/internal/models"
	"nifty-strangler/internal/regime"
	"nifty-strangler/internal/selector"
)

// defaultScreeningSigma stands in for the VIX when the regime snapshot is
// degraded and carries no usable index value.
const defaultScreeningSigma = 0.15

var errSessionOver = errors.New("session over without a trade")

// screeningSigma converts the cycle's VIX reading into the volatility used
// for pre-quote delta screening.
func screeningSigma(snap regime.Snapshot) float64 {
	if snap.CurrentVIX > 0 {
		return snap.CurrentVIX / 100
	}
	return defaultScreeningSigma
}

// scan loops until a Go pair is found, the square-off cutoff passes, or the
// context is cancelled. A fresh regime snapshot is taken per attempt and
// kept for the rest of the decision cycle.
func (e *Engine) scan(ctx context.Context) (*selector.Selection, regime.Snapshot, error) {
	backoff := e.cfg.ScanBackoffDuration()
	for {
		if ctx.Err() != nil {
			e.transition(models.StateTerminal, models.ConditionStopped)
			return nil, regime.Snapshot{}, errSessionOver
		}
		if e.cfg.PastSquareOff(e.now()) {
			e.logger.Info("Square-off cutoff reached before entry")
			e.transition(models.StateTerminal, models.ConditionSquareOffTime)
			return nil, regime.Snapshot{}, errSessionOver
		}

		snap := e.regime.Snapshot(ctx)
		e.mu.Lock()
		e.cycle = snap
		e.mu.Unlock()

		sel, err := e.scanOnce(ctx, snap)
		if err != nil {
			e.logger.WithError(err).Warn("Scan attempt failed")
		}
		if sel != nil {
			if err := e.transition(models.StateEntering, models.ConditionPairSelected); err != nil {
				return nil, snap, errSessionOver
			}
			return sel, snap, nil
		}
		if err := e.sleep(ctx, backoff); err != nil {
			e.transition(models.StateTerminal, models.ConditionStopped)
			return nil, snap, errSessionOver
		}
	}
}

func (e *Engine) scanOnce(ctx context.Context, snap regime.Snapshot) (*selector.Selection, error) {
	s := e.cfg.Strategy
	spotQ, err := e.gw.GetQuote(ctx, s.UnderlyingExch, s.Underlying)
	if err != nil {
		return nil, err
	}
	chain, err := e.gw.GetOptionChain(ctx, s.OptionsExchange, s.ChainName)
	if err != nil {
		return nil, err
	}
	expiry := selector.NearestExpiry(chain, e.now())
	return e.finder.SelectPair(ctx, chain, spotQ.LastPrice, screeningSigma(snap),
		snap.DeltaRangeConfig, expiry, s.StopLossPercent)
}

// enter places both sell legs and their stop-loss buys. Any failure past the
// first fill squares off what was placed and reports the entry aborted; the
// caller returns to scanning.
func (e *Engine) enter(ctx context.Context, sel *selector.Selection, snap regime.Snapshot) (*models.TradeState, bool) {
	s := e.cfg.Strategy
	variety := broker.VarietyRegular
	if !e.cfg.InTradingWindow(e.now()) {
		variety = broker.VarietyAMO
	}

	callID, callFill, err := e.placeSell(ctx, sel.Pair.Call, s.Quantity, variety, sel.Pair.CallQuote.LastPrice)
	if err != nil {
		e.logger.WithError(err).Error("Call entry failed")
		e.transition(models.StateScanning, models.ConditionEntryAborted)
		return nil, false
	}
	putID, putFill, err := e.placeSell(ctx, sel.Pair.Put, s.Quantity, variety, sel.Pair.PutQuote.LastPrice)
	if err != nil {
		e.logger.WithError(err).Error("Put entry failed, squaring off call leg")
		if closeErr := e.buyToClose(ctx, sel.Pair.Call, s.Quantity); closeErr != nil {
			e.logger.WithError(closeErr).Error("Unwind of lone call leg failed, manual intervention needed")
		}
		e.transition(models.StateScanning, models.ConditionEntryAborted)
		return nil, false
	}

	callLeg := &models.Leg{
		Contract:     sel.Pair.Call,
		Side:         models.LegCall,
		Quantity:     s.Quantity,
		EntryPrice:   callFill,
		EntryOrderID: callID,
	}
	putLeg := &models.Leg{
		Contract:     sel.Pair.Put,
		Side:         models.LegPut,
		Quantity:     s.Quantity,
		EntryPrice:   putFill,
		EntryOrderID: putID,
	}

	if err := e.armStops(ctx, callLeg, putLeg); err != nil {
		e.logger.WithError(err).Error("Stop-loss placement failed, unwinding both legs")
		e.unwindLegs(ctx, callLeg, putLeg)
		e.transition(models.StateScanning, models.ConditionEntryAborted)
		return nil, false
	}

	trade := models.NewTradeState(newSessionID(), snap.DeltaRangeConfig, callLeg, putLeg)
	if err := trade.Validate(); err != nil {
		e.logger.WithError(err).Error("Trade state invalid after entry, unwinding")
		e.unwindLegs(ctx, callLeg, putLeg)
		e.transition(models.StateScanning, models.ConditionEntryAborted)
		return nil, false
	}

	e.logger.WithFields(logrus.Fields{
		"session": trade.SessionID,
		"call":    callLeg.Contract.TradingSymbol,
		"put":     putLeg.Contract.TradingSymbol,
		"premium": trade.InitialPremium,
		"variety": variety,
	}).Info("Strangle entered")

	if err := e.transition(models.StateMonitoring, models.ConditionOrdersPlaced); err != nil {
		return nil, false
	}
	return trade, true
}

// armStops places the SL buy orders for both fresh legs, offset from entry
// by the configured percentage.
func (e *Engine) armStops(ctx context.Context, legs ...*models.Leg) error {
	for _, leg := range legs {
		trigger := leg.EntryPrice * (1 + e.cfg.Strategy.StopLossPercent/100)
		slID, err := e.placeStopLoss(ctx, leg.Contract, leg.Quantity, trigger)
		if err != nil {
			return err
		}
		leg.SLOrderID = slID
		leg.SLPrice = trigger
	}
	return nil
}

// unwindLegs cancels stops and buys back whatever is live. Best effort:
// failures are logged and the positions left for manual handling.
func (e *Engine) unwindLegs(ctx context.Context, legs ...*models.Leg) {
	for _, leg := range legs {
		if leg == nil || leg.Closed {
			continue
		}
		if leg.SLOrderID != "" {
			e.cancelStop(ctx, leg)
		}
		if err := e.buyToClose(ctx, leg.Contract, leg.Quantity); err != nil {
			e.logger.WithError(err).WithField("symbol", leg.Contract.TradingSymbol).
				Error("Unwind failed, manual intervention needed")
			continue
		}
		leg.Closed = true
	}
}
