package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"nifty-strangler/internal/analytics"
	"nifty-strangler/internal/broker"
	"nifty-strangler/internal/models"
	"nifty-strangler/internal/util"
)

const (
	snapshotEvery = 30 * time.Second
	// legacyDriftBuffer is the extra margin over DeltaHigh before a full
	// exit-and-replace when delta-drift tightening is disabled.
	legacyDriftBuffer = 0.1
)

// monitor runs the tick loop until the session reaches Terminal.
func (e *Engine) monitor(ctx context.Context) {
	interval := e.cfg.MonitorIntervalDuration()
	for {
		e.mu.RLock()
		terminal := e.sm.IsTerminal()
		e.mu.RUnlock()
		if terminal {
			return
		}
		if ctx.Err() != nil {
			e.transition(models.StateTerminal, models.ConditionStopped)
			return
		}
		if e.cfg.PastSquareOff(e.now()) {
			if e.transition(models.StateMarketClose, models.ConditionSquareOffTime) == nil {
				e.squareOff(ctx)
				e.transition(models.StateTerminal, models.ConditionSessionDone)
			}
			return
		}

		e.tick(ctx)

		e.mu.RLock()
		terminal = e.sm.IsTerminal()
		e.mu.RUnlock()
		if terminal {
			return
		}
		if e.sleep(ctx, interval) != nil {
			e.transition(models.StateTerminal, models.ConditionStopped)
			return
		}
	}
}

// tick performs one monitoring pass. Transient data failures skip the rest
// of the pass rather than acting on stale numbers.
func (e *Engine) tick(ctx context.Context) {
	trade := e.trade

	for _, side := range []models.LegSide{models.LegCall, models.LegPut} {
		leg := trade.Leg(side)
		if leg == nil || leg.Closed || leg.SLOrderID == "" {
			continue
		}
		ord, err := e.gw.GetOrderStatus(ctx, leg.SLOrderID)
		if err != nil {
			continue
		}
		if ord.Status == broker.StatusComplete {
			e.handleStopOut(ctx, trade, side, ord)
			e.mu.RLock()
			terminal := e.sm.IsTerminal()
			e.mu.RUnlock()
			if terminal {
				return
			}
		}
	}

	if trade.AllClosed() {
		e.transition(models.StateTerminal, models.ConditionAllLegsClosed)
		return
	}

	quotes, err := e.legQuotes(ctx, trade)
	if err != nil {
		e.logger.WithError(err).Debug("Leg quotes unavailable, skipping tick")
		return
	}
	cur := e.closedPremium
	for _, leg := range trade.OpenLegs() {
		cur += quotes[leg.Side].LastPrice
	}

	if e.store != nil && e.now().Sub(e.lastSnapshot) >= snapshotEvery {
		if err := e.store.AppendSnapshot(trade.Snapshot(cur, e.now())); err != nil {
			e.logger.WithError(err).Warn("Snapshot not persisted")
		}
		e.lastSnapshot = e.now()
	}

	if e.checkProfitBooking(ctx, trade, cur) {
		return
	}
	e.checkHedge(ctx, trade, cur)
	e.mu.RLock()
	terminal := e.sm.IsTerminal()
	e.mu.RUnlock()
	if terminal {
		return
	}
	e.checkDeltaDrift(ctx, trade, quotes)
}

// legQuotes fetches one quote per open leg. Any failure aborts the whole
// tick so the loop never mixes fresh and missing data.
func (e *Engine) legQuotes(ctx context.Context, trade *models.TradeState) (map[models.LegSide]models.Quote, error) {
	quotes := make(map[models.LegSide]models.Quote)
	for _, leg := range trade.OpenLegs() {
		q, err := e.gw.GetQuote(ctx, leg.Contract.Exchange, leg.Contract.TradingSymbol)
		if err != nil {
			return nil, err
		}
		quotes[leg.Side] = q
	}
	return quotes, nil
}

// handleStopOut processes a filled SL buy: ceiling first, then the
// replacement path when hedging and profit booking have not intervened.
func (e *Engine) handleStopOut(ctx context.Context, trade *models.TradeState, side models.LegSide, ord *broker.Order) {
	leg := trade.Leg(side)
	fill := ord.AveragePrice
	if fill <= 0 {
		fill = leg.SLPrice
	}

	e.mu.Lock()
	leg.Closed = true
	leg.SLOrderID = ""
	trade.StopLossTriggerCount++
	count := trade.StopLossTriggerCount
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"side":     side,
		"symbol":   leg.Contract.TradingSymbol,
		"fill":     fill,
		"triggers": count,
	}).Warn("Stop-loss filled")

	if count >= e.cfg.Strategy.MaxSLTriggers {
		e.bookClosedLeg(fill)
		e.tightenOpenStops(ctx, trade)
		if e.transition(models.StateStopLossExhausted, models.ConditionCeilingReached) == nil {
			e.transition(models.StateTerminal, models.ConditionSessionDone)
		}
		return
	}

	if trade.HedgePlaced || trade.ProfitBookingTier > 0 {
		e.bookClosedLeg(fill)
		if trade.AllClosed() {
			e.transition(models.StateTerminal, models.ConditionAllLegsClosed)
		}
		return
	}

	if e.transition(models.StateReEntering, models.ConditionStopLossFilled) != nil {
		return
	}
	e.reenter(ctx, trade, side, fill)
}

// bookClosedLeg records the buy-back price of a leg closed without
// replacement. Its realized result then flows through the premium mark;
// replaced legs are charged through ReplaceLeg instead.
func (e *Engine) bookClosedLeg(fill float64) {
	e.mu.Lock()
	e.closedPremium += fill
	e.mu.Unlock()
}

// reenter sells a same-expiry replacement for the stopped leg and arms its
// stop. On any failure the prior legs stay authoritative and the stop-out
// loss is booked.
func (e *Engine) reenter(ctx context.Context, trade *models.TradeState, side models.LegSide, stopFill float64) {
	old := trade.Leg(side)
	fail := func(reason string, err error) {
		e.logger.WithError(err).WithField("reason", reason).Warn("Re-entry failed")
		e.bookClosedLeg(stopFill)
		e.transition(models.StateMonitoring, models.ConditionReplacementFailed)
	}

	s := e.cfg.Strategy
	spotQ, err := e.gw.GetQuote(ctx, s.UnderlyingExch, s.Underlying)
	if err != nil {
		fail("spot quote", err)
		return
	}
	chain, err := e.gw.GetOptionChain(ctx, s.OptionsExchange, s.ChainName)
	if err != nil {
		fail("chain", err)
		return
	}
	e.mu.RLock()
	sigma := screeningSigma(e.cycle)
	e.mu.RUnlock()

	if err := e.replaceLeg(ctx, trade, side, old, chain, spotQ.LastPrice, sigma); err != nil {
		fail("replacement", err)
		return
	}
	e.transition(models.StateMonitoring, models.ConditionReplacementPlaced)
}

// replaceLeg sells a same-expiry replacement for a closed leg, arms its stop
// and swaps it into the trade. On failure nothing is swapped and whatever was
// placed is unwound. State transitions are the caller's business.
func (e *Engine) replaceLeg(ctx context.Context, trade *models.TradeState, side models.LegSide,
	old *models.Leg, chain []models.OptionContract, spot, sigma float64) error {

	rep, err := e.finder.FindReplacement(ctx, chain, spot, sigma,
		trade.Regime, old.Contract.Expiry, old.Contract.InstrumentType)
	if err != nil {
		return fmt.Errorf("replacement search: %w", err)
	}
	if rep == nil {
		return fmt.Errorf("no %s candidate in the active delta range", side)
	}

	orderID, fill, err := e.placeSell(ctx, rep.Contract, old.Quantity, broker.VarietyRegular, rep.Quote.LastPrice)
	if err != nil {
		return fmt.Errorf("replacement sell: %w", err)
	}
	trigger := fill * (1 + e.cfg.Strategy.StopLossPercent/100)
	slID, err := e.placeStopLoss(ctx, rep.Contract, old.Quantity, trigger)
	if err != nil {
		e.logger.WithError(err).Error("Replacement stop failed, unwinding replacement leg")
		if closeErr := e.buyToClose(ctx, rep.Contract, old.Quantity); closeErr != nil {
			e.logger.WithError(closeErr).Error("Replacement unwind failed, manual intervention needed")
		}
		return fmt.Errorf("replacement stop: %w", err)
	}

	newLeg := &models.Leg{
		Contract:     rep.Contract,
		Side:         side,
		Quantity:     old.Quantity,
		EntryPrice:   fill,
		EntryOrderID: orderID,
		SLOrderID:    slID,
		SLPrice:      trigger,
	}
	e.mu.Lock()
	err = trade.ReplaceLeg(side, newLeg)
	e.mu.Unlock()
	if err != nil {
		e.logger.WithError(err).Error("Replacement bookkeeping failed")
	}
	e.logger.WithFields(logrus.Fields{
		"side":   side,
		"symbol": rep.Contract.TradingSymbol,
		"entry":  fill,
	}).Info("Leg replaced")
	return nil
}

// checkProfitBooking advances the profit tier when premium decay covers the
// accumulated losses plus the tier threshold. The final tier ends the
// session; earlier tiers tighten stops and keep monitoring.
// Returns true when the session became terminal.
func (e *Engine) checkProfitBooking(ctx context.Context, trade *models.TradeState, cur float64) bool {
	tiers := e.cfg.Strategy.ProfitTiers
	tier := trade.ProfitBookingTier
	if tier >= len(tiers) {
		return false
	}
	if trade.PremiumReduction(cur) < trade.LossAccumulated+tiers[tier] {
		return false
	}
	if e.transition(models.StateProfitBooking, models.ConditionProfitTierHit) != nil {
		return false
	}
	e.logger.WithFields(logrus.Fields{
		"tier":      tier + 1,
		"reduction": trade.PremiumReduction(cur),
	}).Info("Profit tier reached, tightening stops")
	e.tightenOpenStops(ctx, trade)
	e.mu.Lock()
	trade.ProfitBookingTier = tier + 1
	e.mu.Unlock()

	if tier+1 >= len(tiers) {
		e.transition(models.StateTerminal, models.ConditionSessionDone)
		return true
	}
	e.transition(models.StateMonitoring, models.ConditionHedgeDone)
	return false
}

// checkHedge latches the one-time protective hedge once premium decay has
// covered the accumulated losses plus the regime's trigger.
func (e *Engine) checkHedge(ctx context.Context, trade *models.TradeState, cur float64) {
	if trade.HedgePlaced {
		return
	}
	if trade.PremiumReduction(cur) < trade.LossAccumulated+trade.Regime.HedgeTriggerPoints {
		return
	}
	if e.transition(models.StateHedging, models.ConditionHedgeTrigger) != nil {
		return
	}
	e.placeHedges(ctx, trade)
	e.mu.Lock()
	trade.HedgePlaced = true
	e.mu.Unlock()
	e.transition(models.StateMonitoring, models.ConditionHedgeDone)
}

// placeHedges buys far-OTM protection against each open short leg at half
// quantity, rounded down to whole lots. The attempt is one-shot: per-leg
// failures are logged and never retried.
func (e *Engine) placeHedges(ctx context.Context, trade *models.TradeState) {
	s := e.cfg.Strategy
	chain, err := e.gw.GetOptionChain(ctx, s.OptionsExchange, s.ChainName)
	if err != nil {
		e.logger.WithError(err).Error("Hedge chain fetch failed")
		return
	}
	qty := util.LotsFloor(s.Quantity/2, s.LotSize)

	for _, leg := range trade.OpenLegs() {
		target := leg.Contract.Strike + s.HedgeOffsetFar
		if leg.Side == models.LegPut {
			target = leg.Contract.Strike - s.HedgeOffsetFar
		}
		expiry := leg.Contract.Expiry
		if trade.Regime.UseExtendedExpiry {
			expiry = nextExpiryAfter(chain, expiry)
		}
		hc, ok := nearestContract(chain, leg.Contract.InstrumentType, expiry, target)
		if !ok {
			e.logger.WithField("side", leg.Side).Warn("No hedge contract near target strike")
			continue
		}
		quoted := 0.0
		if q, err := e.gw.GetQuote(ctx, hc.Exchange, hc.TradingSymbol); err == nil {
			quoted = q.LastPrice
		}
		orderID, err := e.gw.PlaceOrder(ctx, broker.OrderParams{
			Exchange:        hc.Exchange,
			TradingSymbol:   hc.TradingSymbol,
			TransactionType: broker.TransactionBuy,
			Quantity:        qty,
			Product:         broker.ProductNRML,
			OrderType:       broker.OrderTypeMarket,
			Variety:         broker.VarietyRegular,
			Tag:             e.orderTag(),
		})
		if err != nil {
			e.logger.WithError(err).WithField("symbol", hc.TradingSymbol).Error("Hedge order failed")
			continue
		}
		fill, err := e.awaitFill(ctx, orderID, quoted)
		if err != nil {
			e.logger.WithError(err).WithField("symbol", hc.TradingSymbol).Error("Hedge order died unfilled")
			continue
		}
		e.mu.Lock()
		trade.HedgeLegs = append(trade.HedgeLegs, models.HedgeLeg{
			Contract:   hc,
			Quantity:   qty,
			EntryPrice: fill,
			OrderID:    orderID,
		})
		e.mu.Unlock()
		e.logger.WithFields(logrus.Fields{
			"symbol": hc.TradingSymbol,
			"qty":    qty,
			"fill":   fill,
		}).Info("Hedge leg bought")
	}
}

// checkDeltaDrift watches each open leg's delta. With drift exit enabled, a
// leg whose |delta| decays below the configured floor has its stop tightened
// once per leg; the latch resets only on replacement. With it disabled, the
// legacy behaviour exits and fully re-enters both legs as soon as either
// |delta| runs past the band plus a buffer.
func (e *Engine) checkDeltaDrift(ctx context.Context, trade *models.TradeState, quotes map[models.LegSide]models.Quote) {
	s := e.cfg.Strategy
	spotQ, err := e.gw.GetQuote(ctx, s.UnderlyingExch, s.Underlying)
	if err != nil {
		return
	}
	e.mu.RLock()
	fallbackSigma := screeningSigma(e.cycle)
	e.mu.RUnlock()
	now := e.now()

	drifted := false
	for _, leg := range trade.OpenLegs() {
		q, ok := quotes[leg.Side]
		if !ok {
			continue
		}
		tte := leg.Contract.TimeToExpiry(now)
		sigma, err := analytics.ImpliedVolatility(leg.Contract.InstrumentType, spotQ.LastPrice,
			leg.Contract.Strike, tte, s.RiskFreeRate, q.LastPrice)
		if err != nil {
			sigma = fallbackSigma
		}
		delta, err := analytics.Delta(leg.Contract.InstrumentType, spotQ.LastPrice,
			leg.Contract.Strike, tte, sigma, s.RiskFreeRate)
		if err != nil {
			continue
		}
		abs := math.Abs(delta)

		if s.DeltaDriftExit {
			if abs < s.DeltaDriftLow && !leg.SLTightened {
				if e.tightenStop(ctx, leg, q.LastPrice) {
					e.mu.Lock()
					leg.SLTightened = true
					e.mu.Unlock()
				}
			}
			continue
		}

		if abs > trade.Regime.DeltaHigh+legacyDriftBuffer {
			drifted = true
		}
	}
	if drifted {
		e.driftReenterAll(ctx, trade, quotes)
	}
}

// driftReenterAll is the legacy full re-entry: square off both legs at
// market and replace each one like a stop-out, without counting an SL
// trigger.
func (e *Engine) driftReenterAll(ctx context.Context, trade *models.TradeState, quotes map[models.LegSide]models.Quote) {
	e.logger.Warn("Delta drift past band, exiting both legs")

	type exit struct {
		leg   *models.Leg
		price float64
	}
	var exits []exit
	for _, leg := range trade.OpenLegs() {
		e.cancelStop(ctx, leg)
		if err := e.buyToClose(ctx, leg.Contract, leg.Quantity); err != nil {
			e.logger.WithError(err).WithField("symbol", leg.Contract.TradingSymbol).
				Error("Drift exit failed, leg stays live")
			continue
		}
		e.mu.Lock()
		leg.Closed = true
		e.mu.Unlock()
		exits = append(exits, exit{leg, quotes[leg.Side].LastPrice})
	}
	if len(exits) == 0 {
		return
	}
	bookAll := func() {
		for _, x := range exits {
			e.bookClosedLeg(x.price)
		}
	}

	if trade.HedgePlaced || trade.ProfitBookingTier > 0 {
		bookAll()
		if trade.AllClosed() {
			e.transition(models.StateTerminal, models.ConditionAllLegsClosed)
		}
		return
	}
	if e.transition(models.StateReEntering, models.ConditionStopLossFilled) != nil {
		bookAll()
		return
	}

	s := e.cfg.Strategy
	spotQ, err := e.gw.GetQuote(ctx, s.UnderlyingExch, s.Underlying)
	if err != nil {
		e.logger.WithError(err).Warn("Re-entry spot unavailable, booking exits")
		bookAll()
		e.transition(models.StateMonitoring, models.ConditionReplacementFailed)
		return
	}
	chain, err := e.gw.GetOptionChain(ctx, s.OptionsExchange, s.ChainName)
	if err != nil {
		e.logger.WithError(err).Warn("Re-entry chain unavailable, booking exits")
		bookAll()
		e.transition(models.StateMonitoring, models.ConditionReplacementFailed)
		return
	}
	e.mu.RLock()
	sigma := screeningSigma(e.cycle)
	e.mu.RUnlock()

	failed := false
	for _, x := range exits {
		if err := e.replaceLeg(ctx, trade, x.leg.Side, x.leg, chain, spotQ.LastPrice, sigma); err != nil {
			e.logger.WithError(err).WithField("side", x.leg.Side).Warn("Re-entry failed")
			e.bookClosedLeg(x.price)
			failed = true
		}
	}
	if failed {
		e.transition(models.StateMonitoring, models.ConditionReplacementFailed)
		return
	}
	e.transition(models.StateMonitoring, models.ConditionReplacementPlaced)
}

// tightenOpenStops pulls every open leg's stop to just above its current
// market price.
func (e *Engine) tightenOpenStops(ctx context.Context, trade *models.TradeState) {
	for _, leg := range trade.OpenLegs() {
		q, err := e.gw.GetQuote(ctx, leg.Contract.Exchange, leg.Contract.TradingSymbol)
		if err != nil {
			e.logger.WithError(err).WithField("symbol", leg.Contract.TradingSymbol).
				Warn("Quote unavailable, stop not tightened")
			continue
		}
		e.tightenStop(ctx, leg, q.LastPrice)
	}
}

// squareOff closes the book before the market does: cancel working stops,
// buy back the short legs, sell off the hedges. Only orders and symbols
// tracked in this session's TradeState are touched.
func (e *Engine) squareOff(ctx context.Context) {
	trade := e.trade
	if trade == nil {
		return
	}
	e.logger.Info("Square-off window, closing all session legs")

	for _, leg := range trade.OpenLegs() {
		exit := leg.EntryPrice
		if q, err := e.gw.GetQuote(ctx, leg.Contract.Exchange, leg.Contract.TradingSymbol); err == nil {
			exit = q.LastPrice
		}
		e.cancelStop(ctx, leg)
		if err := e.buyToClose(ctx, leg.Contract, leg.Quantity); err != nil {
			e.logger.WithError(err).WithField("symbol", leg.Contract.TradingSymbol).
				Error("Square-off failed, manual intervention needed")
			continue
		}
		e.bookClosedLeg(exit)
		e.mu.Lock()
		leg.Closed = true
		e.mu.Unlock()
	}

	for _, h := range trade.HedgeLegs {
		if err := e.sellToClose(ctx, h.Contract, h.Quantity); err != nil {
			e.logger.WithError(err).WithField("symbol", h.Contract.TradingSymbol).
				Error("Hedge square-off failed, manual intervention needed")
		}
	}
}

// currentPremium reconstructs the session's premium mark: buy-back entries
// already charged plus live quotes for what is still open. Quote failures
// fall back to the leg's entry price.
func (e *Engine) currentPremium(ctx context.Context, trade *models.TradeState) float64 {
	cur := e.closedPremium
	for _, leg := range trade.OpenLegs() {
		if q, err := e.gw.GetQuote(ctx, leg.Contract.Exchange, leg.Contract.TradingSymbol); err == nil {
			cur += q.LastPrice
		} else {
			cur += leg.EntryPrice
		}
	}
	return cur
}

// nextExpiryAfter returns the first chain expiry strictly after the given
// one, or the given expiry when the chain holds nothing later.
func nextExpiryAfter(chain []models.OptionContract, after time.Time) time.Time {
	best := after
	for _, c := range chain {
		if !c.Expiry.After(after) {
			continue
		}
		if best.Equal(after) || c.Expiry.Before(best) {
			best = c.Expiry
		}
	}
	return best
}

// nearestContract finds the same-type contract on the given expiry day with
// the strike closest to target.
func nearestContract(chain []models.OptionContract, instrType models.InstrumentType,
	expiry time.Time, target float64) (models.OptionContract, bool) {

	var best models.OptionContract
	found := false
	for _, c := range chain {
		if c.InstrumentType != instrType || !sameExpiryDay(c.Expiry, expiry) {
			continue
		}
		if !found || math.Abs(c.Strike-target) < math.Abs(best.Strike-target) {
			best = c
			found = true
		}
	}
	return best, found
}

func sameExpiryDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
