package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"nifty-strangler/internal/broker"
	"nifty-strangler/internal/models"
	"nifty-strangler/internal/util"
)

const (
	tickSize = 0.05
	// slLimitBuffer pads the SL limit above its trigger so the order still
	// fills through a fast move.
	slLimitBuffer = 1.05
	// tightenMargin places a tightened trigger just above the current price.
	tightenMargin = 1.02

	fillPollAttempts = 5
	fillPollInterval = 500 * time.Millisecond
)

func (e *Engine) orderTag() string {
	if e.cfg.Strategy.OrderTag != "" {
		return e.cfg.Strategy.OrderTag
	}
	return "strangler"
}

// placeSell sells one option leg and resolves its fill price. AMO orders do
// not fill until the next session, so the quoted price stands in.
func (e *Engine) placeSell(ctx context.Context, c models.OptionContract, qty int,
	variety string, quoted float64) (orderID string, fill float64, err error) {

	orderID, err = e.gw.PlaceOrder(ctx, broker.OrderParams{
		Exchange:        c.Exchange,
		TradingSymbol:   c.TradingSymbol,
		TransactionType: broker.TransactionSell,
		Quantity:        qty,
		Product:         broker.ProductNRML,
		OrderType:       broker.OrderTypeMarket,
		Variety:         variety,
		Tag:             e.orderTag(),
	})
	if err != nil {
		return "", 0, err
	}
	fill = quoted
	if variety != broker.VarietyAMO {
		fill, err = e.awaitFill(ctx, orderID, quoted)
		if err != nil {
			return "", 0, err
		}
	}
	e.logger.WithFields(logrus.Fields{
		"order":  orderID,
		"symbol": c.TradingSymbol,
		"qty":    qty,
		"fill":   fill,
	}).Info("Sell order placed")
	return orderID, fill, nil
}

// awaitFill polls briefly for the order's average fill price, falling back
// to the quoted price when the broker has not confirmed yet. An order that
// dies without filling is an error.
func (e *Engine) awaitFill(ctx context.Context, orderID string, fallback float64) (float64, error) {
	for i := 0; i < fillPollAttempts; i++ {
		ord, err := e.gw.GetOrderStatus(ctx, orderID)
		if err == nil && ord.Status == broker.StatusComplete && ord.AveragePrice > 0 {
			return ord.AveragePrice, nil
		}
		if err == nil && ord.IsTerminal() && ord.Status != broker.StatusComplete {
			if ord.Status == broker.StatusRejected {
				return 0, fmt.Errorf("order %s: %w", orderID, broker.ErrOrderRejected)
			}
			return 0, fmt.Errorf("order %s ended %s before filling", orderID, ord.Status)
		}
		if e.sleep(ctx, fillPollInterval) != nil {
			break
		}
	}
	return fallback, nil
}

// placeStopLoss arms a stop-loss buy at the given trigger.
func (e *Engine) placeStopLoss(ctx context.Context, c models.OptionContract, qty int, trigger float64) (string, error) {
	trigger = util.RoundToTick(trigger, tickSize)
	return e.gw.PlaceOrder(ctx, broker.OrderParams{
		Exchange:        c.Exchange,
		TradingSymbol:   c.TradingSymbol,
		TransactionType: broker.TransactionBuy,
		Quantity:        qty,
		Product:         broker.ProductNRML,
		OrderType:       broker.OrderTypeStopLoss,
		TriggerPrice:    trigger,
		Price:           util.RoundToTick(trigger*slLimitBuffer, tickSize),
		Variety:         broker.VarietyRegular,
		Tag:             e.orderTag(),
	})
}

// tightenStop moves a leg's working SL trigger down to just above the
// current price. On failure the prior order stays authoritative.
func (e *Engine) tightenStop(ctx context.Context, leg *models.Leg, current float64) bool {
	if leg.SLOrderID == "" {
		return false
	}
	trigger := util.RoundToTick(current*tightenMargin, tickSize)
	if trigger >= leg.SLPrice {
		return false
	}
	err := e.gw.ModifyOrder(ctx, broker.VarietyRegular, leg.SLOrderID, broker.ModifyParams{
		TriggerPrice: trigger,
		Price:        util.RoundToTick(trigger*slLimitBuffer, tickSize),
		Quantity:     leg.Quantity,
	})
	if err != nil {
		e.logger.WithError(err).WithField("order", leg.SLOrderID).
			Warn("Stop tighten failed, prior trigger stands")
		return false
	}
	e.mu.Lock()
	leg.SLPrice = trigger
	e.mu.Unlock()
	e.logger.WithFields(logrus.Fields{
		"symbol":  leg.Contract.TradingSymbol,
		"trigger": trigger,
	}).Info("Stop-loss tightened")
	return true
}

func (e *Engine) cancelStop(ctx context.Context, leg *models.Leg) {
	if leg.SLOrderID == "" {
		return
	}
	if err := e.gw.CancelOrder(ctx, broker.VarietyRegular, leg.SLOrderID); err != nil {
		e.logger.WithError(err).WithField("order", leg.SLOrderID).Warn("Stop cancel failed")
		return
	}
	e.mu.Lock()
	leg.SLOrderID = ""
	e.mu.Unlock()
}

// buyToClose squares off a short leg at market.
func (e *Engine) buyToClose(ctx context.Context, c models.OptionContract, qty int) error {
	_, err := e.gw.PlaceOrder(ctx, broker.OrderParams{
		Exchange:        c.Exchange,
		TradingSymbol:   c.TradingSymbol,
		TransactionType: broker.TransactionBuy,
		Quantity:        qty,
		Product:         broker.ProductNRML,
		OrderType:       broker.OrderTypeMarket,
		Variety:         broker.VarietyRegular,
		Tag:             e.orderTag(),
	})
	return err
}

// sellToClose exits a long hedge leg at market.
func (e *Engine) sellToClose(ctx context.Context, c models.OptionContract, qty int) error {
	_, err := e.gw.PlaceOrder(ctx, broker.OrderParams{
		Exchange:        c.Exchange,
		TradingSymbol:   c.TradingSymbol,
		TransactionType: broker.TransactionSell,
		Quantity:        qty,
		Product:         broker.ProductNRML,
		OrderType:       broker.OrderTypeMarket,
		Variety:         broker.VarietyRegular,
		Tag:             e.orderTag(),
	})
	return err
}
