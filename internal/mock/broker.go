// Package mock provides a simulated broker for paper trading. It synthesizes
// an index option chain, prices it with a random-walk spot, and auto-fills
// market orders so the engine can run end to end without touching a real
// account.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"nifty-strangler/internal/analytics"
	"nifty-strangler/internal/broker"
	"nifty-strangler/internal/models"
	"nifty-strangler/internal/util"
)

const (
	strikeStep   = 50.0
	strikeSpread = 1000.0
	lotSize      = 75
	riskFreeRate = 0.07
)

// secureFloat64 generates a cryptographically secure random float64 in [0,1).
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// Broker is an in-memory broker.Broker implementation.
type Broker struct {
	mu        sync.Mutex
	spot      float64
	vix       float64
	expiry    time.Time
	orders    map[string]*broker.Order
	positions map[string]int
	nextID    int
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker seeds a simulated market around a NIFTY-like level.
func NewBroker() *Broker {
	now := time.Now()
	// next Thursday, the weekly expiry day
	days := (int(time.Thursday) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	expiry := time.Date(now.Year(), now.Month(), now.Day(), 15, 30, 0, 0, now.Location()).AddDate(0, 0, days)

	return &Broker{
		spot:      24800 + secureFloat64()*400,
		vix:       11 + secureFloat64()*6,
		expiry:    expiry,
		orders:    make(map[string]*broker.Order),
		positions: make(map[string]int),
	}
}

// drift nudges the spot and VIX a little on each data call.
func (b *Broker) drift() {
	b.spot += (secureFloat64() - 0.5) * 10
	b.vix += (secureFloat64() - 0.5) * 0.2
	if b.vix < 8 {
		b.vix = 8
	}
}

func (b *Broker) symbolFor(strike float64, t models.InstrumentType) string {
	return fmt.Sprintf("NIFTY%s%.0f%s", b.expiry.Format("06Jan02"), strike, t)
}

// priceSymbol values index, VIX and option symbols off the simulated state.
func (b *Broker) priceSymbol(symbol string) (float64, bool) {
	switch {
	case strings.Contains(symbol, "VIX"):
		return b.vix, true
	case symbol == "NIFTY 50":
		return b.spot, true
	}
	strike, instrType, ok := b.parseOption(symbol)
	if !ok {
		return 0, false
	}
	tte := time.Until(b.expiry).Hours() / 24 / 365
	if tte <= 0 {
		tte = 1.0 / 365
	}
	p := analytics.Price(instrType, b.spot, strike, tte, riskFreeRate, b.vix/100)
	if p < 0.05 {
		p = 0.05
	}
	return util.RoundToTick(p, 0.05), true
}

func (b *Broker) parseOption(symbol string) (float64, models.InstrumentType, bool) {
	for _, t := range []models.InstrumentType{models.InstrumentCall, models.InstrumentPut} {
		atm := util.RoundToStep(b.spot, strikeStep)
		for strike := atm - strikeSpread; strike <= atm+strikeSpread; strike += strikeStep {
			if b.symbolFor(strike, t) == symbol {
				return strike, t, true
			}
		}
	}
	return 0, "", false
}

func (b *Broker) GetQuote(ctx context.Context, exchange, symbol string) (*models.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drift()
	price, ok := b.priceSymbol(symbol)
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}
	return &models.Quote{Symbol: symbol, LastPrice: price, FetchedAt: time.Now()}, nil
}

func (b *Broker) GetCandles(ctx context.Context, exchange, symbol, interval string,
	from, to time.Time) ([]models.Candle, error) {

	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.priceSymbol(symbol)
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}

	step := 5 * time.Minute
	if interval == "day" {
		step = 24 * time.Hour
	}
	var candles []models.Candle
	for ts := from; ts.Before(to); ts = ts.Add(step) {
		wobble := (secureFloat64() - 0.5) * price * 0.01
		c := models.Candle{
			Timestamp: ts,
			Open:      price + wobble,
			High:      price + wobble + price*0.005,
			Low:       price + wobble - price*0.005,
			Close:     price + wobble*0.5,
			Volume:    int64(10000 + secureFloat64()*90000),
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func (b *Broker) GetInstruments(ctx context.Context, exchange, underlying string) ([]models.OptionContract, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	atm := util.RoundToStep(b.spot, strikeStep)

	var out []models.OptionContract
	for strike := atm - strikeSpread; strike <= atm+strikeSpread; strike += strikeStep {
		for _, t := range []models.InstrumentType{models.InstrumentCall, models.InstrumentPut} {
			out = append(out, models.OptionContract{
				TradingSymbol:  b.symbolFor(strike, t),
				Strike:         strike,
				InstrumentType: t,
				Expiry:         b.expiry,
				Exchange:       exchange,
				LotSize:        lotSize,
			})
		}
	}
	return out, nil
}

func (b *Broker) PlaceOrder(ctx context.Context, p broker.OrderParams) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := fmt.Sprintf("SIM%06d", b.nextID)
	ord := &broker.Order{
		OrderID:         id,
		TradingSymbol:   p.TradingSymbol,
		TransactionType: p.TransactionType,
		Quantity:        p.Quantity,
		TriggerPrice:    p.TriggerPrice,
		Tag:             p.Tag,
	}
	if p.OrderType == broker.OrderTypeStopLoss {
		ord.Status = broker.StatusTriggerPending
	} else {
		price, ok := b.priceSymbol(p.TradingSymbol)
		if !ok {
			return "", fmt.Errorf("unknown symbol %q", p.TradingSymbol)
		}
		ord.Status = broker.StatusComplete
		ord.FilledQuantity = p.Quantity
		ord.AveragePrice = price
		if p.TransactionType == broker.TransactionBuy {
			b.positions[p.TradingSymbol] += p.Quantity
		} else {
			b.positions[p.TradingSymbol] -= p.Quantity
		}
	}
	b.orders[id] = ord
	return id, nil
}

func (b *Broker) ModifyOrder(ctx context.Context, variety, orderID string, p broker.ModifyParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ord, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %q", orderID)
	}
	if ord.IsTerminal() {
		return fmt.Errorf("order %q already terminal", orderID)
	}
	if p.TriggerPrice > 0 {
		ord.TriggerPrice = p.TriggerPrice
	}
	if p.Quantity > 0 {
		ord.Quantity = p.Quantity
	}
	return nil
}

func (b *Broker) CancelOrder(ctx context.Context, variety, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ord, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %q", orderID)
	}
	if ord.IsTerminal() {
		return fmt.Errorf("order %q already terminal", orderID)
	}
	ord.Status = broker.StatusCancelled
	return nil
}

func (b *Broker) GetOrderStatus(ctx context.Context, orderID string) (*broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ord, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %q", orderID)
	}
	// Stop-loss orders fire when the market trades through the trigger.
	if ord.Status == broker.StatusTriggerPending {
		if price, ok := b.priceSymbol(ord.TradingSymbol); ok && price >= ord.TriggerPrice {
			ord.Status = broker.StatusComplete
			ord.FilledQuantity = ord.Quantity
			ord.AveragePrice = price
			b.positions[ord.TradingSymbol] += ord.Quantity
		}
	}
	cp := *ord
	return &cp, nil
}

func (b *Broker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.Position
	for symbol, qty := range b.positions {
		if qty == 0 {
			continue
		}
		price, _ := b.priceSymbol(symbol)
		out = append(out, broker.Position{
			TradingSymbol: symbol,
			Quantity:      qty,
			LastPrice:     price,
		})
	}
	return out, nil
}
