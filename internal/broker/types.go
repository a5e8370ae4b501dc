package broker

import (
	"strings"
	"time"

	"nifty-strangler/internal/models"
)

// Transaction types.
const (
	TransactionBuy  = "BUY"
	TransactionSell = "SELL"
)

// Order types.
const (
	OrderTypeMarket   = "MARKET"
	OrderTypeLimit    = "LIMIT"
	OrderTypeStopLoss = "SL"
)

// Order varieties. AMO orders are accepted outside market hours for
// next-session execution.
const (
	VarietyRegular = "regular"
	VarietyAMO     = "amo"
)

// ProductNRML is the overnight derivatives product code.
const ProductNRML = "NRML"

// istZone anchors contract expiry timestamps. The instrument master carries
// bare dates, but NFO contracts expire at the 15:30 IST session close, not
// at midnight, and a same-day contract stays tradeable until then.
var istZone = time.FixedZone("IST", 5*3600+30*60)

// Terminal and working order statuses as reported by the broker.
const (
	StatusComplete       = "COMPLETE"
	StatusOpen           = "OPEN"
	StatusTriggerPending = "TRIGGER PENDING"
	StatusCancelled      = "CANCELLED"
	StatusRejected       = "REJECTED"
)

// OrderParams carries everything needed to place one order.
type OrderParams struct {
	Exchange        string
	TradingSymbol   string
	TransactionType string
	Quantity        int
	Product         string
	OrderType       string
	Price           float64 // limit price, 0 for market
	TriggerPrice    float64 // stop-loss trigger, 0 otherwise
	Variety         string
	Validity        string
	Tag             string
}

// ModifyParams carries the mutable fields of a working order.
type ModifyParams struct {
	Price        float64
	TriggerPrice float64
	Quantity     int
}

// Order is the broker's view of a placed order.
type Order struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	TradingSymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int     `json:"quantity"`
	FilledQuantity  int     `json:"filled_quantity"`
	AveragePrice    float64 `json:"average_price"`
	TriggerPrice    float64 `json:"trigger_price"`
	StatusMessage   string  `json:"status_message,omitempty"`
	Tag             string  `json:"tag,omitempty"`
}

// Validate fails fast on records the engine cannot act on.
func (o *Order) Validate() error {
	if o.OrderID == "" {
		return &FieldError{Record: "order", Field: "order_id"}
	}
	if o.Status == "" {
		return &FieldError{Record: "order", Field: "status"}
	}
	return nil
}

// IsTerminal reports whether the order can no longer change state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusComplete, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Position is one row of the broker's net positions book.
type Position struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
}

// Validate fails fast on records the engine cannot act on.
func (p *Position) Validate() error {
	if p.TradingSymbol == "" {
		return &FieldError{Record: "position", Field: "tradingsymbol"}
	}
	return nil
}

// instrumentRecord is the wire form of one instrument master row.
type instrumentRecord struct {
	TradingSymbol  string  `json:"tradingsymbol"`
	Name           string  `json:"name"`
	Strike         float64 `json:"strike"`
	InstrumentType string  `json:"instrument_type"`
	Expiry         string  `json:"expiry"`
	Exchange       string  `json:"exchange"`
	LotSize        int     `json:"lot_size"`
	Segment        string  `json:"segment"`
}

// toContract validates the record and converts it to the immutable model.
func (r *instrumentRecord) toContract() (models.OptionContract, error) {
	if r.TradingSymbol == "" {
		return models.OptionContract{}, &FieldError{Record: "instrument", Field: "tradingsymbol"}
	}
	it := models.InstrumentType(strings.ToUpper(r.InstrumentType))
	if !it.Valid() {
		return models.OptionContract{}, &FieldError{Record: "instrument", Field: "instrument_type"}
	}
	if r.Strike <= 0 {
		return models.OptionContract{}, &FieldError{Record: "instrument", Field: "strike"}
	}
	if r.Expiry == "" {
		return models.OptionContract{}, &FieldError{Record: "instrument", Field: "expiry"}
	}
	day, err := time.Parse("2006-01-02", r.Expiry)
	if err != nil {
		return models.OptionContract{}, &FieldError{Record: "instrument", Field: "expiry"}
	}
	expiry := time.Date(day.Year(), day.Month(), day.Day(), 15, 30, 0, 0, istZone)
	return models.OptionContract{
		TradingSymbol:  r.TradingSymbol,
		Strike:         r.Strike,
		InstrumentType: it,
		Expiry:         expiry,
		Exchange:       r.Exchange,
		LotSize:        r.LotSize,
	}, nil
}

// quoteRecord is the wire form of one LTP quote.
type quoteRecord struct {
	LastPrice *float64 `json:"last_price"`
}

// candleRecord is the wire form of one historical bar.
type candleRecord struct {
	Timestamp string  `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
}

func (r *candleRecord) toCandle() (models.Candle, error) {
	if r.Timestamp == "" {
		return models.Candle{}, &FieldError{Record: "candle", Field: "timestamp"}
	}
	ts, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return models.Candle{}, &FieldError{Record: "candle", Field: "timestamp"}
	}
	return models.Candle{
		Timestamp: ts,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
	}, nil
}
