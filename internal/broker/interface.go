package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"nifty-strangler/internal/models"
)

// Broker defines the contract for interacting with the brokerage REST API.
// Implementations are plain transports: no retries, caching, or pacing.
type Broker interface {
	// Market data
	GetQuote(ctx context.Context, exchange, symbol string) (*models.Quote, error)
	GetCandles(ctx context.Context, exchange, symbol, interval string, from, to time.Time) ([]models.Candle, error)
	GetInstruments(ctx context.Context, exchange, underlying string) ([]models.OptionContract, error)

	// Orders
	PlaceOrder(ctx context.Context, p OrderParams) (string, error)
	ModifyOrder(ctx context.Context, variety, orderID string, p ModifyParams) error
	CancelOrder(ctx context.Context, variety, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (*Order, error)

	// Account
	GetPositions(ctx context.Context) ([]Position, error)
}

// Ensure Client implements Broker at compile time.
var _ Broker = (*Client)(nil)

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so
// a flapping broker API sheds load instead of being hammered.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetQuote wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, exchange, symbol string) (*models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.Quote, error) {
		return b.GetQuote(ctx, exchange, symbol)
	})
}

// GetCandles wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetCandles(ctx context.Context, exchange, symbol, interval string,
	from, to time.Time) ([]models.Candle, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Candle, error) {
		return b.GetCandles(ctx, exchange, symbol, interval, from, to)
	})
}

// GetInstruments wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetInstruments(ctx context.Context, exchange, underlying string) ([]models.OptionContract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.OptionContract, error) {
		return b.GetInstruments(ctx, exchange, underlying)
	})
}

// PlaceOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, p OrderParams) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceOrder(ctx, p)
	})
}

// ModifyOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) ModifyOrder(ctx context.Context, variety, orderID string, p ModifyParams) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.ModifyOrder(ctx, variety, orderID, p)
	})
	return err
}

// CancelOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, variety, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, variety, orderID)
	})
	return err
}

// GetOrderStatus wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}

// GetPositions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) {
		return b.GetPositions(ctx)
	})
}
