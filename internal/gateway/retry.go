package gateway

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"nifty-strangler/internal/broker"
)

// Policy controls retry behavior for broker calls. Transient failures are
// retried with exponential backoff; terminal failures propagate immediately.
type Policy struct {
	MaxAttempts int
	// GatewayTimeoutAttempts overrides MaxAttempts for the 502/503/504
	// class, which tends to clear on its own given a little longer.
	GatewayTimeoutAttempts int
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
	// Patterns are matched case-insensitively against error text when the
	// error carries no HTTP status.
	Patterns []string
}

// DefaultPolicy is the retry policy used when none is configured.
var DefaultPolicy = Policy{
	MaxAttempts:            3,
	GatewayTimeoutAttempts: 5,
	InitialBackoff:         1 * time.Second,
	MaxBackoff:             10 * time.Second,
	Patterns: []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"rate limit",
		"network",
		"eof",
		"unexpected end of json",
	},
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.GatewayTimeoutAttempts < p.MaxAttempts {
		p.GatewayTimeoutAttempts = p.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultPolicy.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultPolicy.MaxBackoff
	}
	if len(p.Patterns) == 0 {
		p.Patterns = DefaultPolicy.Patterns
	}
	return p
}

// isGatewayTimeout reports whether the error is in the 502/503/504 class.
func isGatewayTimeout(err error) bool {
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case 502, 503, 504:
			return true
		}
	}
	return false
}

// isTransient classifies an error as retryable. Typed API errors are
// classified by status; everything else falls back to pattern matching
// (transport failures and transient parse errors surface as plain errors).
func (p Policy) isTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return !broker.IsTerminalStatus(apiErr.Status)
	}
	var fieldErr *broker.FieldError
	if errors.As(err, &fieldErr) {
		// A well-formed response with a missing field is a contract
		// violation, not a blip.
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range p.Patterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// attemptsFor returns the attempt budget for a given error class.
func (p Policy) attemptsFor(err error) int {
	if isGatewayTimeout(err) {
		return p.GatewayTimeoutAttempts
	}
	return p.MaxAttempts
}

// nextBackoff grows the delay 1.5x with jitter, capped at MaxBackoff.
func (p Policy) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// withRetry runs fn under the policy. It returns the last error once the
// attempt budget is exhausted or as soon as a terminal error appears.
func withRetry[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	var lastErr error
	backoff := p.InitialBackoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !p.isTransient(err) {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		if attempt >= p.attemptsFor(err) {
			break
		}

		select {
		case <-time.After(backoff):
			backoff = p.nextBackoff(backoff)
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, p.attemptsFor(lastErr), lastErr)
}
