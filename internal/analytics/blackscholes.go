// Package analytics provides the pure option math used by the selector and
// the engine: Black-Scholes delta, Newton-Raphson implied volatility, and
// VWAP. No I/O, no state.
package analytics

import (
	"errors"
	"fmt"
	"math"

	"nifty-strangler/internal/models"
)

// ErrUnavailable signals that a value cannot be computed from the given
// inputs (expired contract, non-convergence, empty series). It is a
// domain-unavailable condition, not a failure.
var ErrUnavailable = errors.New("analytics value unavailable")

const (
	ivInitialGuess  = 0.5
	ivTolerance     = 1e-4
	ivMaxIterations = 100
	ivFloor         = 1e-4
)

// normCDF is the standard normal cumulative distribution Φ.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// normPDF is the standard normal density φ.
func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func d1(spot, strike, tte, r, sigma float64) float64 {
	return (math.Log(spot/strike) + (r+0.5*sigma*sigma)*tte) / (sigma * math.Sqrt(tte))
}

// Delta returns the Black-Scholes delta for a contract. Calls are in [0,1],
// puts in [-1,0]. It errors when the contract is expired or inputs are
// degenerate.
func Delta(optType models.InstrumentType, spot, strike, tte, sigma, r float64) (float64, error) {
	if tte <= 0 {
		return 0, fmt.Errorf("delta: time to expiry %.6f <= 0: %w", tte, ErrUnavailable)
	}
	if sigma <= 0 {
		return 0, fmt.Errorf("delta: volatility %.6f <= 0: %w", sigma, ErrUnavailable)
	}
	if spot <= 0 || strike <= 0 {
		return 0, fmt.Errorf("delta: non-positive spot/strike: %w", ErrUnavailable)
	}

	d := d1(spot, strike, tte, r, sigma)
	switch optType {
	case models.InstrumentCall:
		return normCDF(d), nil
	case models.InstrumentPut:
		return -normCDF(-d), nil
	default:
		return 0, fmt.Errorf("delta: unknown instrument type %q: %w", optType, ErrUnavailable)
	}
}

// Price returns the Black-Scholes theoretical price. Exported because the
// selector logs model-vs-market gaps during scoring.
func Price(optType models.InstrumentType, spot, strike, tte, r, sigma float64) float64 {
	d := d1(spot, strike, tte, r, sigma)
	d2 := d - sigma*math.Sqrt(tte)
	switch optType {
	case models.InstrumentCall:
		return spot*normCDF(d) - strike*math.Exp(-r*tte)*normCDF(d2)
	case models.InstrumentPut:
		return strike*math.Exp(-r*tte)*normCDF(-d2) - spot*normCDF(-d)
	default:
		return 0
	}
}

// vega is ∂price/∂σ, shared by both option types.
func vega(spot, strike, tte, r, sigma float64) float64 {
	return spot * normPDF(d1(spot, strike, tte, r, sigma)) * math.Sqrt(tte)
}

// ImpliedVolatility solves for the volatility that reconciles the model with
// the observed market price, by Newton-Raphson seeded at σ=0.5 with
// tolerance 1e-4 and at most 100 iterations. σ is floored above zero between
// steps. Non-convergence reports ErrUnavailable.
func ImpliedVolatility(optType models.InstrumentType, spot, strike, tte, r, marketPrice float64) (float64, error) {
	if tte <= 0 {
		return 0, fmt.Errorf("implied volatility: time to expiry %.6f <= 0: %w", tte, ErrUnavailable)
	}
	if marketPrice <= 0 || spot <= 0 || strike <= 0 {
		return 0, fmt.Errorf("implied volatility: non-positive input: %w", ErrUnavailable)
	}

	sigma := ivInitialGuess
	for i := 0; i < ivMaxIterations; i++ {
		price := Price(optType, spot, strike, tte, r, sigma)
		diff := price - marketPrice
		if math.Abs(diff) < ivTolerance {
			return sigma, nil
		}

		v := vega(spot, strike, tte, r, sigma)
		if v < 1e-10 {
			break
		}
		sigma -= diff / v
		if sigma <= 0 {
			sigma = ivFloor
		}
	}
	return 0, fmt.Errorf("implied volatility did not converge for strike %.2f: %w", strike, ErrUnavailable)
}
