// Package util provides common utility functions for price and strike
// arithmetic.
package util

import "math"

// RoundToStep rounds x to the nearest multiple of step (e.g. the at-the-money
// strike for a 50-point strike grid).
func RoundToStep(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Round(x/step) * step
}

// FloorToStep rounds x down to a multiple of step.
func FloorToStep(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Floor(x/step) * step
}

// CeilToStep rounds x up to a multiple of step.
func CeilToStep(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Ceil(x/step) * step
}

// RoundToTick rounds a price to the exchange tick (0.05 on NFO), guarding
// against float drift with a final 2-decimal round.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(math.Round(price/tick)*tick*100) / 100
}

// LotsFloor converts a raw quantity to a whole number of lots, rounding
// down but never below one lot.
func LotsFloor(quantity, lotSize int) int {
	if lotSize <= 0 {
		return quantity
	}
	lots := quantity / lotSize
	if lots < 1 {
		lots = 1
	}
	return lots * lotSize
}
