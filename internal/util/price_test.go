package util

import "testing"

func TestRoundToStep(t *testing.T) {
	cases := []struct {
		x, step, want float64
	}{
		{25013, 50, 25000},
		{25025, 50, 25050},
		{25049, 50, 25050},
		{24974, 50, 24950},
		{100, 0, 100}, // degenerate step passes through
	}
	for _, c := range cases {
		if got := RoundToStep(c.x, c.step); got != c.want {
			t.Errorf("RoundToStep(%.0f, %.0f) = %.0f, want %.0f", c.x, c.step, got, c.want)
		}
	}
}

func TestFloorAndCeilToStep(t *testing.T) {
	if got := FloorToStep(25049, 50); got != 25000 {
		t.Errorf("FloorToStep = %.0f, want 25000", got)
	}
	if got := CeilToStep(25001, 50); got != 25050 {
		t.Errorf("CeilToStep = %.0f, want 25050", got)
	}
	if got := FloorToStep(25050, 50); got != 25050 {
		t.Errorf("FloorToStep on a grid point = %.0f, want 25050", got)
	}
}

func TestRoundToTick(t *testing.T) {
	cases := []struct {
		price, want float64
	}{
		{123.456, 123.45},
		{123.48, 123.50},
		{123.47, 123.45},
		{0.02, 0},
		{0.03, 0.05},
	}
	for _, c := range cases {
		if got := RoundToTick(c.price, 0.05); got != c.want {
			t.Errorf("RoundToTick(%.3f, 0.05) = %.2f, want %.2f", c.price, got, c.want)
		}
	}
}

func TestLotsFloor(t *testing.T) {
	cases := []struct {
		qty, lot, want int
	}{
		{150, 75, 150},
		{151, 75, 150},
		{149, 75, 75},
		{37, 75, 75}, // never below one lot
		{75, 75, 75},
		{100, 0, 100},
	}
	for _, c := range cases {
		if got := LotsFloor(c.qty, c.lot); got != c.want {
			t.Errorf("LotsFloor(%d, %d) = %d, want %d", c.qty, c.lot, got, c.want)
		}
	}
}
