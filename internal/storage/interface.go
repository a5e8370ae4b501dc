// Package storage persists session P&L snapshots to a local JSON file.
package storage

import "nifty-strangler/internal/models"

// Interface is the snapshot sink the engine writes through.
type Interface interface {
	AppendSnapshot(snap models.PnLSnapshot) error
	LatestSnapshot() (models.PnLSnapshot, bool)
	SessionSnapshots(sessionID string) []models.PnLSnapshot
	RecordSessionClose(sessionID string, realizedPnL float64) error
	DailyPnL() map[string]float64
}
