package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"nifty-strangler/internal/models"
)

const snapshotCap = 5000

// Storage is a mutex-guarded JSON file sink. Every mutation rewrites the
// file atomically via a temp file and rename.
type Storage struct {
	mu       sync.RWMutex
	filepath string
	data     *fileData
}

type fileData struct {
	Snapshots   []models.PnLSnapshot `json:"snapshots"`
	Sessions    []sessionRecord      `json:"sessions"`
	DailyPnL    map[string]float64   `json:"daily_pnl"`
	LastUpdated time.Time            `json:"last_updated"`
}

type sessionRecord struct {
	SessionID   string    `json:"session_id"`
	RealizedPnL float64   `json:"realized_pnl"`
	ClosedAt    time.Time `json:"closed_at"`
}

var _ Interface = (*Storage)(nil)

// New opens (or creates) the sink at filepath.
func New(filepath string) (*Storage, error) {
	s := &Storage{
		filepath: filepath,
		data: &fileData{
			DailyPnL: make(map[string]float64),
		},
	}

	if _, err := os.Stat(filepath); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}

	return s, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, s.data); err != nil {
		return err
	}
	if s.data.DailyPnL == nil {
		s.data.DailyPnL = make(map[string]float64)
	}
	return nil
}

// save must be called with the write lock held.
func (s *Storage) save() error {
	s.data.LastUpdated = time.Now()

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// AppendSnapshot records one periodic P&L observation.
func (s *Storage) AppendSnapshot(snap models.PnLSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Snapshots = append(s.data.Snapshots, snap)
	if len(s.data.Snapshots) > snapshotCap {
		s.data.Snapshots = s.data.Snapshots[len(s.data.Snapshots)-snapshotCap:]
	}
	return s.save()
}

// LatestSnapshot returns the most recent snapshot, if any.
func (s *Storage) LatestSnapshot() (models.PnLSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.data.Snapshots) == 0 {
		return models.PnLSnapshot{}, false
	}
	return s.data.Snapshots[len(s.data.Snapshots)-1], true
}

// SessionSnapshots returns all snapshots recorded for one session.
func (s *Storage) SessionSnapshots(sessionID string) []models.PnLSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PnLSnapshot
	for _, snap := range s.data.Snapshots {
		if snap.SessionID == sessionID {
			out = append(out, snap)
		}
	}
	return out
}

// RecordSessionClose appends a session to the history and rolls its realized
// P&L into the daily total.
func (s *Storage) RecordSessionClose(sessionID string, realizedPnL float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.data.Sessions = append(s.data.Sessions, sessionRecord{
		SessionID:   sessionID,
		RealizedPnL: realizedPnL,
		ClosedAt:    now,
	})
	s.data.DailyPnL[now.Format("2006-01-02")] += realizedPnL
	return s.save()
}

// DailyPnL returns a copy of the per-day realized totals.
func (s *Storage) DailyPnL() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(s.data.DailyPnL))
	for k, v := range s.data.DailyPnL {
		out[k] = v
	}
	return out
}
