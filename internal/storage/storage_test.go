package storage

import (
	"path/filepath"
	"testing"
	"time"

	"nifty-strangler/internal/models"
)

func snap(session string, pnl float64) models.PnLSnapshot {
	return models.PnLSnapshot{
		SessionID:      session,
		InitialPremium: 200,
		CurrentPremium: 200 - pnl,
		RealizedPnL:    pnl,
		At:             time.Now(),
	}
}

func TestAppendAndLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pnl.json")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := s.LatestSnapshot(); ok {
		t.Error("fresh storage should have no snapshots")
	}
	if err := s.AppendSnapshot(snap("s1", 10)); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendSnapshot(snap("s1", 25)); err != nil {
		t.Fatal(err)
	}

	latest, ok := s.LatestSnapshot()
	if !ok {
		t.Fatal("expected a snapshot")
	}
	if latest.RealizedPnL != 25 {
		t.Errorf("latest PnL = %.0f, want 25", latest.RealizedPnL)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pnl.json")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendSnapshot(snap("s1", 10)); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSessionClose("s1", 42.5); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	latest, ok := reopened.LatestSnapshot()
	if !ok || latest.SessionID != "s1" {
		t.Error("snapshot lost across reopen")
	}
	daily := reopened.DailyPnL()
	today := time.Now().Format("2006-01-02")
	if daily[today] != 42.5 {
		t.Errorf("daily PnL[%s] = %.1f, want 42.5", today, daily[today])
	}
}

func TestSessionSnapshotsFiltered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pnl.json")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, sess := range []string{"a", "b", "a", "a"} {
		if err := s.AppendSnapshot(snap(sess, 1)); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(s.SessionSnapshots("a")); got != 3 {
		t.Errorf("session a snapshots = %d, want 3", got)
	}
	if got := len(s.SessionSnapshots("missing")); got != 0 {
		t.Errorf("unknown session snapshots = %d, want 0", got)
	}
}

func TestDailyPnLAccumulates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pnl.json")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSessionClose("s1", 30); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSessionClose("s2", -12); err != nil {
		t.Fatal(err)
	}
	today := time.Now().Format("2006-01-02")
	if got := s.DailyPnL()[today]; got != 18 {
		t.Errorf("daily total = %.0f, want 18", got)
	}

	// Returned map is a copy
	s.DailyPnL()[today] = 9999
	if got := s.DailyPnL()[today]; got != 18 {
		t.Error("DailyPnL must return a copy, not the internal map")
	}
}
