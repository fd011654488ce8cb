package store

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"predictarb/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bot.db"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndListExecutions(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	now := time.Now()

	results := []types.ExecutionResult{
		{ID: "e1", Kind: types.SinglePlatform, Success: true, RealizedProfit: 4.2, ExecutedAt: now.Add(-time.Hour)},
		{ID: "e2", Kind: types.CrossPlatform, Success: false, RealizedProfit: -1.1, ExecutedAt: now},
	}
	for _, r := range results {
		if err := s.SaveExecution(r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListExecutions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("executions = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "e2" || got[1].ID != "e1" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
	if got[1].RealizedProfit != 4.2 || !got[1].Success {
		t.Errorf("round trip lost fields: %+v", got[1])
	}
}

func TestRealizedProfitSince(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	now := time.Now()

	for _, r := range []types.ExecutionResult{
		{ID: "old", RealizedProfit: 100, ExecutedAt: now.Add(-48 * time.Hour)},
		{ID: "a", RealizedProfit: 3, ExecutedAt: now.Add(-2 * time.Hour)},
		{ID: "b", RealizedProfit: -1, ExecutedAt: now.Add(-time.Hour)},
	} {
		if err := s.SaveExecution(r); err != nil {
			t.Fatal(err)
		}
	}

	total, err := s.RealizedProfitSince(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("profit since cutoff = %v, want 2", total)
	}

	// Empty range sums to zero, not an error.
	total, err = s.RealizedProfitSince(now.Add(time.Hour))
	if err != nil || total != 0 {
		t.Errorf("empty range = %v, %v", total, err)
	}
}

func TestDailyPnlRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if _, ok, err := s.DailyPnl("2026-08-24"); err != nil || ok {
		t.Fatalf("missing date = ok=%v err=%v", ok, err)
	}

	if err := s.UpsertDailyPnl("2026-08-24", -12.5); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.DailyPnl("2026-08-24")
	if err != nil || !ok || got != -12.5 {
		t.Fatalf("daily pnl = %v ok=%v err=%v", got, ok, err)
	}

	// Upsert replaces.
	if err := s.UpsertDailyPnl("2026-08-24", 3.0); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.DailyPnl("2026-08-24")
	if got != 3.0 {
		t.Errorf("after upsert = %v, want 3", got)
	}
}

func TestPruneDropsOldRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bot.db")
	s, err := Open(path, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range []types.ExecutionResult{
		{ID: "ancient", ExecutedAt: time.Now().Add(-40 * 24 * time.Hour)},
		{ID: "recent", ExecutedAt: time.Now()},
	} {
		if err := s.SaveExecution(r); err != nil {
			t.Fatal(err)
		}
	}
	s.Close()

	// Reopen triggers the prune pass.
	s, err = Open(path, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.ListExecutions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "recent" {
		t.Errorf("after prune = %+v, want only the recent row", got)
	}
}
