package storage

import (
	"testing"
	"time"
)

func TestParsePeriod(t *testing.T) {
	for _, name := range []string{"today", "yesterday", "7d", "30d", "month", "last-month"} {
		if _, err := ParsePeriod(name); err != nil {
			t.Errorf("ParsePeriod(%q): %v", name, err)
		}
	}
	if _, err := ParsePeriod("fortnight"); err == nil {
		t.Error("expected error for unknown period")
	}
}

func TestPeriodRanges(t *testing.T) {
	for _, name := range []string{"today", "yesterday", "7d", "30d", "month", "last-month"} {
		p, err := ParsePeriod(name)
		if err != nil {
			t.Fatalf("ParsePeriod(%q): %v", name, err)
		}
		from, to := p.Range()
		if !from.Before(to) {
			t.Errorf("%s: from %v not before to %v", name, from, to)
		}
	}

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	p := CustomPeriod(from, to)
	gotFrom, gotTo := p.Range()
	if !gotFrom.Equal(from) || !gotTo.Equal(to) {
		t.Errorf("custom range mismatch: [%v, %v]", gotFrom, gotTo)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	for i, pct := range []float64{10, 20, 30} {
		snap := testSnapshot(now.Add(time.Duration(-i)*time.Hour), pct)
		snap.CostTodayUSD = ptr(2.0)
		if _, err := s.RecordSnapshot(snap, "claude"); err != nil {
			t.Fatalf("RecordSnapshot: %v", err)
		}
	}
	// A snapshot with no primary window still contributes cost.
	costOnly := Snapshot{FetchedAt: now.Add(-30 * time.Minute), Source: "cli", CostTodayUSD: ptr(1.5)}
	if _, err := s.RecordSnapshot(costOnly, "claude"); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}

	stats, err := s.Stats("claude", CustomPeriod(now.Add(-24*time.Hour), now))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.SampleCount != 3 {
		t.Errorf("expected 3 samples with a primary window, got %d", stats.SampleCount)
	}
	if stats.AveragePct != 20 {
		t.Errorf("expected average 20, got %v", stats.AveragePct)
	}
	if stats.MaxPct != 30 || stats.MinPct != 10 {
		t.Errorf("expected max 30 min 10, got %v/%v", stats.MaxPct, stats.MinPct)
	}
	if stats.TotalCost != 7.5 {
		t.Errorf("expected total cost 7.5, got %v", stats.TotalCost)
	}
}

func TestStatsEmptyPeriod(t *testing.T) {
	s := openTestStore(t)

	stats, err := s.Stats("claude", StatsPeriod{Name: PeriodToday})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.SampleCount != 0 || stats.AveragePct != 0 {
		t.Errorf("expected zero stats for empty period, got %+v", stats)
	}
}

func TestGetStorageStats(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.RecordSnapshot(testSnapshot(time.Now().UTC(), 10), "claude"); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}
	if _, err := s.UpsertAccount(Account{Provider: "claude", Email: "a@example.com"}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	stats, err := s.GetStorageStats()
	if err != nil {
		t.Fatalf("GetStorageStats: %v", err)
	}
	if stats.Snapshots != 1 {
		t.Errorf("expected 1 snapshot, got %d", stats.Snapshots)
	}
	if stats.Accounts != 1 {
		t.Errorf("expected 1 account, got %d", stats.Accounts)
	}
	if stats.SizeBytes <= 0 {
		t.Errorf("expected positive size, got %d", stats.SizeBytes)
	}
	if stats.LastPrunedAt != nil {
		t.Errorf("expected no prune time before any prune, got %v", stats.LastPrunedAt)
	}

	if _, err := s.Prune(DefaultRetentionPolicy(), false); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	stats, err = s.GetStorageStats()
	if err != nil {
		t.Fatalf("GetStorageStats: %v", err)
	}
	if stats.LastPrunedAt == nil {
		t.Error("expected last prune time after a real prune")
	}
	if stats.PruneRuns != 1 {
		t.Errorf("expected 1 prune run, got %d", stats.PruneRuns)
	}
}
