package storage

import (
	"fmt"
	"time"
)

// StatsPeriod selects the time range for usage statistics.
type StatsPeriod struct {
	Name string
	From time.Time // used only when Name == "custom"
	To   time.Time
}

// Named periods accepted by ParsePeriod.
const (
	PeriodToday     = "today"
	PeriodYesterday = "yesterday"
	PeriodLast7     = "7d"
	PeriodLast30    = "30d"
	PeriodThisMonth = "month"
	PeriodLastMonth = "last-month"
)

// ParsePeriod maps a CLI period name to a StatsPeriod.
func ParsePeriod(name string) (StatsPeriod, error) {
	switch name {
	case PeriodToday, PeriodYesterday, PeriodLast7, PeriodLast30, PeriodThisMonth, PeriodLastMonth:
		return StatsPeriod{Name: name}, nil
	default:
		return StatsPeriod{}, fmt.Errorf("unknown period %q", name)
	}
}

// CustomPeriod builds an explicit range.
func CustomPeriod(from, to time.Time) StatsPeriod {
	return StatsPeriod{Name: "custom", From: from, To: to}
}

// Range resolves the period to a concrete [from, to] pair.
func (p StatsPeriod) Range() (time.Time, time.Time) {
	now := time.Now().UTC()
	today := startOfDay(now)

	switch p.Name {
	case PeriodToday:
		return today, now
	case PeriodYesterday:
		return today.AddDate(0, 0, -1), today
	case PeriodLast7:
		return now.AddDate(0, 0, -7), now
	case PeriodLast30:
		return now.AddDate(0, 0, -30), now
	case PeriodThisMonth:
		return startOfMonth(now), now
	case PeriodLastMonth:
		thisMonth := startOfMonth(now)
		return thisMonth.AddDate(0, -1, 0), thisMonth
	default:
		return p.From, p.To
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// UsageStats summarizes primary-window usage over a period.
type UsageStats struct {
	Provider      string  `json:"provider"`
	Period        string  `json:"period"`
	AveragePct    float64 `json:"average_primary_pct"`
	MaxPct        float64 `json:"max_primary_pct"`
	MinPct        float64 `json:"min_primary_pct"`
	TotalCost     float64 `json:"total_cost_usd"`
	SampleCount   int     `json:"sample_count"`
}

// Stats computes usage statistics for a provider over a period from the
// detailed snapshots.
func (s *Store) Stats(provider string, period StatsPeriod) (UsageStats, error) {
	from, to := period.Range()
	snaps, err := s.GetSnapshots(provider, from, to)
	if err != nil {
		return UsageStats{}, err
	}

	stats := UsageStats{Provider: provider, Period: period.Name}
	for _, snap := range snaps {
		if snap.CostTodayUSD != nil {
			stats.TotalCost += *snap.CostTodayUSD
		}
		pct := snap.PrimaryUsedPct
		if pct == nil {
			continue
		}
		if stats.SampleCount == 0 {
			stats.MaxPct = *pct
			stats.MinPct = *pct
		} else {
			if *pct > stats.MaxPct {
				stats.MaxPct = *pct
			}
			if *pct < stats.MinPct {
				stats.MinPct = *pct
			}
		}
		stats.AveragePct += *pct
		stats.SampleCount++
	}
	if stats.SampleCount > 0 {
		stats.AveragePct /= float64(stats.SampleCount)
	}
	return stats, nil
}

// StorageStats reports table sizes and maintenance state for the CLI.
type StorageStats struct {
	Snapshots    int64      `json:"snapshots"`
	Aggregates   int64      `json:"aggregates"`
	Accounts     int64      `json:"accounts"`
	Switches     int64      `json:"switches"`
	PruneRuns    int64      `json:"prune_runs"`
	SizeBytes    int64      `json:"size_bytes"`
	LastPrunedAt *time.Time `json:"last_pruned_at,omitempty"`
}

// GetStorageStats collects row counts, on-disk size, and the last real
// prune time.
func (s *Store) GetStorageStats() (StorageStats, error) {
	var stats StorageStats
	var err error

	counts := []struct {
		table string
		dest  *int64
	}{
		{"usage_snapshots", &stats.Snapshots},
		{"daily_aggregates", &stats.Aggregates},
		{"accounts", &stats.Accounts},
		{"switch_log", &stats.Switches},
		{"prune_history", &stats.PruneRuns},
	}
	for _, c := range counts {
		if *c.dest, err = s.CountRows(c.table); err != nil {
			return StorageStats{}, err
		}
	}

	if stats.SizeBytes, err = s.DBSize(); err != nil {
		return StorageStats{}, err
	}
	if stats.LastPrunedAt, err = s.lastPruneTime(); err != nil {
		return StorageStats{}, err
	}
	return stats, nil
}
