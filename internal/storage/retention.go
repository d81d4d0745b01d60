package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Defaults for the tiered retention policy.
const (
	DefaultDetailedRetentionDays  = 30
	DefaultAggregateRetentionDays = 365
	DefaultMaxSizeBytes           = 100 * 1024 * 1024
	DefaultPruneIntervalHours     = 24
)

// RetentionPolicy governs how long detailed snapshots and daily aggregates
// are kept, the database size ceiling, and how often automatic prunes run.
type RetentionPolicy struct {
	DetailedRetentionDays  int   `json:"detailed_retention_days" mapstructure:"detailed_retention_days"`
	AggregateRetentionDays int   `json:"aggregate_retention_days" mapstructure:"aggregate_retention_days"`
	MaxSizeBytes           int64 `json:"max_size_bytes" mapstructure:"max_size_bytes"`
	PruneIntervalHours     int   `json:"prune_interval_hours" mapstructure:"prune_interval_hours"`
}

// DefaultRetentionPolicy returns the stock policy: 30 days detailed, 365
// days aggregated, 100 MB ceiling, prune at most once a day.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		DetailedRetentionDays:  DefaultDetailedRetentionDays,
		AggregateRetentionDays: DefaultAggregateRetentionDays,
		MaxSizeBytes:           DefaultMaxSizeBytes,
		PruneIntervalHours:     DefaultPruneIntervalHours,
	}
}

// Validate rejects policies that would lose data: downsampling must happen
// strictly before aggregates expire.
func (p RetentionPolicy) Validate() error {
	if p.DetailedRetentionDays <= 0 {
		return fmt.Errorf("detailed retention days must be greater than 0")
	}
	if p.AggregateRetentionDays <= 0 {
		return fmt.Errorf("aggregate retention days must be greater than 0")
	}
	if p.DetailedRetentionDays >= p.AggregateRetentionDays {
		return fmt.Errorf("detailed retention must be less than aggregate retention")
	}
	if p.MaxSizeBytes == 0 {
		return fmt.Errorf("max size must be greater than 0")
	}
	return nil
}

// PruneResult reports what a prune run did (or, for a dry run, would do).
type PruneResult struct {
	DryRun             bool          `json:"dry_run"`
	DetailedDeleted    int64         `json:"detailed_deleted"`
	AggregatesCreated  int64         `json:"aggregates_created"`
	AggregatesDeleted  int64         `json:"aggregates_deleted"`
	BytesFreed         int64         `json:"bytes_freed"`
	Duration           time.Duration `json:"-"`
	DurationMS         int64         `json:"duration_ms"`
	SizeLimitTriggered bool          `json:"size_limit_triggered"`
}

// Prune enforces the retention policy in four phases, always in this order:
//
//  1. aggregate (provider, day) pairs older than the detailed cutoff that
//     have no aggregate row yet, and delete each pair's aged snapshots in
//     the same transaction
//  2. delete any remaining detailed snapshots older than the cutoff (days
//     whose aggregate already existed)
//  3. delete aggregates older than the aggregate cutoff
//  4. enforce the size ceiling by evicting oldest rows in batches
//
// A dry run computes and reports the same counts without writing. The four
// phases are not one transaction; each phase's statements succeed or fail
// atomically on their own.
func (s *Store) Prune(policy RetentionPolicy, dryRun bool) (PruneResult, error) {
	if err := policy.Validate(); err != nil {
		return PruneResult{}, err
	}

	start := time.Now()
	result := PruneResult{DryRun: dryRun}

	initialSize, err := s.DBSize()
	if err != nil {
		return result, err
	}

	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -policy.DetailedRetentionDays)

	// Phase 1: aggregate and delete, one transaction per (provider, day).
	days, err := s.daysNeedingAggregation(cutoff)
	if err != nil {
		return result, err
	}
	if dryRun {
		result.AggregatesCreated = int64(len(days))
		result.DetailedDeleted, err = s.countOldSnapshots(cutoff)
		if err != nil {
			return result, err
		}
	} else {
		for _, d := range days {
			deleted, err := s.aggregateDay(d.provider, d.day, cutoff)
			if err != nil {
				return result, err
			}
			result.AggregatesCreated++
			result.DetailedDeleted += deleted
		}

		// Phase 2: days already aggregated by an earlier run still hold
		// aged snapshots; sweep them.
		deleted, err := s.deleteOldSnapshots(cutoff)
		if err != nil {
			return result, err
		}
		result.DetailedDeleted += deleted
	}

	// Phase 3: expire stale aggregates at day granularity.
	aggCutoff := now.AddDate(0, 0, -policy.AggregateRetentionDays).Format("2006-01-02")
	if dryRun {
		result.AggregatesDeleted, err = s.countOldAggregates(aggCutoff)
	} else {
		result.AggregatesDeleted, err = s.deleteOldAggregates(aggCutoff)
	}
	if err != nil {
		return result, err
	}

	// Phase 4: size ceiling.
	currentSize := initialSize
	if !dryRun {
		if currentSize, err = s.DBSize(); err != nil {
			return result, err
		}
	}
	if currentSize > policy.MaxSizeBytes {
		result.SizeLimitTriggered = true
		if !dryRun {
			if err := s.EnforceSizeLimit(policy.MaxSizeBytes); err != nil {
				return result, err
			}
		}
	}

	// Reclaim free pages only when enough rows went away to matter.
	significant := result.DetailedDeleted > 100 || result.AggregatesDeleted > 10
	if !dryRun && significant {
		if _, err := s.db.Exec("VACUUM"); err != nil {
			return result, fmt.Errorf("vacuum failed: %w", err)
		}
	}

	finalSize := initialSize
	if !dryRun {
		if finalSize, err = s.DBSize(); err != nil {
			return result, err
		}
	}
	if freed := initialSize - finalSize; freed > 0 {
		result.BytesFreed = freed
	}
	result.Duration = time.Since(start)
	result.DurationMS = result.Duration.Milliseconds()

	if !dryRun {
		if err := s.recordPrune(result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// MaybePrune runs a real prune when the last non-dry-run prune is older than
// the policy interval (or none exists), or immediately when the database
// already exceeds the size ceiling. Returns nil when nothing was due.
func (s *Store) MaybePrune(policy RetentionPolicy) (*PruneResult, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	due := true
	if last, err := s.lastPruneTime(); err != nil {
		return nil, err
	} else if last != nil {
		due = time.Since(*last) >= time.Duration(policy.PruneIntervalHours)*time.Hour
	}

	size, err := s.DBSize()
	if err != nil {
		return nil, err
	}
	overSize := size > policy.MaxSizeBytes

	if !due && !overSize {
		return nil, nil
	}

	result, err := s.Prune(policy, false)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Cleanup deletes snapshots older than retentionDays and vacuums when
// anything was removed. The simple pre-policy retention path, kept for the
// history cleanup command.
func (s *Store) Cleanup(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be greater than 0")
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted, err := s.deleteOldSnapshots(cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		if _, err := s.db.Exec("VACUUM"); err != nil {
			return deleted, fmt.Errorf("vacuum failed: %w", err)
		}
	}
	return deleted, nil
}

// EnforceSizeLimit deletes the oldest 100 detailed snapshots per round, then
// the oldest 100 aggregates once no snapshots remain, until either both
// tables are empty or the file fits under maxBytes, then vacuums. Deleted
// pages only stop counting toward DBSize after the vacuum, so a triggered
// enforcement keeps evicting until its sources run dry.
func (s *Store) EnforceSizeLimit(maxBytes int64) error {
	for {
		size, err := s.DBSize()
		if err != nil {
			return err
		}
		if size <= maxBytes {
			break
		}

		res, err := s.db.Exec(`
			DELETE FROM usage_snapshots WHERE id IN (
				SELECT id FROM usage_snapshots ORDER BY fetched_at ASC LIMIT 100
			)`)
		if err != nil {
			return fmt.Errorf("deleting snapshot batch: %w", err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if deleted > 0 {
			continue
		}

		res, err = s.db.Exec(`
			DELETE FROM daily_aggregates WHERE id IN (
				SELECT id FROM daily_aggregates ORDER BY date ASC LIMIT 100
			)`)
		if err != nil {
			return fmt.Errorf("deleting aggregate batch: %w", err)
		}
		aggDeleted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aggDeleted == 0 {
			break // nothing left to delete
		}
	}

	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum after size limit: %w", err)
	}
	return nil
}

// PruneHistory returns recent prune audit rows, newest first.
func (s *Store) PruneHistory(limit int) ([]PruneRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, pruned_at, detailed_deleted, aggregates_created,
			aggregates_deleted, bytes_freed, duration_ms, dry_run
		FROM prune_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying prune history: %w", err)
	}
	defer rows.Close()

	var records []PruneRecord
	for rows.Next() {
		var r PruneRecord
		var prunedAt string
		if err := rows.Scan(&r.ID, &prunedAt, &r.DetailedDeleted, &r.AggregatesCreated,
			&r.AggregatesDeleted, &r.BytesFreed, &r.DurationMS, &r.DryRun); err != nil {
			return nil, fmt.Errorf("scanning prune record: %w", err)
		}
		t, err := parseTime(prunedAt)
		if err != nil {
			return nil, err
		}
		r.PrunedAt = t
		records = append(records, r)
	}
	return records, rows.Err()
}

type providerDay struct {
	provider string
	day      string
}

// daysNeedingAggregation finds every distinct (provider, day) holding at
// least one snapshot older than cutoff with no aggregate row yet. The
// NOT EXISTS guard is what makes repeated pruning idempotent.
func (s *Store) daysNeedingAggregation(cutoff time.Time) ([]providerDay, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT provider, date(fetched_at) AS day
		FROM usage_snapshots
		WHERE fetched_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM daily_aggregates
			WHERE daily_aggregates.provider = usage_snapshots.provider
			AND daily_aggregates.date = date(fetched_at)
		)`,
		fmtTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("querying days to aggregate: %w", err)
	}
	defer rows.Close()

	var days []providerDay
	for rows.Next() {
		var d providerDay
		if err := rows.Scan(&d.provider, &d.day); err != nil {
			return nil, fmt.Errorf("scanning day: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// aggregateDay computes and upserts the daily aggregate for one (provider,
// day) pair and deletes that day's aged snapshots, all in one transaction so
// a crash never leaves a day aggregated but undeleted. The aggregate covers
// every snapshot of the day, including rows newer than the cutoff; only
// rows older than the cutoff are deleted.
func (s *Store) aggregateDay(provider, day string, cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning aggregation for %s/%s: %w", provider, day, err)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO daily_aggregates (
			provider, date,
			primary_avg_used_pct, primary_max_used_pct, primary_min_used_pct,
			secondary_avg_used_pct, secondary_max_used_pct, secondary_min_used_pct,
			tertiary_avg_used_pct, tertiary_max_used_pct, tertiary_min_used_pct,
			total_cost_usd, sample_count, first_fetch, last_fetch,
			account_email, account_org
		)
		SELECT provider, date(fetched_at),
			AVG(primary_used_pct), MAX(primary_used_pct), MIN(primary_used_pct),
			AVG(secondary_used_pct), MAX(secondary_used_pct), MIN(secondary_used_pct),
			AVG(tertiary_used_pct), MAX(tertiary_used_pct), MIN(tertiary_used_pct),
			SUM(cost_today_usd), COUNT(*), MIN(fetched_at), MAX(fetched_at),
			account_email, account_org
		FROM usage_snapshots
		WHERE provider = ? AND date(fetched_at) = ?
		GROUP BY provider, date(fetched_at)`,
		provider, day,
	)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("creating aggregate for %s/%s: %w", provider, day, err)
	}

	res, err := tx.Exec(`
		DELETE FROM usage_snapshots
		WHERE provider = ? AND date(fetched_at) = ? AND fetched_at < ?`,
		provider, day, fmtTime(cutoff),
	)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("deleting aggregated snapshots for %s/%s: %w", provider, day, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing aggregation for %s/%s: %w", provider, day, err)
	}
	return deleted, nil
}

func (s *Store) deleteOldSnapshots(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM usage_snapshots WHERE fetched_at < ?", fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting old snapshots: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) countOldSnapshots(cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM usage_snapshots WHERE fetched_at < ?", fmtTime(cutoff),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting old snapshots: %w", err)
	}
	return count, nil
}

func (s *Store) deleteOldAggregates(cutoffDate string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM daily_aggregates WHERE date < ?", cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("deleting old aggregates: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) countOldAggregates(cutoffDate string) (int64, error) {
	var count int64
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM daily_aggregates WHERE date < ?", cutoffDate,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting old aggregates: %w", err)
	}
	return count, nil
}

// lastPruneTime derives the last real prune from the audit trail rather
// than process state, so short-lived CLI invocations agree on it.
func (s *Store) lastPruneTime() (*time.Time, error) {
	var prunedAt string
	err := s.db.QueryRow(
		"SELECT pruned_at FROM prune_history WHERE dry_run = 0 ORDER BY id DESC LIMIT 1",
	).Scan(&prunedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading last prune time: %w", err)
	}

	t, err := parseTime(prunedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) recordPrune(result PruneResult) error {
	_, err := s.db.Exec(`
		INSERT INTO prune_history (
			pruned_at, detailed_deleted, aggregates_created,
			aggregates_deleted, bytes_freed, duration_ms, dry_run
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(time.Now()),
		result.DetailedDeleted, result.AggregatesCreated,
		result.AggregatesDeleted, result.BytesFreed, result.DurationMS,
		result.DryRun,
	)
	if err != nil {
		return fmt.Errorf("recording prune: %w", err)
	}
	return nil
}
