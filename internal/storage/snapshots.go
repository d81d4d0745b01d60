package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const snapshotColumns = `id, provider, fetched_at, source,
	primary_used_pct, primary_window_minutes, primary_resets_at,
	secondary_used_pct, secondary_window_minutes, secondary_resets_at,
	tertiary_used_pct, tertiary_window_minutes, tertiary_resets_at,
	cost_today_usd, cost_mtd_usd, credits_remaining,
	account_email, account_org, fetch_duration_ms,
	account_id, capture_trigger, created_at`

// RecordSnapshot inserts one usage snapshot for a provider and returns the
// new row id. Writes are single-row inserts; no batching is attempted.
func (s *Store) RecordSnapshot(snap Snapshot, provider string) (int64, error) {
	if provider == "" {
		return 0, fmt.Errorf("provider is required")
	}
	if snap.FetchedAt.IsZero() {
		return 0, fmt.Errorf("snapshot fetched_at is required")
	}

	source := snap.Source
	if source == "" {
		source = "unknown"
	}
	trigger := snap.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}

	var durationMS *int64
	if snap.FetchDuration != nil {
		ms := snap.FetchDuration.Milliseconds()
		durationMS = &ms
	}

	res, err := s.db.Exec(`
		INSERT INTO usage_snapshots (
			provider, fetched_at, source,
			primary_used_pct, primary_window_minutes, primary_resets_at,
			secondary_used_pct, secondary_window_minutes, secondary_resets_at,
			tertiary_used_pct, tertiary_window_minutes, tertiary_resets_at,
			cost_today_usd, cost_mtd_usd, credits_remaining,
			account_email, account_org, fetch_duration_ms,
			account_id, capture_trigger
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		provider, fmtTime(snap.FetchedAt), source,
		windowUsed(snap.Primary), windowMinutes(snap.Primary), windowResets(snap.Primary),
		windowUsed(snap.Secondary), windowMinutes(snap.Secondary), windowResets(snap.Secondary),
		windowUsed(snap.Tertiary), windowMinutes(snap.Tertiary), windowResets(snap.Tertiary),
		snap.CostTodayUSD, snap.CostMTDUSD, snap.CreditsRemaining,
		snap.AccountEmail, snap.AccountOrg, durationMS,
		snap.AccountID, string(trigger),
	)
	if err != nil {
		return 0, fmt.Errorf("recording snapshot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading snapshot id: %w", err)
	}
	return id, nil
}

// GetSnapshots returns snapshots for a provider within [from, to], newest
// first. An inverted range is rejected before touching the database.
func (s *Store) GetSnapshots(provider string, from, to time.Time) ([]StoredSnapshot, error) {
	if from.After(to) {
		return nil, fmt.Errorf("time range start must be before end")
	}

	rows, err := s.db.Query(`
		SELECT `+snapshotColumns+`
		FROM usage_snapshots
		WHERE provider = ? AND fetched_at BETWEEN ? AND ?
		ORDER BY fetched_at DESC`,
		provider, fmtTime(from), fmtTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	return collectSnapshots(rows)
}

// GetSnapshotsForAccount returns an account's snapshots within [from, to],
// newest first.
func (s *Store) GetSnapshotsForAccount(accountID string, from, to time.Time) ([]StoredSnapshot, error) {
	if from.After(to) {
		return nil, fmt.Errorf("time range start must be before end")
	}

	rows, err := s.db.Query(`
		SELECT `+snapshotColumns+`
		FROM usage_snapshots
		WHERE account_id = ? AND fetched_at BETWEEN ? AND ?
		ORDER BY fetched_at DESC`,
		accountID, fmtTime(from), fmtTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("querying account snapshots: %w", err)
	}
	defer rows.Close()

	return collectSnapshots(rows)
}

// GetLatest returns the most recent snapshot for a provider, or nil when the
// provider has no history yet.
func (s *Store) GetLatest(provider string) (*StoredSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT `+snapshotColumns+`
		FROM usage_snapshots
		WHERE provider = ?
		ORDER BY fetched_at DESC, id DESC
		LIMIT 1`,
		provider,
	)
	if err != nil {
		return nil, fmt.Errorf("querying latest snapshot: %w", err)
	}
	defer rows.Close()

	snaps, err := collectSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return &snaps[0], nil
}

// GetLatestForAccount returns the most recent snapshot linked to an account,
// or nil when none exists.
func (s *Store) GetLatestForAccount(accountID string) (*StoredSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT `+snapshotColumns+`
		FROM usage_snapshots
		WHERE account_id = ?
		ORDER BY fetched_at DESC, id DESC
		LIMIT 1`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying latest account snapshot: %w", err)
	}
	defer rows.Close()

	snaps, err := collectSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return &snaps[0], nil
}

// GetLatestAll returns the most recent snapshot per provider.
func (s *Store) GetLatestAll() (map[string]StoredSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT ` + snapshotColumns + `
		FROM usage_snapshots
		ORDER BY fetched_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying latest snapshots: %w", err)
	}
	defer rows.Close()

	snaps, err := collectSnapshots(rows)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]StoredSnapshot)
	for _, snap := range snaps {
		if _, ok := latest[snap.Provider]; !ok {
			latest[snap.Provider] = snap
		}
	}
	return latest, nil
}

// GetLatestPerAccount returns, for every account of a provider, that
// account's most recent snapshot. Ties on fetched_at are broken by the
// higher row id: two fetches can land in the same second.
func (s *Store) GetLatestPerAccount(provider string) (map[string]StoredSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT `+snapshotColumns+`
		FROM usage_snapshots
		WHERE provider = ? AND account_id IS NOT NULL
		ORDER BY fetched_at DESC, id DESC`,
		provider,
	)
	if err != nil {
		return nil, fmt.Errorf("querying per-account snapshots: %w", err)
	}
	defer rows.Close()

	snaps, err := collectSnapshots(rows)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]StoredSnapshot)
	for _, snap := range snaps {
		if snap.AccountID == nil {
			continue
		}
		if _, ok := latest[*snap.AccountID]; !ok {
			latest[*snap.AccountID] = snap
		}
	}
	return latest, nil
}

// countableTables is the allow-list for CountRows. Table names never come
// from user input directly into SQL.
var countableTables = map[string]bool{
	"usage_snapshots":   true,
	"daily_aggregates":  true,
	"prune_history":     true,
	"schema_migrations": true,
	"accounts":          true,
	"switch_log":        true,
	"provider_health":   true,
}

// CountRows counts the rows in one of the store's tables.
func (s *Store) CountRows(table string) (int64, error) {
	if !countableTables[table] {
		return 0, fmt.Errorf("invalid table name: %s", table)
	}

	var count int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return count, nil
}

// ListAggregates returns daily aggregates for a provider, newest day first.
// A limit <= 0 returns all rows.
func (s *Store) ListAggregates(provider string, limit int) ([]DailyAggregate, error) {
	query := `
		SELECT id, provider, date,
			primary_avg_used_pct, primary_max_used_pct, primary_min_used_pct,
			secondary_avg_used_pct, secondary_max_used_pct, secondary_min_used_pct,
			tertiary_avg_used_pct, tertiary_max_used_pct, tertiary_min_used_pct,
			total_cost_usd, sample_count, first_fetch, last_fetch,
			account_email, account_org
		FROM daily_aggregates
		WHERE provider = ?
		ORDER BY date DESC`
	args := []any{provider}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []DailyAggregate
	for rows.Next() {
		var a DailyAggregate
		var first, last *string
		if err := rows.Scan(
			&a.ID, &a.Provider, &a.Date,
			&a.PrimaryAvgUsedPct, &a.PrimaryMaxUsedPct, &a.PrimaryMinUsedPct,
			&a.SecondaryAvgUsedPct, &a.SecondaryMaxUsedPct, &a.SecondaryMinUsedPct,
			&a.TertiaryAvgUsedPct, &a.TertiaryMaxUsedPct, &a.TertiaryMinUsedPct,
			&a.TotalCostUSD, &a.SampleCount, &first, &last,
			&a.AccountEmail, &a.AccountOrg,
		); err != nil {
			return nil, fmt.Errorf("scanning aggregate: %w", err)
		}
		a.FirstFetch = parseTimePtr(first)
		a.LastFetch = parseTimePtr(last)
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

func collectSnapshots(rows *sql.Rows) ([]StoredSnapshot, error) {
	var snaps []StoredSnapshot
	for rows.Next() {
		var snap StoredSnapshot
		var fetchedAt, trigger string
		var primaryResets, secondaryResets, tertiaryResets, createdAt *string
		if err := rows.Scan(
			&snap.ID, &snap.Provider, &fetchedAt, &snap.Source,
			&snap.PrimaryUsedPct, &snap.PrimaryWindowMinutes, &primaryResets,
			&snap.SecondaryUsedPct, &snap.SecondaryWindowMinutes, &secondaryResets,
			&snap.TertiaryUsedPct, &snap.TertiaryWindowMinutes, &tertiaryResets,
			&snap.CostTodayUSD, &snap.CostMTDUSD, &snap.CreditsRemaining,
			&snap.AccountEmail, &snap.AccountOrg, &snap.FetchDurationMS,
			&snap.AccountID, &trigger, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}

		t, err := parseTime(fetchedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing fetched_at: %w", err)
		}
		snap.FetchedAt = t
		snap.Trigger = CaptureTrigger(trigger)
		snap.PrimaryResetsAt = parseTimePtr(primaryResets)
		snap.SecondaryResetsAt = parseTimePtr(secondaryResets)
		snap.TertiaryResetsAt = parseTimePtr(tertiaryResets)
		snap.CreatedAt = parseSQLTimePtr(createdAt)

		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// created_at comes from SQLite's datetime('now'), which is not RFC3339.
func parseSQLTimePtr(value *string) *time.Time {
	if value == nil {
		return nil
	}
	if t := parseTimePtr(value); t != nil {
		return t
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", *value, time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

func windowUsed(w *RateWindow) *float64 {
	if w == nil {
		return nil
	}
	return &w.UsedPercent
}

func windowMinutes(w *RateWindow) *int {
	if w == nil {
		return nil
	}
	return w.WindowMinutes
}

func windowResets(w *RateWindow) *string {
	if w == nil {
		return nil
	}
	return fmtTimePtr(w.ResetsAt)
}
