package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetProviderHealth returns the health record for a provider. A provider
// with no stored row reads back as Closed with zero counters; the default
// is synthesized, never persisted.
func (s *Store) GetProviderHealth(provider string) (ProviderHealth, error) {
	row := s.db.QueryRow(`
		SELECT provider, last_success, last_failure, consecutive_failures,
			circuit_state, opened_at, avg_latency_ms, p95_latency_ms,
			total_requests, total_failures
		FROM provider_health WHERE provider = ?`, provider)

	var h ProviderHealth
	var lastSuccess, lastFailure, openedAt *string
	var state string
	err := row.Scan(
		&h.Provider, &lastSuccess, &lastFailure, &h.ConsecutiveFailures,
		&state, &openedAt, &h.AvgLatencyMS, &h.P95LatencyMS,
		&h.TotalRequests, &h.TotalFailures,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ProviderHealth{Provider: provider, CircuitState: CircuitClosed}, nil
	}
	if err != nil {
		return ProviderHealth{}, fmt.Errorf("getting provider health: %w", err)
	}

	h.CircuitState = ParseCircuitState(state)
	h.LastSuccess = parseTimePtr(lastSuccess)
	h.LastFailure = parseTimePtr(lastFailure)
	h.OpenedAt = parseTimePtr(openedAt)
	return h, nil
}

// ListProviderHealth returns every stored health row.
func (s *Store) ListProviderHealth() ([]ProviderHealth, error) {
	rows, err := s.db.Query(`
		SELECT provider, last_success, last_failure, consecutive_failures,
			circuit_state, opened_at, avg_latency_ms, p95_latency_ms,
			total_requests, total_failures
		FROM provider_health ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("listing provider health: %w", err)
	}
	defer rows.Close()

	var all []ProviderHealth
	for rows.Next() {
		var h ProviderHealth
		var lastSuccess, lastFailure, openedAt *string
		var state string
		if err := rows.Scan(
			&h.Provider, &lastSuccess, &lastFailure, &h.ConsecutiveFailures,
			&state, &openedAt, &h.AvgLatencyMS, &h.P95LatencyMS,
			&h.TotalRequests, &h.TotalFailures,
		); err != nil {
			return nil, fmt.Errorf("scanning provider health: %w", err)
		}
		h.CircuitState = ParseCircuitState(state)
		h.LastSuccess = parseTimePtr(lastSuccess)
		h.LastFailure = parseTimePtr(lastFailure)
		h.OpenedAt = parseTimePtr(openedAt)
		all = append(all, h)
	}
	return all, rows.Err()
}

// RecordSuccess marks a successful request: the circuit closes, consecutive
// failures reset, and the running average latency folds in the new sample.
// The average update reads the pre-update total_requests, so the order of
// SET clauses does not matter.
func (s *Store) RecordSuccess(provider string, latency time.Duration) error {
	ms := latency.Milliseconds()
	_, err := s.db.Exec(`
		INSERT INTO provider_health (provider, last_success, consecutive_failures,
			circuit_state, total_requests, avg_latency_ms, updated_at)
		VALUES (?, ?, 0, 'closed', 1, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			last_success = excluded.last_success,
			consecutive_failures = 0,
			circuit_state = 'closed',
			opened_at = NULL,
			total_requests = total_requests + 1,
			avg_latency_ms = (COALESCE(avg_latency_ms, 0) * total_requests + excluded.avg_latency_ms) / (total_requests + 1),
			updated_at = excluded.updated_at`,
		provider, fmtTime(time.Now()), ms, fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("recording success: %w", err)
	}
	return nil
}

// RecordFailure marks a failed request. Failures alone never open the
// circuit; OpenCircuit is the caller's explicit decision.
func (s *Store) RecordFailure(provider string) error {
	_, err := s.db.Exec(`
		INSERT INTO provider_health (provider, last_failure, consecutive_failures,
			total_requests, total_failures, updated_at)
		VALUES (?, ?, 1, 1, 1, ?)
		ON CONFLICT(provider) DO UPDATE SET
			last_failure = excluded.last_failure,
			consecutive_failures = consecutive_failures + 1,
			total_requests = total_requests + 1,
			total_failures = total_failures + 1,
			updated_at = excluded.updated_at`,
		provider, fmtTime(time.Now()), fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	return nil
}

// OpenCircuit trips the breaker: requests should fail fast until a caller
// half-opens it for a trial.
func (s *Store) OpenCircuit(provider string) error {
	now := fmtTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO provider_health (provider, circuit_state, opened_at, updated_at)
		VALUES (?, 'open', ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			circuit_state = 'open',
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at`,
		provider, now, now,
	)
	if err != nil {
		return fmt.Errorf("opening circuit: %w", err)
	}
	return nil
}

// HalfOpenCircuit allows a trial request through an open circuit.
func (s *Store) HalfOpenCircuit(provider string) error {
	now := fmtTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO provider_health (provider, circuit_state, updated_at)
		VALUES (?, 'half_open', ?)
		ON CONFLICT(provider) DO UPDATE SET
			circuit_state = 'half_open',
			updated_at = excluded.updated_at`,
		provider, now,
	)
	if err != nil {
		return fmt.Errorf("half-opening circuit: %w", err)
	}
	return nil
}

// SetP95Latency stores a caller-computed p95 latency sample. The store
// never derives a percentile itself.
func (s *Store) SetP95Latency(provider string, p95 time.Duration) error {
	ms := p95.Milliseconds()
	res, err := s.db.Exec(
		"UPDATE provider_health SET p95_latency_ms = ?, updated_at = ? WHERE provider = ?",
		ms, fmtTime(time.Now()), provider,
	)
	if err != nil {
		return fmt.Errorf("setting p95 latency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
