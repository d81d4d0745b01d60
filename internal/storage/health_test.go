package storage

import (
	"errors"
	"testing"
	"time"
)

func TestProviderHealthDefaultsClosed(t *testing.T) {
	s := openTestStore(t)

	h, err := s.GetProviderHealth("claude")
	if err != nil {
		t.Fatalf("GetProviderHealth: %v", err)
	}
	if h.Provider != "claude" {
		t.Errorf("provider mismatch: %q", h.Provider)
	}
	if h.CircuitState != CircuitClosed {
		t.Errorf("unknown provider should read closed, got %q", h.CircuitState)
	}
	if h.ConsecutiveFailures != 0 || h.TotalRequests != 0 {
		t.Errorf("unknown provider should have zero counters: %+v", h)
	}

	// The synthesized default is never persisted.
	count, err := s.CountRows("provider_health")
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if count != 0 {
		t.Errorf("lookup must not create a row, found %d", count)
	}
}

// TestFailuresNeverOpenCircuit records repeated failures and verifies the
// circuit stays closed; opening is always the caller's explicit call.
func TestFailuresNeverOpenCircuit(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.RecordFailure("claude"); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	h, err := s.GetProviderHealth("claude")
	if err != nil {
		t.Fatalf("GetProviderHealth: %v", err)
	}
	if h.CircuitState != CircuitClosed {
		t.Errorf("failures alone must not open the circuit, got %q", h.CircuitState)
	}
	if h.ConsecutiveFailures != 3 {
		t.Errorf("expected 3 consecutive failures, got %d", h.ConsecutiveFailures)
	}
	if h.TotalFailures != 3 || h.TotalRequests != 3 {
		t.Errorf("counter mismatch: %+v", h)
	}
	if h.LastFailure == nil {
		t.Error("last_failure should be set")
	}
}

func TestCircuitLifecycle(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordFailure("claude"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := s.OpenCircuit("claude"); err != nil {
		t.Fatalf("OpenCircuit: %v", err)
	}

	h, err := s.GetProviderHealth("claude")
	if err != nil {
		t.Fatalf("GetProviderHealth: %v", err)
	}
	if h.CircuitState != CircuitOpen {
		t.Errorf("expected open, got %q", h.CircuitState)
	}
	if h.OpenedAt == nil {
		t.Error("opened_at should be set")
	}

	if err := s.HalfOpenCircuit("claude"); err != nil {
		t.Fatalf("HalfOpenCircuit: %v", err)
	}
	h, err = s.GetProviderHealth("claude")
	if err != nil {
		t.Fatalf("GetProviderHealth: %v", err)
	}
	if h.CircuitState != CircuitHalfOpen {
		t.Errorf("expected half_open, got %q", h.CircuitState)
	}

	// A success closes the circuit and resets the streak.
	if err := s.RecordSuccess("claude", 120*time.Millisecond); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	h, err = s.GetProviderHealth("claude")
	if err != nil {
		t.Fatalf("GetProviderHealth: %v", err)
	}
	if h.CircuitState != CircuitClosed {
		t.Errorf("success should close the circuit, got %q", h.CircuitState)
	}
	if h.ConsecutiveFailures != 0 {
		t.Errorf("success should reset the failure streak, got %d", h.ConsecutiveFailures)
	}
	if h.OpenedAt != nil {
		t.Errorf("success should clear opened_at, got %v", h.OpenedAt)
	}
	if h.LastSuccess == nil {
		t.Error("last_success should be set")
	}
}

func TestRunningAverageLatency(t *testing.T) {
	s := openTestStore(t)

	for _, ms := range []int{100, 200, 300} {
		if err := s.RecordSuccess("claude", time.Duration(ms)*time.Millisecond); err != nil {
			t.Fatalf("RecordSuccess: %v", err)
		}
	}

	h, err := s.GetProviderHealth("claude")
	if err != nil {
		t.Fatalf("GetProviderHealth: %v", err)
	}
	if h.TotalRequests != 3 {
		t.Errorf("expected 3 requests, got %d", h.TotalRequests)
	}
	if h.AvgLatencyMS == nil || *h.AvgLatencyMS != 200 {
		t.Errorf("expected running average of 200ms, got %v", h.AvgLatencyMS)
	}
}

func TestSetP95Latency(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetP95Latency("claude", 500*time.Millisecond); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound with no health row, got %v", err)
	}

	if err := s.RecordSuccess("claude", 100*time.Millisecond); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := s.SetP95Latency("claude", 500*time.Millisecond); err != nil {
		t.Fatalf("SetP95Latency: %v", err)
	}

	h, err := s.GetProviderHealth("claude")
	if err != nil {
		t.Fatalf("GetProviderHealth: %v", err)
	}
	if h.P95LatencyMS == nil || *h.P95LatencyMS != 500 {
		t.Errorf("expected p95 of 500ms, got %v", h.P95LatencyMS)
	}
}

func TestListProviderHealth(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordSuccess("codex", 50*time.Millisecond); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := s.RecordFailure("claude"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	all, err := s.ListProviderHealth()
	if err != nil {
		t.Fatalf("ListProviderHealth: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(all))
	}
	// Ordered by provider name.
	if all[0].Provider != "claude" || all[1].Provider != "codex" {
		t.Errorf("unexpected order: %q, %q", all[0].Provider, all[1].Provider)
	}
}
