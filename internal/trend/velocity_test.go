package trend

import (
	"math"
	"testing"
	"time"

	"github.com/Dicklesworthstone/caut/internal/storage"
)

func snapAt(t time.Time, pct float64) storage.StoredSnapshot {
	return storage.StoredSnapshot{
		Provider:       "claude",
		FetchedAt:      t,
		PrimaryUsedPct: &pct,
	}
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestVelocityRequiresTwoPoints(t *testing.T) {
	now := time.Now().UTC()

	if _, ok := Velocity(nil, time.Hour); ok {
		t.Error("expected no velocity from empty history")
	}
	if _, ok := Velocity([]storage.StoredSnapshot{snapAt(now, 10)}, time.Hour); ok {
		t.Error("expected no velocity from a single point")
	}
	two := []storage.StoredSnapshot{snapAt(now.Add(-time.Hour), 10), snapAt(now, 20)}
	if _, ok := Velocity(two, 0); ok {
		t.Error("expected no velocity for non-positive window")
	}
}

func TestVelocityTwoPoints(t *testing.T) {
	now := time.Now().UTC()
	history := []storage.StoredSnapshot{
		snapAt(now.Add(-2*time.Hour), 10),
		snapAt(now, 30),
	}

	v, ok := Velocity(history, 3*time.Hour)
	if !ok {
		t.Fatal("expected a velocity")
	}
	if !approxEqual(v, 10) {
		t.Errorf("expected 10 pct/hour, got %v", v)
	}
}

func TestVelocityLinearRegression(t *testing.T) {
	now := time.Now().UTC()
	// Perfectly linear: 5 pct/hour.
	var history []storage.StoredSnapshot
	for i := 0; i < 5; i++ {
		history = append(history, snapAt(now.Add(time.Duration(-i)*time.Hour), 50-float64(i)*5))
	}

	v, ok := Velocity(history, 6*time.Hour)
	if !ok {
		t.Fatal("expected a velocity")
	}
	if !approxEqual(v, 5) {
		t.Errorf("expected 5 pct/hour, got %v", v)
	}
}

func TestVelocityIgnoresPointsBeforeReset(t *testing.T) {
	now := time.Now().UTC()
	history := []storage.StoredSnapshot{
		snapAt(now.Add(-3*time.Hour), 80),
		snapAt(now.Add(-2*time.Hour), 90),
		snapAt(now.Add(-time.Hour), 5), // reset
		snapAt(now, 15),
	}

	v, ok := Velocity(history, 4*time.Hour)
	if !ok {
		t.Fatal("expected a velocity")
	}
	// Only the post-reset segment counts: 5 -> 15 over one hour.
	if !approxEqual(v, 10) {
		t.Errorf("expected 10 pct/hour from post-reset segment, got %v", v)
	}
}

func TestVelocityFlatLine(t *testing.T) {
	now := time.Now().UTC()
	history := []storage.StoredSnapshot{
		snapAt(now.Add(-time.Hour), 42),
		snapAt(now, 42),
	}

	v, ok := Velocity(history, 2*time.Hour)
	if !ok {
		t.Fatal("expected a velocity")
	}
	if !approxEqual(v, 0) {
		t.Errorf("expected 0 pct/hour, got %v", v)
	}
}

func TestDetectResetThresholds(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		prev, curr float64
		want       bool
	}{
		{90, 5, true},
		{51, 9, true},
		{50, 5, false},  // prev not over 50
		{90, 10, false}, // curr not under 10
		{90, 55, false},
		{45, 2, false}, // drop too small from a low start
	}
	for _, tc := range cases {
		got := DetectReset(snapAt(now.Add(-time.Hour), tc.prev), snapAt(now, tc.curr))
		if got != tc.want {
			t.Errorf("DetectReset(%v -> %v) = %v, want %v", tc.prev, tc.curr, got, tc.want)
		}
	}
}

func TestSmoothedVelocityInvalidAlpha(t *testing.T) {
	now := time.Now().UTC()
	history := []storage.StoredSnapshot{
		snapAt(now.Add(-time.Hour), 10),
		snapAt(now, 20),
	}

	for _, alpha := range []float64{0, -0.5, 1.5} {
		if _, ok := SmoothedVelocity(history, 2*time.Hour, alpha); ok {
			t.Errorf("expected no velocity for alpha %v", alpha)
		}
	}
}

func TestSmoothedVelocityEMA(t *testing.T) {
	now := time.Now().UTC()
	history := []storage.StoredSnapshot{
		snapAt(now.Add(-2*time.Hour), 10),
		snapAt(now.Add(-time.Hour), 30), // 20 pct/hour
		snapAt(now, 40),                 // 10 pct/hour
	}

	v, ok := SmoothedVelocity(history, 3*time.Hour, 0.5)
	if !ok {
		t.Fatal("expected a smoothed velocity")
	}
	// EMA over [20, 10] with alpha 0.5: 15.
	if !approxEqual(v, 15) {
		t.Errorf("expected 15 pct/hour, got %v", v)
	}
}

func TestProviderVelocity(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now().UTC().Truncate(time.Second)
	for i, pct := range []float64{10, 20, 30} {
		snap := storage.Snapshot{
			FetchedAt: now.Add(time.Duration(i-2) * time.Hour),
			Primary:   &storage.RateWindow{UsedPercent: pct},
		}
		if _, err := s.RecordSnapshot(snap, "claude"); err != nil {
			t.Fatalf("RecordSnapshot: %v", err)
		}
	}

	v, ok, err := ProviderVelocity(s, "claude", 4*time.Hour)
	if err != nil {
		t.Fatalf("ProviderVelocity: %v", err)
	}
	if !ok {
		t.Fatal("expected a velocity")
	}
	if !approxEqual(v, 10) {
		t.Errorf("expected 10 pct/hour, got %v", v)
	}

	if _, ok, err := ProviderVelocity(s, "gemini", time.Hour); err != nil || ok {
		t.Errorf("expected no velocity for empty provider, got ok=%v err=%v", ok, err)
	}
}
