// Package trend computes usage velocity from snapshot history. Velocity is
// measured in percentage points per hour of the primary rate window.
package trend

import (
	"math"
	"sort"
	"time"

	"github.com/Dicklesworthstone/caut/internal/storage"
)

// Velocity returns the percent-per-hour usage rate over the window via a
// least-squares fit, or false when fewer than two usable points exist. The
// fit covers only the segment after the most recent detected reset; a reset
// makes earlier points describe a different quota period.
func Velocity(history []storage.StoredSnapshot, window time.Duration) (float64, bool) {
	if len(history) < 2 || window <= 0 {
		return 0, false
	}

	points := recentPoints(history, window)
	if len(points) < 2 {
		return 0, false
	}
	segment := stripResets(points)
	if len(segment) < 2 {
		return 0, false
	}

	slope, ok := regressionSlope(segment)
	if !ok {
		return 0, false
	}
	return slope * 3600, true
}

// SmoothedVelocity returns an exponential moving average over per-interval
// velocities. alpha must be in (0, 1]; higher values weight recent intervals
// more.
func SmoothedVelocity(history []storage.StoredSnapshot, window time.Duration, alpha float64) (float64, bool) {
	if alpha <= 0 || alpha > 1 {
		return 0, false
	}

	points := recentPoints(history, window)
	if len(points) < 2 {
		return 0, false
	}
	segment := stripResets(points)
	if len(segment) < 2 {
		return 0, false
	}

	velocities := intervalVelocities(segment)
	if len(velocities) == 0 {
		return 0, false
	}

	ema := velocities[0]
	for _, v := range velocities[1:] {
		ema = (1-alpha)*ema + alpha*v
	}
	return ema, true
}

// DetectReset reports whether usage between two consecutive snapshots looks
// like a quota reset rather than real consumption: high to near-zero with a
// large drop.
func DetectReset(prev, curr storage.StoredSnapshot) bool {
	prevPct := pct(prev)
	currPct := pct(curr)
	return prevPct > 50 && currPct < 10 && prevPct-currPct > 40
}

// ProviderVelocity loads a provider's recent history and computes its
// velocity over the window.
func ProviderVelocity(store *storage.Store, provider string, window time.Duration) (float64, bool, error) {
	now := time.Now().UTC()
	snaps, err := store.GetSnapshots(provider, now.Add(-window), now)
	if err != nil {
		return 0, false, err
	}
	v, ok := Velocity(snaps, window)
	return v, ok, nil
}

func pct(s storage.StoredSnapshot) float64 {
	if s.PrimaryUsedPct == nil {
		return 0
	}
	return *s.PrimaryUsedPct
}

// recentPoints filters to snapshots inside the window that carry a primary
// percentage, sorted oldest first.
func recentPoints(history []storage.StoredSnapshot, window time.Duration) []storage.StoredSnapshot {
	cutoff := time.Now().UTC().Add(-window)
	var points []storage.StoredSnapshot
	for _, s := range history {
		if s.PrimaryUsedPct != nil && !s.FetchedAt.Before(cutoff) {
			points = append(points, s)
		}
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].FetchedAt.Before(points[j].FetchedAt)
	})
	return points
}

// stripResets keeps only the points after the last detected reset.
func stripResets(points []storage.StoredSnapshot) []storage.StoredSnapshot {
	var segment []storage.StoredSnapshot
	for _, point := range points {
		if len(segment) > 0 && DetectReset(segment[len(segment)-1], point) {
			segment = segment[:0]
		}
		segment = append(segment, point)
	}
	return segment
}

func regressionSlope(points []storage.StoredSnapshot) (float64, bool) {
	n := float64(len(points))
	if n < 2 {
		return 0, false
	}

	base := float64(points[0].FetchedAt.Unix())
	var sumX, sumY, sumXY, sumXX float64
	for _, point := range points {
		x := float64(point.FetchedAt.Unix()) - base
		y := pct(point)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if math.Abs(denom) < 1e-9 {
		return 0, false
	}
	return (n*sumXY - sumX*sumY) / denom, true
}

func intervalVelocities(points []storage.StoredSnapshot) []float64 {
	var velocities []float64
	for i := 1; i < len(points); i++ {
		prev, curr := points[i-1], points[i]
		if DetectReset(prev, curr) {
			continue
		}
		elapsed := curr.FetchedAt.Sub(prev.FetchedAt).Seconds()
		if elapsed <= 0 {
			continue
		}
		perSecond := (pct(curr) - pct(prev)) / elapsed
		velocities = append(velocities, perSecond*3600)
	}
	return velocities
}
