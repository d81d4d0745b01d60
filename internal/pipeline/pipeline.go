// Package pipeline orchestrates periodic usage fetches across providers,
// feeding results into the history store and the per-provider circuit
// breaker.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/caut/internal/storage"
)

// Fetcher retrieves a provider's current usage. Implementations talk to
// provider APIs or local CLI state; the pipeline only cares about the
// snapshot and the error.
type Fetcher interface {
	Fetch(ctx context.Context, provider string) (storage.Snapshot, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, provider string) (storage.Snapshot, error)

func (f FetcherFunc) Fetch(ctx context.Context, provider string) (storage.Snapshot, error) {
	return f(ctx, provider)
}

// BreakerPolicy decides when the pipeline trips a provider's circuit. The
// store itself never opens circuits; that call is always explicit.
type BreakerPolicy struct {
	// OpenAfter is the consecutive failure count that opens the circuit.
	OpenAfter int
}

// DefaultBreakerPolicy opens after three consecutive failures.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{OpenAfter: 3}
}

// FetchResult is the outcome of one provider's fetch in a run.
type FetchResult struct {
	Provider   string        `json:"provider"`
	Skipped    bool          `json:"skipped"`
	SnapshotID int64         `json:"snapshot_id,omitempty"`
	Latency    time.Duration `json:"-"`
	Err        error         `json:"-"`
}

// Runner fans fetches out across providers and records the results.
type Runner struct {
	store     *storage.Store
	fetcher   Fetcher
	breaker   BreakerPolicy
	retention storage.RetentionPolicy
	log       zerolog.Logger

	concurrency int
}

// NewRunner builds a Runner with the default breaker policy and retention.
func NewRunner(store *storage.Store, fetcher Fetcher, log zerolog.Logger) *Runner {
	return &Runner{
		store:       store,
		fetcher:     fetcher,
		breaker:     DefaultBreakerPolicy(),
		retention:   storage.DefaultRetentionPolicy(),
		log:         log,
		concurrency: 4,
	}
}

// WithBreakerPolicy overrides the circuit breaker policy.
func (r *Runner) WithBreakerPolicy(p BreakerPolicy) *Runner {
	r.breaker = p
	return r
}

// WithRetention overrides the retention policy applied after each run.
func (r *Runner) WithRetention(p storage.RetentionPolicy) *Runner {
	r.retention = p
	return r
}

// RunOnce fetches every provider concurrently, skipping providers whose
// circuit is open, then gives the store a chance to prune. Fetch failures
// land in the per-provider results, not the returned error; the error covers
// storage problems only.
func (r *Runner) RunOnce(ctx context.Context, providers []string) ([]FetchResult, error) {
	results := make([]FetchResult, len(providers))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, provider := range providers {
		i, provider := i, provider
		g.Go(func() error {
			results[i] = r.fetchOne(gCtx, provider)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	if pruned, err := r.store.MaybePrune(r.retention); err != nil {
		r.log.Warn().Err(err).Msg("automatic prune failed")
	} else if pruned != nil {
		r.log.Info().
			Int64("detailed_deleted", pruned.DetailedDeleted).
			Int64("aggregates_created", pruned.AggregatesCreated).
			Msg("pruned history")
	}

	return results, nil
}

func (r *Runner) fetchOne(ctx context.Context, provider string) FetchResult {
	result := FetchResult{Provider: provider}

	health, err := r.store.GetProviderHealth(provider)
	if err != nil {
		result.Err = err
		return result
	}
	if health.CircuitState == storage.CircuitOpen {
		r.log.Debug().Str("provider", provider).Msg("circuit open, skipping fetch")
		result.Skipped = true
		return result
	}

	start := time.Now()
	snap, err := r.fetcher.Fetch(ctx, provider)
	latency := time.Since(start)
	result.Latency = latency

	if err != nil {
		result.Err = err
		r.log.Warn().Str("provider", provider).Err(err).Msg("fetch failed")
		if rerr := r.store.RecordFailure(provider); rerr != nil {
			result.Err = rerr
			return result
		}
		r.maybeTrip(provider)
		return result
	}

	if rerr := r.store.RecordSuccess(provider, latency); rerr != nil {
		result.Err = rerr
		return result
	}

	snap.Trigger = storage.TriggerPeriodic
	if snap.FetchDuration == nil {
		snap.FetchDuration = &latency
	}
	id, err := r.store.RecordSnapshot(snap, provider)
	if err != nil {
		result.Err = err
		return result
	}
	result.SnapshotID = id
	r.log.Debug().Str("provider", provider).Int64("snapshot_id", id).Dur("latency", latency).Msg("recorded snapshot")
	return result
}

// maybeTrip opens the circuit once the failure streak reaches the policy
// threshold.
func (r *Runner) maybeTrip(provider string) {
	health, err := r.store.GetProviderHealth(provider)
	if err != nil {
		r.log.Warn().Str("provider", provider).Err(err).Msg("reading health after failure")
		return
	}
	if r.breaker.OpenAfter > 0 && health.ConsecutiveFailures >= r.breaker.OpenAfter &&
		health.CircuitState != storage.CircuitOpen {
		if err := r.store.OpenCircuit(provider); err != nil {
			r.log.Warn().Str("provider", provider).Err(err).Msg("opening circuit")
			return
		}
		r.log.Warn().Str("provider", provider).
			Int("consecutive_failures", health.ConsecutiveFailures).
			Msg("circuit opened")
	}
}
