package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record looked up by id does not exist.
// Queries that can legitimately come back empty (latest snapshot, account
// search) return nil instead.
var ErrNotFound = errors.New("not found")

// CaptureTrigger records why a snapshot was taken.
type CaptureTrigger string

const (
	TriggerManual   CaptureTrigger = "manual"
	TriggerSwitch   CaptureTrigger = "switch"
	TriggerPeriodic CaptureTrigger = "periodic"
)

// RateWindow is one provider rate limit window at a point in time.
type RateWindow struct {
	UsedPercent   float64    `json:"used_percent"`
	WindowMinutes *int       `json:"window_minutes,omitempty"`
	ResetsAt      *time.Time `json:"resets_at,omitempty"`
}

// Snapshot is a usage observation produced by the fetch pipeline. Every
// field except FetchedAt is optional; providers report different subsets.
type Snapshot struct {
	FetchedAt time.Time
	Source    string

	Primary   *RateWindow
	Secondary *RateWindow
	Tertiary  *RateWindow

	CostTodayUSD     *float64
	CostMTDUSD       *float64
	CreditsRemaining *float64

	AccountEmail *string
	AccountOrg   *string

	FetchDuration *time.Duration

	// AccountID links the snapshot to a registered account, when known.
	// Legacy snapshots carry none.
	AccountID *string
	Trigger   CaptureTrigger
}

// StoredSnapshot is a snapshot row read back from the database.
type StoredSnapshot struct {
	ID        int64     `json:"id"`
	Provider  string    `json:"provider"`
	FetchedAt time.Time `json:"fetched_at"`
	Source    string    `json:"source"`

	PrimaryUsedPct       *float64   `json:"primary_used_pct,omitempty"`
	PrimaryWindowMinutes *int       `json:"primary_window_minutes,omitempty"`
	PrimaryResetsAt      *time.Time `json:"primary_resets_at,omitempty"`

	SecondaryUsedPct       *float64   `json:"secondary_used_pct,omitempty"`
	SecondaryWindowMinutes *int       `json:"secondary_window_minutes,omitempty"`
	SecondaryResetsAt      *time.Time `json:"secondary_resets_at,omitempty"`

	TertiaryUsedPct       *float64   `json:"tertiary_used_pct,omitempty"`
	TertiaryWindowMinutes *int       `json:"tertiary_window_minutes,omitempty"`
	TertiaryResetsAt      *time.Time `json:"tertiary_resets_at,omitempty"`

	CostTodayUSD     *float64 `json:"cost_today_usd,omitempty"`
	CostMTDUSD       *float64 `json:"cost_mtd_usd,omitempty"`
	CreditsRemaining *float64 `json:"credits_remaining,omitempty"`

	AccountEmail *string `json:"account_email,omitempty"`
	AccountOrg   *string `json:"account_org,omitempty"`

	FetchDurationMS *int64 `json:"fetch_duration_ms,omitempty"`

	AccountID *string        `json:"account_id,omitempty"`
	Trigger   CaptureTrigger `json:"capture_trigger"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// DailyAggregate is a downsampled daily summary that replaces detailed
// snapshots once they age past the detailed retention window.
type DailyAggregate struct {
	ID       int64  `json:"id"`
	Provider string `json:"provider"`
	Date     string `json:"date"` // YYYY-MM-DD

	PrimaryAvgUsedPct *float64 `json:"primary_avg_used_pct,omitempty"`
	PrimaryMaxUsedPct *float64 `json:"primary_max_used_pct,omitempty"`
	PrimaryMinUsedPct *float64 `json:"primary_min_used_pct,omitempty"`

	SecondaryAvgUsedPct *float64 `json:"secondary_avg_used_pct,omitempty"`
	SecondaryMaxUsedPct *float64 `json:"secondary_max_used_pct,omitempty"`
	SecondaryMinUsedPct *float64 `json:"secondary_min_used_pct,omitempty"`

	TertiaryAvgUsedPct *float64 `json:"tertiary_avg_used_pct,omitempty"`
	TertiaryMaxUsedPct *float64 `json:"tertiary_max_used_pct,omitempty"`
	TertiaryMinUsedPct *float64 `json:"tertiary_min_used_pct,omitempty"`

	TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`
	SampleCount  int64    `json:"sample_count"`

	FirstFetch *time.Time `json:"first_fetch,omitempty"`
	LastFetch  *time.Time `json:"last_fetch,omitempty"`

	AccountEmail *string `json:"account_email,omitempty"`
	AccountOrg   *string `json:"account_org,omitempty"`
}

// Account is one registered (provider, email) identity. The pair is the
// natural key; the id is a generated surrogate.
type Account struct {
	ID             string     `json:"id"`
	Provider       string     `json:"provider"`
	Email          string     `json:"email"`
	Label          *string    `json:"label,omitempty"`
	CredentialHash *string    `json:"credential_hash,omitempty"`
	AddedAt        time.Time  `json:"added_at"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	IsActive       bool       `json:"is_active"`
	Metadata       *string    `json:"metadata,omitempty"`
}

// SwitchTrigger records why an account switch happened.
type SwitchTrigger string

const (
	SwitchManual    SwitchTrigger = "manual"
	SwitchThreshold SwitchTrigger = "threshold"
	SwitchForecast  SwitchTrigger = "forecast"
	SwitchRateLimit SwitchTrigger = "rate_limit"
	SwitchSchedule  SwitchTrigger = "schedule"
)

// SwitchLogEntry is one append-only audit row for an account transition.
type SwitchLogEntry struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Provider       string    `json:"provider"`
	FromAccountID  *string   `json:"from_account_id,omitempty"`
	ToAccountID    string    `json:"to_account_id"`
	TriggerType    string    `json:"trigger_type"`
	TriggerDetails *string   `json:"trigger_details,omitempty"`
	Success        bool      `json:"success"`
	Rollback       bool      `json:"rollback"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
}

// CircuitState is the per-provider circuit breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ParseCircuitState maps a stored string to a CircuitState, defaulting to
// closed for anything unrecognized.
func ParseCircuitState(s string) CircuitState {
	switch s {
	case "open":
		return CircuitOpen
	case "half_open":
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// ProviderHealth is the health and circuit breaker record for one provider.
// A provider with no stored row reads back as closed with zero counters.
type ProviderHealth struct {
	Provider            string       `json:"provider"`
	LastSuccess         *time.Time   `json:"last_success,omitempty"`
	LastFailure         *time.Time   `json:"last_failure,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	CircuitState        CircuitState `json:"circuit_state"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	AvgLatencyMS        *int64       `json:"avg_latency_ms,omitempty"`
	P95LatencyMS        *int64       `json:"p95_latency_ms,omitempty"`
	TotalRequests       int64        `json:"total_requests"`
	TotalFailures       int64        `json:"total_failures"`
}

// PruneRecord is one row of the prune audit trail.
type PruneRecord struct {
	ID                int64     `json:"id"`
	PrunedAt          time.Time `json:"pruned_at"`
	DetailedDeleted   int64     `json:"detailed_deleted"`
	AggregatesCreated int64     `json:"aggregates_created"`
	AggregatesDeleted int64     `json:"aggregates_deleted"`
	BytesFreed        int64     `json:"bytes_freed"`
	DurationMS        int64     `json:"duration_ms"`
	DryRun            bool      `json:"dry_run"`
}
