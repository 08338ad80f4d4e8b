package contracts

import (
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// EpochStatus is the lifecycle position of an epoch. Transitions only move forward.
type EpochStatus string

const (
	EpochOpen      EpochStatus = "open"
	EpochReview    EpochStatus = "review"
	EpochFinalized EpochStatus = "finalized"
)

// Valid reports whether s is a known status.
func (s EpochStatus) Valid() bool {
	switch s {
	case EpochOpen, EpochReview, EpochFinalized:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is the single allowed successor of s.
func (s EpochStatus) CanTransitionTo(next EpochStatus) bool {
	switch s {
	case EpochOpen:
		return next == EpochReview
	case EpochReview:
		return next == EpochFinalized
	}
	return false
}

// WeightKey is a validated `source:event_type` key.
type WeightKey string

// NewWeightKey builds the canonical key for source and eventType.
func NewWeightKey(source, eventType string) WeightKey {
	return WeightKey(strings.ToLower(strings.TrimSpace(source)) + ":" + strings.ToLower(strings.TrimSpace(eventType)))
}

// Valid reports whether k has a non-empty source and event type.
func (k WeightKey) Valid() bool {
	src, typ, ok := strings.Cut(string(k), ":")
	return ok && src != "" && typ != "" && !strings.Contains(typ, ":")
}

// WeightConfig is the versioned scoring table captured when an epoch opens.
// Weights are milli-units; unknown keys weigh zero.
type WeightConfig struct {
	Version string              `json:"version" yaml:"version" toml:"version"`
	Weights map[WeightKey]int64 `json:"weights" yaml:"weights" toml:"weights"`
}

// Validate checks the version is semver and every key is well formed.
func (w WeightConfig) Validate() error {
	if _, err := semver.NewVersion(w.Version); err != nil {
		return Errorf(ErrWeightConfigInvalid, "version %q: %v", w.Version, err)
	}
	for k := range w.Weights {
		if !k.Valid() {
			return Errorf(ErrWeightConfigInvalid, "malformed weight key %q", k)
		}
	}
	return nil
}

// Normalized returns a copy with canonical keys. The copy is the snapshot stored on the
// epoch, so later edits to the caller's map cannot leak into it.
func (w WeightConfig) Normalized() WeightConfig {
	out := WeightConfig{Version: w.Version, Weights: make(map[WeightKey]int64, len(w.Weights))}
	for k, v := range w.Weights {
		src, typ, _ := strings.Cut(string(k), ":")
		out.Weights[NewWeightKey(src, typ)] = v
	}
	return out
}

// Lookup returns the weight for key and whether it was configured.
func (w WeightConfig) Lookup(key WeightKey) (int64, bool) {
	v, ok := w.Weights[key]
	return v, ok
}

// Keys returns the configured keys in sorted order.
func (w WeightConfig) Keys() []WeightKey {
	keys := make([]WeightKey, 0, len(w.Weights))
	for k := range w.Weights {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Epoch is a bounded payout period for one node and scope. The window is half-open:
// events at PeriodStart count, events at PeriodEnd belong to the next epoch.
type Epoch struct {
	EpochID          string       `json:"epoch_id"`
	NodeID           string       `json:"node_id"`
	ScopeID          string       `json:"scope_id"`
	PeriodStart      time.Time    `json:"period_start"`
	PeriodEnd        time.Time    `json:"period_end"`
	Status           EpochStatus  `json:"status"`
	WeightConfig     WeightConfig `json:"weight_config"`
	PoolTotalCredits BigInt       `json:"pool_total_credits"`
	CreatedAt        time.Time    `json:"created_at"`
	ClosedAt         *time.Time   `json:"closed_at,omitempty"`
	FinalizedAt      *time.Time   `json:"finalized_at,omitempty"`
}

// Contains reports whether t falls inside the epoch window.
func (e Epoch) Contains(t time.Time) bool {
	return !t.Before(e.PeriodStart) && t.Before(e.PeriodEnd)
}

// IngestionDeadline is the instant after which the auto-closer may close the epoch.
func (e Epoch) IngestionDeadline(grace time.Duration) time.Time {
	return e.PeriodEnd.Add(grace)
}
