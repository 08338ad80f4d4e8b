// Package retry runs orchestrator steps with deterministic exponential backoff.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params identify one retried step. Jitter is derived from them, so the same
// step of the same epoch always waits the same amount.
type Params struct {
	Step    string
	EpochID string
	Attempt int
}

type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used by the orchestrator unless configured otherwise.
var DefaultPolicy = Policy{BaseMs: 200, MaxMs: 10_000, MaxJitterMs: 100, MaxAttempts: 4}

// ComputeBackoff returns the delay before attempt params.Attempt.
func ComputeBackoff(params Params, policy Policy) time.Duration {
	// delay = base * 2^attempt, capped
	factor := int64(1)
	if params.Attempt > 0 {
		if params.Attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.Attempt
		}
	}
	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+ComputeDeterministicJitter(params, policy)) * time.Millisecond
}

func ComputeDeterministicJitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.Step, params.EpochID, params.Attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Schedule lists the delay before each attempt; the first is always zero.
func Schedule(params Params, policy Policy) []time.Duration {
	out := make([]time.Duration, policy.MaxAttempts)
	for i := 1; i < policy.MaxAttempts; i++ {
		p := params
		p.Attempt = i
		out[i] = ComputeBackoff(p, policy)
	}
	return out
}
