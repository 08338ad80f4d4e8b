package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

func noSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var waited []time.Duration
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		waited = append(waited, d)
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = orig })
	return &waited
}

func TestSchedule(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 30000, MaxAttempts: 5}
	s := Schedule(Params{Step: "ingest", EpochID: "ep-1"}, policy)
	require.Len(t, s, 5)
	assert.Equal(t, time.Duration(0), s[0])
	assert.Equal(t, 200*time.Millisecond, s[1])
	assert.Equal(t, 400*time.Millisecond, s[2])
	assert.Equal(t, 1600*time.Millisecond, s[4])
}

func TestComputeBackoff_Capped(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 1000}
	assert.Equal(t, time.Second, ComputeBackoff(Params{Attempt: 10}, policy))
	assert.Equal(t, time.Second, ComputeBackoff(Params{Attempt: 63}, policy))
}

func TestDeterministicJitter(t *testing.T) {
	policy := Policy{MaxJitterMs: 1000}
	p := Params{Step: "fetch", EpochID: "ep-1", Attempt: 2}
	j := ComputeDeterministicJitter(p, policy)
	assert.Equal(t, j, ComputeDeterministicJitter(p, policy))
	assert.GreaterOrEqual(t, j, int64(0))
	assert.Less(t, j, int64(1000))
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	waited := noSleep(t)
	calls := 0
	err := Do(context.Background(), Policy{BaseMs: 10, MaxMs: 100, MaxAttempts: 3}, Params{Step: "ingest"}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, *waited)
}

func TestDo_NeverRetriesLedgerErrors(t *testing.T) {
	noSleep(t)
	calls := 0
	err := Do(context.Background(), DefaultPolicy, Params{Step: "finalize"}, func(context.Context) error {
		calls++
		return contracts.Errorf(contracts.ErrFinalizationConflict, "different hash")
	})
	assert.ErrorIs(t, err, contracts.ErrFinalizationConflict)
	assert.Equal(t, 1, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	noSleep(t)
	calls := 0
	err := Do(context.Background(), Policy{BaseMs: 1, MaxMs: 1, MaxAttempts: 2}, Params{}, func(context.Context) error {
		calls++
		return errors.New("timeout")
	})
	assert.EqualError(t, err, "timeout")
	assert.Equal(t, 2, calls)
}

func TestDo_StopsOnCancel(t *testing.T) {
	noSleep(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, DefaultPolicy, Params{}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("connection reset")
	})
	assert.EqualError(t, err, "connection reset")
	assert.Equal(t, 1, calls)
}
