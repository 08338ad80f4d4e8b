package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerError_IsMatchesByCode(t *testing.T) {
	err := Errorf(ErrEpochFrozen, "event %s belongs to finalized epoch", "ev-1")
	wrapped := fmt.Errorf("set inclusion: %w", err)

	assert.True(t, errors.Is(wrapped, ErrEpochFrozen))
	assert.False(t, errors.Is(wrapped, ErrImmutableViolation))

	le, ok := AsLedgerError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "EPOCH_FROZEN", le.Code)
	assert.Equal(t, KindImmutable, le.Kind)
	assert.Contains(t, le.Error(), "ev-1")
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(ErrAlreadyFinalized))
	assert.False(t, IsRetryable(fmt.Errorf("wrap: %w", ErrScopeInvalid)))
	assert.True(t, IsRetryable(errors.New("connection reset by peer")))
}

func TestEpochStatus_Transitions(t *testing.T) {
	assert.True(t, EpochOpen.CanTransitionTo(EpochReview))
	assert.True(t, EpochReview.CanTransitionTo(EpochFinalized))
	assert.False(t, EpochOpen.CanTransitionTo(EpochFinalized))
	assert.False(t, EpochReview.CanTransitionTo(EpochOpen))
	assert.False(t, EpochFinalized.CanTransitionTo(EpochReview))
	assert.False(t, EpochStatus("closed").Valid())
}

func TestWeightConfig_Validate(t *testing.T) {
	ok := WeightConfig{Version: "1.2.0", Weights: map[WeightKey]int64{"github:pr_merged": 5000}}
	assert.NoError(t, ok.Validate())

	badVersion := WeightConfig{Version: "latest", Weights: map[WeightKey]int64{}}
	assert.ErrorIs(t, badVersion.Validate(), ErrWeightConfigInvalid)

	badKey := WeightConfig{Version: "1.0.0", Weights: map[WeightKey]int64{"github": 1}}
	assert.ErrorIs(t, badKey.Validate(), ErrWeightConfigInvalid)
}

func TestWeightConfig_NormalizedIsACopy(t *testing.T) {
	src := WeightConfig{Version: "1.0.0", Weights: map[WeightKey]int64{"GitHub:PR_Merged": 3000}}
	snap := src.Normalized()
	src.Weights["GitHub:PR_Merged"] = 1

	w, ok := snap.Lookup(NewWeightKey("github", "pr_merged"))
	require.True(t, ok)
	assert.Equal(t, int64(3000), w)
}

func TestEpoch_ContainsIsHalfOpen(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Epoch{PeriodStart: start, PeriodEnd: start.Add(24 * time.Hour)}

	assert.True(t, e.Contains(start))
	assert.True(t, e.Contains(start.Add(23*time.Hour)))
	assert.False(t, e.Contains(start.Add(24*time.Hour)))
	assert.False(t, e.Contains(start.Add(-time.Millisecond)))
}

func TestBigInt_JSONAndSQL(t *testing.T) {
	huge, err := ParseBigInt("123456789012345678901234567890")
	require.NoError(t, err)

	data, err := json.Marshal(Payout{UserID: "u1", AmountCredits: huge, Share: "1.000000"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u1","amount_credits":"123456789012345678901234567890","share":"1.000000"}`, string(data))

	var back Payout
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.AmountCredits.Equal(huge))

	var bare BigInt
	require.NoError(t, json.Unmarshal([]byte(`42`), &bare))
	assert.Equal(t, "42", bare.String())

	v, err := BigInt{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	var scanned BigInt
	require.NoError(t, scanned.Scan([]byte("77")))
	assert.Equal(t, int64(77), scanned.Int64())
	require.NoError(t, scanned.Scan(nil))
	assert.False(t, scanned.IsSet())
}

func TestAllocation_EffectiveUnits(t *testing.T) {
	a := Allocation{ProposedUnits: NewBigInt(10)}
	assert.Equal(t, "10", a.EffectiveUnits().String())
	a.FinalUnits = NewBigInt(7)
	assert.Equal(t, "7", a.EffectiveUnits().String())
}
