package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64  { return &v }

func curated(id, source, typ string, user *string, included bool, override *int64) contracts.CuratedEvent {
	return contracts.CuratedEvent{
		Event: contracts.ActivityEvent{
			EventID:   id,
			Source:    source,
			EventType: typ,
			EventTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Curation: contracts.Curation{
			EventID:        id,
			ResolvedUserID: user,
			Included:       included,
			WeightOverride: override,
		},
	}
}

var weights = contracts.WeightConfig{
	Version: "1.0.0",
	Weights: map[contracts.WeightKey]int64{
		"github:pr_merged":    5000,
		"github:review":       2000,
		"discord:help_thread": 1000,
	},
}

func TestComputeProposed_WeightsAndGrouping(t *testing.T) {
	events := []contracts.CuratedEvent{
		curated("e1", "github", "pr_merged", strPtr("bob"), true, nil),
		curated("e2", "github", "review", strPtr("alice"), true, nil),
		curated("e3", "github", "pr_merged", strPtr("alice"), true, nil),
		curated("e4", "discord", "help_thread", strPtr("bob"), true, i64Ptr(250)),
	}

	res := ComputeProposed("ep-1", events, weights)

	require.Len(t, res.Allocations, 2)
	assert.Equal(t, "alice", res.Allocations[0].UserID)
	assert.Equal(t, "7000", res.Allocations[0].ProposedUnits.String())
	assert.Equal(t, int64(2), res.Allocations[0].ActivityCount)
	assert.Equal(t, "bob", res.Allocations[1].UserID)
	assert.Equal(t, "5250", res.Allocations[1].ProposedUnits.String())
	assert.Equal(t, "ep-1", res.Allocations[1].EpochID)
	assert.False(t, res.Allocations[1].FinalUnits.IsSet())
}

func TestComputeProposed_ExcludedAndUnresolved(t *testing.T) {
	events := []contracts.CuratedEvent{
		curated("e1", "github", "pr_merged", strPtr("alice"), false, nil),
		curated("e2", "github", "pr_merged", nil, true, nil),
		curated("e3", "github", "pr_merged", strPtr(""), true, nil),
		curated("e4", "github", "review", strPtr("carol"), true, nil),
	}

	res := ComputeProposed("ep-1", events, weights)

	require.Len(t, res.Allocations, 1)
	assert.Equal(t, "carol", res.Allocations[0].UserID)
	assert.Equal(t, 2, res.Unresolved)
}

func TestComputeProposed_UnknownKeyWeighsZero(t *testing.T) {
	events := []contracts.CuratedEvent{
		curated("e1", "gitlab", "mr_merged", strPtr("dave"), true, nil),
		curated("e2", "gitlab", "mr_merged", strPtr("dave"), true, nil),
	}

	res := ComputeProposed("ep-1", events, weights)

	require.Len(t, res.Allocations, 1)
	assert.Equal(t, "0", res.Allocations[0].ProposedUnits.String())
	assert.Equal(t, int64(2), res.Allocations[0].ActivityCount)
	assert.Equal(t, []contracts.WeightKey{"gitlab:mr_merged"}, res.UnknownKeys)
}

func TestComputeProposed_NegativeTotalFloored(t *testing.T) {
	events := []contracts.CuratedEvent{
		curated("e1", "github", "review", strPtr("eve"), true, nil),
		curated("e2", "github", "review", strPtr("eve"), true, i64Ptr(-9000)),
	}

	res := ComputeProposed("ep-1", events, weights)

	require.Len(t, res.Allocations, 1)
	assert.Equal(t, "0", res.Allocations[0].ProposedUnits.String())
	assert.Equal(t, []string{"eve"}, res.Floored)
}

func TestComputeProposed_OrderIndependent(t *testing.T) {
	a := []contracts.CuratedEvent{
		curated("e1", "github", "pr_merged", strPtr("zed"), true, nil),
		curated("e2", "github", "review", strPtr("amy"), true, nil),
		curated("e3", "discord", "help_thread", strPtr("max"), true, nil),
	}
	b := []contracts.CuratedEvent{a[2], a[0], a[1]}

	assert.Equal(t, ComputeProposed("ep", a, weights).Allocations, ComputeProposed("ep", b, weights).Allocations)
}
