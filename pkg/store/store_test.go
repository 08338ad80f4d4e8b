package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
	"github.com/Mindburn-Labs/epochledger/pkg/payout"
)

const (
	testNode  = "node-1"
	testScope = "core"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

var testWeights = contracts.WeightConfig{
	Version: "1.0.0",
	Weights: map[contracts.WeightKey]int64{"github:pr_merged": 5000, "github:review": 2000},
}

// clock is a manually advanced time source shared by the sub-stores.
type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, Config{Dialect: DialectSQLite, DSN: ":memory:", IngestBatchSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c := &clock{now: t0.Add(-time.Hour)}
	s.Scopes.now = c.Now
	s.Events.now = c.Now
	s.Curation.now = c.Now
	s.Epochs.now = c.Now

	require.NoError(t, s.Scopes.Register(ctx, testNode, testScope))
	return s, c
}

func openEpoch(t *testing.T, s *Store, start, end time.Time) contracts.Epoch {
	t.Helper()
	ep := contracts.Epoch{
		EpochID:      uuid.NewString(),
		NodeID:       testNode,
		ScopeID:      testScope,
		PeriodStart:  start,
		PeriodEnd:    end,
		Status:       contracts.EpochOpen,
		WeightConfig: testWeights,
		CreatedAt:    start,
	}
	require.NoError(t, s.Epochs.Insert(context.Background(), ep))
	return ep
}

func event(id string, at time.Time) contracts.ActivityEvent {
	return contracts.ActivityEvent{
		EventID:   id,
		Source:    "github",
		EventType: "pr_merged",
		EventTime: at,
		ActorRef:  "gh:" + id,
		NodeID:    testNode,
		ScopeID:   testScope,
	}
}

// ref is the natural key of a fixture event.
func ref(id string) contracts.EventRef {
	return contracts.EventRef{Source: "github", EventID: id}
}

func statementFor(ep contracts.Epoch, hash, sig string) contracts.PayoutStatement {
	return contracts.PayoutStatement{
		StatementID:       uuid.NewString(),
		EpochID:           ep.EpochID,
		NodeID:            ep.NodeID,
		ScopeID:           ep.ScopeID,
		AllocationSetHash: hash,
		PoolTotalCredits:  contracts.NewBigInt(10),
		Payouts: []contracts.Payout{
			{UserID: "alice", AmountCredits: contracts.NewBigInt(10), Share: "1.000000"},
		},
		Signature:     sig,
		SignerAddress: "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23",
		CreatedAt:     ep.PeriodEnd.Add(time.Hour),
	}
}

func hashOf(t *testing.T, allocs []contracts.Allocation) string {
	t.Helper()
	h, err := payout.AllocationSetHash(allocs)
	require.NoError(t, err)
	return h
}

// finalizeEpoch closes and finalizes ep with a single allocation to alice.
func finalizeEpoch(t *testing.T, s *Store, ep contracts.Epoch) contracts.PayoutStatement {
	t.Helper()
	ctx := context.Background()
	_, _, err := s.Epochs.CloseIngestion(ctx, ep.EpochID)
	require.NoError(t, err)
	require.NoError(t, s.Epochs.ReplaceProposedAllocations(ctx, ep.EpochID, []contracts.Allocation{
		{EpochID: ep.EpochID, UserID: "alice", ProposedUnits: contracts.NewBigInt(5000), ActivityCount: 1},
	}))
	allocs, err := s.Epochs.ListAllocations(ctx, ep.EpochID)
	require.NoError(t, err)

	st, created, err := s.Epochs.Finalize(ctx, FinalizeRecord{
		EpochID:     ep.EpochID,
		PoolTotal:   contracts.NewBigInt(10),
		Allocations: allocs,
		Statement:   statementFor(ep, hashOf(t, allocs), "0xsig"),
	})
	require.NoError(t, err)
	require.True(t, created)
	return st
}
