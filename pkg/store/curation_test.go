package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

func ingest(t *testing.T, s *Store, events ...contracts.ActivityEvent) {
	t.Helper()
	_, err := s.Events.Ingest(context.Background(), events)
	require.NoError(t, err)
}

func TestCurationStore_ResolveIdentityIsMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	ingest(t, s, event("gh-1", t0))

	require.NoError(t, s.Curation.ResolveIdentity(ctx, ref("gh-1"), "alice"))
	require.NoError(t, s.Curation.ResolveIdentity(ctx, ref("gh-1"), "alice"))
	assert.ErrorIs(t, s.Curation.ResolveIdentity(ctx, ref("gh-1"), "bob"), contracts.ErrIdentityAlreadyResolved)

	cur, err := s.Curation.Get(ctx, ref("gh-1"))
	require.NoError(t, err)
	require.NotNil(t, cur.ResolvedUserID)
	assert.Equal(t, "alice", *cur.ResolvedUserID)

	require.NoError(t, s.Curation.CorrectIdentity(ctx, ref("gh-1"), "bob", "curator"))
	cur, err = s.Curation.Get(ctx, ref("gh-1"))
	require.NoError(t, err)
	assert.Equal(t, "bob", *cur.ResolvedUserID)
	assert.Equal(t, "curator", cur.UpdatedBy)

	assert.ErrorIs(t, s.Curation.ResolveIdentity(ctx, ref("missing"), "alice"), contracts.ErrEventNotFound)
}

func TestCurationStore_PolicyNeverOverridesManual(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	ingest(t, s, event("gh-1", t0))

	applied, err := s.Curation.SetInclusion(ctx, ref("gh-1"), false, "bot account", contracts.InclusionPolicy, "policy")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Curation.SetInclusion(ctx, ref("gh-1"), true, "verified human", contracts.InclusionManual, "curator")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Curation.SetInclusion(ctx, ref("gh-1"), false, "bot account", contracts.InclusionPolicy, "policy")
	require.NoError(t, err)
	assert.False(t, applied)

	cur, err := s.Curation.Get(ctx, ref("gh-1"))
	require.NoError(t, err)
	assert.True(t, cur.Included)
	assert.Equal(t, contracts.InclusionManual, cur.InclusionSource)
	assert.Equal(t, "verified human", cur.InclusionReason)

	_, err = s.Curation.SetInclusion(ctx, ref("missing"), true, "", contracts.InclusionManual, "curator")
	assert.ErrorIs(t, err, contracts.ErrEventNotFound)
}

func TestCurationStore_WeightOverride(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	ingest(t, s, event("gh-1", t0))

	w := int64(-250)
	require.NoError(t, s.Curation.SetWeightOverride(ctx, ref("gh-1"), &w, "curator"))
	cur, err := s.Curation.Get(ctx, ref("gh-1"))
	require.NoError(t, err)
	require.NotNil(t, cur.WeightOverride)
	assert.Equal(t, int64(-250), *cur.WeightOverride)

	require.NoError(t, s.Curation.SetWeightOverride(ctx, ref("gh-1"), nil, "curator"))
	cur, err = s.Curation.Get(ctx, ref("gh-1"))
	require.NoError(t, err)
	assert.Nil(t, cur.WeightOverride)
}

func TestCurationStore_ApplyIsAtomic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	ingest(t, s, event("gh-1", t0))
	require.NoError(t, s.Curation.ResolveIdentity(ctx, ref("gh-1"), "alice"))

	excluded, override := false, int64(7000)
	_, err := s.Curation.Apply(ctx, ref("gh-1"), CurationChange{
		UserID: "bob", Included: &excluded, Reason: "duplicate", WeightOverride: &override,
	}, "curator")
	assert.ErrorIs(t, err, contracts.ErrIdentityAlreadyResolved)

	cur, err := s.Curation.Get(ctx, ref("gh-1"))
	require.NoError(t, err)
	assert.True(t, cur.Included)
	assert.Nil(t, cur.WeightOverride)
	assert.Equal(t, "alice", *cur.ResolvedUserID)

	cur, err = s.Curation.Apply(ctx, ref("gh-1"), CurationChange{
		UserID: "bob", CorrectIdentity: true, Included: &excluded, Reason: "duplicate", WeightOverride: &override,
	}, "curator")
	require.NoError(t, err)
	assert.False(t, cur.Included)
	assert.Equal(t, override, *cur.WeightOverride)
	assert.Equal(t, "bob", *cur.ResolvedUserID)

	_, err = s.Curation.Apply(ctx, ref("gh-1"), CurationChange{WeightOverride: &override, ClearOverride: true}, "curator")
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	_, err = s.Curation.Apply(ctx, ref("gh-1"), CurationChange{}, "curator")
	assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	_, err = s.Curation.Apply(ctx, ref("missing"), CurationChange{Included: &excluded}, "curator")
	assert.ErrorIs(t, err, contracts.ErrEventNotFound)
}

func TestCurationStore_GetCuratedForEpochWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	ep := openEpoch(t, s, t0, t0.Add(24*time.Hour))

	inScopeOther := event("gh-other", t0.Add(time.Hour))
	require.NoError(t, s.Scopes.Register(ctx, testNode, "docs"))
	inScopeOther.ScopeID = "docs"

	ingest(t, s,
		event("gh-start", t0),
		event("gh-mid", t0.Add(12*time.Hour)),
		event("gh-end", t0.Add(24*time.Hour)),
		event("gh-before", t0.Add(-time.Millisecond)),
		inScopeOther,
	)

	curated, err := s.Curation.GetCuratedForEpoch(ctx, ep.EpochID)
	require.NoError(t, err)
	ids := make([]string, 0, len(curated))
	for _, ce := range curated {
		ids = append(ids, ce.Event.EventID)
		assert.Equal(t, ce.Event.EventID, ce.Curation.EventID)
	}
	assert.Equal(t, []string{"gh-start", "gh-mid"}, ids)

	n, err := s.Curation.CountUnresolvedIncluded(ctx, ep.EpochID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCurationStore_LateEventsAfterCloseAreExcluded(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()
	ep := openEpoch(t, s, t0, t0.Add(24*time.Hour))

	c.now = t0.Add(time.Hour)
	ingest(t, s, event("gh-early", t0.Add(30*time.Minute)))

	c.now = t0.Add(25 * time.Hour)
	_, _, err := s.Epochs.CloseIngestion(ctx, ep.EpochID)
	require.NoError(t, err)

	c.now = t0.Add(26 * time.Hour)
	ingest(t, s, event("gh-late", t0.Add(23*time.Hour)))

	curated, err := s.Curation.GetCuratedForEpoch(ctx, ep.EpochID)
	require.NoError(t, err)
	require.Len(t, curated, 1)
	assert.Equal(t, "gh-early", curated[0].Event.EventID)
}

func TestCurationStore_FrozenAfterFinalize(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	ep := openEpoch(t, s, t0, t0.Add(24*time.Hour))
	ingest(t, s, event("gh-1", t0.Add(time.Hour)), event("gh-2", t0.Add(2*time.Hour)))
	require.NoError(t, s.Curation.ResolveIdentity(ctx, ref("gh-2"), "alice"))

	finalizeEpoch(t, s, ep)

	assert.ErrorIs(t, s.Curation.ResolveIdentity(ctx, ref("gh-1"), "alice"), contracts.ErrEpochFrozen)
	assert.ErrorIs(t, s.Curation.CorrectIdentity(ctx, ref("gh-2"), "bob", "curator"), contracts.ErrEpochFrozen)
	_, err := s.Curation.SetInclusion(ctx, ref("gh-1"), false, "late", contracts.InclusionManual, "curator")
	assert.ErrorIs(t, err, contracts.ErrEpochFrozen)
	w := int64(1)
	assert.ErrorIs(t, s.Curation.SetWeightOverride(ctx, ref("gh-1"), &w, "curator"), contracts.ErrEpochFrozen)

	// The trigger enforces the same rule for raw SQL.
	_, err = s.DB.ExecContext(ctx, `UPDATE activity_curation SET included = FALSE WHERE source = 'github' AND event_id = 'gh-1'`)
	assert.ErrorIs(t, mapError(err), contracts.ErrEpochFrozen)

	// Events outside the finalized window stay editable.
	ingest(t, s, event("gh-next", t0.Add(48*time.Hour)))
	_, err = s.Curation.SetInclusion(ctx, ref("gh-next"), false, "spam", contracts.InclusionManual, "curator")
	assert.NoError(t, err)
}
