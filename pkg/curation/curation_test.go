package curation

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
	"github.com/Mindburn-Labs/epochledger/pkg/store"
)

func ev(id, source, typ, actor string) contracts.ActivityEvent {
	return contracts.ActivityEvent{
		EventID:   id,
		Source:    source,
		EventType: typ,
		ActorRef:  actor,
		EventTime: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		NodeID:    "node-1",
		ScopeID:   "core",
	}
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]map[string]string{
		"GitHub": {"octocat": "alice"},
	})
	user, ok, err := r.Resolve(context.Background(), ev("1", "github", "pr_merged", "octocat"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", user)

	_, ok, err = r.Resolve(context.Background(), ev("2", "github", "pr_merged", "stranger"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = r.Resolve(context.Background(), ev("3", "discord", "message", "octocat"))
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestLoadStaticResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("identities:\n  github:\n    octocat: alice\n    hubot: bob\n"), 0o600))

	r, err := LoadStaticResolver(path)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	chain := ChainResolver{NewStaticResolver(nil), r}
	user, ok, err := chain.Resolve(context.Background(), ev("1", "github", "review", "hubot"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bob", user)
}

func TestPolicy_FirstMatchWins(t *testing.T) {
	p, err := NewPolicy([]Rule{
		{Name: "bots", When: `event.actor_ref.endsWith("[bot]")`, Include: false, Reason: "automated account"},
		{Name: "merged", When: `event.source == "github" && event.event_type == "pr_merged"`, Include: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())

	d, ok, err := p.Evaluate(ev("1", "github", "pr_merged", "dependabot[bot]"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, d.Included)
	assert.Equal(t, "bots", d.Rule)
	assert.Equal(t, "automated account", d.Reason)

	d, ok, err = p.Evaluate(ev("2", "github", "pr_merged", "octocat"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, d.Included)
	assert.Equal(t, "policy:merged", d.Reason)

	_, ok, err = p.Evaluate(ev("3", "discord", "message", "octocat"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPolicy_TimeField(t *testing.T) {
	cutoff := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	p, err := NewPolicy([]Rule{{Name: "late", When: `event.event_time_ms >= ` + itoa(cutoff), Include: false}})
	require.NoError(t, err)
	d, ok, err := p.Evaluate(ev("1", "github", "review", "x"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, d.Included)
}

func TestPolicy_RejectsBadRules(t *testing.T) {
	_, err := NewPolicy([]Rule{{Name: "syntax", When: `event.source ==`}})
	assert.Error(t, err)

	_, err = NewPolicy([]Rule{{Name: "not-bool", When: `"yes"`}})
	assert.Error(t, err)
}

func TestNilPolicyNeverMatches(t *testing.T) {
	var p *Policy
	_, ok, err := p.Evaluate(ev("1", "github", "review", "x"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func newStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{Dialect: store.DialectSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Scopes.Register(ctx, "node-1", "core"))

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ep := contracts.Epoch{
		EpochID:      "ep-1",
		NodeID:       "node-1",
		ScopeID:      "core",
		PeriodStart:  start,
		PeriodEnd:    start.Add(7 * 24 * time.Hour),
		Status:       contracts.EpochOpen,
		WeightConfig: contracts.WeightConfig{Version: "1.0.0", Weights: map[contracts.WeightKey]int64{"github:pr_merged": 1000}},
		CreatedAt:    start,
	}
	require.NoError(t, s.Epochs.Insert(ctx, ep))
	return s, ep.EpochID
}

func TestCurator_Run(t *testing.T) {
	s, epochID := newStore(t)
	ctx := context.Background()
	_, err := s.Events.Ingest(ctx, []contracts.ActivityEvent{
		ev("gh-1", "github", "pr_merged", "octocat"),
		ev("gh-2", "github", "pr_merged", "dependabot[bot]"),
		ev("gh-3", "github", "pr_merged", "stranger"),
		ev("gh-4", "github", "pr_merged", "renovate[bot]"),
	})
	require.NoError(t, err)

	// A curator already decided gh-4 counts; policy must not undo that.
	_, err = s.Curation.SetInclusion(ctx, contracts.EventRef{Source: "github", EventID: "gh-4"}, true, "reviewed by hand", contracts.InclusionManual, "carol")
	require.NoError(t, err)

	policy, err := NewPolicy([]Rule{{Name: "bots", When: `event.actor_ref.endsWith("[bot]")`, Include: false}})
	require.NoError(t, err)
	resolver := NewStaticResolver(map[string]map[string]string{
		"github": {"octocat": "alice", "dependabot[bot]": "dependabot", "renovate[bot]": "renovate"},
	})

	c := NewCurator(s.Curation, resolver, policy, nil)
	rep, err := c.Run(ctx, epochID)
	require.NoError(t, err)
	assert.Equal(t, Report{Events: 4, Resolved: 3, Unresolved: 1, PolicyApplied: 1, ManualProtected: 1}, rep)

	cur, err := s.Curation.Get(ctx, contracts.EventRef{Source: "github", EventID: "gh-2"})
	require.NoError(t, err)
	assert.False(t, cur.Included)
	assert.Equal(t, contracts.InclusionPolicy, cur.InclusionSource)
	assert.Equal(t, PolicyActor, cur.UpdatedBy)

	cur, err = s.Curation.Get(ctx, contracts.EventRef{Source: "github", EventID: "gh-4"})
	require.NoError(t, err)
	assert.True(t, cur.Included)
	assert.Equal(t, contracts.InclusionManual, cur.InclusionSource)

	// Second pass changes nothing.
	rep, err = c.Run(ctx, epochID)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Resolved)
	assert.Equal(t, 0, rep.PolicyApplied)
	assert.Equal(t, 1, rep.Unresolved)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
