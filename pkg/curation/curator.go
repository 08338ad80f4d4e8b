package curation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// PolicyActor is recorded as updated_by on policy-driven inclusion writes.
const PolicyActor = "policy"

// Store is the slice of the curation store the curator drives.
type Store interface {
	GetCuratedForEpoch(ctx context.Context, epochID string) ([]contracts.CuratedEvent, error)
	ResolveIdentity(ctx context.Context, ref contracts.EventRef, userID string) error
	SetInclusion(ctx context.Context, ref contracts.EventRef, included bool, reason string, source contracts.InclusionSource, actor string) (bool, error)
}

// Report summarises one curation pass.
type Report struct {
	Events          int `json:"events"`
	Resolved        int `json:"resolved"`
	Unresolved      int `json:"unresolved"`
	Conflicts       int `json:"conflicts"`
	PolicyApplied   int `json:"policy_applied"`
	ManualProtected int `json:"manual_protected"`
}

// Curator runs identity resolution and the inclusion policy over an epoch.
// Either may be nil.
type Curator struct {
	store    Store
	resolver IdentityResolver
	policy   *Policy
	logger   *slog.Logger
}

func NewCurator(store Store, resolver IdentityResolver, policy *Policy, logger *slog.Logger) *Curator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Curator{store: store, resolver: resolver, policy: policy, logger: logger.With("component", "curator")}
}

// Run curates every event currently inside the epoch window. It never touches
// a resolved identity or a manual inclusion decision.
func (c *Curator) Run(ctx context.Context, epochID string) (Report, error) {
	var rep Report
	events, err := c.store.GetCuratedForEpoch(ctx, epochID)
	if err != nil {
		return rep, fmt.Errorf("load curated events: %w", err)
	}
	rep.Events = len(events)

	for _, ce := range events {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := c.resolve(ctx, ce, &rep); err != nil {
			return rep, err
		}
		if err := c.applyPolicy(ctx, ce, &rep); err != nil {
			return rep, err
		}
	}

	c.logger.InfoContext(ctx, "curation pass complete",
		"epoch_id", epochID, "events", rep.Events, "resolved", rep.Resolved,
		"unresolved", rep.Unresolved, "policy_applied", rep.PolicyApplied)
	return rep, nil
}

func (c *Curator) resolve(ctx context.Context, ce contracts.CuratedEvent, rep *Report) error {
	if ce.Curation.ResolvedUserID != nil {
		return nil
	}
	if c.resolver == nil {
		rep.Unresolved++
		return nil
	}
	user, ok, err := c.resolver.Resolve(ctx, ce.Event)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ce.Event.Ref(), err)
	}
	if !ok {
		rep.Unresolved++
		return nil
	}
	err = c.store.ResolveIdentity(ctx, ce.Event.Ref(), user)
	switch {
	case err == nil:
		rep.Resolved++
	case errors.Is(err, contracts.ErrIdentityAlreadyResolved):
		// A curator resolved it between our read and write.
		rep.Conflicts++
		c.logger.WarnContext(ctx, "identity resolved concurrently", "source", ce.Event.Source, "event_id", ce.Event.EventID, "error", err)
	default:
		return err
	}
	return nil
}

func (c *Curator) applyPolicy(ctx context.Context, ce contracts.CuratedEvent, rep *Report) error {
	d, ok, err := c.policy.Evaluate(ce.Event)
	if err != nil {
		return fmt.Errorf("policy for %s: %w", ce.Event.Ref(), err)
	}
	if !ok {
		return nil
	}
	cur := ce.Curation
	if cur.InclusionSource == contracts.InclusionManual {
		rep.ManualProtected++
		return nil
	}
	if cur.InclusionSource == contracts.InclusionPolicy && cur.Included == d.Included && cur.InclusionReason == d.Reason {
		return nil
	}
	applied, err := c.store.SetInclusion(ctx, ce.Event.Ref(), d.Included, d.Reason, contracts.InclusionPolicy, PolicyActor)
	if err != nil {
		return err
	}
	if applied {
		rep.PolicyApplied++
	} else {
		rep.ManualProtected++
	}
	return nil
}
