package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// CurationStore holds the editorial layer over events. Every write is rejected
// once the event's epoch is finalized; the check runs inside the UPDATE itself and
// is backed by a trigger.
type CurationStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewCurationStore(db *sql.DB) *CurationStore {
	return &CurationStore{db: db, now: time.Now}
}

var notFrozen = `NOT ` + frozenFor("activity_curation.source", "activity_curation.event_id")

// CurationChange is a batch of edits to one event. Apply validates the whole
// batch and writes it in a single transaction: either every field lands or none.
// CorrectIdentity only takes effect together with UserID.
type CurationChange struct {
	UserID          string
	CorrectIdentity bool
	Included        *bool
	Reason          string
	WeightOverride  *int64
	ClearOverride   bool
}

func (c CurationChange) validate() error {
	if c.Included == nil && c.WeightOverride == nil && !c.ClearOverride && c.UserID == "" {
		return contracts.Errorf(contracts.ErrInvalidArgument, "nothing to change")
	}
	if c.WeightOverride != nil && c.ClearOverride {
		return contracts.Errorf(contracts.ErrInvalidArgument, "weight override and clear override are mutually exclusive")
	}
	if c.UserID != "" && canonicalize.Identifier(c.UserID) == "" {
		return contracts.Errorf(contracts.ErrInvalidArgument, "user id is required")
	}
	return nil
}

// Apply writes a CurationChange atomically and returns the resulting row.
func (s *CurationStore) Apply(ctx context.Context, ref contracts.EventRef, change CurationChange, actor string) (contracts.Curation, error) {
	ref = normalizeRef(ref)
	if err := change.validate(); err != nil {
		return contracts.Curation{}, err
	}
	var out contracts.Curation
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := s.explain(ctx, tx, ref); err != nil {
			return err
		}
		if change.Included != nil {
			if _, err := s.setInclusion(ctx, tx, ref, *change.Included, change.Reason, contracts.InclusionManual, actor); err != nil {
				return err
			}
		}
		if change.WeightOverride != nil || change.ClearOverride {
			if err := s.setWeightOverride(ctx, tx, ref, change.WeightOverride, actor); err != nil {
				return err
			}
		}
		switch {
		case change.UserID == "":
		case change.CorrectIdentity:
			if err := s.correctIdentity(ctx, tx, ref, change.UserID, actor); err != nil {
				return err
			}
		default:
			if err := s.resolveIdentity(ctx, tx, ref, change.UserID); err != nil {
				return err
			}
		}
		var err error
		out, err = getCuration(ctx, tx, ref)
		return err
	})
	return out, err
}

// ResolveIdentity sets the user behind an event. It only moves an identity from
// unset to set: repeating the same user is a no-op, a different user fails with
// ErrIdentityAlreadyResolved. Use CorrectIdentity to change a resolved identity.
func (s *CurationStore) ResolveIdentity(ctx context.Context, ref contracts.EventRef, userID string) error {
	return s.resolveIdentity(ctx, s.db, normalizeRef(ref), userID)
}

func (s *CurationStore) resolveIdentity(ctx context.Context, q queryer, ref contracts.EventRef, userID string) error {
	userID = canonicalize.Identifier(userID)
	if userID == "" {
		return contracts.Errorf(contracts.ErrInvalidArgument, "user id is required")
	}
	r, err := q.ExecContext(ctx, `
		UPDATE activity_curation
		SET resolved_user_id = $1, updated_at = $2
		WHERE source = $3 AND event_id = $4 AND resolved_user_id IS NULL AND `+notFrozen,
		userID, toMillis(s.now()), ref.Source, ref.EventID)
	if err != nil {
		return mapError(fmt.Errorf("resolve identity %s: %w", ref, err))
	}
	if applied, err := affected(r); err != nil || applied {
		return err
	}

	cur, err := s.explain(ctx, q, ref)
	if err != nil {
		return err
	}
	if cur.ResolvedUserID != nil && *cur.ResolvedUserID == userID {
		return nil
	}
	return contracts.Errorf(contracts.ErrIdentityAlreadyResolved, "event %q is resolved to %q", ref, derefString(cur.ResolvedUserID))
}

// CorrectIdentity overwrites the resolved user. It is the explicit correction path
// and records who made the change.
func (s *CurationStore) CorrectIdentity(ctx context.Context, ref contracts.EventRef, userID, actor string) error {
	return s.correctIdentity(ctx, s.db, normalizeRef(ref), userID, actor)
}

func (s *CurationStore) correctIdentity(ctx context.Context, q queryer, ref contracts.EventRef, userID, actor string) error {
	userID = canonicalize.Identifier(userID)
	var resolved sql.NullString
	if userID != "" {
		resolved = sql.NullString{String: userID, Valid: true}
	}
	r, err := q.ExecContext(ctx, `
		UPDATE activity_curation
		SET resolved_user_id = $1, updated_by = $2, updated_at = $3
		WHERE source = $4 AND event_id = $5 AND `+notFrozen,
		resolved, actor, toMillis(s.now()), ref.Source, ref.EventID)
	return s.finish(ctx, q, r, err, ref, "correct identity")
}

// SetInclusion records whether the event counts towards allocations. A policy
// decision never overrides a manual one; in that case applied is false and the
// manual decision stands.
func (s *CurationStore) SetInclusion(ctx context.Context, ref contracts.EventRef, included bool, reason string, source contracts.InclusionSource, actor string) (applied bool, err error) {
	return s.setInclusion(ctx, s.db, normalizeRef(ref), included, reason, source, actor)
}

func (s *CurationStore) setInclusion(ctx context.Context, q queryer, ref contracts.EventRef, included bool, reason string, source contracts.InclusionSource, actor string) (bool, error) {
	if source == "" {
		source = contracts.InclusionManual
	}
	query := `
		UPDATE activity_curation
		SET included = $1, inclusion_reason = $2, inclusion_source = $3, updated_by = $4, updated_at = $5
		WHERE source = $6 AND event_id = $7 AND ` + notFrozen
	if source == contracts.InclusionPolicy {
		query += ` AND inclusion_source <> 'manual'`
	}
	r, err := q.ExecContext(ctx, query, included, reason, string(source), actor, toMillis(s.now()), ref.Source, ref.EventID)
	if err != nil {
		return false, mapError(fmt.Errorf("set inclusion %s: %w", ref, err))
	}
	if applied, err := affected(r); err != nil || applied {
		return applied, err
	}
	// Nothing changed: not found, frozen, or protected by a manual decision.
	if _, err := s.explain(ctx, q, ref); err != nil {
		return false, err
	}
	return false, nil
}

// SetWeightOverride replaces the configured weight for one event. A nil override
// clears it.
func (s *CurationStore) SetWeightOverride(ctx context.Context, ref contracts.EventRef, milliUnits *int64, actor string) error {
	return s.setWeightOverride(ctx, s.db, normalizeRef(ref), milliUnits, actor)
}

func (s *CurationStore) setWeightOverride(ctx context.Context, q queryer, ref contracts.EventRef, milliUnits *int64, actor string) error {
	var override sql.NullInt64
	if milliUnits != nil {
		override = sql.NullInt64{Int64: *milliUnits, Valid: true}
	}
	r, err := q.ExecContext(ctx, `
		UPDATE activity_curation
		SET weight_override = $1, updated_by = $2, updated_at = $3
		WHERE source = $4 AND event_id = $5 AND `+notFrozen,
		override, actor, toMillis(s.now()), ref.Source, ref.EventID)
	return s.finish(ctx, q, r, err, ref, "set weight override")
}

// Get returns the curation row of one event.
func (s *CurationStore) Get(ctx context.Context, ref contracts.EventRef) (contracts.Curation, error) {
	return getCuration(ctx, s.db, normalizeRef(ref))
}

// GetCuratedForEpoch returns every event inside the epoch window and scope joined
// with its curation, ordered by event time then id. Once ingestion is closed,
// events ingested after the close are not part of the epoch.
func (s *CurationStore) GetCuratedForEpoch(ctx context.Context, epochID string) ([]contracts.CuratedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ev.source, ev.event_id, ev.event_type, ev.event_time, ev.raw_payload_ref, ev.actor_ref,
		       ev.node_id, ev.scope_id, ev.ingested_at,
		       c.resolved_user_id, c.included, c.weight_override, c.inclusion_reason,
		       c.inclusion_source, c.updated_by, c.updated_at
		FROM epochs ep
		JOIN activity_events ev
		  ON ev.node_id = ep.node_id AND ev.scope_id = ep.scope_id
		 AND ev.event_time >= ep.period_start AND ev.event_time < ep.period_end
		JOIN activity_curation c ON c.source = ev.source AND c.event_id = ev.event_id
		WHERE ep.epoch_id = $1
		  AND (ep.closed_at IS NULL OR ev.ingested_at <= ep.closed_at)
		ORDER BY ev.event_time, ev.source, ev.event_id`,
		canonicalize.Identifier(epochID))
	if err != nil {
		return nil, fmt.Errorf("curated events for %s: %w", epochID, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.CuratedEvent, 0)
	for rows.Next() {
		var (
			ce                   contracts.CuratedEvent
			eventTime, ingAt, up int64
			resolved             sql.NullString
			override             sql.NullInt64
			source               string
		)
		if err := rows.Scan(&ce.Event.Source, &ce.Event.EventID, &ce.Event.EventType, &eventTime,
			&ce.Event.RawPayloadRef, &ce.Event.ActorRef, &ce.Event.NodeID, &ce.Event.ScopeID, &ingAt,
			&resolved, &ce.Curation.Included, &override, &ce.Curation.InclusionReason,
			&source, &ce.Curation.UpdatedBy, &up); err != nil {
			return nil, err
		}
		ce.Event.EventTime = fromMillis(eventTime)
		ce.Event.IngestedAt = fromMillis(ingAt)
		ce.Curation.Source = ce.Event.Source
		ce.Curation.EventID = ce.Event.EventID
		ce.Curation.ResolvedUserID = stringPtr(resolved)
		ce.Curation.WeightOverride = int64Ptr(override)
		ce.Curation.InclusionSource = contracts.InclusionSource(source)
		ce.Curation.UpdatedAt = fromMillis(up)
		result = append(result, ce)
	}
	return result, rows.Err()
}

// CountUnresolvedIncluded counts included events in the epoch that have no user yet.
func (s *CurationStore) CountUnresolvedIncluded(ctx context.Context, epochID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM epochs ep
		JOIN activity_events ev
		  ON ev.node_id = ep.node_id AND ev.scope_id = ep.scope_id
		 AND ev.event_time >= ep.period_start AND ev.event_time < ep.period_end
		JOIN activity_curation c ON c.source = ev.source AND c.event_id = ev.event_id
		WHERE ep.epoch_id = $1
		  AND (ep.closed_at IS NULL OR ev.ingested_at <= ep.closed_at)
		  AND c.included = TRUE AND c.resolved_user_id IS NULL`,
		canonicalize.Identifier(epochID)).Scan(&n)
	return n, err
}

// finish turns a zero-row update into the reason it did not apply.
func (s *CurationStore) finish(ctx context.Context, q queryer, r sql.Result, err error, ref contracts.EventRef, op string) error {
	if err != nil {
		return mapError(fmt.Errorf("%s %s: %w", op, ref, err))
	}
	if applied, err := affected(r); err != nil || applied {
		return err
	}
	_, err = s.explain(ctx, q, ref)
	return err
}

// explain re-reads an event whose guarded update touched no row. It returns
// ErrEventNotFound or ErrEpochFrozen when either applies, otherwise the row.
func (s *CurationStore) explain(ctx context.Context, q queryer, ref contracts.EventRef) (contracts.Curation, error) {
	cur, err := getCuration(ctx, q, ref)
	if err != nil {
		return contracts.Curation{}, err
	}
	var frozen bool
	if err := q.QueryRowContext(ctx,
		`SELECT `+frozenFor("$1", "$2"), ref.Source, ref.EventID).Scan(&frozen); err != nil {
		return contracts.Curation{}, err
	}
	if frozen {
		return contracts.Curation{}, contracts.Errorf(contracts.ErrEpochFrozen, "event %q belongs to a finalized epoch", ref)
	}
	return cur, nil
}

func getCuration(ctx context.Context, q queryer, ref contracts.EventRef) (contracts.Curation, error) {
	var (
		c        contracts.Curation
		resolved sql.NullString
		override sql.NullInt64
		source   string
		up       int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT source, event_id, resolved_user_id, included, weight_override, inclusion_reason,
		       inclusion_source, updated_by, updated_at
		FROM activity_curation WHERE source = $1 AND event_id = $2`, ref.Source, ref.EventID).
		Scan(&c.Source, &c.EventID, &resolved, &c.Included, &override, &c.InclusionReason, &source, &c.UpdatedBy, &up)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Curation{}, contracts.Errorf(contracts.ErrEventNotFound, "event %q", ref)
	}
	if err != nil {
		return contracts.Curation{}, err
	}
	c.ResolvedUserID = stringPtr(resolved)
	c.WeightOverride = int64Ptr(override)
	c.InclusionSource = contracts.InclusionSource(source)
	c.UpdatedAt = fromMillis(up)
	return c, nil
}

func affected(r sql.Result) (bool, error) {
	n, err := r.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n > 0, nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
