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

const defaultIngestBatchSize = 500

// EventStore is the append-only ledger of raw activity facts.
type EventStore struct {
	db        *sql.DB
	batchSize int
	now       func() time.Time
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db, batchSize: defaultIngestBatchSize, now: time.Now}
}

const eventColumns = `source, event_id, event_type, event_time, raw_payload_ref, actor_ref, node_id, scope_id, ingested_at`

// Ingest appends events. Events already present under the same (source, event_id)
// are skipped, never updated. The batch is validated in full before anything is
// written; then it is committed in chunks so that a cancelled run keeps the chunks
// already committed. Each inserted event gets a default curation row (included,
// unresolved) in the same transaction.
func (s *EventStore) Ingest(ctx context.Context, events []contracts.ActivityEvent) (contracts.IngestResult, error) {
	var res contracts.IngestResult
	if len(events) == 0 {
		return res, nil
	}

	normalized := make([]contracts.ActivityEvent, len(events))
	scopes := make(map[NodeScope]struct{})
	for i, ev := range events {
		ev = normalizeEvent(ev)
		if err := validateEvent(ev); err != nil {
			return res, err
		}
		normalized[i] = ev
		scopes[NodeScope{NodeID: ev.NodeID, ScopeID: ev.ScopeID}] = struct{}{}
	}
	for ns := range scopes {
		ok, err := scopeExists(ctx, s.db, ns.NodeID, ns.ScopeID)
		if err != nil {
			return res, fmt.Errorf("check scope: %w", err)
		}
		if !ok {
			return res, contracts.Errorf(contracts.ErrScopeInvalid, "scope %q is not recognized for node %q", ns.ScopeID, ns.NodeID)
		}
	}

	for start := 0; start < len(normalized); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := start + s.batchSize
		if end > len(normalized) {
			end = len(normalized)
		}
		inserted, err := s.ingestChunk(ctx, normalized[start:end])
		if err != nil {
			return res, err
		}
		res.Inserted += inserted
		res.Skipped += (end - start) - inserted
	}
	return res, nil
}

func (s *EventStore) ingestChunk(ctx context.Context, chunk []contracts.ActivityEvent) (int, error) {
	inserted := 0
	now := toMillis(s.now())
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, ev := range chunk {
			r, err := tx.ExecContext(ctx, `
				INSERT INTO activity_events (`+eventColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (source, event_id) DO NOTHING`,
				ev.Source, ev.EventID, ev.EventType, toMillis(ev.EventTime),
				ev.RawPayloadRef, ev.ActorRef, ev.NodeID, ev.ScopeID, now)
			if err != nil {
				return fmt.Errorf("insert event %s: %w", ev.Ref(), err)
			}
			n, err := r.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to check rows affected: %w", err)
			}
			if n == 0 {
				continue
			}
			inserted++
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO activity_curation (source, event_id, included, inclusion_source, updated_at)
				VALUES ($1, $2, TRUE, $3, $4)
				ON CONFLICT (source, event_id) DO NOTHING`,
				ev.Source, ev.EventID, string(contracts.InclusionDefault), now); err != nil {
				return fmt.Errorf("insert curation %s: %w", ev.Ref(), err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Update always fails: events are append-only. The rejection comes from the
// storage trigger, so it holds for any client of the database.
func (s *EventStore) Update(ctx context.Context, ev contracts.ActivityEvent) error {
	ev = normalizeEvent(ev)
	r, err := s.db.ExecContext(ctx, `
		UPDATE activity_events
		SET event_type = $1, event_time = $2, raw_payload_ref = $3, actor_ref = $4
		WHERE source = $5 AND event_id = $6`,
		ev.EventType, toMillis(ev.EventTime), ev.RawPayloadRef, ev.ActorRef, ev.Source, ev.EventID)
	if err != nil {
		return mapError(err)
	}
	return s.noRowsAsMissing(r, ev.EventID)
}

// Delete always fails; see Update.
func (s *EventStore) Delete(ctx context.Context, source, eventID string) error {
	eventID = canonicalize.Identifier(eventID)
	r, err := s.db.ExecContext(ctx,
		`DELETE FROM activity_events WHERE source = $1 AND event_id = $2`,
		canonicalize.Identifier(source), eventID)
	if err != nil {
		return mapError(err)
	}
	return s.noRowsAsMissing(r, eventID)
}

func (s *EventStore) noRowsAsMissing(r sql.Result, eventID string) error {
	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return contracts.Errorf(contracts.ErrEventNotFound, "event %q", eventID)
	}
	// Unreachable while the immutability triggers are installed.
	return contracts.Errorf(contracts.ErrImmutableViolation, "event %q was modified; triggers missing", eventID)
}

// Get returns one event by its natural key.
func (s *EventStore) Get(ctx context.Context, ref contracts.EventRef) (contracts.ActivityEvent, error) {
	ref = normalizeRef(ref)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM activity_events WHERE source = $1 AND event_id = $2`,
		ref.Source, ref.EventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ActivityEvent{}, contracts.Errorf(contracts.ErrEventNotFound, "event %q", ref)
	}
	return ev, err
}

// Count returns the number of events recorded for a scope.
func (s *EventStore) Count(ctx context.Context, nodeID, scopeID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_events WHERE node_id = $1 AND scope_id = $2`,
		canonicalize.Identifier(nodeID), canonicalize.Identifier(scopeID)).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (contracts.ActivityEvent, error) {
	var (
		ev               contracts.ActivityEvent
		eventTime, ingAt int64
	)
	err := row.Scan(&ev.Source, &ev.EventID, &ev.EventType, &eventTime,
		&ev.RawPayloadRef, &ev.ActorRef, &ev.NodeID, &ev.ScopeID, &ingAt)
	if err != nil {
		return contracts.ActivityEvent{}, err
	}
	ev.EventTime = fromMillis(eventTime)
	ev.IngestedAt = fromMillis(ingAt)
	return ev, nil
}

func normalizeEvent(ev contracts.ActivityEvent) contracts.ActivityEvent {
	ev.EventID = canonicalize.Identifier(ev.EventID)
	ev.Source = canonicalize.Identifier(ev.Source)
	ev.EventType = canonicalize.Identifier(ev.EventType)
	ev.NodeID = canonicalize.Identifier(ev.NodeID)
	ev.ScopeID = canonicalize.Identifier(ev.ScopeID)
	ev.ActorRef = canonicalize.Identifier(ev.ActorRef)
	return ev
}

func normalizeRef(ref contracts.EventRef) contracts.EventRef {
	return contracts.EventRef{Source: canonicalize.Identifier(ref.Source), EventID: canonicalize.Identifier(ref.EventID)}
}

func validateEvent(ev contracts.ActivityEvent) error {
	switch {
	case ev.EventID == "":
		return contracts.Errorf(contracts.ErrInvalidArgument, "event id is required")
	case ev.Source == "":
		return contracts.Errorf(contracts.ErrInvalidArgument, "event %q: source is required", ev.EventID)
	case ev.EventType == "":
		return contracts.Errorf(contracts.ErrInvalidArgument, "event %q: event type is required", ev.EventID)
	case ev.EventTime.IsZero():
		return contracts.Errorf(contracts.ErrInvalidArgument, "event %q: event time is required", ev.EventID)
	case ev.NodeID == "" || ev.ScopeID == "":
		return contracts.Errorf(contracts.ErrScopeInvalid, "event %q: node and scope are required", ev.EventID)
	}
	return nil
}
