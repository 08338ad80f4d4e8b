package contracts

import "time"

// ActivityEvent is a raw contribution fact. Once ingested it is never updated or deleted.
type ActivityEvent struct {
	EventID       string    `json:"event_id"`
	Source        string    `json:"source"`
	EventType     string    `json:"event_type"`
	EventTime     time.Time `json:"event_time"`
	RawPayloadRef string    `json:"raw_payload_ref,omitempty"`
	// ActorRef is the source-native actor token handed to the identity resolver.
	ActorRef   string    `json:"actor_ref,omitempty"`
	NodeID     string    `json:"node_id"`
	ScopeID    string    `json:"scope_id"`
	IngestedAt time.Time `json:"ingested_at,omitempty"`
}

// WeightKey returns the `source:event_type` lookup key for the weight table.
func (e ActivityEvent) WeightKey() WeightKey {
	return NewWeightKey(e.Source, e.EventType)
}

// Ref returns the event's natural key.
func (e ActivityEvent) Ref() EventRef {
	return EventRef{Source: e.Source, EventID: e.EventID}
}

// EventRef is the natural key of an event: source-native ids are only unique
// within their source.
type EventRef struct {
	Source  string `json:"source"`
	EventID string `json:"event_id"`
}

func (r EventRef) String() string {
	return r.Source + "/" + r.EventID
}

// InclusionSource records who made the current inclusion decision.
type InclusionSource string

const (
	InclusionDefault InclusionSource = "default"
	InclusionPolicy  InclusionSource = "policy"
	InclusionManual  InclusionSource = "manual"
)

// Curation is the editorial layer over one event. Mutable until the owning epoch
// is finalized.
type Curation struct {
	Source  string `json:"source"`
	EventID string `json:"event_id"`
	// ResolvedUserID only moves from nil to a value, except through an explicit correction.
	ResolvedUserID *string `json:"resolved_user_id"`
	Included       bool    `json:"included"`
	// WeightOverride is in milli-units and may be negative.
	WeightOverride  *int64          `json:"weight_override"`
	InclusionReason string          `json:"inclusion_reason,omitempty"`
	InclusionSource InclusionSource `json:"inclusion_source"`
	UpdatedBy       string          `json:"updated_by,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CuratedEvent joins an event with its curation row.
type CuratedEvent struct {
	Event    ActivityEvent `json:"event"`
	Curation Curation      `json:"curation"`
}

// IngestResult summarises one ingestion call.
type IngestResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}
