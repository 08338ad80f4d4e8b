// Package sources fetches raw activity records from external systems and turns
// them into ledger events.
package sources

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// Window selects the records a fetch should return.
type Window struct {
	NodeID  string
	ScopeID string
	Start   time.Time
	End     time.Time
}

// WindowFor returns the fetch window of an epoch.
func WindowFor(ep contracts.Epoch) Window {
	return Window{NodeID: ep.NodeID, ScopeID: ep.ScopeID, Start: ep.PeriodStart, End: ep.PeriodEnd}
}

func (w Window) contains(ev contracts.ActivityEvent) bool {
	return ev.NodeID == w.NodeID && ev.ScopeID == w.ScopeID &&
		!ev.EventTime.Before(w.Start) && ev.EventTime.Before(w.End)
}

// Source is one external activity feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, w Window) ([]contracts.ActivityEvent, error)
}

// RecordSchema is the JSON Schema every NDJSON activity record must satisfy.
const RecordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "event_type", "event_time"],
  "properties": {
    "event_id":        {"type": "string", "minLength": 1, "maxLength": 256},
    "source":          {"type": "string", "pattern": "^[A-Za-z0-9_.-]+$"},
    "event_type":      {"type": "string", "pattern": "^[A-Za-z0-9_.-]+$"},
    "event_time":      {"type": "string", "format": "date-time"},
    "actor_ref":       {"type": "string"},
    "raw_payload_ref": {"type": "string"},
    "node_id":         {"type": "string", "minLength": 1},
    "scope_id":        {"type": "string", "minLength": 1}
  }
}`

const recordSchemaURL = "https://epochledger.schemas.local/sources/activity-record.schema.json"

type record struct {
	EventID       string `json:"event_id"`
	Source        string `json:"source"`
	EventType     string `json:"event_type"`
	EventTime     string `json:"event_time"`
	ActorRef      string `json:"actor_ref"`
	RawPayloadRef string `json:"raw_payload_ref"`
	NodeID        string `json:"node_id"`
	ScopeID       string `json:"scope_id"`
}

// Decoder validates and converts NDJSON activity records.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles RecordSchema.
func NewDecoder() (*Decoder, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(recordSchemaURL, strings.NewReader(RecordSchema)); err != nil {
		return nil, fmt.Errorf("record schema load failed: %w", err)
	}
	compiled, err := c.Compile(recordSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("record schema compile failed: %w", err)
	}
	return &Decoder{schema: compiled}, nil
}

// Decode reads NDJSON from r. Records without a source get defaultSource;
// records without node or scope inherit the window's. Only records inside w are
// returned. Any invalid record fails the whole read so that a partial feed is
// never ingested.
func (d *Decoder) Decode(r io.Reader, defaultSource string, w Window) ([]contracts.ActivityEvent, error) {
	var out []contracts.ActivityEvent
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, contracts.Errorf(contracts.ErrInvalidArgument, "line %d: %v", line, err)
		}
		if err := d.schema.Validate(doc); err != nil {
			return nil, contracts.Errorf(contracts.ErrInvalidArgument, "line %d: schema validation failed: %v", line, err)
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, contracts.Errorf(contracts.ErrInvalidArgument, "line %d: %v", line, err)
		}
		ev, err := rec.event(defaultSource, w)
		if err != nil {
			return nil, contracts.Errorf(contracts.ErrInvalidArgument, "line %d: %v", line, err)
		}
		if w.contains(ev) {
			out = append(out, ev)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return out, nil
}

func (r record) event(defaultSource string, w Window) (contracts.ActivityEvent, error) {
	at, err := time.Parse(time.RFC3339Nano, r.EventTime)
	if err != nil {
		return contracts.ActivityEvent{}, fmt.Errorf("event_time: %w", err)
	}
	ev := contracts.ActivityEvent{
		EventID:       r.EventID,
		Source:        r.Source,
		EventType:     r.EventType,
		EventTime:     at.UTC(),
		ActorRef:      r.ActorRef,
		RawPayloadRef: r.RawPayloadRef,
		NodeID:        r.NodeID,
		ScopeID:       r.ScopeID,
	}
	if ev.Source == "" {
		ev.Source = defaultSource
	}
	if ev.NodeID == "" {
		ev.NodeID = w.NodeID
	}
	if ev.ScopeID == "" {
		ev.ScopeID = w.ScopeID
	}
	return ev, nil
}
