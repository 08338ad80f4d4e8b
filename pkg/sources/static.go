package sources

import (
	"context"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// Static serves a fixed slice of events, filtered to the window.
type Static struct {
	SourceName string
	Events     []contracts.ActivityEvent
}

func (s *Static) Name() string { return s.SourceName }

func (s *Static) Fetch(_ context.Context, w Window) ([]contracts.ActivityEvent, error) {
	var out []contracts.ActivityEvent
	for _, ev := range s.Events {
		if ev.NodeID == "" {
			ev.NodeID = w.NodeID
		}
		if ev.ScopeID == "" {
			ev.ScopeID = w.ScopeID
		}
		if w.contains(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}
