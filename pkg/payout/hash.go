package payout

import (
	"sort"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

type hashEntry struct {
	UserID     string `json:"userId"`
	FinalUnits string `json:"finalUnits"`
}

// AllocationSetHash is the SHA-256 hex digest of the canonical JSON array
// [{"finalUnits": "...", "userId": "..."}] sorted by user id. Units are the
// effective units of each allocation, rendered as decimal strings.
//
// The hash is what an approver signs over, so any later edit to stored
// allocations shows up as a mismatch on recomputation.
func AllocationSetHash(allocations []contracts.Allocation) (string, error) {
	entries := make([]hashEntry, 0, len(allocations))
	for _, a := range allocations {
		entries = append(entries, hashEntry{
			UserID:     canonicalize.Identifier(a.UserID),
			FinalUnits: a.EffectiveUnits().String(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return canonicalize.CanonicalHash(entries)
}

// WithFinalUnits returns a copy of allocations with FinalUnits pinned to the
// effective units. This is the form persisted at finalization.
func WithFinalUnits(allocations []contracts.Allocation) []contracts.Allocation {
	out := make([]contracts.Allocation, len(allocations))
	for i, a := range allocations {
		a.FinalUnits = contracts.BigIntFrom(a.EffectiveUnits().Big())
		out[i] = a
	}
	return out
}
