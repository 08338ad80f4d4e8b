package crypto

import (
	"strings"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
)

// MessageLabel is the first line of every payout statement message.
const MessageLabel = "Epoch Payout Statement v1"

// StatementFields are the values a payout statement signature binds to.
type StatementFields struct {
	NodeID            string
	ScopeID           string
	EpochID           string
	AllocationSetHash string
	PoolTotalCredits  string
}

// BuildCanonicalMessage renders fields as the fixed, newline-joined text approvers sign:
//
//	Epoch Payout Statement v1
//	Node: <node>
//	Scope: <scope>
//	Epoch: <epoch>
//	Allocation Hash: <hash>
//	Pool Total: <credits>
//
// Identifiers are NFC-normalized so equivalent spellings sign identically.
func BuildCanonicalMessage(f StatementFields) string {
	lines := []string{
		MessageLabel,
		"Node: " + canonicalize.Identifier(f.NodeID),
		"Scope: " + canonicalize.Identifier(f.ScopeID),
		"Epoch: " + canonicalize.Identifier(f.EpochID),
		"Allocation Hash: " + strings.ToLower(f.AllocationSetHash),
		"Pool Total: " + f.PoolTotalCredits,
	}
	return strings.Join(lines, "\n")
}
