package orchestrator

import (
	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/crypto"
)

// ApproverRegistry returns the addresses allowed to sign statements for a scope.
type ApproverRegistry interface {
	Approvers(nodeID, scopeID string) []string
}

// StaticApprovers maps "node/scope" or a bare "scope" (any node) to approver
// addresses. The node-qualified entry wins when both exist.
type StaticApprovers map[string][]string

func (s StaticApprovers) Approvers(nodeID, scopeID string) []string {
	nodeID, scopeID = canonicalize.Identifier(nodeID), canonicalize.Identifier(scopeID)
	if list, ok := s[nodeID+"/"+scopeID]; ok {
		return list
	}
	return s[scopeID]
}

// IsApprover reports whether addr may sign for the scope.
func IsApprover(reg ApproverRegistry, nodeID, scopeID, addr string) bool {
	for _, a := range reg.Approvers(nodeID, scopeID) {
		if crypto.SameAddress(a, addr) {
			return true
		}
	}
	return false
}
