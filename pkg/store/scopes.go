package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
)

// NodeScope is a recognized (node, scope) pair.
type NodeScope struct {
	NodeID  string
	ScopeID string
}

// ScopeStore registers the scopes a node recognizes. Events and epochs may only
// reference registered scopes.
type ScopeStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewScopeStore(db *sql.DB) *ScopeStore {
	return &ScopeStore{db: db, now: time.Now}
}

// Register adds a scope. Registering an existing scope is a no-op.
func (s *ScopeStore) Register(ctx context.Context, nodeID, scopeID string) error {
	nodeID, scopeID = canonicalize.Identifier(nodeID), canonicalize.Identifier(scopeID)
	if nodeID == "" || scopeID == "" {
		return fmt.Errorf("register scope: node and scope are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_scopes (node_id, scope_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (node_id, scope_id) DO NOTHING`,
		nodeID, scopeID, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("register scope %s/%s: %w", nodeID, scopeID, err)
	}
	return nil
}

// Exists reports whether the scope is registered for the node.
func (s *ScopeStore) Exists(ctx context.Context, nodeID, scopeID string) (bool, error) {
	return scopeExists(ctx, s.db, canonicalize.Identifier(nodeID), canonicalize.Identifier(scopeID))
}

// List returns all registered scopes ordered by node then scope.
func (s *ScopeStore) List(ctx context.Context) ([]NodeScope, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, scope_id FROM node_scopes ORDER BY node_id, scope_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]NodeScope, 0)
	for rows.Next() {
		var ns NodeScope
		if err := rows.Scan(&ns.NodeID, &ns.ScopeID); err != nil {
			return nil, err
		}
		result = append(result, ns)
	}
	return result, rows.Err()
}

func scopeExists(ctx context.Context, q queryer, nodeID, scopeID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM node_scopes WHERE node_id = $1 AND scope_id = $2`,
		nodeID, scopeID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
