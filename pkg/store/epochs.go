package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// EpochStore persists epochs, their allocations and pool components. Status
// changes are compare-and-swap updates on a single row.
type EpochStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewEpochStore(db *sql.DB) *EpochStore {
	return &EpochStore{db: db, now: time.Now}
}

const epochColumns = `epoch_id, node_id, scope_id, period_start, period_end, status, weight_config,
	pool_total_credits, created_at, closed_at, finalized_at`

// Insert creates an open epoch. It fails with ErrScopeInvalid, ErrActiveEpochExists
// or ErrOverlappingEpoch; the checks and the insert share one transaction and the
// partial unique index settles races between concurrent inserts.
func (s *EpochStore) Insert(ctx context.Context, ep contracts.Epoch) error {
	weights, err := json.Marshal(ep.WeightConfig)
	if err != nil {
		return fmt.Errorf("encode weight config: %w", err)
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		ok, err := scopeExists(ctx, tx, ep.NodeID, ep.ScopeID)
		if err != nil {
			return fmt.Errorf("check scope: %w", err)
		}
		if !ok {
			return contracts.Errorf(contracts.ErrScopeInvalid, "scope %q is not recognized for node %q", ep.ScopeID, ep.NodeID)
		}

		var active string
		err = tx.QueryRowContext(ctx, `
			SELECT epoch_id FROM epochs
			WHERE node_id = $1 AND scope_id = $2 AND status <> 'finalized'`,
			ep.NodeID, ep.ScopeID).Scan(&active)
		switch {
		case err == nil:
			return contracts.Errorf(contracts.ErrActiveEpochExists, "epoch %s is still active for %s/%s", active, ep.NodeID, ep.ScopeID)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check active epoch: %w", err)
		}

		var overlapping string
		err = tx.QueryRowContext(ctx, `
			SELECT epoch_id FROM epochs
			WHERE node_id = $1 AND scope_id = $2 AND period_start < $3 AND period_end > $4
			LIMIT 1`,
			ep.NodeID, ep.ScopeID, toMillis(ep.PeriodEnd), toMillis(ep.PeriodStart)).Scan(&overlapping)
		switch {
		case err == nil:
			return contracts.Errorf(contracts.ErrOverlappingEpoch, "window overlaps epoch %s", overlapping)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check overlap: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO epochs (epoch_id, node_id, scope_id, period_start, period_end, status, weight_config, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ep.EpochID, ep.NodeID, ep.ScopeID, toMillis(ep.PeriodStart), toMillis(ep.PeriodEnd),
			string(contracts.EpochOpen), string(weights), toMillis(ep.CreatedAt))
		if isUniqueViolation(err) {
			return contracts.Errorf(contracts.ErrActiveEpochExists, "an active epoch was opened concurrently for %s/%s", ep.NodeID, ep.ScopeID)
		}
		if err != nil {
			return fmt.Errorf("insert epoch: %w", err)
		}
		return nil
	})
}

// Get returns one epoch.
func (s *EpochStore) Get(ctx context.Context, epochID string) (contracts.Epoch, error) {
	return getEpoch(ctx, s.db, canonicalize.Identifier(epochID))
}

// List returns the epochs of a scope, newest window first. An empty nodeID
// matches every node.
func (s *EpochStore) List(ctx context.Context, nodeID, scopeID string) ([]contracts.Epoch, error) {
	query := `SELECT ` + epochColumns + ` FROM epochs WHERE scope_id = $1`
	args := []any{canonicalize.Identifier(scopeID)}
	if nodeID != "" {
		query += ` AND node_id = $2`
		args = append(args, canonicalize.Identifier(nodeID))
	}
	return s.queryEpochs(ctx, query+` ORDER BY period_start DESC, node_id`, args...)
}

// ListByStatus returns every epoch in status, oldest window first.
func (s *EpochStore) ListByStatus(ctx context.Context, status contracts.EpochStatus) ([]contracts.Epoch, error) {
	return s.queryEpochs(ctx,
		`SELECT `+epochColumns+` FROM epochs WHERE status = $1 ORDER BY period_end, epoch_id`,
		string(status))
}

// CloseIngestion moves an epoch from open to review. transitioned reports
// whether this call made the change; a caller that lost the race gets the
// re-read epoch and false.
func (s *EpochStore) CloseIngestion(ctx context.Context, epochID string) (ep contracts.Epoch, transitioned bool, err error) {
	epochID = canonicalize.Identifier(epochID)
	r, err := s.db.ExecContext(ctx, `
		UPDATE epochs SET status = $1, closed_at = $2
		WHERE epoch_id = $3 AND status = $4`,
		string(contracts.EpochReview), toMillis(s.now()), epochID, string(contracts.EpochOpen))
	if err != nil {
		return contracts.Epoch{}, false, mapError(fmt.Errorf("close ingestion %s: %w", epochID, err))
	}
	transitioned, err = affected(r)
	if err != nil {
		return contracts.Epoch{}, false, err
	}
	ep, err = s.Get(ctx, epochID)
	return ep, transitioned, err
}

func (s *EpochStore) queryEpochs(ctx context.Context, query string, args ...any) ([]contracts.Epoch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Epoch, 0)
	for rows.Next() {
		ep, err := scanEpoch(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ep)
	}
	return result, rows.Err()
}

func getEpoch(ctx context.Context, q queryer, epochID string) (contracts.Epoch, error) {
	row := q.QueryRowContext(ctx, `SELECT `+epochColumns+` FROM epochs WHERE epoch_id = $1`, epochID)
	ep, err := scanEpoch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Epoch{}, contracts.Errorf(contracts.ErrEpochNotFound, "epoch %q", epochID)
	}
	return ep, err
}

func scanEpoch(row rowScanner) (contracts.Epoch, error) {
	var (
		ep                    contracts.Epoch
		start, end, created   int64
		status, weights       string
		closedAt, finalizedAt sql.NullInt64
	)
	err := row.Scan(&ep.EpochID, &ep.NodeID, &ep.ScopeID, &start, &end, &status, &weights,
		&ep.PoolTotalCredits, &created, &closedAt, &finalizedAt)
	if err != nil {
		return contracts.Epoch{}, err
	}
	if err := json.Unmarshal([]byte(weights), &ep.WeightConfig); err != nil {
		return contracts.Epoch{}, fmt.Errorf("decode weight config of %s: %w", ep.EpochID, err)
	}
	ep.PeriodStart = fromMillis(start)
	ep.PeriodEnd = fromMillis(end)
	ep.Status = contracts.EpochStatus(status)
	ep.CreatedAt = fromMillis(created)
	ep.ClosedAt = timePtr(closedAt)
	ep.FinalizedAt = timePtr(finalizedAt)
	return ep, nil
}
