package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// ReplaceProposedAllocations swaps the epoch's proposed allocations for allocs.
// Users missing from allocs are removed. Fails with ErrAlreadyFinalized once the
// epoch is finalized.
func (s *EpochStore) ReplaceProposedAllocations(ctx context.Context, epochID string, allocs []contracts.Allocation) error {
	epochID = canonicalize.Identifier(epochID)
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		ep, err := getEpoch(ctx, tx, epochID)
		if err != nil {
			return err
		}
		if ep.Status == contracts.EpochFinalized {
			return contracts.Errorf(contracts.ErrAlreadyFinalized, "epoch %s allocations are frozen", epochID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM epoch_allocations WHERE epoch_id = $1`, epochID); err != nil {
			return mapError(fmt.Errorf("clear allocations: %w", err))
		}
		for _, a := range allocs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO epoch_allocations (epoch_id, user_id, proposed_units, activity_count)
				VALUES ($1, $2, $3, $4)`,
				epochID, canonicalize.Identifier(a.UserID), a.ProposedUnits.String(), a.ActivityCount); err != nil {
				if isUniqueViolation(err) {
					return contracts.Errorf(contracts.ErrDuplicateUser, "user %q appears more than once", a.UserID)
				}
				return mapError(fmt.Errorf("insert allocation %s: %w", a.UserID, err))
			}
		}
		return nil
	})
}

// ListAllocations returns the epoch's allocations sorted by user.
func (s *EpochStore) ListAllocations(ctx context.Context, epochID string) ([]contracts.Allocation, error) {
	return listAllocations(ctx, s.db, canonicalize.Identifier(epochID))
}

func listAllocations(ctx context.Context, q queryer, epochID string) ([]contracts.Allocation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT epoch_id, user_id, proposed_units, final_units, activity_count
		FROM epoch_allocations WHERE epoch_id = $1 ORDER BY user_id`, epochID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Allocation, 0)
	for rows.Next() {
		var a contracts.Allocation
		if err := rows.Scan(&a.EpochID, &a.UserID, &a.ProposedUnits, &a.FinalUnits, &a.ActivityCount); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// InsertPoolComponent records one pool contribution. Recording the same component
// with the same amount again is a no-op; a different amount fails with
// ErrImmutableViolation.
func (s *EpochStore) InsertPoolComponent(ctx context.Context, pc contracts.PoolComponent) error {
	pc.EpochID = canonicalize.Identifier(pc.EpochID)
	pc.ComponentID = canonicalize.Identifier(pc.ComponentID)
	if pc.ComponentID == "" {
		return contracts.Errorf(contracts.ErrInvalidArgument, "component id is required")
	}
	if pc.AmountCredits.Big().Sign() < 0 {
		return contracts.Errorf(contracts.ErrNegativePool, "component %s amount %s is negative", pc.ComponentID, pc.AmountCredits)
	}

	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		ep, err := getEpoch(ctx, tx, pc.EpochID)
		if err != nil {
			return err
		}
		if ep.Status == contracts.EpochFinalized {
			return contracts.Errorf(contracts.ErrAlreadyFinalized, "epoch %s pool is frozen", pc.EpochID)
		}

		var existing contracts.BigInt
		err = tx.QueryRowContext(ctx, `
			SELECT amount_credits FROM epoch_pool_components
			WHERE epoch_id = $1 AND component_id = $2`, pc.EpochID, pc.ComponentID).Scan(&existing)
		switch {
		case err == nil:
			if existing.Equal(pc.AmountCredits) {
				return nil
			}
			return contracts.Errorf(contracts.ErrImmutableViolation, "component %s is already recorded as %s", pc.ComponentID, existing)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO epoch_pool_components (epoch_id, component_id, amount_credits, created_at)
			VALUES ($1, $2, $3, $4)`,
			pc.EpochID, pc.ComponentID, pc.AmountCredits.String(), toMillis(s.now()))
		if err != nil {
			return mapError(fmt.Errorf("insert pool component: %w", err))
		}
		return nil
	})
}

// ListPoolComponents returns the epoch's pool components ordered by id.
func (s *EpochStore) ListPoolComponents(ctx context.Context, epochID string) ([]contracts.PoolComponent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch_id, component_id, amount_credits, created_at
		FROM epoch_pool_components WHERE epoch_id = $1 ORDER BY component_id`,
		canonicalize.Identifier(epochID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.PoolComponent, 0)
	for rows.Next() {
		var (
			pc      contracts.PoolComponent
			created int64
		)
		if err := rows.Scan(&pc.EpochID, &pc.ComponentID, &pc.AmountCredits, &created); err != nil {
			return nil, err
		}
		pc.CreatedAt = fromMillis(created)
		result = append(result, pc)
	}
	return result, rows.Err()
}
