package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
	"github.com/Mindburn-Labs/epochledger/pkg/payout"
)

// FinalizeRecord is everything written when an epoch is finalized.
type FinalizeRecord struct {
	EpochID   string
	PoolTotal contracts.BigInt
	// Allocations carry the final units to pin.
	Allocations []contracts.Allocation
	Statement   contracts.PayoutStatement
}

// Finalize moves an epoch from review to finalized, pins final units and inserts
// the payout statement and its signature, all in one transaction.
//
// Finalizing an already finalized epoch with the same pool total, allocation hash
// and signature returns the stored statement with created=false. Any other input
// fails with ErrFinalizationConflict, as does a statement whose allocation hash no
// longer matches the stored allocations.
func (s *EpochStore) Finalize(ctx context.Context, rec FinalizeRecord) (stmt contracts.PayoutStatement, created bool, err error) {
	rec.EpochID = canonicalize.Identifier(rec.EpochID)
	payouts, err := json.Marshal(rec.Statement.Payouts)
	if err != nil {
		return contracts.PayoutStatement{}, false, fmt.Errorf("encode payouts: %w", err)
	}

	var lost bool
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		ep, err := getEpoch(ctx, tx, rec.EpochID)
		if err != nil {
			return err
		}
		switch ep.Status {
		case contracts.EpochOpen:
			return contracts.Errorf(contracts.ErrEpochNotInReview, "epoch %s is still open", rec.EpochID)
		case contracts.EpochFinalized:
			lost = true
			return nil
		}

		for _, a := range rec.Allocations {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO epoch_allocations (epoch_id, user_id, proposed_units, final_units, activity_count)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (epoch_id, user_id) DO UPDATE SET final_units = excluded.final_units`,
				rec.EpochID, canonicalize.Identifier(a.UserID), a.ProposedUnits.String(),
				a.EffectiveUnits().String(), a.ActivityCount); err != nil {
				return mapError(fmt.Errorf("pin final units for %s: %w", a.UserID, err))
			}
		}
		if err := checkAllocations(ctx, tx, rec); err != nil {
			return err
		}

		st := rec.Statement
		if err := insertStatement(ctx, tx, st, payouts); err != nil {
			if isUniqueViolation(err) {
				lost = true
				return errLostRace
			}
			return err
		}

		now := toMillis(s.now())
		r, err := tx.ExecContext(ctx, `
			UPDATE epochs SET status = $1, pool_total_credits = $2, finalized_at = $3
			WHERE epoch_id = $4 AND status = $5`,
			string(contracts.EpochFinalized), rec.PoolTotal.String(), now, rec.EpochID, string(contracts.EpochReview))
		if err != nil {
			return mapError(fmt.Errorf("finalize epoch: %w", err))
		}
		if ok, err := affected(r); err != nil {
			return err
		} else if !ok {
			lost = true
			return errLostRace
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLostRace) {
		return contracts.PayoutStatement{}, false, err
	}
	if lost {
		existing, err := s.compareFinalized(ctx, rec)
		return existing, false, err
	}

	stmt, err = s.GetOriginalStatement(ctx, rec.EpochID)
	return stmt, true, err
}

var errLostRace = errors.New("finalize: lost race")

// checkAllocations re-reads the pinned allocations inside the finalize
// transaction. A recompute between prepare and finalize shows up as a hash or
// proposed-units mismatch.
func checkAllocations(ctx context.Context, tx *sql.Tx, rec FinalizeRecord) error {
	stored, err := listAllocations(ctx, tx, rec.EpochID)
	if err != nil {
		return err
	}
	hash, err := payout.AllocationSetHash(stored)
	if err != nil {
		return fmt.Errorf("hash stored allocations: %w", err)
	}
	if hash != rec.Statement.AllocationSetHash {
		return contracts.Errorf(contracts.ErrFinalizationConflict,
			"allocations of epoch %s hash to %s, statement carries %s", rec.EpochID, hash, rec.Statement.AllocationSetHash)
	}
	proposed := make(map[string]contracts.BigInt, len(stored))
	for _, a := range stored {
		proposed[a.UserID] = a.ProposedUnits
	}
	for _, a := range rec.Allocations {
		if p, ok := proposed[canonicalize.Identifier(a.UserID)]; !ok || !p.Equal(a.ProposedUnits) {
			return contracts.Errorf(contracts.ErrFinalizationConflict,
				"proposed units of %s in epoch %s changed since the statement was prepared", a.UserID, rec.EpochID)
		}
	}
	return nil
}

// compareFinalized implements idempotent re-finalization.
func (s *EpochStore) compareFinalized(ctx context.Context, rec FinalizeRecord) (contracts.PayoutStatement, error) {
	existing, err := s.GetOriginalStatement(ctx, rec.EpochID)
	if err != nil {
		return contracts.PayoutStatement{}, err
	}
	same := existing.PoolTotalCredits.Equal(rec.PoolTotal) &&
		existing.AllocationSetHash == rec.Statement.AllocationSetHash &&
		sameSignature(existing.Signature, rec.Statement.Signature)
	if !same {
		return contracts.PayoutStatement{}, contracts.Errorf(contracts.ErrFinalizationConflict,
			"epoch %s was finalized with pool %s and hash %s", rec.EpochID, existing.PoolTotalCredits, existing.AllocationSetHash)
	}
	return existing, nil
}

// sameSignature compares hex signatures ignoring case and the 0x prefix.
func sameSignature(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}

// InsertCorrection appends a statement superseding the current head of the
// epoch's statement chain. The original statement is never touched.
func (s *EpochStore) InsertCorrection(ctx context.Context, st contracts.PayoutStatement) (contracts.PayoutStatement, error) {
	st.EpochID = canonicalize.Identifier(st.EpochID)
	payouts, err := json.Marshal(st.Payouts)
	if err != nil {
		return contracts.PayoutStatement{}, fmt.Errorf("encode payouts: %w", err)
	}
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		ep, err := getEpoch(ctx, tx, st.EpochID)
		if err != nil {
			return err
		}
		if ep.Status != contracts.EpochFinalized {
			return contracts.Errorf(contracts.ErrInvalidArgument, "epoch %s is %s; only finalized epochs take corrections", st.EpochID, ep.Status)
		}
		head, err := latestStatement(ctx, tx, st.EpochID)
		if err != nil {
			return err
		}
		if st.SupersedesID != head.StatementID {
			return contracts.Errorf(contracts.ErrFinalizationConflict, "correction must supersede %s, not %q", head.StatementID, st.SupersedesID)
		}
		if err := insertStatement(ctx, tx, st, payouts); err != nil {
			if isUniqueViolation(err) {
				return contracts.Errorf(contracts.ErrFinalizationConflict, "statement %s was already superseded", head.StatementID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return contracts.PayoutStatement{}, err
	}
	return s.GetStatementByID(ctx, st.StatementID)
}

func insertStatement(ctx context.Context, tx *sql.Tx, st contracts.PayoutStatement, payouts []byte) error {
	var supersedes sql.NullString
	if st.SupersedesID != "" {
		supersedes = sql.NullString{String: st.SupersedesID, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payout_statements (statement_id, epoch_id, node_id, scope_id, allocation_set_hash,
			pool_total_credits, payouts, signature, signer_address, supersedes_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		st.StatementID, st.EpochID, st.NodeID, st.ScopeID, st.AllocationSetHash,
		st.PoolTotalCredits.String(), string(payouts), st.Signature, st.SignerAddress,
		supersedes, toMillis(st.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return err
		}
		return mapError(fmt.Errorf("insert statement: %w", err))
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO statement_signatures (statement_id, signer_address, signature, signed_at)
		VALUES ($1, $2, $3, $4)`,
		st.StatementID, st.SignerAddress, st.Signature, toMillis(st.CreatedAt))
	if err != nil {
		return mapError(fmt.Errorf("insert statement signature: %w", err))
	}
	return nil
}

const statementColumns = `statement_id, epoch_id, node_id, scope_id, allocation_set_hash,
	pool_total_credits, payouts, signature, signer_address, supersedes_id, created_at`

// GetStatement returns the effective statement of an epoch: the newest
// correction if any, otherwise the original.
func (s *EpochStore) GetStatement(ctx context.Context, epochID string) (contracts.PayoutStatement, error) {
	return latestStatement(ctx, s.db, canonicalize.Identifier(epochID))
}

// GetOriginalStatement returns the statement written at finalization.
func (s *EpochStore) GetOriginalStatement(ctx context.Context, epochID string) (contracts.PayoutStatement, error) {
	return queryStatement(ctx, s.db,
		`SELECT `+statementColumns+` FROM payout_statements WHERE epoch_id = $1 AND supersedes_id IS NULL`,
		canonicalize.Identifier(epochID))
}

// GetStatementByID returns one statement.
func (s *EpochStore) GetStatementByID(ctx context.Context, statementID string) (contracts.PayoutStatement, error) {
	return queryStatement(ctx, s.db,
		`SELECT `+statementColumns+` FROM payout_statements WHERE statement_id = $1`, statementID)
}

// ListStatements returns the epoch's statement chain, original first.
func (s *EpochStore) ListStatements(ctx context.Context, epochID string) ([]contracts.PayoutStatement, error) {
	return listStatements(ctx, s.db, canonicalize.Identifier(epochID))
}

// AddSignature records an additional approver signature on a statement. Repeating
// an identical signature is a no-op.
func (s *EpochStore) AddSignature(ctx context.Context, sig contracts.StatementSignature) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statement_signatures (statement_id, signer_address, signature, signed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (statement_id, signer_address) DO NOTHING`,
		sig.StatementID, sig.SignerAddress, sig.Signature, toMillis(sig.SignedAt))
	if err != nil {
		return mapError(fmt.Errorf("add signature: %w", err))
	}
	return nil
}

// ListSignatures returns all signatures recorded for a statement.
func (s *EpochStore) ListSignatures(ctx context.Context, statementID string) ([]contracts.StatementSignature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT statement_id, signer_address, signature, signed_at
		FROM statement_signatures WHERE statement_id = $1 ORDER BY signed_at, signer_address`, statementID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.StatementSignature, 0)
	for rows.Next() {
		var (
			sig    contracts.StatementSignature
			signed int64
		)
		if err := rows.Scan(&sig.StatementID, &sig.SignerAddress, &sig.Signature, &signed); err != nil {
			return nil, err
		}
		sig.SignedAt = fromMillis(signed)
		result = append(result, sig)
	}
	return result, rows.Err()
}

func latestStatement(ctx context.Context, q queryer, epochID string) (contracts.PayoutStatement, error) {
	chain, err := listStatements(ctx, q, epochID)
	if err != nil {
		return contracts.PayoutStatement{}, err
	}
	if len(chain) == 0 {
		return contracts.PayoutStatement{}, contracts.Errorf(contracts.ErrStatementNotFound, "epoch %q has no statement", epochID)
	}
	return chain[len(chain)-1], nil
}

// listStatements follows supersedes links from the original statement.
func listStatements(ctx context.Context, q queryer, epochID string) ([]contracts.PayoutStatement, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+statementColumns+` FROM payout_statements WHERE epoch_id = $1`, epochID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var original *contracts.PayoutStatement
	next := make(map[string]contracts.PayoutStatement)
	for rows.Next() {
		st, err := scanStatement(rows)
		if err != nil {
			return nil, err
		}
		if st.SupersedesID == "" {
			original = &st
			continue
		}
		next[st.SupersedesID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chain := make([]contracts.PayoutStatement, 0, len(next)+1)
	if original == nil {
		return chain, nil
	}
	for cur, ok := *original, true; ok; cur, ok = next[cur.StatementID] {
		chain = append(chain, cur)
	}
	return chain, nil
}

func queryStatement(ctx context.Context, q queryer, query string, args ...any) (contracts.PayoutStatement, error) {
	st, err := scanStatement(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.PayoutStatement{}, contracts.Errorf(contracts.ErrStatementNotFound, "statement for %v", args)
	}
	return st, err
}

func scanStatement(row rowScanner) (contracts.PayoutStatement, error) {
	var (
		st         contracts.PayoutStatement
		payouts    string
		supersedes sql.NullString
		created    int64
	)
	err := row.Scan(&st.StatementID, &st.EpochID, &st.NodeID, &st.ScopeID, &st.AllocationSetHash,
		&st.PoolTotalCredits, &payouts, &st.Signature, &st.SignerAddress, &supersedes, &created)
	if err != nil {
		return contracts.PayoutStatement{}, err
	}
	if err := json.Unmarshal([]byte(payouts), &st.Payouts); err != nil {
		return contracts.PayoutStatement{}, fmt.Errorf("decode payouts of %s: %w", st.StatementID, err)
	}
	st.SupersedesID = supersedes.String
	st.CreatedAt = fromMillis(created)
	return st, nil
}
