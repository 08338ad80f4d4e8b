package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
	"github.com/Mindburn-Labs/epochledger/pkg/crypto"
	"github.com/Mindburn-Labs/epochledger/pkg/epoch"
	"github.com/Mindburn-Labs/epochledger/pkg/payout"
)

// SignRequest is the payout preview an approver reviews, plus the exact message
// they must sign to finalize it.
type SignRequest struct {
	EpochID           string                 `json:"epoch_id"`
	NodeID            string                 `json:"node_id"`
	ScopeID           string                 `json:"scope_id"`
	PoolTotal         contracts.BigInt       `json:"pool_total_credits"`
	TotalUnits        contracts.BigInt       `json:"total_units"`
	AllocationSetHash string                 `json:"allocation_set_hash"`
	Allocations       []contracts.Allocation `json:"allocations"`
	Payouts           []contracts.Payout     `json:"payouts"`
	Message           string                 `json:"message"`
	Approvers         []string               `json:"approvers"`
	SupersedesID      string                 `json:"supersedes_id,omitempty"`
}

// PrepareFinalize computes what finalizing a review epoch would produce.
func (o *Orchestrator) PrepareFinalize(ctx context.Context, epochID string) (SignRequest, error) {
	ep, err := o.registry.Get(ctx, epochID)
	if err != nil {
		return SignRequest{}, err
	}
	switch ep.Status {
	case contracts.EpochOpen:
		return SignRequest{}, contracts.Errorf(contracts.ErrEpochNotInReview, "epoch %s is still open", ep.EpochID)
	case contracts.EpochFinalized:
		return SignRequest{}, contracts.Errorf(contracts.ErrAlreadyFinalized, "epoch %s is finalized", ep.EpochID)
	}
	return o.prepare(ctx, ep)
}

// prepare works for review and finalized epochs; finalized allocations carry
// their pinned final units, so a replayed finalize recomputes the same message.
func (o *Orchestrator) prepare(ctx context.Context, ep contracts.Epoch) (SignRequest, error) {
	pool, err := o.pool(ctx, ep.EpochID)
	if err != nil {
		return SignRequest{}, err
	}
	allocs, err := o.store.Epochs.ListAllocations(ctx, ep.EpochID)
	if err != nil {
		return SignRequest{}, err
	}
	return o.signRequest(ep, pool, allocs, "")
}

func (o *Orchestrator) signRequest(ep contracts.Epoch, pool contracts.BigInt, allocs []contracts.Allocation, supersedes string) (SignRequest, error) {
	res, err := payout.Compute(allocs, pool)
	if err != nil {
		return SignRequest{}, err
	}
	hash, err := payout.AllocationSetHash(allocs)
	if err != nil {
		return SignRequest{}, fmt.Errorf("allocation set hash: %w", err)
	}
	msg := crypto.BuildCanonicalMessage(crypto.StatementFields{
		NodeID:            ep.NodeID,
		ScopeID:           ep.ScopeID,
		EpochID:           ep.EpochID,
		AllocationSetHash: hash,
		PoolTotalCredits:  pool.String(),
	})
	return SignRequest{
		EpochID:           ep.EpochID,
		NodeID:            ep.NodeID,
		ScopeID:           ep.ScopeID,
		PoolTotal:         pool,
		TotalUnits:        res.TotalUnits,
		AllocationSetHash: hash,
		Allocations:       allocs,
		Payouts:           res.Payouts,
		Message:           msg,
		Approvers:         o.ApproversFor(ep),
		SupersedesID:      supersedes,
	}, nil
}

// RunFinalize verifies signature over the epoch's canonical message and
// finalizes it. Replaying an identical finalize returns the stored statement.
func (o *Orchestrator) RunFinalize(ctx context.Context, epochID, signature string) (stmt contracts.PayoutStatement, err error) {
	start := time.Now()
	ctx, done := o.obs.TrackOperation(ctx, "finalize", attribute.String("epoch_id", epochID))
	defer func() { done(err) }()

	ep, err := o.registry.Get(ctx, epochID)
	if err != nil {
		return contracts.PayoutStatement{}, err
	}
	if ep.Status == contracts.EpochOpen {
		return contracts.PayoutStatement{}, contracts.Errorf(contracts.ErrEpochNotInReview, "epoch %s is still open", ep.EpochID)
	}
	req, err := o.prepare(ctx, ep)
	if err != nil {
		return contracts.PayoutStatement{}, err
	}
	signer, err := crypto.VerifySignature(req.Message, signature, req.Approvers)
	if err != nil {
		o.logger.WarnContext(ctx, "finalize signature rejected", "epoch_id", ep.EpochID, "signer", signer, "error", err)
		return contracts.PayoutStatement{}, err
	}

	stmt, created, err := o.registry.Finalize(ctx, epoch.FinalizeInput{
		EpochID:           ep.EpochID,
		PoolTotal:         req.PoolTotal,
		Allocations:       payout.WithFinalUnits(req.Allocations),
		AllocationSetHash: req.AllocationSetHash,
		Payouts:           req.Payouts,
		Signature:         signature,
		SignerAddress:     signer,
	})
	if !created && err == nil {
		return stmt, nil
	}
	o.obs.RecordFinalize(ctx, time.Since(start), err)
	if err != nil {
		return contracts.PayoutStatement{}, err
	}
	o.obs.RecordStatement(ctx, "original")
	o.publish(ctx, stmt)
	return stmt, nil
}

// PrepareCorrection builds the sign request for a statement superseding the
// current head of a finalized epoch. The pool total is the finalized one.
func (o *Orchestrator) PrepareCorrection(ctx context.Context, epochID string, corrected []contracts.Allocation) (SignRequest, error) {
	ep, err := o.registry.Get(ctx, epochID)
	if err != nil {
		return SignRequest{}, err
	}
	if ep.Status != contracts.EpochFinalized {
		return SignRequest{}, contracts.Errorf(contracts.ErrInvalidArgument, "epoch %s is %s; only finalized epochs take corrections", ep.EpochID, ep.Status)
	}
	head, err := o.store.Epochs.GetStatement(ctx, ep.EpochID)
	if err != nil {
		return SignRequest{}, err
	}

	allocs := make([]contracts.Allocation, len(corrected))
	for i, a := range corrected {
		a.EpochID = ep.EpochID
		a.UserID = canonicalize.Identifier(a.UserID)
		allocs[i] = a
	}
	req, err := o.signRequest(ep, ep.PoolTotalCredits, allocs, head.StatementID)
	if err != nil {
		return SignRequest{}, err
	}
	if req.AllocationSetHash == head.AllocationSetHash {
		return SignRequest{}, contracts.Errorf(contracts.ErrInvalidArgument, "correction leaves allocation set %s unchanged", head.AllocationSetHash)
	}
	return req, nil
}

// RunCorrection appends a signed statement superseding the current head. Final
// units pinned at finalization are not rewritten; the correction carries its
// own hash and payouts.
func (o *Orchestrator) RunCorrection(ctx context.Context, epochID string, corrected []contracts.Allocation, signature string) (stmt contracts.PayoutStatement, err error) {
	ctx, done := o.obs.TrackOperation(ctx, "correction", attribute.String("epoch_id", epochID))
	defer func() { done(err) }()

	req, err := o.PrepareCorrection(ctx, epochID, corrected)
	if err != nil {
		return contracts.PayoutStatement{}, err
	}
	signer, err := crypto.VerifySignature(req.Message, signature, req.Approvers)
	if err != nil {
		o.logger.WarnContext(ctx, "correction signature rejected", "epoch_id", req.EpochID, "signer", signer, "error", err)
		return contracts.PayoutStatement{}, err
	}
	stmt, err = o.store.Epochs.InsertCorrection(ctx, contracts.PayoutStatement{
		StatementID:       uuid.NewString(),
		EpochID:           req.EpochID,
		NodeID:            req.NodeID,
		ScopeID:           req.ScopeID,
		AllocationSetHash: req.AllocationSetHash,
		PoolTotalCredits:  req.PoolTotal,
		Payouts:           req.Payouts,
		Signature:         signature,
		SignerAddress:     signer,
		SupersedesID:      req.SupersedesID,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		return contracts.PayoutStatement{}, err
	}
	o.logger.InfoContext(ctx, "correction recorded",
		"epoch_id", stmt.EpochID, "statement_id", stmt.StatementID, "supersedes", stmt.SupersedesID, "signer", signer)
	o.obs.RecordStatement(ctx, "correction")
	o.publish(ctx, stmt)
	return stmt, nil
}

// Statement returns the effective statement of an epoch.
func (o *Orchestrator) Statement(ctx context.Context, epochID string) (contracts.PayoutStatement, error) {
	return o.store.Epochs.GetStatement(ctx, epochID)
}

// publish archives a statement. Failures are logged; the database remains the
// record of truth and `verify` can republish later.
func (o *Orchestrator) publish(ctx context.Context, st contracts.PayoutStatement) {
	if o.archive == nil {
		return
	}
	receipt, err := o.archive.Publish(ctx, st)
	if err != nil {
		o.obs.RecordStepError(ctx, "archive", err)
		o.logger.WarnContext(ctx, "statement archive failed", "epoch_id", st.EpochID, "statement_id", st.StatementID, "error", err)
		return
	}
	o.logger.InfoContext(ctx, "statement archived", "statement_id", st.StatementID, "location", receipt.Location, "digest", receipt.Digest)
}

// StatementCheck is the verification outcome of one statement in a chain.
type StatementCheck struct {
	StatementID  string   `json:"statement_id"`
	SupersedesID string   `json:"supersedes_id,omitempty"`
	Signer       string   `json:"signer,omitempty"`
	Valid        bool     `json:"valid"`
	Problems     []string `json:"problems,omitempty"`
}

// Verification reports whether an epoch's statements still match what was signed.
type Verification struct {
	EpochID    string           `json:"epoch_id"`
	Valid      bool             `json:"valid"`
	Statements []StatementCheck `json:"statements"`
}

// VerifyStatement re-derives every statement of a finalized epoch. For the
// original it recomputes the allocation hash and payouts from stored
// allocations; for every statement it recovers the signer from the canonical
// message and checks payouts sum to the pool.
func (o *Orchestrator) VerifyStatement(ctx context.Context, epochID string) (Verification, error) {
	ep, err := o.registry.Get(ctx, epochID)
	if err != nil {
		return Verification{}, err
	}
	chain, err := o.store.Epochs.ListStatements(ctx, ep.EpochID)
	if err != nil {
		return Verification{}, err
	}
	if len(chain) == 0 {
		return Verification{}, contracts.Errorf(contracts.ErrStatementNotFound, "epoch %s has no statement", ep.EpochID)
	}

	approvers := o.ApproversFor(ep)
	v := Verification{EpochID: ep.EpochID, Valid: true}
	for _, st := range chain {
		check := StatementCheck{StatementID: st.StatementID, SupersedesID: st.SupersedesID}
		problem := func(format string, args ...any) {
			check.Problems = append(check.Problems, fmt.Sprintf(format, args...))
		}

		msg := crypto.BuildCanonicalMessage(crypto.StatementFields{
			NodeID:            st.NodeID,
			ScopeID:           st.ScopeID,
			EpochID:           st.EpochID,
			AllocationSetHash: st.AllocationSetHash,
			PoolTotalCredits:  st.PoolTotalCredits.String(),
		})
		signer, err := crypto.VerifySignature(msg, st.Signature, approvers)
		check.Signer = signer
		switch {
		case err != nil:
			problem("signature: %v", err)
		case !crypto.SameAddress(signer, st.SignerAddress):
			problem("signature recovers %s, statement names %s", signer, st.SignerAddress)
		}

		if sum := payout.Sum(st.Payouts); len(st.Payouts) > 0 && sum.Cmp(st.PoolTotalCredits.Big()) != 0 && !zeroUnits(st.Payouts) {
			problem("payouts sum to %s, pool is %s", sum, st.PoolTotalCredits)
		}
		if !st.PoolTotalCredits.Equal(ep.PoolTotalCredits) {
			problem("pool %s differs from epoch pool %s", st.PoolTotalCredits, ep.PoolTotalCredits)
		}
		if st.SupersedesID == "" {
			o.verifyOriginal(ctx, st, problem)
		}

		check.Valid = len(check.Problems) == 0
		v.Valid = v.Valid && check.Valid
		v.Statements = append(v.Statements, check)
	}
	if !v.Valid {
		o.logger.WarnContext(ctx, "statement verification failed", "epoch_id", ep.EpochID)
	}
	return v, nil
}

// zeroUnits reports whether payouts are what Compute yields for an allocation
// set with no units: nothing paid and no share. With positive units the whole
// pool is always distributed.
func zeroUnits(payouts []contracts.Payout) bool {
	zeroShare := payout.Share(nil, nil)
	for _, p := range payouts {
		if p.AmountCredits.Big().Sign() != 0 || p.Share != zeroShare {
			return false
		}
	}
	return true
}

func (o *Orchestrator) verifyOriginal(ctx context.Context, st contracts.PayoutStatement, problem func(string, ...any)) {
	allocs, err := o.store.Epochs.ListAllocations(ctx, st.EpochID)
	if err != nil {
		problem("load allocations: %v", err)
		return
	}
	hash, err := payout.AllocationSetHash(allocs)
	if err != nil {
		problem("allocation set hash: %v", err)
		return
	}
	if hash != st.AllocationSetHash {
		problem("allocation hash %s does not match signed %s", hash, st.AllocationSetHash)
		return
	}
	res, err := payout.Compute(allocs, st.PoolTotalCredits)
	if err != nil {
		problem("recompute payouts: %v", err)
		return
	}
	if len(res.Payouts) != len(st.Payouts) {
		problem("recomputed %d payouts, statement has %d", len(res.Payouts), len(st.Payouts))
		return
	}
	for i, p := range res.Payouts {
		if p.UserID != st.Payouts[i].UserID || !p.AmountCredits.Equal(st.Payouts[i].AmountCredits) {
			problem("payout for %s recomputes to %s", st.Payouts[i].UserID, p.AmountCredits)
		}
	}
}

// Republish pushes every statement of an epoch to the archive again. Archives
// never overwrite, so already published statements are left as they are.
func (o *Orchestrator) Republish(ctx context.Context, epochID string) (int, error) {
	if o.archive == nil {
		return 0, nil
	}
	chain, err := o.store.Epochs.ListStatements(ctx, canonicalize.Identifier(epochID))
	if err != nil {
		return 0, err
	}
	for _, st := range chain {
		if _, err := o.archive.Publish(ctx, st); err != nil {
			return 0, fmt.Errorf("publish %s: %w", st.StatementID, err)
		}
	}
	return len(chain), nil
}
