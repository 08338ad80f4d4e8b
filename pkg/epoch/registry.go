// Package epoch owns the epoch lifecycle: open -> review -> finalized.
package epoch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/epochledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
	"github.com/Mindburn-Labs/epochledger/pkg/store"
)

// Repository is the persistence the registry needs. *store.EpochStore satisfies it.
type Repository interface {
	Insert(ctx context.Context, ep contracts.Epoch) error
	Get(ctx context.Context, epochID string) (contracts.Epoch, error)
	List(ctx context.Context, nodeID, scopeID string) ([]contracts.Epoch, error)
	ListByStatus(ctx context.Context, status contracts.EpochStatus) ([]contracts.Epoch, error)
	CloseIngestion(ctx context.Context, epochID string) (contracts.Epoch, bool, error)
	Finalize(ctx context.Context, rec store.FinalizeRecord) (contracts.PayoutStatement, bool, error)
}

// TransitionFunc observes a status change made by this process.
type TransitionFunc func(ep contracts.Epoch, from, to contracts.EpochStatus)

// Registry enforces the epoch state machine on top of a Repository.
type Registry struct {
	repo         Repository
	logger       *slog.Logger
	now          func() time.Time
	onTransition TransitionFunc
}

func NewRegistry(repo Repository, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:   repo,
		logger: logger.With("component", "epoch-registry"),
		now:    time.Now,
	}
}

// OnTransition registers a hook called after every transition this registry performs.
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.onTransition = fn
}

// OpenRequest describes a new collection window.
type OpenRequest struct {
	NodeID      string
	ScopeID     string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Weights     contracts.WeightConfig
}

// OpenEpoch creates an open epoch with a frozen copy of the weight config.
func (r *Registry) OpenEpoch(ctx context.Context, req OpenRequest) (contracts.Epoch, error) {
	nodeID := canonicalize.Identifier(req.NodeID)
	scopeID := canonicalize.Identifier(req.ScopeID)
	if nodeID == "" || scopeID == "" {
		return contracts.Epoch{}, contracts.Errorf(contracts.ErrScopeInvalid, "node and scope are required")
	}
	if !req.PeriodStart.Before(req.PeriodEnd) {
		return contracts.Epoch{}, contracts.Errorf(contracts.ErrInvalidArgument, "period start %s must precede end %s",
			req.PeriodStart.Format(time.RFC3339), req.PeriodEnd.Format(time.RFC3339))
	}
	weights := req.Weights.Normalized()
	if err := weights.Validate(); err != nil {
		return contracts.Epoch{}, err
	}

	ep := contracts.Epoch{
		EpochID:      uuid.NewString(),
		NodeID:       nodeID,
		ScopeID:      scopeID,
		PeriodStart:  req.PeriodStart.UTC().Truncate(time.Millisecond),
		PeriodEnd:    req.PeriodEnd.UTC().Truncate(time.Millisecond),
		Status:       contracts.EpochOpen,
		WeightConfig: weights,
		CreatedAt:    r.now().UTC(),
	}
	if err := r.repo.Insert(ctx, ep); err != nil {
		return contracts.Epoch{}, err
	}
	r.logger.InfoContext(ctx, "epoch opened",
		"epoch_id", ep.EpochID, "node_id", nodeID, "scope_id", scopeID,
		"period_start", ep.PeriodStart, "period_end", ep.PeriodEnd, "weights_version", weights.Version)
	return r.repo.Get(ctx, ep.EpochID)
}

// CloseIngestion moves an epoch from open to review. Closing an epoch already in
// review returns it unchanged; a finalized epoch fails with ErrAlreadyFinalized.
func (r *Registry) CloseIngestion(ctx context.Context, epochID string) (contracts.Epoch, error) {
	ep, transitioned, err := r.repo.CloseIngestion(ctx, epochID)
	if err != nil {
		return contracts.Epoch{}, err
	}
	if ep.Status == contracts.EpochFinalized {
		return ep, contracts.Errorf(contracts.ErrAlreadyFinalized, "epoch %s is finalized", ep.EpochID)
	}
	if transitioned {
		r.logger.InfoContext(ctx, "epoch ingestion closed", "epoch_id", ep.EpochID)
		r.notify(ep, contracts.EpochOpen, contracts.EpochReview)
	}
	return ep, nil
}

// FinalizeInput carries the computed, verified statement contents.
type FinalizeInput struct {
	EpochID           string
	PoolTotal         contracts.BigInt
	Allocations       []contracts.Allocation
	AllocationSetHash string
	Payouts           []contracts.Payout
	Signature         string
	SignerAddress     string
}

// Finalize moves an epoch from review to finalized together with its statement.
// It is idempotent for identical pool total, hash and signature: the stored
// statement comes back with created=false.
func (r *Registry) Finalize(ctx context.Context, in FinalizeInput) (stmt contracts.PayoutStatement, created bool, err error) {
	ep, err := r.repo.Get(ctx, in.EpochID)
	if err != nil {
		return contracts.PayoutStatement{}, false, err
	}
	if ep.Status == contracts.EpochOpen {
		return contracts.PayoutStatement{}, false, contracts.Errorf(contracts.ErrEpochNotInReview, "epoch %s is still open", ep.EpochID)
	}

	st := contracts.PayoutStatement{
		StatementID:       uuid.NewString(),
		EpochID:           ep.EpochID,
		NodeID:            ep.NodeID,
		ScopeID:           ep.ScopeID,
		AllocationSetHash: in.AllocationSetHash,
		PoolTotalCredits:  in.PoolTotal,
		Payouts:           in.Payouts,
		Signature:         in.Signature,
		SignerAddress:     in.SignerAddress,
		CreatedAt:         r.now().UTC(),
	}
	stmt, created, err = r.repo.Finalize(ctx, store.FinalizeRecord{
		EpochID:     ep.EpochID,
		PoolTotal:   in.PoolTotal,
		Allocations: in.Allocations,
		Statement:   st,
	})
	if err != nil {
		return contracts.PayoutStatement{}, false, err
	}
	if created {
		r.logger.InfoContext(ctx, "epoch finalized",
			"epoch_id", ep.EpochID, "statement_id", stmt.StatementID,
			"pool_total", in.PoolTotal.String(), "signer", in.SignerAddress, "payouts", len(in.Payouts))
		r.notify(ep, contracts.EpochReview, contracts.EpochFinalized)
	} else {
		r.logger.InfoContext(ctx, "epoch already finalized with identical inputs", "epoch_id", ep.EpochID)
	}
	return stmt, created, nil
}

func (r *Registry) Get(ctx context.Context, epochID string) (contracts.Epoch, error) {
	return r.repo.Get(ctx, epochID)
}

// List returns a scope's epochs; nodeID may be empty.
func (r *Registry) List(ctx context.Context, nodeID, scopeID string) ([]contracts.Epoch, error) {
	return r.repo.List(ctx, nodeID, scopeID)
}

// ListOpen returns every epoch still accepting ingestion.
func (r *Registry) ListOpen(ctx context.Context) ([]contracts.Epoch, error) {
	return r.repo.ListByStatus(ctx, contracts.EpochOpen)
}

func (r *Registry) notify(ep contracts.Epoch, from, to contracts.EpochStatus) {
	if r.onTransition != nil {
		r.onTransition(ep, from, to)
	}
}
