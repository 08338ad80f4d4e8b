// Package orchestrator drives an epoch from raw activity to a signed, archived
// payout statement.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/epochledger/pkg/allocation"
	"github.com/Mindburn-Labs/epochledger/pkg/archive"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
	"github.com/Mindburn-Labs/epochledger/pkg/curation"
	"github.com/Mindburn-Labs/epochledger/pkg/epoch"
	"github.com/Mindburn-Labs/epochledger/pkg/observability"
	"github.com/Mindburn-Labs/epochledger/pkg/retry"
	"github.com/Mindburn-Labs/epochledger/pkg/sources"
	"github.com/Mindburn-Labs/epochledger/pkg/store"
)

// Options wires an Orchestrator. Store, Registry and Approvers are required.
type Options struct {
	Store     *store.Store
	Registry  *epoch.Registry
	Approvers ApproverRegistry

	// Closer decides whether a cycle may close ingestion. Nil never closes.
	Closer        *epoch.AutoCloser
	Curator       *curation.Curator
	Sources       []sources.Source
	Archive       archive.Archive
	Observability *observability.Provider
	Retry         retry.Policy
	Logger        *slog.Logger
}

// Orchestrator is the ledger's workflow entry point.
type Orchestrator struct {
	store     *store.Store
	registry  *epoch.Registry
	approvers ApproverRegistry
	closer    *epoch.AutoCloser
	curator   *curation.Curator
	sources   []sources.Source
	archive   archive.Archive
	obs       *observability.Provider
	retry     retry.Policy
	logger    *slog.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Registry == nil || opts.Approvers == nil {
		return nil, errors.New("orchestrator: store, registry and approvers are required")
	}
	o := &Orchestrator{
		store:     opts.Store,
		registry:  opts.Registry,
		approvers: opts.Approvers,
		closer:    opts.Closer,
		curator:   opts.Curator,
		sources:   opts.Sources,
		archive:   opts.Archive,
		obs:       opts.Observability,
		retry:     opts.Retry,
		logger:    opts.Logger,
	}
	if o.obs == nil {
		o.obs = observability.Disabled()
	}
	if o.retry.MaxAttempts == 0 {
		o.retry = retry.DefaultPolicy
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	o.registry.OnTransition(func(ep contracts.Epoch, from, to contracts.EpochStatus) {
		o.obs.RecordTransition(context.Background(), ep.ScopeID, from, to)
	})
	return o, nil
}

// step runs fn under retry and records failures.
func (o *Orchestrator) step(ctx context.Context, name, epochID string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, o.retry, retry.Params{Step: name, EpochID: epochID}, fn)
	if err != nil {
		o.obs.RecordStepError(ctx, name, err)
		o.logger.WarnContext(ctx, "step failed", "step", name, "epoch_id", epochID, "error", err)
	}
	return err
}

// CycleReport summarises one collection cycle.
type CycleReport struct {
	EpochID     string                 `json:"epoch_id"`
	Status      contracts.EpochStatus  `json:"status"`
	Fetched     map[string]int         `json:"fetched"`
	Ingested    contracts.IngestResult `json:"ingested"`
	Curation    curation.Report        `json:"curation"`
	Allocations int                    `json:"allocations"`
	Unresolved  int                    `json:"unresolved"`
	UnknownKeys []contracts.WeightKey  `json:"unknown_keys,omitempty"`
	Floored     []string               `json:"floored,omitempty"`
	Closed      bool                   `json:"closed"`
	Blocked     bool                   `json:"blocked"`
}

// RunCollectionCycle fetches and ingests activity while the epoch is open, runs
// curation, recomputes proposed allocations, and closes ingestion once the
// window plus grace has elapsed. In review it only re-curates and recomputes.
func (o *Orchestrator) RunCollectionCycle(ctx context.Context, epochID string) (rep CycleReport, err error) {
	ctx, done := o.obs.TrackOperation(ctx, "collection_cycle", attribute.String("epoch_id", epochID))
	defer func() { done(err) }()

	ep, err := o.registry.Get(ctx, epochID)
	if err != nil {
		return rep, err
	}
	rep.EpochID, rep.Status = ep.EpochID, ep.Status
	if ep.Status == contracts.EpochFinalized {
		return rep, contracts.Errorf(contracts.ErrAlreadyFinalized, "epoch %s is finalized", ep.EpochID)
	}

	if ep.Status == contracts.EpochOpen && len(o.sources) > 0 {
		events, fetched, err := o.fetchAll(ctx, ep)
		rep.Fetched = fetched
		if err != nil {
			return rep, err
		}
		if err := o.step(ctx, "ingest", ep.EpochID, func(ctx context.Context) error {
			// A retry re-reports already committed chunks as skipped.
			res, err := o.store.Events.Ingest(ctx, events)
			rep.Ingested = res
			return err
		}); err != nil {
			return rep, err
		}
		o.obs.RecordIngest(ctx, "all", rep.Ingested)
	}

	if o.curator != nil {
		if err := o.step(ctx, "curate", ep.EpochID, func(ctx context.Context) error {
			r, err := o.curator.Run(ctx, ep.EpochID)
			rep.Curation = r
			return err
		}); err != nil {
			return rep, err
		}
	}

	var result allocation.Result
	if err := o.step(ctx, "allocate", ep.EpochID, func(ctx context.Context) error {
		curated, err := o.store.Curation.GetCuratedForEpoch(ctx, ep.EpochID)
		if err != nil {
			return err
		}
		result = allocation.ComputeProposed(ep.EpochID, curated, ep.WeightConfig)
		return o.store.Epochs.ReplaceProposedAllocations(ctx, ep.EpochID, result.Allocations)
	}); err != nil {
		return rep, err
	}
	rep.Allocations = len(result.Allocations)
	rep.Unresolved = result.Unresolved
	rep.UnknownKeys = result.UnknownKeys
	rep.Floored = result.Floored
	if len(result.UnknownKeys) > 0 {
		o.logger.WarnContext(ctx, "events with unconfigured weight keys weigh zero",
			"epoch_id", ep.EpochID, "keys", result.UnknownKeys, "weights_version", ep.WeightConfig.Version)
	}
	if len(result.Floored) > 0 {
		o.logger.WarnContext(ctx, "negative unit totals floored at zero", "epoch_id", ep.EpochID, "users", result.Floored)
	}

	if ep.Status == contracts.EpochOpen && o.closer != nil {
		closed, blocked, err := o.closer.CloseIfDue(ctx, ep)
		if err != nil {
			return rep, err
		}
		rep.Closed, rep.Blocked = closed, blocked
		if closed {
			rep.Status = contracts.EpochReview
		}
	}

	o.logger.InfoContext(ctx, "collection cycle complete",
		"epoch_id", ep.EpochID, "inserted", rep.Ingested.Inserted, "skipped", rep.Ingested.Skipped,
		"allocations", rep.Allocations, "unresolved", rep.Unresolved, "closed", rep.Closed)
	return rep, nil
}

// fetchAll queries every source concurrently. One failing source fails the
// cycle before anything is ingested.
func (o *Orchestrator) fetchAll(ctx context.Context, ep contracts.Epoch) ([]contracts.ActivityEvent, map[string]int, error) {
	w := sources.WindowFor(ep)
	results := make([][]contracts.ActivityEvent, len(o.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range o.sources {
		g.Go(func() error {
			return o.step(gctx, "fetch:"+src.Name(), ep.EpochID, func(ctx context.Context) error {
				events, err := src.Fetch(ctx, w)
				if err != nil {
					return fmt.Errorf("source %s: %w", src.Name(), err)
				}
				results[i] = events
				return nil
			})
		})
	}
	err := g.Wait()

	fetched := make(map[string]int, len(o.sources))
	var all []contracts.ActivityEvent
	for i, src := range o.sources {
		fetched[src.Name()] += len(results[i])
		all = append(all, results[i]...)
	}
	return all, fetched, err
}

// RecordPoolComponent adds an immutable component to the epoch's credit pool.
func (o *Orchestrator) RecordPoolComponent(ctx context.Context, epochID, componentID string, amount contracts.BigInt) error {
	err := o.store.Epochs.InsertPoolComponent(ctx, contracts.PoolComponent{
		EpochID:       epochID,
		ComponentID:   componentID,
		AmountCredits: amount,
	})
	if err == nil {
		o.logger.InfoContext(ctx, "pool component recorded", "epoch_id", epochID, "component_id", componentID, "amount", amount.String())
	}
	return err
}

// ApproversFor returns the approver set of the epoch's scope.
func (o *Orchestrator) ApproversFor(ep contracts.Epoch) []string {
	return o.approvers.Approvers(ep.NodeID, ep.ScopeID)
}

// pool sums the epoch's pool components, requiring a base issuance.
func (o *Orchestrator) pool(ctx context.Context, epochID string) (contracts.BigInt, error) {
	comps, err := o.store.Epochs.ListPoolComponents(ctx, epochID)
	if err != nil {
		return contracts.BigInt{}, err
	}
	total := contracts.NewBigInt(0)
	hasBase := false
	for _, c := range comps {
		if c.ComponentID == contracts.ComponentBaseIssuance {
			hasBase = true
		}
		total.Add(total.Int, c.AmountCredits.Big())
	}
	if !hasBase {
		return contracts.BigInt{}, contracts.Errorf(contracts.ErrPoolRequiresBase, "epoch %s has no %s component", epochID, contracts.ComponentBaseIssuance)
	}
	return total, nil
}
