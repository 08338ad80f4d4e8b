package epoch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// UnresolvedPolicy decides what the auto-closer does with epochs whose included
// events still lack a resolved identity.
type UnresolvedPolicy string

const (
	// UnresolvedExclude closes anyway; unresolved events simply earn nothing.
	UnresolvedExclude UnresolvedPolicy = "exclude"
	// UnresolvedBlock leaves the epoch open until every included event is resolved
	// or a curator excludes it. Manual close is still accepted.
	UnresolvedBlock UnresolvedPolicy = "block"
)

// ParseUnresolvedPolicy accepts "exclude", "block" or "" (exclude).
func ParseUnresolvedPolicy(s string) (UnresolvedPolicy, error) {
	switch UnresolvedPolicy(s) {
	case "", UnresolvedExclude:
		return UnresolvedExclude, nil
	case UnresolvedBlock:
		return UnresolvedBlock, nil
	}
	return "", fmt.Errorf("unknown unresolved policy %q", s)
}

// UnresolvedCounter reports included events without an identity.
type UnresolvedCounter interface {
	CountUnresolvedIncluded(ctx context.Context, epochID string) (int, error)
}

// AutoCloser closes open epochs whose window plus grace period has elapsed.
// It is advisory: failures are logged and retried on the next scan.
type AutoCloser struct {
	registry *Registry
	counter  UnresolvedCounter
	grace    time.Duration
	policy   UnresolvedPolicy
	logger   *slog.Logger
	now      func() time.Time
}

func NewAutoCloser(registry *Registry, counter UnresolvedCounter, grace time.Duration, policy UnresolvedPolicy, logger *slog.Logger) *AutoCloser {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoCloser{
		registry: registry,
		counter:  counter,
		grace:    grace,
		policy:   policy,
		logger:   logger.With("component", "auto-closer"),
		now:      time.Now,
	}
}

// ScanResult lists what one scan did.
type ScanResult struct {
	Closed  []string
	Blocked []string
}

// Scan closes every due epoch once.
func (a *AutoCloser) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	open, err := a.registry.ListOpen(ctx)
	if err != nil {
		return res, fmt.Errorf("list open epochs: %w", err)
	}
	for _, ep := range open {
		closed, blocked, err := a.CloseIfDue(ctx, ep)
		switch {
		case err != nil:
			a.logger.WarnContext(ctx, "auto-close failed", "epoch_id", ep.EpochID, "error", err)
		case blocked:
			res.Blocked = append(res.Blocked, ep.EpochID)
		case closed:
			res.Closed = append(res.Closed, ep.EpochID)
		}
	}
	return res, nil
}

// CloseIfDue closes ep when its ingestion deadline has passed and the
// unresolved policy allows it.
func (a *AutoCloser) CloseIfDue(ctx context.Context, ep contracts.Epoch) (closed, blocked bool, err error) {
	if ep.Status != contracts.EpochOpen || !a.now().After(ep.IngestionDeadline(a.grace)) {
		return false, false, nil
	}
	if a.policy == UnresolvedBlock && a.counter != nil {
		n, err := a.counter.CountUnresolvedIncluded(ctx, ep.EpochID)
		if err != nil {
			return false, false, fmt.Errorf("count unresolved: %w", err)
		}
		if n > 0 {
			a.logger.InfoContext(ctx, "auto-close blocked by unresolved identities", "epoch_id", ep.EpochID, "unresolved", n)
			return false, true, nil
		}
	}
	if _, err := a.registry.CloseIngestion(ctx, ep.EpochID); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// Run scans every interval until ctx is cancelled.
func (a *AutoCloser) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.Scan(ctx); err != nil {
			a.logger.ErrorContext(ctx, "auto-close scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
