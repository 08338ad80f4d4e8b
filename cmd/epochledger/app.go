package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/epochledger/pkg/archive"
	"github.com/Mindburn-Labs/epochledger/pkg/config"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
	"github.com/Mindburn-Labs/epochledger/pkg/curation"
	"github.com/Mindburn-Labs/epochledger/pkg/epoch"
	"github.com/Mindburn-Labs/epochledger/pkg/observability"
	"github.com/Mindburn-Labs/epochledger/pkg/orchestrator"
	"github.com/Mindburn-Labs/epochledger/pkg/store"
)

// app is the wired ledger shared by serve and the one-shot commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *epoch.Registry
	closer   *epoch.AutoCloser
	orch     *orchestrator.Orchestrator
	obs      *observability.Provider
	weights  *contracts.WeightConfig
}

// configFlag registers --config, defaulting to $EPOCHLEDGER_CONFIG.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", os.Getenv("EPOCHLEDGER_CONFIG"), "Path to a .yaml or .toml config file")
}

//nolint:gocognit
func bootstrap(ctx context.Context, cfgPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(logOut, cfg.LogLevel)
	slog.SetDefault(logger)

	storeCfg := cfg.StoreConfig()
	if cfg.LiteMode() {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		logger.InfoContext(ctx, "lite mode: using sqlite", "path", cfg.SQLitePath)
	}
	st, err := store.Open(ctx, storeCfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st}
	ok := false
	defer func() {
		if !ok {
			a.Close(ctx)
		}
	}()

	for _, sc := range cfg.Scopes {
		if err := st.Scopes.Register(ctx, sc.Node, sc.Scope); err != nil {
			return nil, err
		}
	}

	if cfg.Ledger.WeightsFile != "" {
		w, err := config.LoadWeights(cfg.Ledger.WeightsFile)
		if err != nil {
			return nil, err
		}
		a.weights = &w
	}

	var resolver curation.IdentityResolver
	if cfg.Ledger.IdentitiesFile != "" {
		r, err := curation.LoadStaticResolver(cfg.Ledger.IdentitiesFile)
		if err != nil {
			return nil, err
		}
		resolver = r
	}
	var policy *curation.Policy
	if cfg.Ledger.PolicyFile != "" {
		if policy, err = curation.LoadPolicy(cfg.Ledger.PolicyFile); err != nil {
			return nil, err
		}
	}

	obsCfg := cfg.Observability
	obsCfg.ServiceVersion = version
	if a.obs, err = observability.New(ctx, &obsCfg); err != nil {
		return nil, err
	}

	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	srcs, err := cfg.BuildSources(ctx)
	if err != nil {
		return nil, err
	}

	unresolved, err := epoch.ParseUnresolvedPolicy(cfg.Ledger.UnresolvedPolicy)
	if err != nil {
		return nil, err
	}
	a.registry = epoch.NewRegistry(st.Epochs, logger)
	a.closer = epoch.NewAutoCloser(a.registry, st.Curation, cfg.Ledger.AutoCloseGrace, unresolved, logger)
	a.orch, err = orchestrator.New(orchestrator.Options{
		Store:         st,
		Registry:      a.registry,
		Approvers:     orchestrator.StaticApprovers(cfg.ApproverTable()),
		Closer:        a.closer,
		Curator:       curation.NewCurator(st.Curation, resolver, policy, logger),
		Sources:       srcs,
		Archive:       arch,
		Observability: a.obs,
		Retry:         cfg.Ledger.Retry.Policy(),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// Close flushes telemetry and closes the database.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.obs != nil {
		errs = append(errs, a.obs.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.WarnContext(ctx, "shutdown incomplete", "error", err)
	}
}
