package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/epochledger/pkg/api"
	"github.com/Mindburn-Labs/epochledger/pkg/auth"
	"github.com/Mindburn-Labs/epochledger/pkg/server"
)

// runServe starts the HTTP API and the auto-closer and blocks until SIGINT or SIGTERM.
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfgPath := configFlag(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintf(stdout, "%sEpoch Ledger starting...%s\n", ColorBold+ColorBlue, ColorReset)
	a, err := bootstrap(ctx, *cfgPath, stdout)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close(context.Background())

	if err := serve(ctx, a); err != nil {
		a.logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

//nolint:gocognit
func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := a.logger

	var rdb *redis.Client
	if cfg.HTTP.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.HTTP.RedisAddr})
		defer func() { _ = rdb.Close() }()
	}

	g, ctx := errgroup.WithContext(ctx)

	var idem api.IdempotencyStorer
	switch cfg.HTTP.IdempotencyBackend {
	case "redis":
		idem = api.NewRedisIdempotencyStore(rdb, cfg.HTTP.IdempotencyTTL, "")
	case "sql":
		sqlIdem := api.NewSQLIdempotencyStore(a.store.DB, cfg.HTTP.IdempotencyTTL)
		idem = sqlIdem
		g.Go(func() error {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if n, err := sqlIdem.Cleanup(ctx); err != nil {
						logger.WarnContext(ctx, "idempotency cleanup failed", "error", err)
					} else if n > 0 {
						logger.DebugContext(ctx, "idempotency keys expired", "count", n)
					}
				}
			}
		})
	default:
		mem := api.NewIdempotencyStore(cfg.HTTP.IdempotencyTTL)
		defer mem.Close()
		idem = mem
	}

	var limiter api.LimiterStore
	if rdb != nil {
		limiter = api.NewRedisLimiterStore(rdb)
	} else {
		mem := api.NewMemoryLimiterStore()
		g.Go(func() error {
			mem.RunSweeper(ctx, 10*time.Minute)
			return nil
		})
		limiter = mem
	}

	validator := auth.NewJWTValidator([]byte(cfg.HTTP.JWTSecret), cfg.HTTP.JWTIssuer)
	if validator == nil {
		logger.WarnContext(ctx, "EPOCHLEDGER_JWT_SECRET not set: only public endpoints are reachable")
	}

	srv := server.New(server.Options{
		Store:          a.store,
		Registry:       a.registry,
		Orchestrator:   a.orch,
		DefaultWeights: a.weights,
		Validator:      validator,
		Idempotency:    idem,
		Limiter:        limiter,
		LimitPolicy:    cfg.HTTP.RateLimit,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		Observability:  a.obs,
		Logger:         logger,
		Version:        version,
	})
	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		logger.InfoContext(ctx, "http server listening", "addr", httpServer.Addr, "lite_mode", cfg.LiteMode())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := a.closer.Run(ctx, cfg.Ledger.AutoCloseInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
