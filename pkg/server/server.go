// Package server exposes the ledger over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/epochledger/pkg/api"
	"github.com/Mindburn-Labs/epochledger/pkg/auth"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
	"github.com/Mindburn-Labs/epochledger/pkg/epoch"
	"github.com/Mindburn-Labs/epochledger/pkg/observability"
	"github.com/Mindburn-Labs/epochledger/pkg/orchestrator"
	"github.com/Mindburn-Labs/epochledger/pkg/store"
)

// maxBodyBytes bounds request bodies; event batches are the largest.
const maxBodyBytes = 4 << 20

// Options wires a Server.
type Options struct {
	Store        *store.Store
	Registry     *epoch.Registry
	Orchestrator *orchestrator.Orchestrator
	// DefaultWeights is used when an open request carries no weight table.
	DefaultWeights *contracts.WeightConfig

	Validator   *auth.JWTValidator
	Idempotency api.IdempotencyStorer
	Limiter     api.LimiterStore
	LimitPolicy api.LimitPolicy
	CORSOrigins []string

	Observability *observability.Provider
	Logger        *slog.Logger
	Version       string
}

// Server holds the handlers' dependencies.
type Server struct {
	store    *store.Store
	registry *epoch.Registry
	orch     *orchestrator.Orchestrator
	weights  *contracts.WeightConfig
	obs      *observability.Provider
	logger   *slog.Logger
	version  string
	handler  http.Handler
}

// New builds the routed, middleware-wrapped handler.
func New(opts Options) *Server {
	s := &Server{
		store:    opts.Store,
		registry: opts.Registry,
		orch:     opts.Orchestrator,
		weights:  opts.DefaultWeights,
		obs:      opts.Observability,
		logger:   opts.Logger,
		version:  opts.Version,
	}
	if s.obs == nil {
		s.obs = observability.Disabled()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "http")

	mux := http.NewServeMux()
	s.routes(mux)

	// Outermost first: request id, CORS, auth, rate limit, idempotency.
	var h http.Handler = mux
	h = api.IdempotencyMiddleware(opts.Idempotency, func(r *http.Request) string { return auth.ActorID(r.Context()) })(h)
	h = auth.RateLimitMiddleware(opts.Limiter, opts.LimitPolicy)(h)
	h = auth.NewMiddleware(opts.Validator)(h)
	h = auth.CORSMiddleware(opts.CORSOrigins)(h)
	h = s.instrument(h)
	h = auth.RequestIDMiddleware(h)
	s.handler = h
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes(mux *http.ServeMux) {
	viewer := func(h http.HandlerFunc) http.Handler { return auth.RequireRole(auth.RoleViewer, h) }
	approver := func(h http.HandlerFunc) http.Handler { return auth.RequireRole(auth.RoleApprover, h) }
	curator := func(h http.HandlerFunc) http.Handler { return auth.RequireRole(auth.RoleCurator, h) }

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.Handle("GET /epochs/{scope}", viewer(s.handleListEpochs))
	mux.Handle("POST /epochs", approver(s.handleOpenEpoch))
	mux.Handle("POST /epochs/{id}/collect", approver(s.handleCollect))
	mux.Handle("POST /epochs/{id}/close-ingestion", approver(s.handleCloseIngestion))
	mux.Handle("GET /epochs/{id}/allocations", viewer(s.handleAllocations))
	mux.Handle("GET /epochs/{id}/sign-request", approver(s.handleSignRequest))
	mux.Handle("POST /epochs/{id}/pool-components", approver(s.handlePoolComponent))
	mux.Handle("POST /epochs/{id}/finalize", approver(s.handleFinalize))
	mux.Handle("GET /epochs/{id}/statement", viewer(s.handleStatement))
	mux.Handle("GET /epochs/{id}/statements", viewer(s.handleStatements))
	mux.Handle("GET /epochs/{id}/verify", viewer(s.handleVerify))
	mux.Handle("POST /epochs/{id}/corrections/sign-request", approver(s.handleCorrectionSignRequest))
	mux.Handle("POST /epochs/{id}/corrections", approver(s.handleCorrection))

	mux.Handle("POST /events", curator(s.handleIngest))
	mux.Handle("POST /curation/{source}/{eventId}", curator(s.handleCuration))
}

// statusRecorder captures the status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := s.obs.StartSpan(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", rec.status),
		}
		s.obs.RecordRequest(ctx, attrs...)
		s.obs.RecordDuration(ctx, time.Since(start), attrs...)
		if rec.status >= 500 {
			s.obs.RecordError(ctx, errors.New(http.StatusText(rec.status)), attrs...)
		}
		s.logger.DebugContext(ctx, "request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(), "request_id", auth.GetRequestID(r.Context()))
	})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			api.WriteBadRequest(w, "Request body is required")
			return false
		}
		api.WriteBadRequest(w, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.DB.PingContext(ctx); err != nil {
		s.logger.WarnContext(ctx, "health check failed", "error", err)
		api.WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "database unreachable")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
