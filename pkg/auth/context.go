package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// ErrNoPrincipal is returned when a request reached a handler unauthenticated.
var ErrNoPrincipal = errors.New("no principal in context")

type ctxKey int

const (
	principalCtxKey ctxKey = iota
	requestIDCtxKey
)

const (
	headerRequestID = "X-Request-ID"
	maxRequestIDLen = 128
	anonymousActor  = "anonymous"
)

// WithPrincipal attaches the authenticated caller to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p)
}

// GetPrincipal returns the caller attached by the auth middleware.
func GetPrincipal(ctx context.Context) (Principal, error) {
	if p, ok := ctx.Value(principalCtxKey).(Principal); ok && p != nil {
		return p, nil
	}
	return nil, ErrNoPrincipal
}

// ActorID names the caller in audit columns such as curation.updated_by.
func ActorID(ctx context.Context) string {
	if p, err := GetPrincipal(ctx); err == nil {
		return p.GetID()
	}
	return anonymousActor
}

// RequestIDMiddleware tags every request with an X-Request-ID, echoing a
// well-formed client value and minting a UUID otherwise.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDCtxKey, id)))
	})
}

// GetRequestID returns the request id, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}

// validRequestID accepts short printable ASCII ids so they are safe to log.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
