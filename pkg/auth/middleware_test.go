package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/epochledger/pkg/api"
	"github.com/Mindburn-Labs/epochledger/pkg/auth"
)

var secret = []byte("test-secret-0123456789abcdef")

func okHandler(capture *auth.Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			p, err := auth.GetPrincipal(r.Context())
			if err == nil {
				*capture = p
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_ValidJWT(t *testing.T) {
	v := auth.NewJWTValidator(secret, "epochledger")
	token, err := v.Issue("ops-1", []string{auth.RoleApprover}, "0xAbC", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var p auth.Principal
	handler := auth.NewMiddleware(v)(okHandler(&p))
	req := httptest.NewRequest(http.MethodGet, "/epochs/core", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if p == nil || p.GetID() != "ops-1" {
		t.Fatalf("expected principal ops-1, got %+v", p)
	}
	if !p.HasRole(auth.RoleApprover) || p.HasRole(auth.RoleCurator) {
		t.Errorf("unexpected roles %v", p.GetRoles())
	}
	if p.GetAddress() != "0xAbC" {
		t.Errorf("expected address claim, got %q", p.GetAddress())
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	v := auth.NewJWTValidator(secret, "epochledger")
	expired, _ := v.Issue("ops-1", nil, "", -time.Minute)
	otherIssuer, _ := auth.NewJWTValidator(secret, "someone-else").Issue("ops-1", nil, "", time.Hour)
	wrongKey, _ := auth.NewJWTValidator([]byte("another-secret"), "epochledger").Issue("ops-1", nil, "", time.Hour)
	noSubject, _ := v.Issue("", nil, "", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"missing":      "",
		"scheme":       "Basic abc",
		"expired":      "Bearer " + expired,
		"issuer":       "Bearer " + otherIssuer,
		"wrong key":    "Bearer " + wrongKey,
		"no subject":   "Bearer " + noSubject,
		"alg none":     "Bearer " + none,
		"empty bearer": "Bearer ",
	}
	handler := auth.NewMiddleware(v)(okHandler(nil))
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/epochs/core", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("expected problem+json, got %q", ct)
			}
		})
	}
}

func TestMiddleware_FailClosedWithoutValidator(t *testing.T) {
	if auth.NewJWTValidator(nil, "") != nil {
		t.Fatal("expected nil validator for empty secret")
	}
	handler := auth.NewMiddleware(nil)(okHandler(nil))

	req := httptest.NewRequest(http.MethodPost, "/epochs", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("public path should pass, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	handler := auth.RequireRole(auth.RoleCurator, okHandler(nil))

	serve := func(p auth.Principal) int {
		req := httptest.NewRequest(http.MethodPost, "/curation/ev-1", nil)
		if p != nil {
			req = req.WithContext(auth.WithPrincipal(req.Context(), p))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := serve(nil); code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", code)
	}
	if code := serve(&auth.BasePrincipal{ID: "v", Roles: []string{auth.RoleViewer}}); code != http.StatusForbidden {
		t.Errorf("viewer: expected 403, got %d", code)
	}
	if code := serve(&auth.BasePrincipal{ID: "c", Roles: []string{auth.RoleCurator}}); code != http.StatusOK {
		t.Errorf("curator: expected 200, got %d", code)
	}
	if code := serve(&auth.BasePrincipal{ID: "a", Roles: []string{auth.RoleAdmin}}); code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", code)
	}
}

func TestActorID(t *testing.T) {
	if got := auth.ActorID(context.Background()); got != "anonymous" {
		t.Errorf("expected anonymous, got %q", got)
	}
	if _, err := auth.GetPrincipal(context.Background()); !errors.Is(err, auth.ErrNoPrincipal) {
		t.Errorf("expected ErrNoPrincipal, got %v", err)
	}
	ctx := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "ops-1"})
	if got := auth.ActorID(ctx); got != "ops-1" {
		t.Errorf("expected ops-1, got %q", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "req-42" || w.Header().Get("X-Request-ID") != "req-42" {
		t.Errorf("expected client request id to be reused, got %q", seen)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if seen == "" || seen == "req-42" {
		t.Errorf("expected generated request id, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "bad id\twith spaces")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen == "bad id\twith spaces" {
		t.Errorf("expected unprintable request id to be replaced")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	store := api.NewMemoryLimiterStore()
	handler := auth.RateLimitMiddleware(store, api.LimitPolicy{RPM: 60, Burst: 2})(okHandler(nil))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/epochs/core", nil)
		req.RemoteAddr = "10.0.0.7:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests && w.Header().Get("Retry-After") != "1" {
			t.Errorf("expected Retry-After 1, got %q", w.Header().Get("Retry-After"))
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence %v", codes)
	}

	// Authenticated callers get their own bucket.
	req := httptest.NewRequest(http.MethodGet, "/epochs/core", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.BasePrincipal{ID: "ops-1"}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected principal bucket to allow, got %d", w.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := auth.CORSMiddleware([]string{"https://review.example"})(okHandler(nil))

	req := httptest.NewRequest(http.MethodOptions, "/epochs", nil)
	req.Header.Set("Origin", "https://review.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected preflight 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://review.example" {
		t.Error("expected allowed origin to be echoed")
	}

	req = httptest.NewRequest(http.MethodGet, "/epochs/core", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unexpected CORS header for unknown origin")
	}
}
