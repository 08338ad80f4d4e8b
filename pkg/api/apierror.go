// Package api provides RFC 7807 problem responses and shared HTTP middleware
// for the ledger API.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request ID of this occurrence.
	TraceID string `json:"trace_id,omitempty"`
	// Code is the stable ledger error code, when the problem is a ledger error.
	Code string `json:"code,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int, code string) string {
	if code != "" {
		return "urn:epochledger:error:" + strings.ToLower(code)
	}
	return fmt.Sprintf("urn:epochledger:http:%d", status)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   problemType(status, ""),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status, ""),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// StatusFor maps a ledger error kind to its HTTP status.
func StatusFor(kind contracts.ErrorKind) int {
	switch kind {
	case contracts.KindImmutable, contracts.KindConflict:
		return http.StatusConflict
	case contracts.KindUnauthorized:
		return http.StatusForbidden
	case contracts.KindPrecondition:
		return http.StatusUnprocessableEntity
	case contracts.KindNotFound:
		return http.StatusNotFound
	case contracts.KindInvalid:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// WriteLedgerError renders err as a problem document carrying its stable code.
// Errors that are not ledger errors become a sanitized 500.
func WriteLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	le, ok := contracts.AsLedgerError(err)
	if !ok {
		WriteInternal(w, err)
		return
	}
	status := StatusFor(le.Kind)
	if le.Kind == contracts.KindUnauthorized {
		slog.Warn("authorization failure", "code", le.Code, "path", r.URL.Path, "detail", le.Message)
	}
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status, le.Code),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   le.Message,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		Code:     le.Code,
	})
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
