package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind groups ledger errors by how callers must react to them.
type ErrorKind string

const (
	// KindImmutable is an attempted mutation of frozen data. Never retried.
	KindImmutable ErrorKind = "IMMUTABLE"
	// KindConflict is a state-transition conflict. Re-read state before retrying.
	KindConflict ErrorKind = "CONFLICT"
	// KindUnauthorized is an authorization failure. Logged, never downgraded.
	KindUnauthorized ErrorKind = "UNAUTHORIZED"
	// KindPrecondition is a computation precondition failure, raised before any write.
	KindPrecondition ErrorKind = "PRECONDITION"
	// KindNotFound means the addressed row does not exist.
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindInvalid is malformed input.
	KindInvalid ErrorKind = "INVALID"
)

// LedgerError is the typed error surfaced by every ledger component.
// Code is stable and safe to expose to API clients.
type LedgerError struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *LedgerError) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches on Code so that wrapped, message-enriched copies still satisfy errors.Is
// against the package sentinels.
func (e *LedgerError) Is(target error) bool {
	var t *LedgerError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels. Use Errorf to attach detail while keeping errors.Is working.
var (
	ErrImmutableViolation      = &LedgerError{Code: "IMMUTABLE_VIOLATION", Kind: KindImmutable, Message: "row is immutable"}
	ErrEpochFrozen             = &LedgerError{Code: "EPOCH_FROZEN", Kind: KindImmutable, Message: "owning epoch is finalized"}
	ErrScopeInvalid            = &LedgerError{Code: "SCOPE_INVALID", Kind: KindInvalid, Message: "scope is not recognized for node"}
	ErrOverlappingEpoch        = &LedgerError{Code: "OVERLAPPING_EPOCH", Kind: KindConflict, Message: "epoch window overlaps an existing epoch"}
	ErrActiveEpochExists       = &LedgerError{Code: "ACTIVE_EPOCH_EXISTS", Kind: KindConflict, Message: "a non-finalized epoch already exists for scope"}
	ErrAlreadyFinalized        = &LedgerError{Code: "EPOCH_ALREADY_FINALIZED", Kind: KindConflict, Message: "epoch is already finalized"}
	ErrEpochNotInReview        = &LedgerError{Code: "EPOCH_NOT_IN_REVIEW", Kind: KindConflict, Message: "epoch must be in review to finalize"}
	ErrFinalizationConflict    = &LedgerError{Code: "FINALIZATION_CONFLICT", Kind: KindConflict, Message: "epoch was finalized with different inputs"}
	ErrIdentityAlreadyResolved = &LedgerError{Code: "IDENTITY_ALREADY_RESOLVED", Kind: KindConflict, Message: "event identity is already resolved to another user"}
	ErrUnauthorizedApprover    = &LedgerError{Code: "UNAUTHORIZED_APPROVER", Kind: KindUnauthorized, Message: "signer is not an approver for scope"}
	ErrInvalidSignature        = &LedgerError{Code: "INVALID_SIGNATURE", Kind: KindUnauthorized, Message: "signature is malformed or unrecoverable"}
	ErrPoolRequiresBase        = &LedgerError{Code: "POOL_REQUIRES_BASE", Kind: KindPrecondition, Message: "epoch pool has no base_issuance component"}
	ErrNegativeUnits           = &LedgerError{Code: "NEGATIVE_UNITS", Kind: KindPrecondition, Message: "allocation units must not be negative"}
	ErrNegativePool            = &LedgerError{Code: "NEGATIVE_POOL", Kind: KindPrecondition, Message: "pool total must not be negative"}
	ErrDuplicateUser           = &LedgerError{Code: "DUPLICATE_USER", Kind: KindPrecondition, Message: "allocation set contains a user twice"}
	ErrEpochNotFound           = &LedgerError{Code: "EPOCH_NOT_FOUND", Kind: KindNotFound, Message: "epoch not found"}
	ErrEventNotFound           = &LedgerError{Code: "EVENT_NOT_FOUND", Kind: KindNotFound, Message: "event not found"}
	ErrStatementNotFound       = &LedgerError{Code: "STATEMENT_NOT_FOUND", Kind: KindNotFound, Message: "payout statement not found"}
	ErrWeightConfigInvalid     = &LedgerError{Code: "WEIGHT_CONFIG_INVALID", Kind: KindInvalid, Message: "weight configuration is invalid"}
	ErrInvalidArgument         = &LedgerError{Code: "INVALID_ARGUMENT", Kind: KindInvalid, Message: "invalid argument"}
)

// Errorf returns a copy of sentinel carrying a formatted detail message.
func Errorf(sentinel *LedgerError, format string, args ...any) error {
	return &LedgerError{
		Code:    sentinel.Code,
		Kind:    sentinel.Kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// AsLedgerError unwraps err to a *LedgerError if it carries one.
func AsLedgerError(err error) (*LedgerError, bool) {
	var le *LedgerError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// IsRetryable reports whether err may succeed on a plain retry. Typed ledger errors
// are deterministic outcomes and never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	_, typed := AsLedgerError(err)
	return !typed
}
