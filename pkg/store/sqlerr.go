package store

import (
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// Trigger messages. Both dialects raise these exact tokens.
const (
	tokenImmutable = "immutable_violation"
	tokenFrozen    = "epoch_frozen"
)

// mapError converts trigger aborts into typed ledger errors and leaves
// everything else untouched.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, tokenFrozen):
		return contracts.Errorf(contracts.ErrEpochFrozen, "%s", triggerDetail(msg, tokenFrozen))
	case strings.Contains(msg, tokenImmutable):
		return contracts.Errorf(contracts.ErrImmutableViolation, "%s", triggerDetail(msg, tokenImmutable))
	}
	return err
}

func triggerDetail(msg, token string) string {
	i := strings.Index(msg, token)
	detail := strings.TrimPrefix(strings.TrimSpace(msg[i+len(token):]), ":")
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return token
	}
	return detail
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
