package retry

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// sleep waits d or until ctx is done.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. Typed ledger errors are deterministic and returned
// immediately. The last error is returned unchanged.
func Do(ctx context.Context, policy Policy, params Params, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			p := params
			p.Attempt = i
			if serr := sleep(ctx, ComputeBackoff(p, policy)); serr != nil {
				return err
			}
		}
		err = fn(ctx)
		if err == nil || !contracts.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}
