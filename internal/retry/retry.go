package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mesikahq/medvault/internal/domain"
)

// Policy bounds I/O calls to external collaborators.
type Policy struct {
	// Timeout applies to each attempt.
	Timeout time.Duration
	// Retries is the number of extra attempts after the first.
	Retries int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Timeout:         5 * time.Second,
		Retries:         2,
		InitialInterval: 100 * time.Millisecond,
	}
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// retry budget is spent. Only errors marked transient via
// domain.StorageError are retried.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(max(p.Retries, 0)))
	b = backoff.WithContext(b, ctx)

	return backoff.Retry(func() error {
		attemptCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}

		err := fn(attemptCtx)
		if err != nil && !domain.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
