package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ledgerworks/payeeflow/pkg/capability"
)

// SkipError tells the runner to mark the stage skipped instead of failed.
// It is never retried.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skip: " + e.Reason }

// RetryPolicy is the single retry policy shared by all stage workers:
// exponential backoff with jitter, bounded attempts. 429 and 5xx retry;
// other 4xx, auth failures and skips stop immediately.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy matches the stage-worker contract: 3 attempts, 500ms
// base doubling up to 10s, up to 250ms of jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Base:        500 * time.Millisecond,
		Max:         10 * time.Second,
		Jitter:      250 * time.Millisecond,
	}
}

// Do runs fn until it succeeds, the error is terminal, or attempts are
// exhausted. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var skip *SkipError
		if errors.As(err, &skip) {
			return err
		}
		if !capability.IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(i)):
		}
	}
	return err
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := p.Max
	if max <= 0 {
		max = 10 * time.Second
	}
	if attempt > 10 {
		attempt = 10
	}
	d := base << attempt
	if d > max {
		d = max
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}
