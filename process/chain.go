package process

import (
	"context"
	"fmt"
	"time"

	"github.com/imgpipe/imgpipe/core"
	apperrors "github.com/imgpipe/imgpipe/errors"
)

// RetryPolicy configures how many times, and with what backoff, a single
// processor application is retried on a retryable failure. Processing
// failures are not retried by default (spec.md §6 lists processingFailed
// as a terminal error kind); RetryPolicy exists for processors that
// explicitly opt in by returning a context deadline or transient error,
// mirroring the teacher's own runWithRetry shape.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// Apply runs one processor against a container, retrying up to
// policy.MaxRetries times with policy.Delay between attempts if retry is
// non-nil and returns true for the error.
func Apply(ctx context.Context, p core.Processor, c *core.Container, policy RetryPolicy, retry func(error) bool) (*core.Container, error) {
	attempts := policy.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := p.Process(ctx, c)
		if err == nil {
			if out == nil {
				return nil, apperrors.New(apperrors.KindProcessingFailed, "process.apply",
					fmt.Errorf("processor %s returned a nil container", p.Identifier()))
			}
			return out, nil
		}
		lastErr = err
		if retry == nil || !retry(err) || attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.Delay):
		}
	}
	return nil, lastErr
}

// Chain applies a sequence of processors in order, stopping at the first
// error. Used by the coordinator to build a full final Container for
// requests it can serve without per-processor subtask granularity (for
// example, a memory-cache-populated fast path).
func Chain(ctx context.Context, processors []core.Processor, c *core.Container, policy RetryPolicy, retry func(error) bool) (*core.Container, error) {
	cur := c
	for _, p := range processors {
		out, err := Apply(ctx, p, cur, policy, retry)
		if err != nil {
			return nil, err
		}
		cur = out
	}
	return cur, nil
}
