// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"math/rand/v2"
	"time"
)

// backoff doubles from BackoffMin up to BackoffMax with optional jitter.
type backoff struct {
	cfg  RetryConfig
	next time.Duration
}

func newBackoff(cfg RetryConfig) *backoff {
	return &backoff{cfg: cfg, next: cfg.BackoffMin}
}

func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.cfg.BackoffMax {
		b.next = b.cfg.BackoffMax
	}
	if b.cfg.Jitter > 0 && d > 0 {
		spread := float64(d) * b.cfg.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return d
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, the
// attempt budget is spent or ctx ends. The last error is returned. A delay
// requested by the remote is the lower bound of the next wait.
func withRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	b := newBackoff(cfg)
	attempts := max(cfg.MaxAttempts, 1)
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) || attempt >= attempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if serr := sleepWithContext(ctx, max(b.Next(), RetryDelayOf(err))); serr != nil {
			return err
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
