// Package ratelimit implements the fixed-window request counter shared by
// the token polling and data proxy endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alexjbarnes/authrelay/internal/store"
)

// window is the bucket length; buckets are aligned to minute boundaries.
const window = 60 * time.Second

// Limiter counts requests per subject in minute-quantized buckets kept in
// the store, so the limit holds across processes sharing a backend. A
// subject straddling a bucket boundary can burst to twice the limit; that
// is the accepted cost of quantizing time instead of tracking per-request
// timestamps. Increments may also undercount under heavy concurrency,
// since read-check-increment is not one atomic step.
type Limiter struct {
	store     store.Store
	perMinute int
	now       func() time.Time
}

// New creates a limiter allowing perMinute requests per subject per
// 60-second window.
func New(s store.Store, perMinute int) *Limiter {
	return &Limiter{store: s, perMinute: perMinute, now: time.Now}
}

// Allow records a request for subject and reports whether it stays within
// the limit. Rejected requests are not counted, so hammering a limited
// subject does not extend its window.
func (l *Limiter) Allow(ctx context.Context, subject string) (bool, error) {
	key := bucketKey(l.now(), subject)

	cur, err := l.store.Get(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("reading rate bucket: %w", err)
	}
	if err == nil {
		n, parseErr := strconv.ParseInt(string(cur), 10, 64)
		if parseErr == nil && n >= int64(l.perMinute) {
			return false, nil
		}
	}

	if _, err := l.store.Increment(ctx, key, 1); err != nil {
		return false, fmt.Errorf("incrementing rate bucket: %w", err)
	}
	// Touch can miss when the bucket expired between the increment and
	// here; the next request starts a fresh bucket either way.
	if err := l.store.Touch(ctx, key, window); err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("setting rate bucket expiry: %w", err)
	}
	return true, nil
}

func bucketKey(now time.Time, subject string) string {
	return fmt.Sprintf("ratelimit-%d-%s", now.Unix()/60, subject)
}
