// Package store provides the expiring key-value store the protocol state
// machine lives on. Every protocol record (device request, user session,
// CSRF state, rate bucket, issued credential) is an opaque value under a
// string key with a bounded lifetime. Components never hold records across
// requests; every access round-trips through the store, because the
// device, the browser, and the upstream redirect all arrive as unrelated
// connections.
package store

//go:generate mockgen -source=store.go -destination=mock_store.go -package=store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and Touch when a key is absent or its
// record has passed its expiry instant.
var ErrNotFound = errors.New("key not found")

// Store is the capability interface all protocol state is built on.
// Backends must honor lazy-expiry semantics: a read past the expiry
// instant returns ErrNotFound whether or not the record has been
// physically removed yet. There are no multi-key operations; callers are
// written to tolerate another request interleaving between single-key
// steps.
type Store interface {
	// Put upserts a value and resets its expiry. A ttl of zero or less
	// stores the value without an expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent writes the value only when the key holds no live
	// record, and reports whether the write happened. This is the
	// reservation primitive for freshly minted token identifiers: generate
	// a candidate, attempt the reservation, retry on conflict. A plain
	// exists-then-put would race when the store is shared across
	// processes.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Increment adds delta to the decimal counter at key and returns the
	// new total. An absent key is created at delta with no expiry; pair
	// with Touch to bound the counter's lifetime.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Touch resets the expiry of an existing record without changing its
	// value. Returns ErrNotFound when there is no live record.
	Touch(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
