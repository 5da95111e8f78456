// Package kv defines the ordered key/value transaction interface the engine
// requires from an external KV backend (§6.5), plus memkv, an in-memory
// implementation used by detached transactions (§4.8) and by the module's
// end-to-end tests.
package kv

import (
	"context"
	"time"
)

// KeyValue is one (key, value) pair as returned by range and nearest-match
// reads.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Iterator is a closeable, ordered cursor over a key range.
type Iterator interface {
	// Next advances the iterator and reports whether a pair is available.
	Next() bool
	// KeyValue returns the pair at the iterator's current position. Valid
	// only after a Next call that returned true.
	KeyValue() KeyValue
	// Err reports any error encountered during iteration.
	Err() error
	// Close releases resources held by the iterator.
	Close() error
}

// Tx is one transaction's view of the backing KV store: ordered range
// scans, point reads/writes, atomic counters, and lifecycle control. The
// engine never assumes anything about the backend beyond this interface
// (§6.5); MDBX, FoundationDB, or the in-memory memkv below are equally
// valid implementations.
type Tx interface {
	// Get returns the value at key, or (nil, false) if absent.
	Get(ctx context.Context, key []byte) ([]byte, bool, error)

	// Put stores value at key, overwriting any existing value.
	Put(ctx context.Context, key, value []byte) error

	// Remove deletes the entry at key, if any.
	Remove(ctx context.Context, key []byte) error

	// RemoveRange deletes every key in [lo, hi); a nil hi means no upper
	// bound.
	RemoveRange(ctx context.Context, lo, hi []byte) error

	// GetAtLeast returns the first key >= k that is also < maxPrefix
	// (maxPrefix itself is an exclusive ceiling, not a prefix match), or
	// ok=false if none exists.
	GetAtLeast(ctx context.Context, k, maxPrefix []byte) (KeyValue, bool, error)

	// GetAtMost returns the last key <= k that is also >= the lower bound
	// implied by maxPrefix, or ok=false if none exists.
	GetAtMost(ctx context.Context, k, maxPrefix []byte) (KeyValue, bool, error)

	// GetRange returns an iterator over [lo, hi), in reverse order if
	// reverse is true; a nil hi means no upper bound.
	GetRange(ctx context.Context, lo, hi []byte, reverse bool) (Iterator, error)

	// EncodeCounter returns the on-disk representation of an initial
	// counter value.
	EncodeCounter(v int64) []byte

	// DecodeCounter parses a counter's on-disk representation.
	DecodeCounter(b []byte) (int64, error)

	// AdjustCounter atomically adds delta to the counter at key (creating
	// it at delta if absent) and returns the new value, without a
	// read-modify-write round trip through the transaction's own writes.
	AdjustCounter(ctx context.Context, key []byte, delta int64) (int64, error)

	// Commit finalizes the transaction's writes.
	Commit(ctx context.Context) error

	// Rollback discards the transaction's writes.
	Rollback(ctx context.Context) error

	// SetTimeout bounds how long subsequent operations may block.
	SetTimeout(d time.Duration)

	// SetReadOnly marks the transaction read-only; backend policy for how
	// writes are then handled is documented on the concrete backend (memkv
	// discards them silently at Commit, per DESIGN.md's Open Question
	// decision).
	SetReadOnly(ro bool)

	// IsReadOnly reports the current read-only flag.
	IsReadOnly() bool
}

// Store opens transactions and, optionally, read-only snapshots.
type Store interface {
	// Begin starts a new read/write transaction.
	Begin(ctx context.Context) (Tx, error)

	// ReadOnlySnapshot opens a transaction pinned to a consistent point in
	// time, if the backend supports it. Backends that don't support
	// snapshots return (nil, false, nil).
	ReadOnlySnapshot(ctx context.Context) (Tx, bool, error)
}
