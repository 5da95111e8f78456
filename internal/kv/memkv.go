package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory, ordered KV backend. It backs detached
// transactions (§4.8) and the module's end-to-end tests; it is not meant
// to survive a process restart. Isolation between concurrently open
// transactions is last-writer-wins at Commit — real isolation is delegated
// to whatever production KV backend is plugged in (§5), exactly as the
// design specifies.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) snapshot() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		cp[k] = v
	}
	return cp
}

func (s *MemStore) Begin(ctx context.Context) (Tx, error) {
	return &memTx{store: s, base: s.snapshot(), writes: map[string][]byte{}, deleted: map[string]bool{}}, nil
}

// ReadOnlySnapshot opens a transaction pinned to the store's state at call
// time; MemStore supports this directly since snapshot() already copies the
// store's key map (value slices are shared, and are never mutated in place).
func (s *MemStore) ReadOnlySnapshot(ctx context.Context) (Tx, bool, error) {
	tx := &memTx{store: s, base: s.snapshot(), writes: map[string][]byte{}, deleted: map[string]bool{}, readOnly: true}
	return tx, true, nil
}

type memTx struct {
	mu       sync.Mutex
	store    *MemStore
	base     map[string][]byte
	writes   map[string][]byte
	deleted  map[string]bool
	readOnly bool
	ended    bool
	rollback bool
}

func (t *memTx) checkLive() error {
	if t.ended {
		return fmt.Errorf("kv: transaction already ended")
	}
	return nil
}

func (t *memTx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return nil, false, err
	}
	k := string(key)
	if t.deleted[k] {
		return nil, false, nil
	}
	if v, ok := t.writes[k]; ok {
		return append([]byte(nil), v...), true, nil
	}
	if v, ok := t.base[k]; ok {
		return append([]byte(nil), v...), true, nil
	}
	return nil, false, nil
}

func (t *memTx) Put(ctx context.Context, key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return err
	}
	k := string(key)
	delete(t.deleted, k)
	t.writes[k] = append([]byte(nil), value...)
	return nil
}

func (t *memTx) Remove(ctx context.Context, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return err
	}
	k := string(key)
	delete(t.writes, k)
	t.deleted[k] = true
	return nil
}

func (t *memTx) RemoveRange(ctx context.Context, lo, hi []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return err
	}
	for _, k := range t.mergedKeysLocked(lo, hi) {
		delete(t.writes, k)
		t.deleted[k] = true
	}
	return nil
}

// mergedKeysLocked returns the sorted, deleted-filtered keys in [lo, hi)
// visible to this transaction. Callers must hold t.mu.
func (t *memTx) mergedKeysLocked(lo, hi []byte) []string {
	seen := make(map[string]bool, len(t.base)+len(t.writes))
	var keys []string
	add := func(k string) {
		if seen[k] || t.deleted[k] {
			return
		}
		if string(lo) != "" && k < string(lo) {
			return
		}
		if hi != nil && k >= string(hi) {
			return
		}
		seen[k] = true
		keys = append(keys, k)
	}
	for k := range t.base {
		add(k)
	}
	for k := range t.writes {
		add(k)
	}
	sort.Strings(keys)
	return keys
}

func (t *memTx) GetAtLeast(ctx context.Context, k, maxPrefix []byte) (KeyValue, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return KeyValue{}, false, err
	}
	keys := t.mergedKeysLocked(k, maxPrefix)
	if len(keys) == 0 {
		return KeyValue{}, false, nil
	}
	return t.kvAtLocked(keys[0]), true, nil
}

func (t *memTx) GetAtMost(ctx context.Context, k, maxPrefix []byte) (KeyValue, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return KeyValue{}, false, err
	}
	upper := append(append([]byte(nil), k...), 0x00)
	keys := t.mergedKeysLocked(maxPrefix, upper)
	if len(keys) == 0 {
		return KeyValue{}, false, nil
	}
	return t.kvAtLocked(keys[len(keys)-1]), true, nil
}

func (t *memTx) kvAtLocked(k string) KeyValue {
	if v, ok := t.writes[k]; ok {
		return KeyValue{Key: []byte(k), Value: append([]byte(nil), v...)}
	}
	return KeyValue{Key: []byte(k), Value: append([]byte(nil), t.base[k]...)}
}

type memIterator struct {
	tx      *memTx
	keys    []string
	pos     int
	reverse bool
}

func (it *memIterator) Next() bool {
	if it.reverse {
		it.pos--
		return it.pos >= 0
	}
	it.pos++
	return it.pos < len(it.keys)
}

func (it *memIterator) KeyValue() KeyValue {
	it.tx.mu.Lock()
	defer it.tx.mu.Unlock()
	return it.tx.kvAtLocked(it.keys[it.pos])
}

func (it *memIterator) Err() error   { return nil }
func (it *memIterator) Close() error { return nil }

func (t *memTx) GetRange(ctx context.Context, lo, hi []byte, reverse bool) (Iterator, error) {
	t.mu.Lock()
	keys := t.mergedKeysLocked(lo, hi)
	t.mu.Unlock()
	start := -1
	if reverse {
		start = len(keys)
	}
	return &memIterator{tx: t, keys: keys, pos: start, reverse: reverse}, nil
}

func (t *memTx) EncodeCounter(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func (t *memTx) DecodeCounter(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("kv: invalid counter encoding length %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (t *memTx) AdjustCounter(ctx context.Context, key []byte, delta int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return 0, err
	}
	k := string(key)
	var cur int64
	if v, ok := t.writes[k]; ok && !t.deleted[k] {
		cur, _ = t.DecodeCounter(v)
	} else if v, ok := t.base[k]; ok && !t.deleted[k] {
		cur, _ = t.DecodeCounter(v)
	}
	cur += delta
	delete(t.deleted, k)
	t.writes[k] = t.EncodeCounter(cur)
	return cur, nil
}

func (t *memTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return err
	}
	t.ended = true
	if t.readOnly {
		// Per DESIGN.md's Open Question decision: read-only transactions
		// silently discard any buffered writes at commit rather than
		// erroring, matching MemStore's role as a lightweight test double.
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for k := range t.deleted {
		delete(t.store.data, k)
	}
	for k, v := range t.writes {
		t.store.data[k] = v
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
	return nil
}

func (t *memTx) SetTimeout(d time.Duration) {}

func (t *memTx) SetReadOnly(ro bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readOnly = ro
}

func (t *memTx) IsReadOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readOnly
}
