// Package objdb is the database's entry point: opening a store, bootstrapping
// the on-disk format version, loading and caching the schema bundle, and
// handing out Transactions against a target schema (§4.1, §4.3).
package objdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/permazen/permazen-sub003/internal/apperr"
	"github.com/permazen/permazen-sub003/internal/keys"
	"github.com/permazen/permazen-sub003/internal/kv"
	"github.com/permazen/permazen-sub003/internal/schema"
	"github.com/permazen/permazen-sub003/txn"
)

// FormatVersion is the only on-disk format this engine understands. Open
// writes it into a brand-new store and rejects any other value found in an
// existing one (§4.1).
const FormatVersion = 1

// DB owns a KV Store and the engine's in-memory view of its schema bundle.
// A DB is safe for concurrent use: bundle reloads and schema registration
// serialize on mu, independent of whatever concurrency control the
// underlying Store applies to transactions themselves.
type DB struct {
	mu     sync.Mutex
	store  kv.Store
	bundle *schema.Bundle
	logger *slog.Logger
}

// Open bootstraps store: writing FormatVersion if the store is new, or
// verifying it matches if not, then loading the current schema bundle.
func Open(ctx context.Context, store kv.Store) (*DB, error) {
	db := &DB{store: store, logger: slog.Default()}
	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("objdb: opening bootstrap transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	v, ok, err := tx.Get(ctx, keys.FormatVersionKey())
	if err != nil {
		return nil, fmt.Errorf("objdb: reading format version: %w", err)
	}
	if !ok {
		var buf [1]byte
		buf[0] = FormatVersion
		if err := tx.Put(ctx, keys.FormatVersionKey(), buf[:]); err != nil {
			return nil, fmt.Errorf("objdb: writing format version: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("objdb: committing bootstrap: %w", err)
		}
		db.bundle = schema.Empty()
		return db, nil
	}
	if len(v) != 1 || v[0] != FormatVersion {
		return nil, apperr.New(apperr.KindInconsistentDatabase, "unsupported format version %v (want %d)", v, FormatVersion)
	}

	bundle, err := loadBundle(ctx, tx)
	if err != nil {
		return nil, err
	}
	db.bundle = bundle
	return db, nil
}

// loadBundle reads the Schema Table and Storage ID Table in full and
// reconstructs a Bundle from them (§4.3).
func loadBundle(ctx context.Context, tx kv.Tx) (*schema.Bundle, error) {
	schemaTable := map[uint64][]byte{}
	it, err := tx.GetRange(ctx, keys.SchemaTablePrefix(), prefixUpperBound(keys.SchemaTablePrefix()), false)
	if err != nil {
		return nil, fmt.Errorf("objdb: scanning schema table: %w", err)
	}
	for it.Next() {
		kvPair := it.KeyValue()
		idx, err := keys.ParseSchemaTableKey(kvPair.Key)
		if err != nil {
			it.Close()
			return nil, err
		}
		schemaTable[idx] = append([]byte(nil), kvPair.Value...)
	}
	if err := it.Err(); err != nil {
		it.Close()
		return nil, err
	}
	it.Close()

	storageIDTable := map[uint64]string{}
	it, err = tx.GetRange(ctx, keys.StorageIDTablePrefix(), prefixUpperBound(keys.StorageIDTablePrefix()), false)
	if err != nil {
		return nil, fmt.Errorf("objdb: scanning storage id table: %w", err)
	}
	for it.Next() {
		kvPair := it.KeyValue()
		id, err := keys.ParseStorageIDTableKey(kvPair.Key)
		if err != nil {
			it.Close()
			return nil, err
		}
		storageIDTable[id] = string(kvPair.Value)
	}
	if err := it.Err(); err != nil {
		it.Close()
		return nil, err
	}
	it.Close()

	return schema.Decode(schemaTable, storageIDTable)
}

// persistBundle overwrites the Schema Table and Storage ID Table with b's
// current encoding, used after every RegisterSchema / RemoveSchema.
func persistBundle(ctx context.Context, tx kv.Tx, b *schema.Bundle) error {
	enc, err := b.Encode()
	if err != nil {
		return err
	}
	it, err := tx.GetRange(ctx, keys.SchemaTablePrefix(), prefixUpperBound(keys.SchemaTablePrefix()), false)
	if err != nil {
		return err
	}
	var stale [][]byte
	for it.Next() {
		stale = append(stale, append([]byte(nil), it.KeyValue().Key...))
	}
	if err := it.Err(); err != nil {
		it.Close()
		return err
	}
	it.Close()
	for _, k := range stale {
		if err := tx.Remove(ctx, k); err != nil {
			return err
		}
	}

	it, err = tx.GetRange(ctx, keys.StorageIDTablePrefix(), prefixUpperBound(keys.StorageIDTablePrefix()), false)
	if err != nil {
		return err
	}
	stale = stale[:0]
	for it.Next() {
		stale = append(stale, append([]byte(nil), it.KeyValue().Key...))
	}
	if err := it.Err(); err != nil {
		it.Close()
		return err
	}
	it.Close()
	for _, k := range stale {
		if err := tx.Remove(ctx, k); err != nil {
			return err
		}
	}

	for idx, data := range enc.SchemaTable {
		if err := tx.Put(ctx, keys.SchemaTableKey(idx), data); err != nil {
			return err
		}
	}
	for id, schemaID := range enc.StorageIDTable {
		if err := tx.Put(ctx, keys.StorageIDTableKey(id), []byte(schemaID)); err != nil {
			return err
		}
	}
	return nil
}

func prefixUpperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xFF {
			up[i]++
			return up[:i+1]
		}
	}
	return nil
}

// Bundle returns the database's currently loaded schema bundle.
func (db *DB) Bundle() *schema.Bundle {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.bundle
}

// RegisterSchema adds model to the bundle (reusing storage IDs for any
// unchanged item, per §3.1) and persists the updated Schema Table and
// Storage ID Table in their own transaction, returning the schema index it
// was assigned.
func (db *DB) RegisterSchema(ctx context.Context, model *schema.Model) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if s, ok := db.bundle.SchemaByID(model.SchemaId()); ok {
		return s.Index, nil // already registered: reuse, don't re-persist (§3.1 bundle reuse)
	}

	nb, idx, err := db.bundle.WithSchemaAdded(0, model)
	if err != nil {
		return 0, err
	}
	if err := db.persist(ctx, nb); err != nil {
		return 0, err
	}
	db.bundle = nb
	return idx, nil
}

// RemoveSchema garbage-collects the schema with the given SchemaId from the
// bundle, freeing any storage ID it alone was using. It does not check
// whether any object is still stored under that schema; callers must
// migrate or delete those objects first (§4.6).
func (db *DB) RemoveSchema(ctx context.Context, schemaID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	nb, err := db.bundle.WithSchemaRemoved(schemaID)
	if err != nil {
		return err
	}
	if err := db.persist(ctx, nb); err != nil {
		return err
	}
	db.bundle = nb
	return nil
}

func (db *DB) persist(ctx context.Context, nb *schema.Bundle) error {
	tx, err := db.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("objdb: beginning schema-table transaction: %w", err)
	}
	if err := persistBundle(ctx, tx, nb); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("objdb: committing schema-table transaction: %w", err)
	}
	return nil
}

// BeginTransaction starts a new Transaction targeting the schema identified
// by schemaID (its content-derived SchemaId, obtained from RegisterSchema or
// from a prior Bundle lookup).
func (db *DB) BeginTransaction(ctx context.Context, schemaID string) (*txn.Transaction, error) {
	db.mu.Lock()
	bundle := db.bundle
	target, ok := bundle.SchemaByID(schemaID)
	db.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.KindUnknownType, "no registered schema with id %s", schemaID)
	}

	kvTx, err := db.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("objdb: beginning transaction: %w", err)
	}
	return txn.New(kvTx, bundle, target), nil
}

// NewDetachedTransaction returns a Transaction backed by its own isolated
// store (conventionally an in-memory one), for building object graphs ahead
// of time and copying them into a live transaction later (§4.8).
func NewDetachedTransaction(ctx context.Context, store kv.Store, bundle *schema.Bundle, target *schema.Schema) (*txn.Transaction, error) {
	kvTx, err := store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("objdb: beginning detached transaction: %w", err)
	}
	return txn.NewDetached(kvTx, bundle, target), nil
}
