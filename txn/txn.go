// Package txn is the public transaction engine (§4.8): a single
// Transaction wraps one KV transaction, a schema bundle, and the engine's
// notification/cache machinery, serializing every public method on its own
// mutex exactly as the design specifies.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/permazen/permazen-sub003/internal/apperr"
	"github.com/permazen/permazen-sub003/internal/codec"
	"github.com/permazen/permazen-sub003/internal/deleteengine"
	"github.com/permazen/permazen-sub003/internal/index"
	"github.com/permazen/permazen-sub003/internal/kv"
	"github.com/permazen/permazen-sub003/internal/migrate"
	"github.com/permazen/permazen-sub003/internal/notify"
	"github.com/permazen/permazen-sub003/internal/objdata"
	"github.com/permazen/permazen-sub003/internal/schema"
)

// Callback is a commit/rollback lifecycle hook (§4.8).
type Callback func()

// Transaction is the engine's single unit of work. Every exported method
// acquires mu, matching the design's "single Transaction instance is
// protected by an internal mutex" (§4.8).
type Transaction struct {
	mu sync.Mutex

	kvTx     kv.Tx
	bundle   *schema.Bundle
	schema   *schema.Schema // the transaction's target schema: objects are migrated to it on access
	detached bool

	registry *notify.Registry
	queue    *notify.Queue

	infoCache map[codec.ObjId]objdata.ObjInfo

	// DeferredDeletions, if non-nil, redirects a deleted-assignment
	// violation (§4.5) into this map instead of raising DeletedObject,
	// for callers implementing a cyclic-graph copy.
	DeferredDeletions map[codec.ObjId]bool

	beforeCommit     []Callback
	beforeCompletion []Callback
	afterCommit      []Callback
	afterCompletion  []func(committed bool)

	stale        bool
	ending       bool
	rollbackOnly bool
	logger       *slog.Logger
}

// New wraps kvTx as a live Transaction targeting schema within bundle.
func New(kvTx kv.Tx, bundle *schema.Bundle, target *schema.Schema) *Transaction {
	return &Transaction{
		kvTx:      kvTx,
		bundle:    bundle,
		schema:    target,
		registry:  notify.NewRegistry(),
		queue:     &notify.Queue{},
		infoCache: map[codec.ObjId]objdata.ObjInfo{},
		logger:    slog.Default(),
	}
}

// NewDetached wraps kvTx (conventionally an in-memory store) as a detached
// transaction (§4.8): reads and writes work, listener and monitor
// registration are accepted as no-ops, and Commit and Rollback are
// forbidden.
func NewDetached(kvTx kv.Tx, bundle *schema.Bundle, target *schema.Schema) *Transaction {
	t := New(kvTx, bundle, target)
	t.detached = true
	return t
}

func (t *Transaction) checkLive() error {
	if t.stale || t.ending {
		return apperr.New(apperr.KindStaleTransaction, "transaction is no longer usable")
	}
	return nil
}

// --- Object lifecycle ---------------------------------------------------

// Create allocates a new object of typeName in the transaction's target
// schema and fires its create listeners.
func (t *Transaction) Create(ctx context.Context, typeName string) (codec.ObjId, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return codec.ObjId{}, err
	}
	ot, ok := t.schema.ObjTypes[typeName]
	if !ok {
		return codec.ObjId{}, apperr.New(apperr.KindUnknownType, "no object type %q in current schema", typeName)
	}
	t.queue.Enter()
	defer t.queue.Leave()
	id, err := objdata.Create(ctx, t.kvTx, t.schema, ot)
	if err != nil {
		return codec.ObjId{}, err
	}
	delete(t.infoCache, id)
	t.registry.NotifyCreate(id)
	return id, nil
}

// Exists reports whether id currently exists.
func (t *Transaction) Exists(ctx context.Context, id codec.ObjId) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return false, err
	}
	return objdata.Exists(ctx, t.kvTx, id)
}

// Delete removes id (and anything its deletion cascades to), reporting
// whether it existed.
func (t *Transaction) Delete(ctx context.Context, id codec.ObjId) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return false, err
	}
	exists, err := objdata.Exists(ctx, t.kvTx, id)
	if err != nil || !exists {
		return false, err
	}
	if err := deleteengine.Delete(ctx, t.kvTx, t.bundle, t.registry, t.queue, id); err != nil {
		return false, err
	}
	t.invalidate(id)
	return true, nil
}

func (t *Transaction) invalidate(id codec.ObjId) {
	delete(t.infoCache, id)
}

// resolve returns id's ObjInfo against the transaction's schema bundle,
// migrating it to the target schema first if it is stored under a
// different one (the engine's auto-upgrade-on-access behavior), and
// refreshes the object-info cache (§3.5). The cache is a plain map with no
// size bound and no eviction; entries leave it only on delete.
func (t *Transaction) resolve(ctx context.Context, id codec.ObjId) (objdata.ObjInfo, error) {
	if info, ok := t.infoCache[id]; ok && info.SchemaIndex == t.schema.Index {
		return info, nil
	}
	info, err := objdata.Resolve(ctx, t.kvTx, t.bundle, id)
	if err != nil {
		return objdata.ObjInfo{}, err
	}
	if info.SchemaIndex != t.schema.Index {
		if err := migrate.Migrate(ctx, t.kvTx, t.bundle, t.registry, t.queue, id, t.schema.Index); err != nil {
			return objdata.ObjInfo{}, err
		}
		info, err = objdata.Resolve(ctx, t.kvTx, t.bundle, id)
		if err != nil {
			return objdata.ObjInfo{}, err
		}
	}
	t.infoCache[id] = info
	return info, nil
}

func (t *Transaction) fieldByName(info objdata.ObjInfo, name string) (*schema.Field, error) {
	f, ok := info.ObjType.FieldsByName[name]
	if !ok {
		return nil, apperr.New(apperr.KindUnknownField, "type %s has no field %q", info.ObjType.Name, name)
	}
	return f, nil
}

// --- Simple / reference field access ------------------------------------

// ReadSimpleField reads a simple or reference field's current value by
// name, migrating id to the current schema first if needed.
func (t *Transaction) ReadSimpleField(ctx context.Context, id codec.ObjId, name string) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return nil, err
	}
	info, err := t.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := t.fieldByName(info, name)
	if err != nil {
		return nil, err
	}
	return objdata.ReadSimpleField(ctx, t.kvTx, id, f)
}

// WriteSimpleField writes a simple or reference field's value by name,
// enforcing the deleted-assignment check (§4.5) for reference fields.
func (t *Transaction) WriteSimpleField(ctx context.Context, id codec.ObjId, name string, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return err
	}
	info, err := t.resolve(ctx, id)
	if err != nil {
		return err
	}
	f, err := t.fieldByName(info, name)
	if err != nil {
		return err
	}
	if f.Kind == schema.FieldReference && value != nil && !f.AllowDeleted {
		refID, ok := value.(codec.ObjId)
		if !ok {
			return apperr.New(apperr.KindIllegalArgument, "field %q expects an ObjId or nil, got %T", name, value)
		}
		exists, err := objdata.Exists(ctx, t.kvTx, refID)
		if err != nil {
			return err
		}
		if !exists {
			if t.DeferredDeletions != nil {
				t.DeferredDeletions[refID] = true
			} else {
				return apperr.New(apperr.KindDeletedObject, "field %q: target object %s does not exist", name, refID)
			}
		}
	}

	old, err := objdata.ReadSimpleField(ctx, t.kvTx, id, f)
	if err != nil {
		return err
	}
	t.queue.Enter()
	defer t.queue.Leave()
	if err := objdata.WriteSimpleField(ctx, t.kvTx, id, f, value); err != nil {
		return err
	}
	return notify.DispatchFieldChange(ctx, t.kvTx, t.resolveMonitorField, t.queue, t.registry, f.StorageID, name, id, old, value)
}

// resolveMonitorField resolves a FieldChangeMonitor Path step's storage ID
// against the transaction's schema bundle, for notify.InvertPath.
func (t *Transaction) resolveMonitorField(storageID uint64) (*schema.Field, error) {
	f, ok := t.bundle.FieldByStorageID(storageID)
	if !ok {
		return nil, apperr.New(apperr.KindUnknownField, "field change monitor: no field with storage id %d", storageID)
	}
	return f, nil
}

// ReadCounterField reads a counter field's current value by name.
func (t *Transaction) ReadCounterField(ctx context.Context, id codec.ObjId, name string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return 0, err
	}
	info, err := t.resolve(ctx, id)
	if err != nil {
		return 0, err
	}
	f, err := t.fieldByName(info, name)
	if err != nil {
		return 0, err
	}
	return objdata.ReadCounterField(ctx, t.kvTx, id, f)
}

// AdjustCounterField applies delta to a counter field, returning its new
// value.
func (t *Transaction) AdjustCounterField(ctx context.Context, id codec.ObjId, name string, delta int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return 0, err
	}
	info, err := t.resolve(ctx, id)
	if err != nil {
		return 0, err
	}
	f, err := t.fieldByName(info, name)
	if err != nil {
		return 0, err
	}
	return objdata.AdjustCounterField(ctx, t.kvTx, id, f, delta)
}

// Migrate forces id onto the transaction's current schema immediately,
// rather than waiting for the next field access.
func (t *Transaction) Migrate(ctx context.Context, id codec.ObjId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return err
	}
	_, err := t.resolve(ctx, id)
	return err
}

// --- Listener / monitor registration ------------------------------------

// RegisterCreateListener is a no-op on detached transactions (§4.8).
func (t *Transaction) RegisterCreateListener(l notify.CreateListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return
	}
	t.registry.AddCreateListener(l)
}

func (t *Transaction) RegisterDeleteListener(l notify.DeleteListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return
	}
	t.registry.AddDeleteListener(l)
}

func (t *Transaction) RegisterSchemaChangeListener(l notify.SchemaChangeListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return
	}
	t.registry.AddSchemaChangeListener(l)
}

// RegisterFieldChangeMonitor registers m, rejecting it up front if its Path
// traverses an unindexed reference field via an inverse step (§4.7;
// notify.RequirePathIndexed).
func (t *Transaction) RegisterFieldChangeMonitor(m *notify.FieldChangeMonitor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return nil
	}
	if err := notify.RequirePathIndexed(t.resolveMonitorField, m.Path); err != nil {
		return err
	}
	t.registry.AddMonitor(m)
	return nil
}

// --- Commit/rollback lifecycle -------------------------------------------

func addCallback(list []Callback, cb Callback) []Callback {
	for _, existing := range list {
		if reflect.ValueOf(existing).Pointer() == reflect.ValueOf(cb).Pointer() {
			return list
		}
	}
	return append(list, cb)
}

func (t *Transaction) BeforeCommit(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beforeCommit = addCallback(t.beforeCommit, cb)
}

func (t *Transaction) BeforeCompletion(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beforeCompletion = addCallback(t.beforeCompletion, cb)
}

func (t *Transaction) AfterCommit(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.afterCommit = addCallback(t.afterCommit, cb)
}

func (t *Transaction) AfterCompletion(cb func(committed bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.afterCompletion = append(t.afterCompletion, cb)
}

// SetRollbackOnly marks the transaction so the next Commit rolls back
// instead and returns RollbackOnlyTransaction.
func (t *Transaction) SetRollbackOnly() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbackOnly = true
}

func (t *Transaction) runCompletionCallbacks(committed bool) {
	for _, cb := range t.beforeCompletion {
		t.safeRun(cb)
	}
	if committed {
		for _, cb := range t.afterCommit {
			t.safeRun(cb)
		}
	}
	for _, cb := range t.afterCompletion {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("txn: after_completion callback panicked", "recovered", r)
				}
			}()
			cb(committed)
		}()
	}
}

func (t *Transaction) safeRun(cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("txn: completion callback panicked", "recovered", r)
		}
	}()
	cb()
}

// Commit commits the transaction, per §4.8's transition rules.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return apperr.New(apperr.KindIllegalArgument, "detached transactions cannot be committed")
	}
	if t.stale || t.ending {
		return apperr.New(apperr.KindStaleTransaction, "transaction already ended")
	}
	t.ending = true
	if t.rollbackOnly {
		t.stale = true
		_ = t.kvTx.Rollback(ctx)
		t.runCompletionCallbacks(false)
		return apperr.New(apperr.KindRollbackOnly, "transaction was marked rollback-only")
	}
	for _, cb := range t.beforeCommit {
		if err := t.runFallible(cb); err != nil {
			t.stale = true
			_ = t.kvTx.Rollback(ctx)
			t.runCompletionCallbacks(false)
			return err
		}
	}
	t.stale = true
	if err := t.kvTx.Commit(ctx); err != nil {
		t.runCompletionCallbacks(false)
		return fmt.Errorf("txn: commit: %w", err)
	}
	t.runCompletionCallbacks(true)
	return nil
}

// runFallible executes a before_commit callback, converting any panic into
// an error so a misbehaving listener still aborts the commit cleanly
// rather than crashing the caller.
func (t *Transaction) runFallible(cb Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("txn: before_commit callback panicked: %v", r)
		}
	}()
	cb()
	return nil
}

// Rollback rolls the transaction back; idempotent on an already-ended
// transaction.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return apperr.New(apperr.KindIllegalArgument, "detached transactions cannot be rolled back")
	}
	if t.stale || t.ending {
		return nil
	}
	t.ending = true
	t.stale = true
	_ = t.kvTx.Rollback(ctx)
	t.runCompletionCallbacks(false)
	return nil
}

func (t *Transaction) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kvTx.SetTimeout(d)
}

func (t *Transaction) SetReadOnly(ro bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kvTx.SetReadOnly(ro)
}

func (t *Transaction) IsReadOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kvTx.IsReadOnly()
}

func (t *Transaction) Detached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detached
}

// Schema returns the transaction's current target Schema.
func (t *Transaction) Schema() *schema.Schema {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.schema
}

// Bundle returns the transaction's schema bundle.
func (t *Transaction) Bundle() *schema.Bundle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bundle
}

// QuerySchemaIndex returns every object currently stored under the given
// schema index (§3.4).
func (t *Transaction) QuerySchemaIndex(ctx context.Context, schemaIndex uint64) ([]codec.ObjId, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return nil, err
	}
	return index.IterateSchemaIndex(ctx, t.kvTx, schemaIndex)
}

// QuerySimpleIndex returns every (value, ObjId) pair currently recorded in
// the named field's simple index, on the object type identified by
// typeName.
func (t *Transaction) QuerySimpleIndex(ctx context.Context, typeName, fieldName string) (map[any][]codec.ObjId, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLive(); err != nil {
		return nil, err
	}
	ot, ok := t.schema.ObjTypes[typeName]
	if !ok {
		return nil, apperr.New(apperr.KindUnknownType, "no object type %q in current schema", typeName)
	}
	field, ok := ot.FieldsByName[fieldName]
	if !ok {
		return nil, apperr.New(apperr.KindUnknownField, "no field %q on type %q", fieldName, typeName)
	}
	if !field.Indexed {
		return nil, apperr.New(apperr.KindIllegalArgument, "field %q is not indexed", fieldName)
	}
	return index.QuerySimpleIndex(ctx, t.kvTx, field)
}
