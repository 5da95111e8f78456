// Package notify implements the four listener families and the
// field-change monitor / reference-path-inversion machinery of §4.7:
// create, delete, schema-change, and field-change notifications, buffered
// during a mutation and delivered (re-entrantly) once the outermost
// mutation completes.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/permazen/permazen-sub003/internal/apperr"
	"github.com/permazen/permazen-sub003/internal/codec"
	"github.com/permazen/permazen-sub003/internal/keys"
	"github.com/permazen/permazen-sub003/internal/kv"
	"github.com/permazen/permazen-sub003/internal/objdata"
	"github.com/permazen/permazen-sub003/internal/schema"
)

// FieldResolver resolves a reference field's storage ID to its schema.Field,
// letting InvertPath walk a monitor's Path without depending on any one
// schema generation directly.
type FieldResolver func(storageID uint64) (*schema.Field, error)

// Listener function types. Go favors funcs over single-method interfaces
// here; "implements the interface appropriate for the field's current
// kind" (§4.7) becomes a type switch on registration/delivery instead of a
// class hierarchy, matching the tagged-variant treatment of FieldKind
// itself (§9).
type (
	CreateListener       func(id codec.ObjId)
	DeleteListener       func(id codec.ObjId) bool // return value: whether to proceed (false = no-op, re-entrant delete of same id)
	SchemaChangeListener func(id codec.ObjId, oldSchemaID, newSchemaID string, oldValues map[string]any)
	SimpleFieldListener  func(id codec.ObjId, field string, old, new any)
	SetFieldListener     func(id codec.ObjId, field string, element any, added bool)
	ListFieldChange      int
)

const (
	ListAdd ListFieldChange = iota
	ListRemove
	ListReplace
	ListClear
)

type ListFieldListener func(id codec.ObjId, field string, index int, old, new any, change ListFieldChange)
type MapFieldListener func(id codec.ObjId, field string, key, old, new any)

// KeyRange optionally restricts a monitor step to object IDs in [Lo, Hi).
// A zero-value KeyRange matches everything.
type KeyRange struct {
	Lo, Hi []byte
}

func (r KeyRange) contains(id codec.ObjId) bool {
	if r.Lo == nil && r.Hi == nil {
		return true
	}
	if r.Lo != nil && bytes.Compare(id[:], r.Lo) < 0 {
		return false
	}
	if r.Hi != nil && bytes.Compare(id[:], r.Hi) >= 0 {
		return false
	}
	return true
}

// FieldChangeMonitor is one registration of a field-change listener over a
// reference path (§4.7): Path[i] is a reference field's storage ID, negated
// to request inverse traversal at that step; Filters[i] restricts the
// object set reached after step i (Filters[0] restricts the initiating
// object itself). Listener must be one of the four *FieldListener func
// types, matching FieldStorageID's field kind.
type FieldChangeMonitor struct {
	FieldStorageID uint64
	Path           []int64
	Filters        []KeyRange
	Listener       any
}

// funcPtr returns a comparable identity for a func value, used to dedupe
// registrations "by equality" per §4.8. Go funcs aren't comparable with ==,
// so registries compare the underlying code pointer; two distinct closures
// over the same function body are (correctly, if unusually) treated as
// equal, which is the one documented deviation from strict Go equality.
func funcPtr(f any) uintptr {
	return reflect.ValueOf(f).Pointer()
}

// Registry holds every listener and monitor registered against a
// Transaction, plus the in-flight delete set used for delete re-entrancy.
type Registry struct {
	creates  []CreateListener
	deletes  []DeleteListener
	schemas  []SchemaChangeListener
	monitors []*FieldChangeMonitor

	inProgressDelete map[codec.ObjId]bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{inProgressDelete: map[codec.ObjId]bool{}}
}

func (r *Registry) AddCreateListener(l CreateListener) {
	for _, existing := range r.creates {
		if funcPtr(existing) == funcPtr(l) {
			return
		}
	}
	r.creates = append(r.creates, l)
}

func (r *Registry) RemoveCreateListener(l CreateListener) {
	r.creates = removeByPtr(r.creates, l)
}

func (r *Registry) AddDeleteListener(l DeleteListener) {
	for _, existing := range r.deletes {
		if funcPtr(existing) == funcPtr(l) {
			return
		}
	}
	r.deletes = append(r.deletes, l)
}

func (r *Registry) RemoveDeleteListener(l DeleteListener) {
	r.deletes = removeByPtr(r.deletes, l)
}

func (r *Registry) AddSchemaChangeListener(l SchemaChangeListener) {
	for _, existing := range r.schemas {
		if funcPtr(existing) == funcPtr(l) {
			return
		}
	}
	r.schemas = append(r.schemas, l)
}

func (r *Registry) RemoveSchemaChangeListener(l SchemaChangeListener) {
	r.schemas = removeByPtr(r.schemas, l)
}

func (r *Registry) AddMonitor(m *FieldChangeMonitor) {
	r.monitors = append(r.monitors, m)
}

func (r *Registry) RemoveMonitor(m *FieldChangeMonitor) {
	out := r.monitors[:0]
	for _, existing := range r.monitors {
		if existing != m {
			out = append(out, existing)
		}
	}
	r.monitors = out
}

func (r *Registry) MonitorsFor(fieldStorageID uint64) []*FieldChangeMonitor {
	var out []*FieldChangeMonitor
	for _, m := range r.monitors {
		if m.FieldStorageID == fieldStorageID {
			out = append(out, m)
		}
	}
	return out
}

func removeByPtr[T any](list []T, target T) []T {
	out := list[:0]
	tp := funcPtr(target)
	for _, existing := range list {
		if funcPtr(existing) != tp {
			out = append(out, existing)
		}
	}
	return out
}

// --- Create / delete / schema-change delivery -------------------------

// NotifyCreate invokes every registered create listener.
func (r *Registry) NotifyCreate(id codec.ObjId) {
	for _, l := range r.creates {
		l(id)
	}
}

// NotifyDelete invokes every registered delete listener, enforcing §4.7's
// re-entrancy rule: a nested delete notification for the same id is a
// no-op that reports false, so callers (the delete engine) know not to
// proceed twice.
func (r *Registry) NotifyDelete(id codec.ObjId) bool {
	if r.inProgressDelete[id] {
		return false
	}
	r.inProgressDelete[id] = true
	defer delete(r.inProgressDelete, id)
	for _, l := range r.deletes {
		if !l(id) {
			return false
		}
	}
	return true
}

// NotifySchemaChange invokes every registered schema-change listener.
func (r *Registry) NotifySchemaChange(id codec.ObjId, oldSchemaID, newSchemaID string, oldValues map[string]any) {
	for _, l := range r.schemas {
		l(id, oldSchemaID, newSchemaID, oldValues)
	}
}

// --- Buffered field-change delivery ------------------------------------

// fieldEvent is one buffered field-change notification awaiting delivery.
type fieldEvent struct {
	storageID uint64
	seq       int
	deliver   func()
}

// Queue buffers field-change notifications raised during a mutation and
// flushes them, grouped by field storage ID ascending and insertion order
// within a group, once the outermost mutation completes. Flush drains
// re-entrantly: a listener that enqueues more events during delivery has
// those events delivered before Flush returns (§4.7).
type Queue struct {
	depth  int
	seq    int
	events []fieldEvent
}

// Enter/Leave bracket one mutation; only the outermost Leave triggers
// Flush, which is how nested engine calls (e.g. a cascading delete inside
// a field write) avoid delivering notifications mid-mutation.
func (q *Queue) Enter() { q.depth++ }

// Leave ends one mutation level, flushing buffered events if this was the
// outermost level.
func (q *Queue) Leave() {
	q.depth--
	if q.depth == 0 {
		q.flush()
	}
}

// enqueueSimple buffers a simple-field notification.
func (q *Queue) enqueueSimple(storageID uint64, l SimpleFieldListener, id codec.ObjId, field string, old, new any) {
	q.push(storageID, func() { l(id, field, old, new) })
}

func (q *Queue) enqueueSet(storageID uint64, l SetFieldListener, id codec.ObjId, field string, element any, added bool) {
	q.push(storageID, func() { l(id, field, element, added) })
}

func (q *Queue) enqueueList(storageID uint64, l ListFieldListener, id codec.ObjId, field string, index int, old, new any, change ListFieldChange) {
	q.push(storageID, func() { l(id, field, index, old, new, change) })
}

func (q *Queue) enqueueMap(storageID uint64, l MapFieldListener, id codec.ObjId, field string, key, old, new any) {
	q.push(storageID, func() { l(id, field, key, old, new) })
}

func (q *Queue) push(storageID uint64, deliver func()) {
	q.seq++
	q.events = append(q.events, fieldEvent{storageID: storageID, seq: q.seq, deliver: deliver})
}

func (q *Queue) flush() {
	for len(q.events) > 0 {
		batch := q.events
		q.events = nil
		sort.SliceStable(batch, func(i, j int) bool {
			if batch[i].storageID != batch[j].storageID {
				return batch[i].storageID < batch[j].storageID
			}
			return batch[i].seq < batch[j].seq
		})
		for _, ev := range batch {
			ev.deliver()
		}
	}
}

// dispatchRoots resolves, for one matching monitor, the set of objects that
// should actually receive the notification for a change observed on id:
// InvertPath walks the monitor's Path backward from id, so a monitor
// registered directly on the changed field (empty Path) resolves to {id}
// unchanged, and a monitor registered over a multi-hop reference path
// resolves to whatever root objects that path currently connects to id
// (§4.7 "Path inversion"). Resolution happens eagerly, against the KV state
// at the point of the mutation, not deferred to Queue.flush time.
func dispatchRoots(ctx context.Context, tx kv.Tx, resolveField FieldResolver, m *FieldChangeMonitor, id codec.ObjId) (map[codec.ObjId]bool, error) {
	return InvertPath(ctx, tx, resolveField, m, map[codec.ObjId]bool{id: true})
}

// DispatchFieldChange raises every matching monitor's listener for a field
// change on id, dispatching by the listener's concrete func type (the
// Go-native stand-in for "implements the interface appropriate to the
// field's current kind", §4.7) and resolving each monitor's reference path
// via dispatchRoots.
func DispatchFieldChange(ctx context.Context, tx kv.Tx, resolveField FieldResolver, q *Queue, reg *Registry, fieldStorageID uint64, field string, id codec.ObjId, old, new any) error {
	for _, m := range reg.MonitorsFor(fieldStorageID) {
		l, ok := m.Listener.(SimpleFieldListener)
		if !ok {
			continue
		}
		roots, err := dispatchRoots(ctx, tx, resolveField, m, id)
		if err != nil {
			return err
		}
		for root := range roots {
			q.enqueueSimple(fieldStorageID, l, root, field, old, new)
		}
	}
	return nil
}

// DispatchSetChange is DispatchFieldChange's set-field counterpart.
func DispatchSetChange(ctx context.Context, tx kv.Tx, resolveField FieldResolver, q *Queue, reg *Registry, fieldStorageID uint64, field string, id codec.ObjId, element any, added bool) error {
	for _, m := range reg.MonitorsFor(fieldStorageID) {
		l, ok := m.Listener.(SetFieldListener)
		if !ok {
			continue
		}
		roots, err := dispatchRoots(ctx, tx, resolveField, m, id)
		if err != nil {
			return err
		}
		for root := range roots {
			q.enqueueSet(fieldStorageID, l, root, field, element, added)
		}
	}
	return nil
}

// DispatchListChange is DispatchFieldChange's list-field counterpart.
func DispatchListChange(ctx context.Context, tx kv.Tx, resolveField FieldResolver, q *Queue, reg *Registry, fieldStorageID uint64, field string, id codec.ObjId, index int, old, new any, change ListFieldChange) error {
	for _, m := range reg.MonitorsFor(fieldStorageID) {
		l, ok := m.Listener.(ListFieldListener)
		if !ok {
			continue
		}
		roots, err := dispatchRoots(ctx, tx, resolveField, m, id)
		if err != nil {
			return err
		}
		for root := range roots {
			q.enqueueList(fieldStorageID, l, root, field, index, old, new, change)
		}
	}
	return nil
}

// DispatchMapChange is DispatchFieldChange's map-field counterpart.
func DispatchMapChange(ctx context.Context, tx kv.Tx, resolveField FieldResolver, q *Queue, reg *Registry, fieldStorageID uint64, field string, id codec.ObjId, key, old, new any) error {
	for _, m := range reg.MonitorsFor(fieldStorageID) {
		l, ok := m.Listener.(MapFieldListener)
		if !ok {
			continue
		}
		roots, err := dispatchRoots(ctx, tx, resolveField, m, id)
		if err != nil {
			return err
		}
		for root := range roots {
			q.enqueueMap(fieldStorageID, l, root, field, key, old, new)
		}
	}
	return nil
}

// --- Reference-path inversion -------------------------------------------

// InvertStep finds every object whose reference field refFieldStorageID
// currently points into target, restricted to filter. It requires
// refFieldStorageID's field to be indexed, since the simple index is the
// only structure that makes this reverse lookup tractable without a full
// object scan; registering a monitor path with an inverse step over an
// unindexed reference field is rejected at registration time by
// RequirePathIndexed.
func InvertStep(ctx context.Context, tx kv.Tx, field *schema.Field, target map[codec.ObjId]bool, filter KeyRange) (map[codec.ObjId]bool, error) {
	out := map[codec.ObjId]bool{}
	for t := range target {
		encoded, err := encodeReference(t)
		if err != nil {
			return nil, err
		}
		prefix := append(keys.SimpleIndexPrefix(field.StorageID), encoded...)
		hi := prefixUpperBound(prefix)
		it, err := tx.GetRange(ctx, prefix, hi, false)
		if err != nil {
			return nil, fmt.Errorf("notify: inverting field %d: %w", field.StorageID, err)
		}
		for it.Next() {
			key := it.KeyValue().Key
			referrer, err := codec.ParseObjId(key[len(key)-codec.ObjIdLen:])
			if err != nil {
				it.Close()
				return nil, err
			}
			if filter.contains(referrer) {
				out[referrer] = true
			}
		}
		if err := it.Err(); err != nil {
			it.Close()
			return nil, err
		}
		it.Close()
	}
	return out, nil
}

func encodeReference(id codec.ObjId) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.ReferenceEncoding{}
	if err := enc.Write(&buf, id); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
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

// forwardStep resolves, for each object in current, the value of field (a
// reference field the object itself holds): the direct, non-indexed
// counterpart to InvertStep, used for a Path step recorded as a forward
// (non-negated) traversal. Unlike InvertStep this needs no index, since the
// field is read straight off the holding object.
func forwardStep(ctx context.Context, tx kv.Tx, field *schema.Field, current map[codec.ObjId]bool, filter KeyRange) (map[codec.ObjId]bool, error) {
	out := map[codec.ObjId]bool{}
	for id := range current {
		v, err := objdata.ReadSimpleField(ctx, tx, id, field)
		if err != nil {
			return nil, err
		}
		ref, ok := v.(codec.ObjId)
		if !ok {
			continue
		}
		if filter.contains(ref) {
			out[ref] = true
		}
	}
	return out, nil
}

// InvertPath walks a monitor's Path backward from changed (the objects
// whose FieldStorageID just changed), resolving the root object set that
// should receive the notification (§4.7 "Path inversion"). An empty Path
// means the monitor is registered directly on the changed objects. Each
// step is traversed in whichever direction it was recorded: a negated step
// is an inverse traversal (resolved via the simple index, InvertStep) and a
// non-negated step is a forward traversal (resolved by reading the field
// directly, forwardStep) — the two directions the GLOSSARY's "Reference
// path" entry and Path's doc comment describe as symmetric.
func InvertPath(ctx context.Context, tx kv.Tx, resolveField FieldResolver, monitor *FieldChangeMonitor, changed map[codec.ObjId]bool) (map[codec.ObjId]bool, error) {
	current := changed
	if len(monitor.Filters) > 0 && len(monitor.Path) < len(monitor.Filters) {
		filtered := map[codec.ObjId]bool{}
		for id := range current {
			if monitor.Filters[len(monitor.Path)].contains(id) {
				filtered[id] = true
			}
		}
		current = filtered
	}
	for i := len(monitor.Path) - 1; i >= 0; i-- {
		step := monitor.Path[i]
		inverse := step < 0
		fieldStorageID := uint64(step)
		if inverse {
			fieldStorageID = uint64(-step)
		}
		field, err := resolveField(fieldStorageID)
		if err != nil {
			return nil, err
		}
		var filter KeyRange
		if i < len(monitor.Filters) {
			filter = monitor.Filters[i]
		}
		if inverse {
			current, err = InvertStep(ctx, tx, field, current, filter)
		} else {
			current, err = forwardStep(ctx, tx, field, current, filter)
		}
		if err != nil {
			return nil, err
		}
		if len(current) == 0 {
			return current, nil
		}
	}
	return current, nil
}

// RequirePathIndexed validates, at monitor-registration time, that every
// inverse (negated) step in path refers to an indexed reference field:
// InvertStep resolves an inverse step via the simple index, so an
// unindexed field there can never be traversed. Forward steps need no such
// check, since forwardStep reads the field directly rather than scanning an
// index.
func RequirePathIndexed(resolveField FieldResolver, path []int64) error {
	for _, step := range path {
		if step >= 0 {
			continue
		}
		field, err := resolveField(uint64(-step))
		if err != nil {
			return err
		}
		if !field.Indexed {
			return apperr.New(apperr.KindIllegalArgument, "field change monitor: field %q (storage id %d) must be indexed for inverse path traversal", field.Name, field.StorageID)
		}
	}
	return nil
}
