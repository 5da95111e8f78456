package txn_test

// End-to-end scenarios covering a cold store through schema migration and
// cascading delete, exercising objdb, txn, and their supporting packages
// together rather than in isolation.

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permazen/permazen-sub003/internal/apperr"
	"github.com/permazen/permazen-sub003/internal/codec"
	"github.com/permazen/permazen-sub003/internal/keys"
	"github.com/permazen/permazen-sub003/internal/kv"
	"github.com/permazen/permazen-sub003/internal/notify"
	"github.com/permazen/permazen-sub003/internal/schema"
	"github.com/permazen/permazen-sub003/objdb"
)

// nodeModel is a self-referential type with an indexed reference field, used
// by the FieldChangeMonitor Path tests below: inverse-path resolution needs
// the simple index InvertStep scans, and forward-path resolution needs a
// field to dereference directly.
func nodeModel(t *testing.T) *schema.Model {
	t.Helper()
	m, err := schema.NewModel([]*schema.ObjTypeModel{
		{
			Name: "Node",
			Fields: []*schema.FieldModel{
				{Name: "name", Kind: schema.FieldSimple, Encoding: codec.StringEncoding{}, Indexed: true},
				{
					Name:         "next",
					Kind:         schema.FieldReference,
					Encoding:     codec.ReferenceEncoding{},
					AllowedTypes: []string{"Node"},
					Indexed:      true,
					OnDelete:     schema.DeleteIgnore,
				},
			},
		},
	})
	require.NoError(t, err)
	return m
}

func personModel(t *testing.T, friendOnDelete schema.DeleteAction) *schema.Model {
	t.Helper()
	m, err := schema.NewModel([]*schema.ObjTypeModel{
		{
			Name: "Person",
			Fields: []*schema.FieldModel{
				{Name: "name", Kind: schema.FieldSimple, Encoding: codec.StringEncoding{}, Indexed: true},
				{
					Name:         "friend",
					Kind:         schema.FieldReference,
					Encoding:     codec.ReferenceEncoding{},
					AllowedTypes: []string{"Person"},
					OnDelete:     friendOnDelete,
				},
			},
		},
	})
	require.NoError(t, err)
	return m
}

func countRange(t *testing.T, tx kv.Tx, prefix []byte) int {
	t.Helper()
	hi := prefixUpperBound(prefix)
	it, err := tx.GetRange(context.Background(), prefix, hi, false)
	require.NoError(t, err)
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	require.NoError(t, it.Err())
	return n
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

// S1: a brand-new store, once a schema is registered, carries a format
// version, one Schema Table entry, and a Storage ID Table entry per item;
// no object exists yet.
func TestScenarioColdInit(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()

	db, err := objdb.Open(ctx, store)
	require.NoError(t, err)

	model := personModel(t, schema.DeleteNullify)
	idx, err := db.RegisterSchema(ctx, model)
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)

	checkTx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer checkTx.Rollback(ctx)

	_, ok, err := checkTx.Get(ctx, keys.FormatVersionKey())
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, 1, countRange(t, checkTx, keys.SchemaTablePrefix()))
	require.Equal(t, 3, countRange(t, checkTx, keys.StorageIDTablePrefix())) // Person, .name, .friend

	s, ok := db.Bundle().SchemaByIndex(idx)
	require.True(t, ok)
	personID, found := s.Model.ItemSchemaId("Person")
	require.True(t, found)
	require.NotEmpty(t, personID)

	tx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)
	objs, err := tx.QuerySchemaIndex(ctx, idx)
	require.NoError(t, err)
	require.Empty(t, objs)
	require.NoError(t, tx.Rollback(ctx))
}

// S2: creating objects, reading their fields back, and querying the simple
// index that name's Indexed declaration maintains.
func TestScenarioCreateReadIndex(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	db, err := objdb.Open(ctx, store)
	require.NoError(t, err)

	model := personModel(t, schema.DeleteNullify)
	_, err = db.RegisterSchema(ctx, model)
	require.NoError(t, err)

	tx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)

	p1, err := tx.Create(ctx, "Person")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(ctx, p1, "name", "Alice"))

	p2, err := tx.Create(ctx, "Person")
	require.NoError(t, err)
	require.NoError(t, tx.WriteSimpleField(ctx, p2, "name", "Bob"))
	require.NoError(t, tx.WriteSimpleField(ctx, p2, "friend", p1))

	name, err := tx.ReadSimpleField(ctx, p2, "name")
	require.NoError(t, err)
	require.Equal(t, "Bob", name)

	friend, err := tx.ReadSimpleField(ctx, p2, "friend")
	require.NoError(t, err)
	require.Equal(t, p1, friend)

	byName, err := tx.QuerySimpleIndex(ctx, "Person", "name")
	require.NoError(t, err)
	require.ElementsMatch(t, []codec.ObjId{p1}, byName["Alice"])
	require.ElementsMatch(t, []codec.ObjId{p2}, byName["Bob"])

	require.NoError(t, tx.Commit(ctx))
}

// S3: deleting the NULLIFY side of a reference clears the holder's field,
// removes the stale index entry, and fires exactly one field-change
// listener with the (referrer, old, new) triple the delete produced.
func TestScenarioDeleteNullify(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	db, err := objdb.Open(ctx, store)
	require.NoError(t, err)

	model := personModel(t, schema.DeleteNullify)
	idx, err := db.RegisterSchema(ctx, model)
	require.NoError(t, err)

	setupTx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)
	p1, err := setupTx.Create(ctx, "Person")
	require.NoError(t, err)
	require.NoError(t, setupTx.WriteSimpleField(ctx, p1, "name", "Alice"))
	p2, err := setupTx.Create(ctx, "Person")
	require.NoError(t, err)
	require.NoError(t, setupTx.WriteSimpleField(ctx, p2, "name", "Bob"))
	require.NoError(t, setupTx.WriteSimpleField(ctx, p2, "friend", p1))
	require.NoError(t, setupTx.Commit(ctx))

	s, ok := db.Bundle().SchemaByIndex(idx)
	require.True(t, ok)
	friendField := s.ObjTypes["Person"].FieldsByName["friend"]

	tx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)

	type event struct {
		id       codec.ObjId
		field    string
		old, new any
	}
	var fired []event
	monitor := &notify.FieldChangeMonitor{
		FieldStorageID: friendField.StorageID,
		Listener: notify.SimpleFieldListener(func(id codec.ObjId, field string, old, new any) {
			fired = append(fired, event{id, field, old, new})
		}),
	}
	require.NoError(t, tx.RegisterFieldChangeMonitor(monitor))

	existed, err := tx.Delete(ctx, p1)
	require.NoError(t, err)
	require.True(t, existed)

	require.Len(t, fired, 1)
	require.Equal(t, p2, fired[0].id)
	require.Equal(t, "friend", fired[0].field)
	require.Equal(t, p1, fired[0].old)
	require.Nil(t, fired[0].new)

	exists, err := tx.Exists(ctx, p1)
	require.NoError(t, err)
	require.False(t, exists)

	friend, err := tx.ReadSimpleField(ctx, p2, "friend")
	require.NoError(t, err)
	require.Nil(t, friend)

	byName, err := tx.QuerySimpleIndex(ctx, "Person", "name")
	require.NoError(t, err)
	require.NotContains(t, byName, "Alice")

	require.NoError(t, tx.Commit(ctx))
}

// S4: with friend's delete action set to EXCEPTION, deleting the
// referenced object fails and leaves the store untouched.
func TestScenarioDeleteException(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	db, err := objdb.Open(ctx, store)
	require.NoError(t, err)

	model := personModel(t, schema.DeleteException)
	_, err = db.RegisterSchema(ctx, model)
	require.NoError(t, err)

	setupTx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)
	p1, err := setupTx.Create(ctx, "Person")
	require.NoError(t, err)
	p2, err := setupTx.Create(ctx, "Person")
	require.NoError(t, err)
	require.NoError(t, setupTx.WriteSimpleField(ctx, p2, "friend", p1))
	require.NoError(t, setupTx.Commit(ctx))

	tx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)

	_, err = tx.Delete(ctx, p1)
	require.Error(t, err)
	require.True(t, apperr.Of(err, apperr.KindReferencedObject))

	exists, err := tx.Exists(ctx, p1)
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, tx.Rollback(ctx))

	verifyTx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)
	exists, err = verifyTx.Exists(ctx, p1)
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, verifyTx.Rollback(ctx))
}

// S5: migrating an object to a schema that adds an indexed field and drops
// the reference field carries the default value forward, reindexes it, and
// fires a schema-change listener with the dropped field's old value.
func TestScenarioSchemaMigration(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	db, err := objdb.Open(ctx, store)
	require.NoError(t, err)

	oldModel := personModel(t, schema.DeleteNullify)
	_, err = db.RegisterSchema(ctx, oldModel)
	require.NoError(t, err)

	setupTx, err := db.BeginTransaction(ctx, oldModel.SchemaId())
	require.NoError(t, err)
	p1, err := setupTx.Create(ctx, "Person")
	require.NoError(t, err)
	p2, err := setupTx.Create(ctx, "Person")
	require.NoError(t, err)
	require.NoError(t, setupTx.WriteSimpleField(ctx, p2, "name", "Bob"))
	require.NoError(t, setupTx.WriteSimpleField(ctx, p2, "friend", p1))
	require.NoError(t, setupTx.Commit(ctx))

	newModel, err := schema.NewModel([]*schema.ObjTypeModel{
		{
			Name: "Person",
			Fields: []*schema.FieldModel{
				{Name: "name", Kind: schema.FieldSimple, Encoding: codec.StringEncoding{}, Indexed: true},
				{Name: "age", Kind: schema.FieldSimple, Encoding: codec.Int64Encoding{}, Indexed: true},
			},
		},
	})
	require.NoError(t, err)
	_, err = db.RegisterSchema(ctx, newModel)
	require.NoError(t, err)

	tx, err := db.BeginTransaction(ctx, newModel.SchemaId())
	require.NoError(t, err)

	type schemaChangeEvent struct {
		id                       codec.ObjId
		oldSchemaID, newSchemaID string
		oldValues                map[string]any
	}
	var changed []schemaChangeEvent
	tx.RegisterSchemaChangeListener(func(id codec.ObjId, oldSchemaID, newSchemaID string, oldValues map[string]any) {
		changed = append(changed, schemaChangeEvent{id, oldSchemaID, newSchemaID, oldValues})
	})

	require.NoError(t, tx.Migrate(ctx, p2))

	require.Len(t, changed, 1)
	require.Equal(t, p2, changed[0].id)
	require.Equal(t, oldModel.SchemaId(), changed[0].oldSchemaID)
	require.Equal(t, newModel.SchemaId(), changed[0].newSchemaID)
	require.Equal(t, p1, changed[0].oldValues["friend"])

	age, err := tx.ReadSimpleField(ctx, p2, "age")
	require.NoError(t, err)
	require.Equal(t, int64(0), age)

	_, err = tx.ReadSimpleField(ctx, p2, "friend")
	require.Error(t, err)
	require.True(t, apperr.Of(err, apperr.KindUnknownField))

	byAge, err := tx.QuerySimpleIndex(ctx, "Person", "age")
	require.NoError(t, err)
	require.ElementsMatch(t, []codec.ObjId{p2}, byAge[int64(0)])

	require.NoError(t, tx.Commit(ctx))
}

// S6: deleting the holder of a forward_delete reference also deletes the
// referent, and both disappear from their schema index.
func TestScenarioForwardDeleteCascade(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	db, err := objdb.Open(ctx, store)
	require.NoError(t, err)

	model, err := schema.NewModel([]*schema.ObjTypeModel{
		{
			Name: "Child",
			Fields: []*schema.FieldModel{
				{Name: "label", Kind: schema.FieldSimple, Encoding: codec.StringEncoding{}},
			},
		},
		{
			Name: "Parent",
			Fields: []*schema.FieldModel{
				{
					Name:          "child",
					Kind:          schema.FieldReference,
					Encoding:      codec.ReferenceEncoding{},
					AllowedTypes:  []string{"Child"},
					OnDelete:      schema.DeleteIgnore,
					ForwardDelete: true,
				},
			},
		},
	})
	require.NoError(t, err)
	idx, err := db.RegisterSchema(ctx, model)
	require.NoError(t, err)

	setupTx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)
	c, err := setupTx.Create(ctx, "Child")
	require.NoError(t, err)
	pp, err := setupTx.Create(ctx, "Parent")
	require.NoError(t, err)
	require.NoError(t, setupTx.WriteSimpleField(ctx, pp, "child", c))
	require.NoError(t, setupTx.Commit(ctx))

	tx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)

	existed, err := tx.Delete(ctx, pp)
	require.NoError(t, err)
	require.True(t, existed)

	ppExists, err := tx.Exists(ctx, pp)
	require.NoError(t, err)
	require.False(t, ppExists)

	cExists, err := tx.Exists(ctx, c)
	require.NoError(t, err)
	require.False(t, cExists)

	objs, err := tx.QuerySchemaIndex(ctx, idx)
	require.NoError(t, err)
	require.Empty(t, objs)

	require.NoError(t, tx.Commit(ctx))
}

// A monitor with an inverse Path step fires on the root object reached by
// inverting an indexed reference field, not on the object whose field
// actually changed (§4.7 "Path inversion").
func TestFieldChangeMonitorInversePath(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	db, err := objdb.Open(ctx, store)
	require.NoError(t, err)

	model := nodeModel(t)
	idx, err := db.RegisterSchema(ctx, model)
	require.NoError(t, err)
	s, ok := db.Bundle().SchemaByIndex(idx)
	require.True(t, ok)
	nameField := s.ObjTypes["Node"].FieldsByName["name"]
	nextField := s.ObjTypes["Node"].FieldsByName["next"]

	setupTx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)
	root, err := setupTx.Create(ctx, "Node")
	require.NoError(t, err)
	leaf, err := setupTx.Create(ctx, "Node")
	require.NoError(t, err)
	require.NoError(t, setupTx.WriteSimpleField(ctx, root, "next", leaf))
	require.NoError(t, setupTx.Commit(ctx))

	tx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)

	type event struct {
		id    codec.ObjId
		field string
	}
	var fired []event
	monitor := &notify.FieldChangeMonitor{
		FieldStorageID: nameField.StorageID,
		Path:           []int64{-int64(nextField.StorageID)},
		Listener: notify.SimpleFieldListener(func(id codec.ObjId, field string, old, new any) {
			fired = append(fired, event{id, field})
		}),
	}
	require.NoError(t, tx.RegisterFieldChangeMonitor(monitor))

	require.NoError(t, tx.WriteSimpleField(ctx, leaf, "name", "leaf-name"))

	require.Len(t, fired, 1)
	require.Equal(t, root, fired[0].id)
	require.Equal(t, "name", fired[0].field)

	require.NoError(t, tx.Commit(ctx))
}

// A monitor with a forward Path step fires on the object reached by
// dereferencing a reference field directly, the counterpart to the inverse
// case above.
func TestFieldChangeMonitorForwardPath(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	db, err := objdb.Open(ctx, store)
	require.NoError(t, err)

	model := nodeModel(t)
	idx, err := db.RegisterSchema(ctx, model)
	require.NoError(t, err)
	s, ok := db.Bundle().SchemaByIndex(idx)
	require.True(t, ok)
	nameField := s.ObjTypes["Node"].FieldsByName["name"]
	nextField := s.ObjTypes["Node"].FieldsByName["next"]

	setupTx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)
	root, err := setupTx.Create(ctx, "Node")
	require.NoError(t, err)
	leaf, err := setupTx.Create(ctx, "Node")
	require.NoError(t, err)
	require.NoError(t, setupTx.WriteSimpleField(ctx, root, "next", leaf))
	require.NoError(t, setupTx.Commit(ctx))

	tx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)

	var fired []codec.ObjId
	monitor := &notify.FieldChangeMonitor{
		FieldStorageID: nameField.StorageID,
		Path:           []int64{int64(nextField.StorageID)},
		Listener: notify.SimpleFieldListener(func(id codec.ObjId, field string, old, new any) {
			fired = append(fired, id)
		}),
	}
	require.NoError(t, tx.RegisterFieldChangeMonitor(monitor))

	// root's own "name" change is observed at root; the forward step
	// dereferences root.next, so the listener fires on leaf.
	require.NoError(t, tx.WriteSimpleField(ctx, root, "name", "root-name"))

	require.Equal(t, []codec.ObjId{leaf}, fired)

	require.NoError(t, tx.Commit(ctx))
}

// Registering a monitor whose inverse Path step names an unindexed
// reference field is rejected up front, since InvertStep can only resolve
// an inverse step via the simple index.
func TestRegisterFieldChangeMonitorRejectsUnindexedInversePath(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	db, err := objdb.Open(ctx, store)
	require.NoError(t, err)

	model := personModel(t, schema.DeleteNullify) // "friend" is not Indexed
	_, err = db.RegisterSchema(ctx, model)
	require.NoError(t, err)
	s, ok := db.Bundle().SchemaByIndex(1)
	require.True(t, ok)
	nameField := s.ObjTypes["Person"].FieldsByName["name"]
	friendField := s.ObjTypes["Person"].FieldsByName["friend"]

	tx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)

	monitor := &notify.FieldChangeMonitor{
		FieldStorageID: nameField.StorageID,
		Path:           []int64{-int64(friendField.StorageID)},
		Listener:       notify.SimpleFieldListener(func(id codec.ObjId, field string, old, new any) {}),
	}
	err = tx.RegisterFieldChangeMonitor(monitor)
	require.Error(t, err)
	require.True(t, apperr.Of(err, apperr.KindIllegalArgument))

	require.NoError(t, tx.Rollback(ctx))
}

// When a delete target has both an EXCEPTION referrer and a DELETE
// (cascade) referrer, the outcome is pinned to ascending object-type
// storage-ID order rather than left to Go's randomized map iteration
// (spec's delete-ordering open question). ByException is declared before
// ByCascade and so receives the lower storage ID; its policy is applied
// first and aborts the whole delete before ByCascade's is ever reached.
func TestDeleteOrderingExceptionBeforeCascade(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	db, err := objdb.Open(ctx, store)
	require.NoError(t, err)

	model, err := schema.NewModel([]*schema.ObjTypeModel{
		{
			Name:   "Target",
			Fields: []*schema.FieldModel{{Name: "name", Kind: schema.FieldSimple, Encoding: codec.StringEncoding{}}},
		},
		{
			Name: "ByException",
			Fields: []*schema.FieldModel{
				{Name: "ref", Kind: schema.FieldReference, Encoding: codec.ReferenceEncoding{}, AllowedTypes: []string{"Target"}, OnDelete: schema.DeleteException},
			},
		},
		{
			Name: "ByCascade",
			Fields: []*schema.FieldModel{
				{Name: "ref", Kind: schema.FieldReference, Encoding: codec.ReferenceEncoding{}, AllowedTypes: []string{"Target"}, OnDelete: schema.DeleteCascade},
			},
		},
	})
	require.NoError(t, err)
	_, err = db.RegisterSchema(ctx, model)
	require.NoError(t, err)

	setupTx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)
	target, err := setupTx.Create(ctx, "Target")
	require.NoError(t, err)
	exc, err := setupTx.Create(ctx, "ByException")
	require.NoError(t, err)
	require.NoError(t, setupTx.WriteSimpleField(ctx, exc, "ref", target))
	casc, err := setupTx.Create(ctx, "ByCascade")
	require.NoError(t, err)
	require.NoError(t, setupTx.WriteSimpleField(ctx, casc, "ref", target))
	require.NoError(t, setupTx.Commit(ctx))

	tx, err := db.BeginTransaction(ctx, model.SchemaId())
	require.NoError(t, err)

	_, err = tx.Delete(ctx, target)
	require.Error(t, err)
	require.True(t, apperr.Of(err, apperr.KindReferencedObject))

	targetExists, err := tx.Exists(ctx, target)
	require.NoError(t, err)
	require.True(t, targetExists)
	cascExists, err := tx.Exists(ctx, casc)
	require.NoError(t, err)
	require.True(t, cascExists)

	require.NoError(t, tx.Rollback(ctx))
}
