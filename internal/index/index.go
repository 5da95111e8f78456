// Package index maintains simple, composite, complex-sub-field, and schema
// indexes in lockstep with object data writes (§3.3, §3.4, §4.4). It is the
// one place that knows how an index entry's key is built and rebuilt, so
// object-data writes, schema migration, and delete all route index
// maintenance through here.
package index

import (
	"bytes"
	"context"
	"fmt"

	"github.com/permazen/permazen-sub003/internal/codec"
	"github.com/permazen/permazen-sub003/internal/keys"
	"github.com/permazen/permazen-sub003/internal/kv"
	"github.com/permazen/permazen-sub003/internal/schema"
)

// FieldBytes returns the raw KV value at the field's key, or the encoding's
// default bytes if the key is absent (§4.4: "absent = default").
func FieldBytes(ctx context.Context, tx kv.Tx, id codec.ObjId, field *schema.Field) ([]byte, error) {
	v, ok, err := tx.Get(ctx, keys.FieldKey(id, field.StorageID))
	if err != nil {
		return nil, fmt.Errorf("index: reading field %s: %w", field.Name, err)
	}
	if !ok {
		return field.Encoding.DefaultValueBytes(), nil
	}
	return v, nil
}

// WriteSimpleFieldIndexEntry updates the simple index entry for field, if
// it is indexed, replacing oldBytes with newBytes. Passing equal
// oldBytes/newBytes is a safe no-op.
func WriteSimpleFieldIndexEntry(ctx context.Context, tx kv.Tx, field *schema.Field, id codec.ObjId, oldBytes, newBytes []byte) error {
	if !field.Indexed || bytes.Equal(oldBytes, newBytes) {
		return nil
	}
	if err := tx.Remove(ctx, keys.SimpleIndexKey(field.StorageID, oldBytes, id)); err != nil {
		return fmt.Errorf("index: removing old simple index entry for %s: %w", field.Name, err)
	}
	if err := tx.Put(ctx, keys.SimpleIndexKey(field.StorageID, newBytes, id), nil); err != nil {
		return fmt.Errorf("index: writing simple index entry for %s: %w", field.Name, err)
	}
	return nil
}

// WriteComplexSubFieldIndexEntry is WriteSimpleFieldIndexEntry's
// counterpart for an indexed set/list/map sub-field occurrence: subKey
// identifies which occurrence (the encoded element for a set, the encoded
// index for a list, the encoded key for a map) the value belongs to.
func WriteComplexSubFieldIndexEntry(ctx context.Context, tx kv.Tx, field *schema.Field, id codec.ObjId, subKey []byte, oldBytes, newBytes []byte) error {
	if bytes.Equal(oldBytes, newBytes) {
		return nil
	}
	if oldBytes != nil {
		if err := tx.Remove(ctx, keys.SimpleIndexSubKey(field.StorageID, oldBytes, id, subKey)); err != nil {
			return fmt.Errorf("index: removing old sub-field index entry for %s: %w", field.Name, err)
		}
	}
	if newBytes != nil {
		if err := tx.Put(ctx, keys.SimpleIndexSubKey(field.StorageID, newBytes, id, subKey), nil); err != nil {
			return fmt.Errorf("index: writing sub-field index entry for %s: %w", field.Name, err)
		}
	}
	return nil
}

// compositeKeyFor builds a composite index's current key for id, reading
// every member field's bytes from the KV store except changedField, whose
// value is supplied directly (so callers can ask for both the pre- and
// post-write key without writing the new value first).
func compositeKeyFor(ctx context.Context, tx kv.Tx, ci *schema.CompositeIndex, id codec.ObjId, changedField *schema.Field, changedValue []byte) ([]byte, error) {
	values := make([][]byte, len(ci.Fields))
	for i, f := range ci.Fields {
		if changedField != nil && f.StorageID == changedField.StorageID {
			values[i] = changedValue
			continue
		}
		b, err := FieldBytes(ctx, tx, id, f)
		if err != nil {
			return nil, err
		}
		values[i] = b
	}
	return keys.CompositeIndexKey(ci.StorageID, values, id), nil
}

// RebuildCompositeEntriesForField updates every composite index on field's
// object type that includes field, after field's value changes from
// oldBytes to newBytes (§4.4: "splicing the new encoded value into the
// exact byte position").
func RebuildCompositeEntriesForField(ctx context.Context, tx kv.Tx, field *schema.Field, id codec.ObjId, oldBytes, newBytes []byte) error {
	for _, ci := range field.ObjType.IndexesByName {
		if !compositeIncludes(ci, field) {
			continue
		}
		oldKey, err := compositeKeyFor(ctx, tx, ci, id, field, oldBytes)
		if err != nil {
			return err
		}
		newKey, err := compositeKeyFor(ctx, tx, ci, id, field, newBytes)
		if err != nil {
			return err
		}
		if bytes.Equal(oldKey, newKey) {
			continue
		}
		if err := tx.Remove(ctx, oldKey); err != nil {
			return fmt.Errorf("index: removing old composite entry %s: %w", ci.Name, err)
		}
		if err := tx.Put(ctx, newKey, nil); err != nil {
			return fmt.Errorf("index: writing composite entry %s: %w", ci.Name, err)
		}
	}
	return nil
}

func compositeIncludes(ci *schema.CompositeIndex, field *schema.Field) bool {
	for _, f := range ci.Fields {
		if f.StorageID == field.StorageID {
			return true
		}
	}
	return false
}

// CreateDefaultEntries writes the default-valued index entries for a freshly
// created object: one per indexed simple or reference field, and one per
// composite index (using every member field's encoding default), per §4.4's
// create steps.
func CreateDefaultEntries(ctx context.Context, tx kv.Tx, ot *schema.ObjType, id codec.ObjId) error {
	for _, f := range ot.FieldsByName {
		if (f.Kind == schema.FieldSimple || f.Kind == schema.FieldReference) && f.Indexed {
			if err := tx.Put(ctx, keys.SimpleIndexKey(f.StorageID, f.Encoding.DefaultValueBytes(), id), nil); err != nil {
				return fmt.Errorf("index: creating default entry for %s: %w", f.Name, err)
			}
		}
	}
	for _, ci := range ot.IndexesByName {
		values := make([][]byte, len(ci.Fields))
		for i, f := range ci.Fields {
			values[i] = f.Encoding.DefaultValueBytes()
		}
		if err := tx.Put(ctx, keys.CompositeIndexKey(ci.StorageID, values, id), nil); err != nil {
			return fmt.Errorf("index: creating default composite entry for %s: %w", ci.Name, err)
		}
	}
	return nil
}

// RemoveAllEntries removes every simple and composite index entry
// referencing id, reading each member field's current value to reconstruct
// the exact key that was inserted (index entries are not addressable by
// ObjId prefix alone, so the current value must be known to delete them;
// §3.2 "Lifecycle").
func RemoveAllEntries(ctx context.Context, tx kv.Tx, ot *schema.ObjType, id codec.ObjId) error {
	for _, f := range ot.FieldsByName {
		if (f.Kind == schema.FieldSimple || f.Kind == schema.FieldReference) && f.Indexed {
			b, err := FieldBytes(ctx, tx, id, f)
			if err != nil {
				return err
			}
			if err := tx.Remove(ctx, keys.SimpleIndexKey(f.StorageID, b, id)); err != nil {
				return fmt.Errorf("index: removing entry for %s: %w", f.Name, err)
			}
		}
	}
	for _, ci := range ot.IndexesByName {
		key, err := compositeKeyFor(ctx, tx, ci, id, nil, nil)
		if err != nil {
			return err
		}
		if err := tx.Remove(ctx, key); err != nil {
			return fmt.Errorf("index: removing composite entry %s: %w", ci.Name, err)
		}
	}
	return nil
}

// CompositeEntryKey returns the key a composite index's current entry for
// id would occupy, reading every member field's live value.
func CompositeEntryKey(ctx context.Context, tx kv.Tx, ci *schema.CompositeIndex, id codec.ObjId) ([]byte, error) {
	return compositeKeyFor(ctx, tx, ci, id, nil, nil)
}

// RemoveCompositeEntry removes a composite index's current entry for id
// (migration step 2: dropping an index that no longer exists, or whose
// definition changed, in the new schema).
func RemoveCompositeEntry(ctx context.Context, tx kv.Tx, ci *schema.CompositeIndex, id codec.ObjId) error {
	key, err := CompositeEntryKey(ctx, tx, ci, id)
	if err != nil {
		return err
	}
	return tx.Remove(ctx, key)
}

// InsertCompositeEntry inserts a composite index's current entry for id
// (migration step 8: a composite index newly present in the target
// schema).
func InsertCompositeEntry(ctx context.Context, tx kv.Tx, ci *schema.CompositeIndex, id codec.ObjId) error {
	key, err := CompositeEntryKey(ctx, tx, ci, id)
	if err != nil {
		return err
	}
	return tx.Put(ctx, key, nil)
}

// ClearComplexField deletes every sub-key of a set/list/map field and, if
// the field is indexed, its matching sub-field index entries (migration
// step 5's complex-field reset case).
func ClearComplexField(ctx context.Context, tx kv.Tx, f *schema.Field, id codec.ObjId) error {
	prefix := keys.ComplexFieldPrefix(id, f.StorageID)
	hi := prefixUpperBound(prefix)
	it, err := tx.GetRange(ctx, prefix, hi, false)
	if err != nil {
		return fmt.Errorf("index: scanning complex field %s for reset: %w", f.Name, err)
	}
	defer it.Close()
	var toRemove []kv.KeyValue
	for it.Next() {
		kvPair := it.KeyValue()
		toRemove = append(toRemove, kv.KeyValue{Key: append([]byte(nil), kvPair.Key...), Value: append([]byte(nil), kvPair.Value...)})
	}
	if err := it.Err(); err != nil {
		return err
	}
	for _, kvPair := range toRemove {
		if f.Indexed {
			subKey := kvPair.Key[len(prefix):]
			if err := WriteComplexSubFieldIndexEntry(ctx, tx, f, id, subKey, kvPair.Value, nil); err != nil {
				return err
			}
		}
		if err := tx.Remove(ctx, kvPair.Key); err != nil {
			return fmt.Errorf("index: clearing complex field %s: %w", f.Name, err)
		}
	}
	return nil
}

// PutSchemaIndexEntry records that id is currently stored under
// schemaIndex (§3.4).
func PutSchemaIndexEntry(ctx context.Context, tx kv.Tx, schemaIndex uint64, id codec.ObjId) error {
	return tx.Put(ctx, keys.SchemaIndexEntryKey(schemaIndex, id), nil)
}

// RemoveSchemaIndexEntry is PutSchemaIndexEntry's inverse.
func RemoveSchemaIndexEntry(ctx context.Context, tx kv.Tx, schemaIndex uint64, id codec.ObjId) error {
	return tx.Remove(ctx, keys.SchemaIndexEntryKey(schemaIndex, id))
}

// MoveSchemaIndexEntry removes id from oldIndex and adds it to newIndex, for
// migration's meta-data rewrite step (§4.6 step 9).
func MoveSchemaIndexEntry(ctx context.Context, tx kv.Tx, oldIndex, newIndex uint64, id codec.ObjId) error {
	if err := RemoveSchemaIndexEntry(ctx, tx, oldIndex, id); err != nil {
		return err
	}
	return PutSchemaIndexEntry(ctx, tx, newIndex, id)
}

// IterateSchemaIndex returns every ObjId currently stored under schemaIndex,
// used by delete-referrer resolution and Transaction.QuerySchemaIndex.
func IterateSchemaIndex(ctx context.Context, tx kv.Tx, schemaIndex uint64) ([]codec.ObjId, error) {
	prefix := keys.SchemaIndexPrefix(schemaIndex)
	hi := prefixUpperBound(prefix)
	it, err := tx.GetRange(ctx, prefix, hi, false)
	if err != nil {
		return nil, fmt.Errorf("index: iterating schema index %d: %w", schemaIndex, err)
	}
	defer it.Close()
	var ids []codec.ObjId
	for it.Next() {
		_, id, err := keys.ParseSchemaIndexEntryKey(it.KeyValue().Key)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// QuerySimpleIndex returns every (value, ObjId) pair currently recorded in
// field's simple index, grouped by decoded value. Used by index inspection
// and the engine's own end-to-end tests; ordinary object access never needs
// it, since index maintenance is otherwise write-only from the engine's
// point of view.
func QuerySimpleIndex(ctx context.Context, tx kv.Tx, field *schema.Field) (map[any][]codec.ObjId, error) {
	prefix := keys.SimpleIndexPrefix(field.StorageID)
	hi := prefixUpperBound(prefix)
	it, err := tx.GetRange(ctx, prefix, hi, false)
	if err != nil {
		return nil, fmt.Errorf("index: querying simple index for %s: %w", field.Name, err)
	}
	defer it.Close()

	result := map[any][]codec.ObjId{}
	for it.Next() {
		key := it.KeyValue().Key
		if len(key) < codec.ObjIdLen {
			return nil, fmt.Errorf("index: truncated simple index entry for %s", field.Name)
		}
		valueBytes := key[len(prefix) : len(key)-codec.ObjIdLen]
		id, err := codec.ParseObjId(key[len(key)-codec.ObjIdLen:])
		if err != nil {
			return nil, fmt.Errorf("index: parsing simple index entry for %s: %w", field.Name, err)
		}
		value, err := field.Encoding.Read(bytes.NewReader(valueBytes))
		if err != nil {
			return nil, fmt.Errorf("index: decoding simple index value for %s: %w", field.Name, err)
		}
		result[value] = append(result[value], id)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// prefixUpperBound returns the smallest key that sorts strictly after every
// key with the given prefix, i.e. the exclusive upper bound of a prefix
// range scan.
func prefixUpperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xFF {
			up[i]++
			return up[:i+1]
		}
	}
	return nil // prefix is all 0xFF: no finite upper bound, caller passes nil for "to the end"
}
