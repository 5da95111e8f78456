// Package objdata is the object data plane (§4.4): object creation,
// existence checks, and simple/counter field read/write, all routed
// through the index package so index maintenance never drifts out of sync
// with a field write.
package objdata

import (
	"bytes"
	"context"
	"fmt"

	"github.com/permazen/permazen-sub003/internal/apperr"
	"github.com/permazen/permazen-sub003/internal/codec"
	"github.com/permazen/permazen-sub003/internal/index"
	"github.com/permazen/permazen-sub003/internal/keys"
	"github.com/permazen/permazen-sub003/internal/kv"
	"github.com/permazen/permazen-sub003/internal/schema"
)

// ObjInfo is the resolved identity of one object: its id, which schema
// index it currently lives under, and (if that schema is still registered
// in the Bundle the caller is using) its resolved ObjType.
type ObjInfo struct {
	ID          codec.ObjId
	SchemaIndex uint64
	ObjType     *schema.ObjType // nil if the owning schema is no longer registered
}

// ReadMetaData loads an object's schema-index pointer, returning
// (ObjInfo{}, false, nil) if the object does not exist.
func ReadMetaData(ctx context.Context, tx kv.Tx, id codec.ObjId) (ObjInfo, bool, error) {
	v, ok, err := tx.Get(ctx, keys.ObjectMetaDataKey(id))
	if err != nil {
		return ObjInfo{}, false, fmt.Errorf("objdata: reading meta-data for %s: %w", id, err)
	}
	if !ok {
		return ObjInfo{}, false, nil
	}
	r := bytes.NewReader(v)
	schemaIndex, err := codec.ReadUvarint(r)
	if err != nil {
		return ObjInfo{}, false, apperr.Wrap(apperr.KindInconsistentDatabase, err, "decoding meta-data for %s", id)
	}
	return ObjInfo{ID: id, SchemaIndex: schemaIndex}, true, nil
}

// Resolve loads an object's meta-data and links it to its ObjType in
// bundle, returning DeletedObject if absent and InconsistentDatabase if its
// schema index is no longer registered.
func Resolve(ctx context.Context, tx kv.Tx, bundle *schema.Bundle, id codec.ObjId) (ObjInfo, error) {
	info, ok, err := ReadMetaData(ctx, tx, id)
	if err != nil {
		return ObjInfo{}, err
	}
	if !ok {
		return ObjInfo{}, apperr.New(apperr.KindDeletedObject, "object %s does not exist", id)
	}
	s, ok := bundle.SchemaByIndex(info.SchemaIndex)
	if !ok {
		return ObjInfo{}, apperr.New(apperr.KindInconsistentDatabase, "object %s: schema index %d not registered", id, info.SchemaIndex)
	}
	storageID, err := id.StorageID()
	if err != nil {
		return ObjInfo{}, apperr.Wrap(apperr.KindInconsistentDatabase, err, "object %s: decoding owning type storage id", id)
	}
	ot, ok := s.ObjTypeByStorageID(storageID)
	if !ok {
		return ObjInfo{}, apperr.New(apperr.KindInconsistentDatabase, "object %s: owning type (storage id %d) not in schema index %d", id, storageID, info.SchemaIndex)
	}
	info.ObjType = ot
	return info, nil
}

func writeMetaData(ctx context.Context, tx kv.Tx, id codec.ObjId, schemaIndex uint64) error {
	var buf bytes.Buffer
	codec.WriteUvarint(&buf, schemaIndex)
	return tx.Put(ctx, keys.ObjectMetaDataKey(id), buf.Bytes())
}

// Create allocates a fresh ObjId of ot's type, writes its meta-data, and
// seeds default index entries for every indexed field and composite index
// (§4.4's create steps: "every field reads as its encoding's default until
// written; the default is still indexed").
func Create(ctx context.Context, tx kv.Tx, s *schema.Schema, ot *schema.ObjType) (codec.ObjId, error) {
	id, err := codec.NewObjId(ot.StorageID)
	if err != nil {
		return codec.ObjId{}, fmt.Errorf("objdata: creating %s: %w", ot.Name, err)
	}
	if err := writeMetaData(ctx, tx, id, s.Index); err != nil {
		return codec.ObjId{}, fmt.Errorf("objdata: creating %s: %w", ot.Name, err)
	}
	if err := index.PutSchemaIndexEntry(ctx, tx, s.Index, id); err != nil {
		return codec.ObjId{}, err
	}
	if err := index.CreateDefaultEntries(ctx, tx, ot, id); err != nil {
		return codec.ObjId{}, err
	}
	return id, nil
}

// CreateWithID is Create for the migration engine and detached-transaction
// copy-back path, which must preserve an object's existing ObjId.
func CreateWithID(ctx context.Context, tx kv.Tx, s *schema.Schema, ot *schema.ObjType, id codec.ObjId) error {
	if err := writeMetaData(ctx, tx, id, s.Index); err != nil {
		return fmt.Errorf("objdata: recreating %s: %w", ot.Name, err)
	}
	if err := index.PutSchemaIndexEntry(ctx, tx, s.Index, id); err != nil {
		return err
	}
	return index.CreateDefaultEntries(ctx, tx, ot, id)
}

// SetSchemaIndex rewrites id's meta-data to point at a new schema index
// (migration step 9); the caller is responsible for moving the
// schema-index entry alongside it.
func SetSchemaIndex(ctx context.Context, tx kv.Tx, id codec.ObjId, schemaIndex uint64) error {
	return writeMetaData(ctx, tx, id, schemaIndex)
}

// Exists reports whether id currently has meta-data in the store.
func Exists(ctx context.Context, tx kv.Tx, id codec.ObjId) (bool, error) {
	_, ok, err := tx.Get(ctx, keys.ObjectMetaDataKey(id))
	if err != nil {
		return false, fmt.Errorf("objdata: checking existence of %s: %w", id, err)
	}
	return ok, nil
}

// Delete removes every key belonging to id (meta-data, fields, complex
// sub-keys) and all of its index entries. Reference-integrity cascades are
// the delete engine's responsibility, not this function's; by the time
// Delete runs, every such decision has already been made.
func Delete(ctx context.Context, tx kv.Tx, info ObjInfo) error {
	if info.ObjType != nil {
		if err := index.RemoveAllEntries(ctx, tx, info.ObjType, info.ID); err != nil {
			return err
		}
		for _, f := range info.ObjType.FieldsByName {
			switch f.Kind {
			case schema.FieldSet, schema.FieldList, schema.FieldMap:
				if err := removeComplexField(ctx, tx, info.ID, f); err != nil {
					return err
				}
			}
		}
	}
	if err := index.RemoveSchemaIndexEntry(ctx, tx, info.SchemaIndex, info.ID); err != nil {
		return err
	}
	if err := tx.RemoveRange(ctx, keys.ObjectPrefix(info.ID), prefixUpperBound(keys.ObjectPrefix(info.ID))); err != nil {
		return fmt.Errorf("objdata: removing object range for %s: %w", info.ID, err)
	}
	return tx.Remove(ctx, keys.ObjectMetaDataKey(info.ID))
}

// removeComplexField drops every sub-key index entry for a set/list/map
// field ahead of the bulk object-range delete that removes the data itself.
func removeComplexField(ctx context.Context, tx kv.Tx, id codec.ObjId, f *schema.Field) error {
	if !f.Indexed {
		return nil
	}
	prefix := keys.ComplexFieldPrefix(id, f.StorageID)
	it, err := tx.GetRange(ctx, prefix, prefixUpperBound(prefix), false)
	if err != nil {
		return fmt.Errorf("objdata: scanning complex field %s for delete: %w", f.Name, err)
	}
	defer it.Close()
	for it.Next() {
		kvPair := it.KeyValue()
		subKey := kvPair.Key[len(prefix):]
		if err := index.WriteComplexSubFieldIndexEntry(ctx, tx, f, id, subKey, kvPair.Value, nil); err != nil {
			return err
		}
	}
	return it.Err()
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

// ReadSimpleField returns a field's current decoded value, or its
// encoding's default if unset.
func ReadSimpleField(ctx context.Context, tx kv.Tx, id codec.ObjId, f *schema.Field) (any, error) {
	v, ok, err := tx.Get(ctx, keys.FieldKey(id, f.StorageID))
	if err != nil {
		return nil, fmt.Errorf("objdata: reading field %s: %w", f.Name, err)
	}
	if !ok {
		return f.Encoding.DefaultValue(), nil
	}
	r := bytes.NewReader(v)
	val, err := f.Encoding.Read(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInconsistentDatabase, err, "decoding field %s", f.Name)
	}
	return val, nil
}

// WriteSimpleField encodes value and writes it to field's key, updating
// every simple and composite index entry that depends on it (§4.4). A
// reference to an object whose type is not in a reference field's
// allow-list is rejected with InvalidReference before anything is written.
func WriteSimpleField(ctx context.Context, tx kv.Tx, id codec.ObjId, f *schema.Field, value any) error {
	if ref, ok := value.(codec.ObjId); ok && f.Kind == schema.FieldReference && len(f.AllowedTypeIDs) > 0 {
		storageID, err := ref.StorageID()
		if err != nil {
			return apperr.Wrap(apperr.KindInvalidReference, err, "field %s: decoding type of %s", f.Name, ref)
		}
		allowed := false
		for _, t := range f.AllowedTypeIDs {
			allowed = allowed || t == storageID
		}
		if !allowed {
			return apperr.New(apperr.KindInvalidReference, "field %s: object %s is not of an allowed type", f.Name, ref)
		}
	}
	oldBytes, err := index.FieldBytes(ctx, tx, id, f)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := f.Encoding.Write(&buf, value); err != nil {
		return apperr.Wrap(apperr.KindIllegalArgument, err, "encoding field %s", f.Name)
	}
	newBytes := buf.Bytes()
	if err := tx.Put(ctx, keys.FieldKey(id, f.StorageID), newBytes); err != nil {
		return fmt.Errorf("objdata: writing field %s: %w", f.Name, err)
	}
	if err := index.WriteSimpleFieldIndexEntry(ctx, tx, f, id, oldBytes, newBytes); err != nil {
		return err
	}
	return index.RebuildCompositeEntriesForField(ctx, tx, f, id, oldBytes, newBytes)
}

// ReadCounterField returns a counter field's current int64 value.
func ReadCounterField(ctx context.Context, tx kv.Tx, id codec.ObjId, f *schema.Field) (int64, error) {
	v, ok, err := tx.Get(ctx, keys.FieldKey(id, f.StorageID))
	if err != nil {
		return 0, fmt.Errorf("objdata: reading counter %s: %w", f.Name, err)
	}
	if !ok {
		return 0, nil
	}
	return tx.DecodeCounter(v)
}

// SetCounterField overwrites a counter field's value directly (distinct
// from AdjustCounterField's atomic delta, per §4.4's "set" vs "adjust").
func SetCounterField(ctx context.Context, tx kv.Tx, id codec.ObjId, f *schema.Field, value int64) error {
	return tx.Put(ctx, keys.FieldKey(id, f.StorageID), tx.EncodeCounter(value))
}

// AdjustCounterField applies delta to a counter field and returns its new
// value, using the KV backend's atomic adjust primitive (§6.5) so
// concurrent adjustments never lose an update.
func AdjustCounterField(ctx context.Context, tx kv.Tx, id codec.ObjId, f *schema.Field, delta int64) (int64, error) {
	return tx.AdjustCounter(ctx, keys.FieldKey(id, f.StorageID), delta)
}
