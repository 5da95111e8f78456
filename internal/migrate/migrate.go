// Package migrate implements schema migration of a single object (§4.6):
// moving it from its stored schema to the transaction's target schema,
// carrying forward compatible fields and resetting the rest.
package migrate

import (
	"fmt"

	"context"

	"github.com/permazen/permazen-sub003/internal/apperr"
	"github.com/permazen/permazen-sub003/internal/codec"
	"github.com/permazen/permazen-sub003/internal/index"
	"github.com/permazen/permazen-sub003/internal/keys"
	"github.com/permazen/permazen-sub003/internal/kv"
	"github.com/permazen/permazen-sub003/internal/notify"
	"github.com/permazen/permazen-sub003/internal/objdata"
	"github.com/permazen/permazen-sub003/internal/schema"
)

// fieldPair is a field present in both the old and new ObjType with a
// matching name and SchemaId: its value carries forward unchanged.
type fieldPair struct {
	old *schema.Field
	new *schema.Field
}

// Migrate moves id from its currently stored schema to newSchemaIndex,
// following §4.6's ten steps. It is a no-op if id is already stored under
// newSchemaIndex. Precondition: both schemas are registered in bundle.
func Migrate(ctx context.Context, tx kv.Tx, bundle *schema.Bundle, reg *notify.Registry, queue *notify.Queue, id codec.ObjId, newSchemaIndex uint64) error {
	queue.Enter()
	defer queue.Leave()

	info, err := objdata.Resolve(ctx, tx, bundle, id)
	if err != nil {
		return err
	}
	if info.SchemaIndex == newSchemaIndex {
		return nil
	}
	newSchema, ok := bundle.SchemaByIndex(newSchemaIndex)
	if !ok {
		return apperr.New(apperr.KindInconsistentDatabase, "migrating %s: target schema index %d not registered", id, newSchemaIndex)
	}
	oldOt := info.ObjType
	newOt, ok := newSchema.ObjTypes[oldOt.Name]
	if !ok {
		// Step 1.
		return apperr.New(apperr.KindTypeNotInSchema, "migrating %s: type %q not present in target schema", id, oldOt.Name)
	}

	// Step 2: drop composite-index entries whose index no longer exists,
	// or whose definition changed, in the target type.
	for name, oldCI := range oldOt.IndexesByName {
		newCI, ok := newOt.IndexesByName[name]
		if !ok || newCI.SchemaId != oldCI.SchemaId {
			if err := index.RemoveCompositeEntry(ctx, tx, oldCI, id); err != nil {
				return err
			}
		}
	}

	// Step 3: classify every old field as compatible or reset, applying
	// the reference allow-list rule; step 4: snapshot old values for the
	// listener payload, taken before anything is mutated.
	compatible := map[string]fieldPair{}
	var resetFields []*schema.Field
	oldValues := map[string]any{}
	for name, of := range oldOt.FieldsByName {
		nf, stillPresent := newOt.FieldsByName[name]
		isCompatible := stillPresent && of.SchemaId == nf.SchemaId

		switch of.Kind {
		case schema.FieldSimple, schema.FieldReference:
			v, err := objdata.ReadSimpleField(ctx, tx, id, of)
			if err != nil {
				return err
			}
			oldValues[name] = v
			if isCompatible && of.Kind == schema.FieldReference && v != nil {
				refID, _ := v.(codec.ObjId)
				if len(nf.AllowedTypeIDs) > 0 && !allowsType(nf.AllowedTypeIDs, refID) {
					isCompatible = false
				}
			}
		case schema.FieldCounter:
			v, err := objdata.ReadCounterField(ctx, tx, id, of)
			if err != nil {
				return err
			}
			oldValues[name] = v
		default:
			// Complex (set/list/map) field contents are not carried in the
			// listener's old-values snapshot; a migration-time snapshot of
			// every element would require materializing the whole
			// collection for every migrated object, which this
			// implementation does not do (documented simplification).
			oldValues[name] = nil
		}

		if isCompatible {
			compatible[name] = fieldPair{old: of, new: nf}
		} else {
			resetFields = append(resetFields, of)
		}
	}

	// Step 5: reset incompatible fields.
	for _, of := range resetFields {
		if err := resetField(ctx, tx, id, of); err != nil {
			return err
		}
	}

	// Step 6: initialize fields newly present in the target type (no
	// compatible old counterpart, whether because the name is brand new
	// or because step 3 rejected it).
	for name, nf := range newOt.FieldsByName {
		if _, ok := compatible[name]; ok {
			continue
		}
		switch nf.Kind {
		case schema.FieldSimple, schema.FieldReference:
			if nf.Indexed {
				if err := tx.Put(ctx, keys.SimpleIndexKey(nf.StorageID, nf.Encoding.DefaultValueBytes(), id), nil); err != nil {
					return fmt.Errorf("migrate: initializing index for %s: %w", nf.Name, err)
				}
			}
		case schema.FieldCounter:
			if err := objdata.SetCounterField(ctx, tx, id, nf, 0); err != nil {
				return err
			}
		}
	}

	// Step 7: fields common to both schemas whose indexing status
	// changed.
	for _, pair := range compatible {
		of, nf := pair.old, pair.new
		if of.Kind != schema.FieldSimple && of.Kind != schema.FieldReference {
			continue
		}
		if of.Indexed == nf.Indexed {
			continue
		}
		curBytes, err := index.FieldBytes(ctx, tx, id, nf)
		if err != nil {
			return err
		}
		switch {
		case nf.Indexed && !of.Indexed:
			if err := tx.Put(ctx, keys.SimpleIndexKey(nf.StorageID, curBytes, id), nil); err != nil {
				return err
			}
		case of.Indexed && !nf.Indexed:
			if err := tx.Remove(ctx, keys.SimpleIndexKey(of.StorageID, curBytes, id)); err != nil {
				return err
			}
		}
	}

	// Step 8: composite indexes new to the target type.
	for name, newCI := range newOt.IndexesByName {
		if oldCI, ok := oldOt.IndexesByName[name]; ok && oldCI.SchemaId == newCI.SchemaId {
			continue // step 2 left this one alone; it already has a live entry
		}
		if err := index.InsertCompositeEntry(ctx, tx, newCI, id); err != nil {
			return err
		}
	}

	// Step 9: rewrite meta-data, move the schema-index entry.
	if err := objdata.SetSchemaIndex(ctx, tx, id, newSchemaIndex); err != nil {
		return err
	}
	if err := index.MoveSchemaIndexEntry(ctx, tx, info.SchemaIndex, newSchemaIndex, id); err != nil {
		return err
	}

	// Step 10: notify.
	reg.NotifySchemaChange(id, oldOt.Schema.Model.SchemaId(), newSchema.Model.SchemaId(), oldValues)
	return nil
}

func allowsType(allowed []uint64, id codec.ObjId) bool {
	storageID, err := id.StorageID()
	if err != nil {
		return false
	}
	for _, t := range allowed {
		if t == storageID {
			return true
		}
	}
	return false
}

func resetField(ctx context.Context, tx kv.Tx, id codec.ObjId, f *schema.Field) error {
	switch f.Kind {
	case schema.FieldSimple, schema.FieldReference:
		if f.Indexed {
			oldBytes, err := index.FieldBytes(ctx, tx, id, f)
			if err != nil {
				return err
			}
			if err := tx.Remove(ctx, keys.SimpleIndexKey(f.StorageID, oldBytes, id)); err != nil {
				return err
			}
		}
		return tx.Remove(ctx, keys.FieldKey(id, f.StorageID))
	case schema.FieldCounter:
		return objdata.SetCounterField(ctx, tx, id, f, 0)
	case schema.FieldSet, schema.FieldList, schema.FieldMap:
		return index.ClearComplexField(ctx, tx, f, id)
	default:
		return nil
	}
}
