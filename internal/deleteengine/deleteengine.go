// Package deleteengine applies §4.5's reference-integrity policies when an
// object is deleted: it finds every referrer across every registered
// schema (§3.4's "per-schema iteration during delete-referrer resolution"),
// applies each reference field's DeleteAction, and drives the transitive
// worklist that DELETE and forward_delete produce.
package deleteengine

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/permazen/permazen-sub003/internal/apperr"
	"github.com/permazen/permazen-sub003/internal/codec"
	"github.com/permazen/permazen-sub003/internal/index"
	"github.com/permazen/permazen-sub003/internal/keys"
	"github.com/permazen/permazen-sub003/internal/kv"
	"github.com/permazen/permazen-sub003/internal/notify"
	"github.com/permazen/permazen-sub003/internal/objdata"
	"github.com/permazen/permazen-sub003/internal/schema"
)

// Delete removes id and every object its deletion cascades to (DELETE
// referrers, forward_delete referents), applying reference-integrity
// policy against every other referrer along the way. The whole operation
// is one notification-buffering unit (§4.7: notifications are delivered
// once the outermost mutation completes).
func Delete(ctx context.Context, tx kv.Tx, bundle *schema.Bundle, reg *notify.Registry, queue *notify.Queue, id codec.ObjId) error {
	queue.Enter()
	defer queue.Leave()

	worklist := []codec.ObjId{id}
	processed := map[codec.ObjId]bool{}

	for len(worklist) > 0 {
		cur := worklist[0]
		worklist = worklist[1:]
		if processed[cur] {
			continue
		}
		exists, err := objdata.Exists(ctx, tx, cur)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if !reg.NotifyDelete(cur) {
			continue // re-entrant delete of the same id: no-op (§4.7)
		}
		info, err := objdata.Resolve(ctx, tx, bundle, cur)
		if err != nil {
			return err
		}

		more, err := applyReferrerPolicies(ctx, tx, bundle, reg, queue, cur)
		if err != nil {
			return err
		}
		worklist = append(worklist, more...)

		forward, err := collectForwardDeleteTargets(ctx, tx, info)
		if err != nil {
			return err
		}

		if err := objdata.Delete(ctx, tx, info); err != nil {
			return err
		}
		processed[cur] = true
		worklist = append(worklist, forward...)
	}
	return nil
}

// orderedObjTypes returns s's object types sorted by ascending storage ID,
// a fixed and documented order so a DELETE-vs-EXCEPTION race between two
// referrers (spec §9 "the source's ordering is unspecified") resolves the
// same way on every run: the referrer with the lower (type, field) storage
// ID pair is applied first.
func orderedObjTypes(s *schema.Schema) []*schema.ObjType {
	out := make([]*schema.ObjType, 0, len(s.ObjTypes))
	for _, ot := range s.ObjTypes {
		out = append(out, ot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StorageID < out[j].StorageID })
	return out
}

// orderedFields returns ot's fields sorted by ascending storage ID, the
// field-side half of orderedObjTypes' fixed ordering rule.
func orderedFields(ot *schema.ObjType) []*schema.Field {
	out := make([]*schema.Field, 0, len(ot.FieldsByName))
	for _, f := range ot.FieldsByName {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StorageID < out[j].StorageID })
	return out
}

// applyReferrerPolicies scans every object type in every registered schema,
// in ascending storage-ID order (orderedObjTypes/orderedFields), for
// reference fields (simple or complex-element) that could point at target,
// and applies that field's DeleteAction in that fixed order. It returns the
// ids of any referrer that DeleteAction.DELETE marked for transitive
// deletion.
//
// The fixed order matters when one delete touches both a DELETE referrer
// and an EXCEPTION referrer of the same target: whichever referrer's
// (object type, field) pair sorts first is applied first, so an EXCEPTION
// referrer earlier in storage-ID order always aborts the delete before a
// later DELETE referrer's cascade can run, and vice versa — deterministic
// across runs rather than dependent on Go's randomized map iteration.
func applyReferrerPolicies(ctx context.Context, tx kv.Tx, bundle *schema.Bundle, reg *notify.Registry, queue *notify.Queue, target codec.ObjId) ([]codec.ObjId, error) {
	targetType, err := target.StorageID()
	if err != nil {
		return nil, fmt.Errorf("deleteengine: decoding target type: %w", err)
	}
	resolveField := func(storageID uint64) (*schema.Field, error) {
		f, ok := bundle.FieldByStorageID(storageID)
		if !ok {
			return nil, apperr.New(apperr.KindUnknownField, "no field with storage id %d", storageID)
		}
		return f, nil
	}

	var toDelete []codec.ObjId
	for _, s := range bundle.Schemas() {
		for _, ot := range orderedObjTypes(s) {
			for _, f := range orderedFields(ot) {
				if !referenceCompatible(f, targetType) {
					continue
				}
				ids, err := index.IterateSchemaIndex(ctx, tx, s.Index)
				if err != nil {
					return nil, err
				}
				sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
				for _, referrer := range ids {
					referrerType, err := referrer.StorageID()
					if err != nil {
						return nil, err
					}
					if referrerType != ot.StorageID {
						continue
					}
					marked, err := applyFieldPolicy(ctx, tx, resolveField, reg, queue, ot, f, referrer, target)
					if err != nil {
						return nil, err
					}
					if marked {
						toDelete = append(toDelete, referrer)
					}
				}
			}
		}
	}
	return toDelete, nil
}

// referenceCompatible reports whether field f could ever hold a reference
// to an object of targetType: f itself is a reference field, or a
// set/list/map field whose element (or map value) encoding is a
// reference, and f's allow-list (if any) includes targetType.
func referenceCompatible(f *schema.Field, targetType uint64) bool {
	isRef := f.Kind == schema.FieldReference
	if !isRef {
		if f.Kind != schema.FieldSet && f.Kind != schema.FieldList && f.Kind != schema.FieldMap {
			return false
		}
		if _, ok := f.Encoding.(codec.ReferenceEncoding); ok {
			isRef = true
		} else if f.ValueEncoding != nil {
			if _, ok := f.ValueEncoding.(codec.ReferenceEncoding); ok {
				isRef = true
			}
		}
	}
	if !isRef {
		return false
	}
	if len(f.AllowedTypeIDs) == 0 {
		return true
	}
	for _, t := range f.AllowedTypeIDs {
		if t == targetType {
			return true
		}
	}
	return false
}

// applyFieldPolicy applies f's DeleteAction against referrer's occurrence
// of a reference to target, reporting whether referrer must now itself be
// transitively deleted.
func applyFieldPolicy(ctx context.Context, tx kv.Tx, resolveField notify.FieldResolver, reg *notify.Registry, queue *notify.Queue, ot *schema.ObjType, f *schema.Field, referrer, target codec.ObjId) (bool, error) {
	if f.Kind == schema.FieldReference {
		return applySimplePolicy(ctx, tx, resolveField, reg, queue, f, referrer, target)
	}
	return applyComplexPolicy(ctx, tx, f, referrer, target)
}

func applySimplePolicy(ctx context.Context, tx kv.Tx, resolveField notify.FieldResolver, reg *notify.Registry, queue *notify.Queue, f *schema.Field, referrer, target codec.ObjId) (bool, error) {
	cur, err := objdata.ReadSimpleField(ctx, tx, referrer, f)
	if err != nil {
		return false, err
	}
	curID, ok := cur.(codec.ObjId)
	if !ok || curID != target {
		return false, nil
	}
	switch f.OnDelete {
	case schema.DeleteException:
		if referrer == target {
			return false, nil // self-references never trigger EXCEPTION (§4.5)
		}
		return false, apperr.New(apperr.KindReferencedObject, "object %s is referenced by %s.%s", target, fieldOwnerName(f), f.Name)
	case schema.DeleteNullify, schema.DeleteRemove:
		if err := objdata.WriteSimpleField(ctx, tx, referrer, f, nil); err != nil {
			return false, err
		}
		if err := notify.DispatchFieldChange(ctx, tx, resolveField, queue, reg, f.StorageID, f.Name, referrer, target, nil); err != nil {
			return false, err
		}
		return false, nil
	case schema.DeleteCascade:
		return true, nil
	case schema.DeleteIgnore:
		return false, nil
	default:
		return false, nil
	}
}

func fieldOwnerName(f *schema.Field) string {
	if f.ObjType != nil {
		return f.ObjType.Name
	}
	return "?"
}

// applyComplexPolicy applies f's DeleteAction against every sub-key
// occurrence of target within a set/list/map field. NULLIFY and REMOVE are
// both implemented as removing the occurrence: for a set, the element *is*
// the key, so there is nothing left to nullify to; for a list, the removed
// position leaves a gap and the indices after it are not re-packed.
func applyComplexPolicy(ctx context.Context, tx kv.Tx, f *schema.Field, referrer, target codec.ObjId) (bool, error) {
	prefix := keys.ComplexFieldPrefix(referrer, f.StorageID)
	hi := prefixUpperBound(prefix)
	it, err := tx.GetRange(ctx, prefix, hi, false)
	if err != nil {
		return false, fmt.Errorf("deleteengine: scanning complex field %s: %w", f.Name, err)
	}
	defer it.Close()

	var hits [][]byte
	for it.Next() {
		kvPair := it.KeyValue()
		if referencesTarget(f, kvPair, target) {
			hits = append(hits, append([]byte(nil), kvPair.Key...))
		}
	}
	if err := it.Err(); err != nil {
		return false, err
	}
	if len(hits) == 0 {
		return false, nil
	}

	switch f.OnDelete {
	case schema.DeleteException:
		if referrer == target {
			return false, nil
		}
		return false, apperr.New(apperr.KindReferencedObject, "object %s is referenced by %s.%s", target, fieldOwnerName(f), f.Name)
	case schema.DeleteCascade:
		return true, nil
	case schema.DeleteIgnore:
		return false, nil
	case schema.DeleteNullify, schema.DeleteRemove:
		for _, key := range hits {
			v, _, err := tx.Get(ctx, key)
			if err != nil {
				return false, err
			}
			subKey := key[len(prefix):]
			if err := index.WriteComplexSubFieldIndexEntry(ctx, tx, f, referrer, subKey, v, nil); err != nil {
				return false, err
			}
			if err := tx.Remove(ctx, key); err != nil {
				return false, err
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

func referencesTarget(f *schema.Field, kvPair kv.KeyValue, target codec.ObjId) bool {
	enc := f.Encoding
	if f.Kind == schema.FieldMap && f.ValueEncoding != nil {
		if _, ok := f.ValueEncoding.(codec.ReferenceEncoding); ok {
			enc = f.ValueEncoding
		}
	}
	r := bytes.NewReader(kvPair.Value)
	v, err := enc.Read(r)
	if err != nil {
		return false
	}
	id, ok := v.(codec.ObjId)
	return ok && id == target
}

// collectForwardDeleteTargets gathers every object referenced by a
// forward_delete reference field of info, simple or complex, so the
// caller can queue them for transitive deletion once info's own data is
// removed (§4.5 "forward_delete: deleting the holder also deletes the
// referent").
func collectForwardDeleteTargets(ctx context.Context, tx kv.Tx, info objdata.ObjInfo) ([]codec.ObjId, error) {
	if info.ObjType == nil {
		return nil, nil
	}
	var out []codec.ObjId
	for _, f := range info.ObjType.FieldsByName {
		if f.Kind == schema.FieldReference && f.ForwardDelete {
			v, err := objdata.ReadSimpleField(ctx, tx, info.ID, f)
			if err != nil {
				return nil, err
			}
			if id, ok := v.(codec.ObjId); ok {
				out = append(out, id)
			}
		}
		if (f.Kind == schema.FieldSet || f.Kind == schema.FieldList || f.Kind == schema.FieldMap) && f.ForwardDelete {
			ids, err := collectComplexReferences(ctx, tx, info.ID, f)
			if err != nil {
				return nil, err
			}
			out = append(out, ids...)
		}
	}
	return out, nil
}

func collectComplexReferences(ctx context.Context, tx kv.Tx, id codec.ObjId, f *schema.Field) ([]codec.ObjId, error) {
	prefix := keys.ComplexFieldPrefix(id, f.StorageID)
	hi := prefixUpperBound(prefix)
	it, err := tx.GetRange(ctx, prefix, hi, false)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []codec.ObjId
	for it.Next() {
		kvPair := it.KeyValue()
		enc := f.Encoding
		if f.Kind == schema.FieldMap && f.ValueEncoding != nil {
			enc = f.ValueEncoding
		}
		r := bytes.NewReader(kvPair.Value)
		v, err := enc.Read(r)
		if err != nil {
			continue
		}
		if rid, ok := v.(codec.ObjId); ok {
			out = append(out, rid)
		}
	}
	return out, it.Err()
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
