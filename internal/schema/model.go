// Package schema implements the Schema Table / Storage ID Table bundle
// (§3.1, §4.3): content-derived SchemaIds, dense storage-ID assignment, and
// immutable, validated schema models.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"

	"github.com/permazen/permazen-sub003/internal/apperr"
	"github.com/permazen/permazen-sub003/internal/codec"
)

// FieldKind tags which variant a Field is, per the design's "tagged variant
// over dynamic dispatch" note (§9): one switch site per concern instead of
// a visitor hierarchy.
type FieldKind int

const (
	FieldSimple FieldKind = iota
	FieldReference
	FieldCounter
	FieldSet
	FieldList
	FieldMap
)

func (k FieldKind) String() string {
	switch k {
	case FieldSimple:
		return "simple"
	case FieldReference:
		return "reference"
	case FieldCounter:
		return "counter"
	case FieldSet:
		return "set"
	case FieldList:
		return "list"
	case FieldMap:
		return "map"
	default:
		return "unknown"
	}
}

// DeleteAction is the policy a reference field follows when its referent is
// deleted (§4.5).
type DeleteAction int

const (
	DeleteException DeleteAction = iota
	DeleteNullify
	DeleteRemove
	DeleteCascade
	DeleteIgnore
)

func (a DeleteAction) String() string {
	switch a {
	case DeleteException:
		return "EXCEPTION"
	case DeleteNullify:
		return "NULLIFY"
	case DeleteRemove:
		return "REMOVE"
	case DeleteCascade:
		return "DELETE"
	case DeleteIgnore:
		return "IGNORE"
	default:
		return "UNKNOWN"
	}
}

// FieldModel is the immutable, caller-supplied declaration of one field.
type FieldModel struct {
	Name      string
	Kind      FieldKind
	StorageID uint64 // 0 means "assign automatically"

	// Simple / Reference / Counter / complex-element encoding.
	Encoding codec.Encoding

	// Map-only: the value-side encoding; Encoding above is the key side.
	ValueEncoding codec.Encoding

	Indexed      bool // element/key index
	ValueIndexed bool // map-value index

	// Reference-only.
	AllowedTypes  []string // object type names; empty means "any type"
	OnDelete      DeleteAction
	ForwardDelete bool
	AllowDeleted  bool
}

func (f *FieldModel) isComplex() bool {
	return f.Kind == FieldSet || f.Kind == FieldList || f.Kind == FieldMap
}

// schemaIDContent returns the byte content hashed to derive this item's
// content-derived SchemaId: everything about the declaration that, if
// changed, should be treated as "a different item" during migration (§4.6
// step 3) rather than the same field carried forward.
func (f *FieldModel) schemaIDContent() string {
	enc := ""
	if f.Encoding != nil {
		enc = f.Encoding.Name()
	}
	valEnc := ""
	if f.ValueEncoding != nil {
		valEnc = f.ValueEncoding.Name()
	}
	allowed := append([]string(nil), f.AllowedTypes...)
	sort.Strings(allowed)
	return fmt.Sprintf("field|%s|%d|%s|%s|%v|%v|%v|%v|%v|%v",
		f.Name, f.Kind, enc, valEnc, f.Indexed, f.ValueIndexed,
		allowed, f.OnDelete, f.ForwardDelete, f.AllowDeleted)
}

// CompositeIndexModel is the immutable declaration of a composite index
// over 2..4 simple fields of one object type (§3.3, enforced to width 4 by
// the key layout, §9).
type CompositeIndexModel struct {
	Name       string
	FieldNames []string
	StorageID  uint64
}

func (c *CompositeIndexModel) schemaIDContent() string {
	return fmt.Sprintf("index|%s|%v", c.Name, c.FieldNames)
}

// ObjTypeModel is the immutable declaration of one object type.
type ObjTypeModel struct {
	Name             string
	StorageID        uint64
	Fields           []*FieldModel
	CompositeIndexes []*CompositeIndexModel
}

func (t *ObjTypeModel) schemaIDContent() string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.schemaIDContent()
	}
	idx := make([]string, len(t.CompositeIndexes))
	for i, c := range t.CompositeIndexes {
		idx[i] = c.schemaIDContent()
	}
	return fmt.Sprintf("objtype|%s|%v|%v", t.Name, names, idx)
}

// Model is an immutable, validated schema: the Go-native equivalent of the
// design's "locked-down Schema" (§6.3). Build one with NewModel, which
// validates and computes every item's content-derived SchemaId.
type Model struct {
	ObjTypes []*ObjTypeModel
	schemaID string
	itemIDs  map[string]string // qualifying name -> SchemaId, filled by NewModel
}

// SchemaId returns the content-derived identifier of the whole model.
func (m *Model) SchemaId() string { return m.schemaID }

// ItemSchemaId returns the content-derived SchemaId of one named item
// ("typeName", "typeName.fieldName", or "typeName#indexName").
func (m *Model) ItemSchemaId(qualifiedName string) (string, bool) {
	id, ok := m.itemIDs[qualifiedName]
	return id, ok
}

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewModel validates objTypes and returns an immutable Model with every
// item's SchemaId computed, or an InvalidSchema error (§6.3).
func NewModel(objTypes []*ObjTypeModel) (*Model, error) {
	m := &Model{ObjTypes: objTypes, itemIDs: map[string]string{}}
	if err := m.validate(); err != nil {
		return nil, err
	}
	m.computeIDs()
	return m, nil
}

func (m *Model) validate() error {
	if len(m.ObjTypes) == 0 {
		return apperr.New(apperr.KindInvalidSchema, "schema has no object types")
	}
	typeNames := map[string]bool{}
	knownTypes := map[string]bool{}
	for _, t := range m.ObjTypes {
		knownTypes[t.Name] = true
	}
	for _, t := range m.ObjTypes {
		if !identifierRE.MatchString(t.Name) {
			return apperr.New(apperr.KindInvalidSchema, "invalid object type name %q", t.Name)
		}
		if typeNames[t.Name] {
			return apperr.New(apperr.KindInvalidSchema, "duplicate object type name %q", t.Name)
		}
		typeNames[t.Name] = true

		fieldNames := map[string]bool{}
		for _, f := range t.Fields {
			if !identifierRE.MatchString(f.Name) {
				return apperr.New(apperr.KindInvalidSchema, "invalid field name %q on type %q", f.Name, t.Name)
			}
			if fieldNames[f.Name] {
				return apperr.New(apperr.KindInvalidSchema, "duplicate field name %q on type %q", f.Name, t.Name)
			}
			fieldNames[f.Name] = true

			if f.isComplex() {
				if f.Encoding == nil {
					return apperr.New(apperr.KindInvalidSchema, "field %q.%q: complex field missing element encoding", t.Name, f.Name)
				}
				if f.Kind == FieldMap && f.ValueEncoding == nil {
					return apperr.New(apperr.KindInvalidSchema, "field %q.%q: map field missing value encoding", t.Name, f.Name)
				}
			} else if f.Kind == FieldSimple || f.Kind == FieldCounter {
				if f.Encoding == nil {
					return apperr.New(apperr.KindInvalidSchema, "field %q.%q: missing encoding", t.Name, f.Name)
				}
			} else if f.Kind == FieldReference {
				for _, allowed := range f.AllowedTypes {
					if !knownTypes[allowed] {
						return apperr.New(apperr.KindInvalidSchema, "field %q.%q: allow-list references unknown type %q", t.Name, f.Name, allowed)
					}
				}
			}
		}

		idxNames := map[string]bool{}
		for _, c := range t.CompositeIndexes {
			if !identifierRE.MatchString(c.Name) {
				return apperr.New(apperr.KindInvalidSchema, "invalid composite index name %q on type %q", c.Name, t.Name)
			}
			if idxNames[c.Name] {
				return apperr.New(apperr.KindInvalidSchema, "duplicate composite index name %q on type %q", c.Name, t.Name)
			}
			idxNames[c.Name] = true
			if len(c.FieldNames) < 2 || len(c.FieldNames) > 4 {
				return apperr.New(apperr.KindInvalidSchema, "composite index %q on type %q: must cover 2-4 fields, got %d", c.Name, t.Name, len(c.FieldNames))
			}
			seen := map[string]bool{}
			for _, fn := range c.FieldNames {
				if seen[fn] {
					return apperr.New(apperr.KindInvalidSchema, "composite index %q on type %q: duplicate field %q", c.Name, t.Name, fn)
				}
				seen[fn] = true
				field := findField(t, fn)
				if field == nil {
					return apperr.New(apperr.KindInvalidSchema, "composite index %q on type %q: unknown field %q", c.Name, t.Name, fn)
				}
				if field.isComplex() {
					return apperr.New(apperr.KindInvalidSchema, "composite index %q on type %q: field %q is not simple", c.Name, t.Name, fn)
				}
			}
		}
	}
	return nil
}

func findField(t *ObjTypeModel, name string) *FieldModel {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (m *Model) computeIDs() {
	var parts []string
	for _, t := range m.ObjTypes {
		tid := hashString(t.schemaIDContent())
		m.itemIDs[t.Name] = tid
		parts = append(parts, tid)
		for _, f := range t.Fields {
			fid := hashString(f.schemaIDContent())
			m.itemIDs[t.Name+"."+f.Name] = fid
		}
		for _, c := range t.CompositeIndexes {
			cid := hashString(c.schemaIDContent())
			m.itemIDs[t.Name+"#"+c.Name] = cid
		}
	}
	sort.Strings(parts)
	m.schemaID = hashString(fmt.Sprintf("schema|%v", parts))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:32]
}
