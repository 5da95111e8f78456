package schema

import (
	"encoding/json"
	"sort"

	"github.com/permazen/permazen-sub003/internal/apperr"
	"github.com/permazen/permazen-sub003/internal/codec"
)

// Field is a Model's FieldModel resolved against a Bundle: it knows its own
// storage ID and (for reference fields) the storage IDs its allow-list
// resolves to.
type Field struct {
	*FieldModel
	ObjType        *ObjType
	StorageID      uint64
	SchemaId       string
	AllowedTypeIDs []uint64 // resolved storage IDs, parallel to AllowedTypes
}

// CompositeIndex is a CompositeIndexModel resolved against a Bundle.
type CompositeIndex struct {
	*CompositeIndexModel
	ObjType   *ObjType
	StorageID uint64
	SchemaId  string
	Fields    []*Field // resolved, same order as FieldNames
}

// ObjType is an ObjTypeModel resolved against a Bundle.
type ObjType struct {
	*ObjTypeModel
	Schema           *Schema
	StorageID        uint64
	SchemaId         string
	FieldsByName     map[string]*Field
	FieldsByStorage  map[uint64]*Field
	IndexesByName    map[string]*CompositeIndex
	IndexesByStorage map[uint64]*CompositeIndex
}

// Schema is one registered, fully resolved Model: every item linked to its
// storage ID (§4.3).
type Schema struct {
	Index        uint64
	Model        *Model
	ObjTypes     map[string]*ObjType
	objTypesByID map[uint64]*ObjType
}

// ObjTypeByStorageID looks up a resolved ObjType by its storage ID.
func (s *Schema) ObjTypeByStorageID(id uint64) (*ObjType, bool) {
	t, ok := s.objTypesByID[id]
	return t, ok
}

// storageEntry is one row of the Storage ID Table: the SchemaId assigned to
// a given storage ID, plus which kind of item it names (informational).
type storageEntry struct {
	SchemaId string
	Kind     string // "objtype" | "field" | "index", for diagnostics only
}

// Bundle is the decoded Schema Table + Storage ID Table (§3.1, §4.3): every
// registered Schema plus the dense storage-ID allocator. Bundle is
// immutable; WithSchemaAdded/WithSchemaRemoved return a new Bundle.
type Bundle struct {
	schemas  map[uint64]*Schema    // by schema index
	storage  map[uint64]storageEntry // by storage ID
	nextFree uint64
}

// Empty returns a Bundle with no registered schemas.
func Empty() *Bundle {
	return &Bundle{schemas: map[uint64]*Schema{}, storage: map[uint64]storageEntry{}, nextFree: 1}
}

// Schemas returns every registered Schema, ordered by schema index.
func (b *Bundle) Schemas() []*Schema {
	out := make([]*Schema, 0, len(b.schemas))
	for _, s := range b.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// SchemaByIndex looks up a registered Schema.
func (b *Bundle) SchemaByIndex(index uint64) (*Schema, bool) {
	s, ok := b.schemas[index]
	return s, ok
}

// SchemaByID finds a registered Schema by its content-derived SchemaId.
func (b *Bundle) SchemaByID(schemaID string) (*Schema, bool) {
	for _, s := range b.schemas {
		if s.Model.SchemaId() == schemaID {
			return s, true
		}
	}
	return nil, false
}

// FieldByStorageID finds a resolved Field by its storage ID, searching every
// registered schema (a storage ID is reused verbatim across schema
// generations for the "same" field, but only an ObjType within some
// registered Schema carries the resolved *Field, so there is no cheaper
// bundle-wide index to maintain). Used to resolve a FieldChangeMonitor's
// Path, which names fields by storage ID rather than by schema generation.
func (b *Bundle) FieldByStorageID(id uint64) (*Field, bool) {
	for _, s := range b.Schemas() {
		for _, ot := range s.ObjTypes {
			if f, ok := ot.FieldsByStorage[id]; ok {
				return f, true
			}
		}
	}
	return nil, false
}

func (b *Bundle) clone() *Bundle {
	nb := &Bundle{schemas: map[uint64]*Schema{}, storage: map[uint64]storageEntry{}, nextFree: b.nextFree}
	for k, v := range b.schemas {
		nb.schemas[k] = v
	}
	for k, v := range b.storage {
		nb.storage[k] = v
	}
	return nb
}

func (b *Bundle) lowestFree() uint64 {
	id := uint64(1)
	for {
		if _, used := b.storage[id]; !used {
			return id
		}
		id++
	}
}

// WithSchemaAdded validates model, assigns storage IDs to every item that
// doesn't already have a matching (by name + SchemaId) item registered, and
// returns a new Bundle with the schema added at schemaIndex (0 picks the
// lowest free index). explicit storage IDs declared on the model (non-zero)
// must receive exactly that ID or SchemaMismatch is returned (§3.1, §4.3).
func (b *Bundle) WithSchemaAdded(schemaIndex uint64, model *Model) (*Bundle, uint64, error) {
	if _, exists := b.SchemaByID(model.SchemaId()); exists {
		return nil, 0, apperr.New(apperr.KindSchemaMismatch, "schema %s already registered", model.SchemaId())
	}

	nb := b.clone()

	if schemaIndex == 0 {
		idx := uint64(1)
		for {
			if _, used := nb.schemas[idx]; !used {
				break
			}
			idx++
		}
		schemaIndex = idx
	} else if _, used := nb.schemas[schemaIndex]; used {
		return nil, 0, apperr.New(apperr.KindSchemaMismatch, "schema index %d already in use", schemaIndex)
	}

	assign := func(qualifiedName string, explicit uint64) (uint64, error) {
		itemID, _ := model.ItemSchemaId(qualifiedName)
		// Reuse an existing storage ID if some other registered item shares
		// both name and SchemaId (§3.1: identity is by name, and two
		// same-named items share a storage ID iff their SchemaIds match).
		for id, entry := range nb.storage {
			if entry.SchemaId == itemID {
				if explicit != 0 && explicit != id {
					return 0, apperr.New(apperr.KindSchemaMismatch, "item %s: explicit storage id %d conflicts with existing id %d", qualifiedName, explicit, id)
				}
				return id, nil
			}
		}
		if explicit != 0 {
			if _, used := nb.storage[explicit]; used {
				return 0, apperr.New(apperr.KindSchemaMismatch, "item %s: explicit storage id %d already assigned to a different item", qualifiedName, explicit)
			}
			return explicit, nil
		}
		return nb.lowestFree(), nil
	}

	resolved := &Schema{Index: schemaIndex, Model: model, ObjTypes: map[string]*ObjType{}, objTypesByID: map[uint64]*ObjType{}}

	// First pass: assign object-type storage IDs so reference allow-lists
	// can resolve to them regardless of declaration order.
	typeIDs := map[string]uint64{}
	for _, tm := range model.ObjTypes {
		id, err := assign(tm.Name, tm.StorageID)
		if err != nil {
			return nil, 0, err
		}
		schemaID, _ := model.ItemSchemaId(tm.Name)
		nb.storage[id] = storageEntry{SchemaId: schemaID, Kind: "objtype"}
		typeIDs[tm.Name] = id
	}

	for _, tm := range model.ObjTypes {
		ot := &ObjType{
			ObjTypeModel:     tm,
			Schema:           resolved,
			StorageID:        typeIDs[tm.Name],
			FieldsByName:     map[string]*Field{},
			FieldsByStorage:  map[uint64]*Field{},
			IndexesByName:    map[string]*CompositeIndex{},
			IndexesByStorage: map[uint64]*CompositeIndex{},
		}
		ot.SchemaId, _ = model.ItemSchemaId(tm.Name)

		for _, fm := range tm.Fields {
			qname := tm.Name + "." + fm.Name
			id, err := assign(qname, fm.StorageID)
			if err != nil {
				return nil, 0, err
			}
			schemaID, _ := model.ItemSchemaId(qname)
			nb.storage[id] = storageEntry{SchemaId: schemaID, Kind: "field"}
			f := &Field{FieldModel: fm, ObjType: ot, StorageID: id, SchemaId: schemaID}
			for _, allowed := range fm.AllowedTypes {
				f.AllowedTypeIDs = append(f.AllowedTypeIDs, typeIDs[allowed])
			}
			ot.FieldsByName[fm.Name] = f
			ot.FieldsByStorage[id] = f
		}

		for _, cm := range tm.CompositeIndexes {
			qname := tm.Name + "#" + cm.Name
			id, err := assign(qname, cm.StorageID)
			if err != nil {
				return nil, 0, err
			}
			schemaID, _ := model.ItemSchemaId(qname)
			nb.storage[id] = storageEntry{SchemaId: schemaID, Kind: "index"}
			ci := &CompositeIndex{CompositeIndexModel: cm, ObjType: ot, StorageID: id, SchemaId: schemaID}
			for _, fn := range cm.FieldNames {
				ci.Fields = append(ci.Fields, ot.FieldsByName[fn])
			}
			ot.IndexesByName[cm.Name] = ci
			ot.IndexesByStorage[id] = ci
		}

		resolved.ObjTypes[tm.Name] = ot
		resolved.objTypesByID[ot.StorageID] = ot
	}

	nb.schemas[schemaIndex] = resolved
	return nb, schemaIndex, nil
}

// WithSchemaRemoved removes the schema with the given SchemaId and garbage
// collects any storage ID no longer referenced by a remaining schema
// (§3.1). It returns an error if no such schema is registered.
func (b *Bundle) WithSchemaRemoved(schemaID string) (*Bundle, error) {
	target, ok := b.SchemaByID(schemaID)
	if !ok {
		return nil, apperr.New(apperr.KindUnknownType, "no registered schema with id %s", schemaID)
	}
	nb := b.clone()
	delete(nb.schemas, target.Index)

	stillUsed := map[string]bool{}
	for _, s := range nb.schemas {
		for _, ot := range s.ObjTypes {
			stillUsed[ot.SchemaId] = true
			for _, f := range ot.FieldsByName {
				stillUsed[f.SchemaId] = true
			}
			for _, ci := range ot.IndexesByName {
				stillUsed[ci.SchemaId] = true
			}
		}
	}
	for id, entry := range nb.storage {
		if !stillUsed[entry.SchemaId] {
			delete(nb.storage, id)
		}
	}
	return nb, nil
}

// --- Encode / Decode -------------------------------------------------

// wireModel/wireField/etc. are the JSON-serializable shadow of Model: no
// domain library in the pack's dependency set offers a binary struct codec
// (the teacher's stack is SQL/TOML-oriented, not a wire-format library), so
// the Schema Table's payload uses encoding/json.

type wireField struct {
	Name          string   `json:"name"`
	Kind          int      `json:"kind"`
	StorageID     uint64   `json:"storageId"`
	Encoding      string   `json:"encoding,omitempty"`
	ValueEncoding string   `json:"valueEncoding,omitempty"`
	Indexed       bool     `json:"indexed,omitempty"`
	ValueIndexed  bool     `json:"valueIndexed,omitempty"`
	AllowedTypes  []string `json:"allowedTypes,omitempty"`
	OnDelete      int      `json:"onDelete,omitempty"`
	ForwardDelete bool     `json:"forwardDelete,omitempty"`
	AllowDeleted  bool     `json:"allowDeleted,omitempty"`
}

type wireIndex struct {
	Name       string   `json:"name"`
	FieldNames []string `json:"fieldNames"`
	StorageID  uint64   `json:"storageId"`
}

type wireObjType struct {
	Name             string      `json:"name"`
	StorageID        uint64      `json:"storageId"`
	Fields           []wireField `json:"fields"`
	CompositeIndexes []wireIndex `json:"compositeIndexes,omitempty"`
}

type wireModel struct {
	ObjTypes []wireObjType `json:"objTypes"`
}

func toWireModel(m *Model) wireModel {
	var w wireModel
	for _, t := range m.ObjTypes {
		wt := wireObjType{Name: t.Name, StorageID: t.StorageID}
		for _, f := range t.Fields {
			wf := wireField{
				Name: f.Name, Kind: int(f.Kind), StorageID: f.StorageID,
				Indexed: f.Indexed, ValueIndexed: f.ValueIndexed,
				AllowedTypes: f.AllowedTypes, OnDelete: int(f.OnDelete),
				ForwardDelete: f.ForwardDelete, AllowDeleted: f.AllowDeleted,
			}
			if f.Encoding != nil {
				wf.Encoding = f.Encoding.Name()
			}
			if f.ValueEncoding != nil {
				wf.ValueEncoding = f.ValueEncoding.Name()
			}
			wt.Fields = append(wt.Fields, wf)
		}
		for _, c := range t.CompositeIndexes {
			wt.CompositeIndexes = append(wt.CompositeIndexes, wireIndex{Name: c.Name, FieldNames: c.FieldNames, StorageID: c.StorageID})
		}
		w.ObjTypes = append(w.ObjTypes, wt)
	}
	return w
}

func fromWireModel(w wireModel) (*Model, error) {
	var objTypes []*ObjTypeModel
	for _, wt := range w.ObjTypes {
		ot := &ObjTypeModel{Name: wt.Name, StorageID: wt.StorageID}
		for _, wf := range wt.Fields {
			fm := &FieldModel{
				Name: wf.Name, Kind: FieldKind(wf.Kind), StorageID: wf.StorageID,
				Indexed: wf.Indexed, ValueIndexed: wf.ValueIndexed,
				AllowedTypes: wf.AllowedTypes, OnDelete: DeleteAction(wf.OnDelete),
				ForwardDelete: wf.ForwardDelete, AllowDeleted: wf.AllowDeleted,
			}
			if wf.Encoding != "" {
				enc, err := decodeEncodingName(wf.Encoding)
				if err != nil {
					return nil, err
				}
				fm.Encoding = enc
			}
			if wf.ValueEncoding != "" {
				enc, err := decodeEncodingName(wf.ValueEncoding)
				if err != nil {
					return nil, err
				}
				fm.ValueEncoding = enc
			}
			ot.Fields = append(ot.Fields, fm)
		}
		for _, wc := range wt.CompositeIndexes {
			ot.CompositeIndexes = append(ot.CompositeIndexes, &CompositeIndexModel{Name: wc.Name, FieldNames: wc.FieldNames, StorageID: wc.StorageID})
		}
		objTypes = append(objTypes, ot)
	}
	return NewModel(objTypes)
}

// EncodeModel serializes model to its Schema Table payload.
func EncodeModel(model *Model) ([]byte, error) {
	b, err := json.Marshal(toWireModel(model))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInconsistentDatabase, err, "encoding schema")
	}
	return b, nil
}

// DecodeModel parses a Schema Table payload back into a Model.
func DecodeModel(data []byte) (*Model, error) {
	var w wireModel
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, apperr.Wrap(apperr.KindInconsistentDatabase, err, "decoding schema table entry")
	}
	return fromWireModel(w)
}

func decodeEncodingName(name string) (codec.Encoding, error) {
	enc, ok := codec.ByName(name)
	if !ok {
		return nil, apperr.New(apperr.KindInconsistentDatabase, "unknown encoding %q in stored schema", name)
	}
	return enc, nil
}

// Encoded is a (schema index -> bytes) / (storage ID -> SchemaId) snapshot
// suitable for writing into the Schema Table and Storage ID Table.
type Encoded struct {
	SchemaTable    map[uint64][]byte
	StorageIDTable map[uint64]string
}

// Encode renders the Bundle's current state as the two on-disk tables.
func (b *Bundle) Encode() (*Encoded, error) {
	out := &Encoded{SchemaTable: map[uint64][]byte{}, StorageIDTable: map[uint64]string{}}
	for idx, s := range b.schemas {
		enc, err := EncodeModel(s.Model)
		if err != nil {
			return nil, err
		}
		out.SchemaTable[idx] = enc
	}
	for id, entry := range b.storage {
		out.StorageIDTable[id] = entry.SchemaId
	}
	return out, nil
}

// Decode rebuilds a Bundle from raw Schema Table / Storage ID Table
// contents, cross-validating the §3.1 invariants. Any violation is reported
// as InconsistentDatabase (§7), since this data should only ever have been
// produced by a prior Encode.
func Decode(schemaTable map[uint64][]byte, storageIDTable map[uint64]string) (*Bundle, error) {
	b := Empty()
	b.nextFree = 1
	for id := range storageIDTable {
		b.storage[id] = storageEntry{SchemaId: storageIDTable[id]}
		if id >= b.nextFree {
			b.nextFree = id + 1
		}
	}

	indices := make([]uint64, 0, len(schemaTable))
	for idx := range schemaTable {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	for _, idx := range indices {
		model, err := DecodeModel(schemaTable[idx])
		if err != nil {
			return nil, err
		}
		nb, _, err := b.withSchemaAddedAtExactIndex(idx, model)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInconsistentDatabase, err, "schema index %d", idx)
		}
		b = nb
	}

	for _, s := range b.Schemas() {
		for _, ot := range s.ObjTypes {
			if _, ok := b.storage[ot.StorageID]; !ok {
				return nil, apperr.New(apperr.KindInconsistentDatabase, "object type %s: storage id %d not in storage id table", ot.Name, ot.StorageID)
			}
		}
	}
	return b, nil
}

// withSchemaAddedAtExactIndex is Decode's helper: WithSchemaAdded at the
// schema's on-disk index. WithSchemaAdded already reuses whatever storage
// ID the Storage ID Table binds to an item's SchemaId, so ids already on
// disk are honored; only items with no binding (which should not happen for
// a well-formed on-disk bundle) get a fresh id, as in a fresh add.
func (b *Bundle) withSchemaAddedAtExactIndex(index uint64, model *Model) (*Bundle, uint64, error) {
	return b.WithSchemaAdded(index, model)
}
