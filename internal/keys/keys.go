// Package keys assembles and parses every key the engine reads or writes,
// per §4.2. It is the one place that knows the byte layout; every other
// package goes through it rather than concatenating prefixes itself.
package keys

import (
	"bytes"
	"fmt"

	"github.com/permazen/permazen-sub003/internal/codec"
)

// Reserved first-byte prefixes. 0xFF is never used so that user meta-data
// (and any future reserved range) can be told apart from engine data by a
// single byte comparison; all engine prefixes below are far below it.
const (
	prefixFormatVersion = 0x01
	prefixUserMetaData  = 0x02
	prefixSchemaTable   = 0x03
	prefixStorageIDTbl  = 0x04
	prefixSchemaIndex   = 0x05
	prefixObjectSpace   = 0x06 // object meta-data, fields, and simple/composite indexes
)

// FormatVersionKey is the single key holding the on-disk format version.
func FormatVersionKey() []byte {
	return []byte{prefixFormatVersion}
}

// UserMetaDataPrefix is the byte range the engine will never read or write,
// reserved for callers (§6.1).
func UserMetaDataPrefix() []byte {
	return []byte{prefixUserMetaData}
}

// IsUserMetaData reports whether key falls in the reserved caller range.
func IsUserMetaData(key []byte) bool {
	return len(key) > 0 && key[0] == prefixUserMetaData
}

// IsEngineKey reports whether key belongs to any range the engine itself
// manages (i.e. is not user meta-data and not the reserved 0xFF byte).
func IsEngineKey(key []byte) bool {
	if len(key) == 0 {
		return false
	}
	switch key[0] {
	case prefixFormatVersion, prefixSchemaTable, prefixStorageIDTbl, prefixSchemaIndex, prefixObjectSpace:
		return true
	default:
		return false
	}
}

// SchemaTableKey builds the key holding the encoded schema at schemaIndex.
func SchemaTableKey(schemaIndex uint64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefixSchemaTable)
	codec.WriteUvarint(&buf, schemaIndex)
	return buf.Bytes()
}

// SchemaTablePrefix is the range covering every SchemaTableKey.
func SchemaTablePrefix() []byte {
	return []byte{prefixSchemaTable}
}

// ParseSchemaTableKey extracts the schema index from a SchemaTableKey.
func ParseSchemaTableKey(key []byte) (uint64, error) {
	return parsePrefixedUvarint(key, prefixSchemaTable, "schema table")
}

// StorageIDTableKey builds the key holding the SchemaId assigned to storageID.
func StorageIDTableKey(storageID uint64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefixStorageIDTbl)
	codec.WriteUvarint(&buf, storageID)
	return buf.Bytes()
}

// StorageIDTablePrefix is the range covering every StorageIDTableKey.
func StorageIDTablePrefix() []byte {
	return []byte{prefixStorageIDTbl}
}

// ParseStorageIDTableKey extracts the storage ID from a StorageIDTableKey.
func ParseStorageIDTableKey(key []byte) (uint64, error) {
	return parsePrefixedUvarint(key, prefixStorageIDTbl, "storage id table")
}

// SchemaIndexEntryKey builds a schema-index entry key (§3.4): all ObjIds
// currently stored under schemaIndex sort together beneath this prefix.
func SchemaIndexEntryKey(schemaIndex uint64, id codec.ObjId) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefixSchemaIndex)
	codec.WriteUvarint(&buf, schemaIndex)
	buf.Write(id[:])
	return buf.Bytes()
}

// SchemaIndexPrefix returns the range covering every ObjId stored under
// schemaIndex.
func SchemaIndexPrefix(schemaIndex uint64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefixSchemaIndex)
	codec.WriteUvarint(&buf, schemaIndex)
	return buf.Bytes()
}

// ParseSchemaIndexEntryKey splits a SchemaIndexEntryKey back into its parts.
func ParseSchemaIndexEntryKey(key []byte) (schemaIndex uint64, id codec.ObjId, err error) {
	if len(key) == 0 || key[0] != prefixSchemaIndex {
		return 0, codec.ObjId{}, fmt.Errorf("keys: not a schema-index key")
	}
	r := bytes.NewReader(key[1:])
	schemaIndex, err = codec.ReadUvarint(r)
	if err != nil {
		return 0, codec.ObjId{}, fmt.Errorf("keys: parsing schema-index key: %w", err)
	}
	rest := make([]byte, r.Len())
	_, _ = r.Read(rest)
	id, err = codec.ParseObjId(rest)
	if err != nil {
		return 0, codec.ObjId{}, fmt.Errorf("keys: parsing schema-index key objid: %w", err)
	}
	return schemaIndex, id, nil
}

// ObjectMetaDataKey is the key holding an object's schema-index pointer.
func ObjectMetaDataKey(id codec.ObjId) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefixObjectSpace)
	buf.Write(id[:])
	return buf.Bytes()
}

// ObjectPrefix returns the range covering every key under id (meta-data and
// every field); used wholesale on delete.
func ObjectPrefix(id codec.ObjId) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefixObjectSpace)
	buf.Write(id[:])
	return buf.Bytes()
}

// FieldKey is the key holding a simple or counter field's payload.
func FieldKey(id codec.ObjId, fieldStorageID uint64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefixObjectSpace)
	buf.Write(id[:])
	codec.WriteUvarint(&buf, fieldStorageID)
	return buf.Bytes()
}

// ComplexFieldPrefix returns the range covering every sub-key of a complex
// (set/list/map) field.
func ComplexFieldPrefix(id codec.ObjId, fieldStorageID uint64) []byte {
	return FieldKey(id, fieldStorageID)
}

// ComplexFieldSubKey appends an already-encoded sub-key (element, list
// index, or map key) to a complex field's prefix.
func ComplexFieldSubKey(id codec.ObjId, fieldStorageID uint64, subKey []byte) []byte {
	return append(FieldKey(id, fieldStorageID), subKey...)
}

// simpleIndexPrefix is shared by SimpleIndexKey and CompositeIndexKey: both
// live in the object-space range, keyed by their own storage ID so their
// entries interleave with, but never collide with, any single object's
// data (an index storage ID is never also an object-type storage ID, since
// both come from the one dense Storage ID Table allocator).
func simpleIndexPrefix(indexStorageID uint64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefixObjectSpace)
	codec.WriteUvarint(&buf, indexStorageID)
	return buf.Bytes()
}

// SimpleIndexPrefix returns the range covering every entry of a simple (or
// complex-sub-field) index.
func SimpleIndexPrefix(indexStorageID uint64) []byte {
	return simpleIndexPrefix(indexStorageID)
}

// SimpleIndexKey builds one entry of a simple index: index storage ID,
// encoded field value, then the referencing ObjId.
func SimpleIndexKey(indexStorageID uint64, encodedValue []byte, id codec.ObjId) []byte {
	buf := bytes.NewBuffer(simpleIndexPrefix(indexStorageID))
	buf.Write(encodedValue)
	buf.Write(id[:])
	return buf.Bytes()
}

// SimpleIndexSubKey builds one entry of a complex-sub-field index, which
// carries an extra sub-key (e.g. the map key under which the indexed value
// occurs) after the ObjId.
func SimpleIndexSubKey(indexStorageID uint64, encodedValue []byte, id codec.ObjId, subKey []byte) []byte {
	buf := bytes.NewBuffer(SimpleIndexKey(indexStorageID, encodedValue, id))
	buf.Write(subKey)
	return buf.Bytes()
}

// CompositeIndexKey builds one entry of a composite index: index storage
// ID, then each field's encoded value in declaration order, then the
// referencing ObjId.
func CompositeIndexKey(indexStorageID uint64, encodedValues [][]byte, id codec.ObjId) []byte {
	buf := bytes.NewBuffer(simpleIndexPrefix(indexStorageID))
	for _, v := range encodedValues {
		buf.Write(v)
	}
	buf.Write(id[:])
	return buf.Bytes()
}

func parsePrefixedUvarint(key []byte, prefix byte, what string) (uint64, error) {
	if len(key) == 0 || key[0] != prefix {
		return 0, fmt.Errorf("keys: not a %s key", what)
	}
	r := bytes.NewReader(key[1:])
	v, err := codec.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("keys: parsing %s key: %w", what, err)
	}
	return v, nil
}
