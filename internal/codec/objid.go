package codec

import (
	"bytes"
	"crypto/rand"
	"fmt"
)

// ObjIdLen is the fixed byte width of every ObjId.
const ObjIdLen = 8

// ObjId is the 8-byte identity of an object (§3.2). Its leading bytes are
// the order-preserving varint encoding of the owning type's storage ID, its
// trailing bytes are random; the numeric (and therefore lexicographic)
// order of the full 8 bytes is the sort order objects appear in under a
// type's schema-index and data-key ranges.
type ObjId [ObjIdLen]byte

// Compare orders two ObjIds the way their raw bytes sort.
func (id ObjId) Compare(other ObjId) int {
	return bytes.Compare(id[:], other[:])
}

func (id ObjId) String() string {
	return fmt.Sprintf("%x", id[:])
}

// IsZero reports whether id is the all-zero value, used as a sentinel for
// "no object" in places a null reference can't otherwise be represented.
func (id ObjId) IsZero() bool {
	return id == ObjId{}
}

// StorageID decodes the storage-ID prefix of id.
func (id ObjId) StorageID() (uint64, error) {
	r := bytes.NewReader(id[:])
	v, err := ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("objid storage id: %w", err)
	}
	return v, nil
}

// NewObjId mints a fresh ObjId for the given storage ID, with the remaining
// bytes filled from a cryptographically strong source (§6.4). It returns an
// error if storageID's varint encoding would not leave room for at least
// one random byte.
func NewObjId(storageID uint64) (ObjId, error) {
	prefixLen := UvarintLen(storageID)
	if prefixLen >= ObjIdLen {
		return ObjId{}, fmt.Errorf("objid: storage id %d too large to leave room for randomness", storageID)
	}
	var buf bytes.Buffer
	WriteUvarint(&buf, storageID)
	var id ObjId
	copy(id[:prefixLen], buf.Bytes())
	if _, err := rand.Read(id[prefixLen:]); err != nil {
		return ObjId{}, fmt.Errorf("objid: reading random bytes: %w", err)
	}
	return id, nil
}

// ParseObjId validates that b is exactly ObjIdLen bytes and returns it as an
// ObjId.
func ParseObjId(b []byte) (ObjId, error) {
	if len(b) != ObjIdLen {
		return ObjId{}, fmt.Errorf("objid: expected %d bytes, got %d", ObjIdLen, len(b))
	}
	var id ObjId
	copy(id[:], b)
	return id, nil
}

// ObjIdEncoding is the fixed-width encoding used for reference fields
// (before null-safety is layered on top by ReferenceEncoding).
type ObjIdEncoding struct{}

func (ObjIdEncoding) Name() string { return "objid" }

func (ObjIdEncoding) Write(w *bytes.Buffer, v any) error {
	id, ok := v.(ObjId)
	if !ok {
		return fmt.Errorf("objid encoding: expected ObjId, got %T", v)
	}
	w.Write(id[:])
	return nil
}

func (ObjIdEncoding) Read(r *bytes.Reader) (any, error) {
	var b [ObjIdLen]byte
	if _, err := r.Read(b[:]); err != nil {
		return nil, fmt.Errorf("objid encoding: %w", err)
	}
	return ObjId(b), nil
}

func (ObjIdEncoding) Skip(r *bytes.Reader) error {
	var b [ObjIdLen]byte
	_, err := r.Read(b[:])
	return err
}

func (ObjIdEncoding) Compare(a, b any) int {
	return a.(ObjId).Compare(b.(ObjId))
}

func (ObjIdEncoding) DefaultValue() any { return ObjId{} }

func (e ObjIdEncoding) DefaultValueBytes() []byte {
	var buf bytes.Buffer
	_ = e.Write(&buf, e.DefaultValue())
	return buf.Bytes()
}

func (ObjIdEncoding) Convert(from Encoding, v any) (any, bool) {
	if _, ok := from.(ObjIdEncoding); ok {
		return v, true
	}
	return nil, false
}

// nullSentinel is the single-byte wire form of a null reference. It can
// never collide with a real, non-shifted ObjId encoding because a storage
// ID large enough to produce a leading 0xFF byte would need the 0xFF varint
// prefix form (followed by 8 value bytes, 9 bytes in all), which leaves no
// room for the mandatory random suffix — NewObjId refuses to mint such an
// ID.
const nullSentinel = 0xFF

// ReferenceEncoding is a null-capable, order-preserving encoding for
// reference fields (§4.1): null sorts last, after every real ObjId, and a
// non-null value is validated against an optional allow-list of target
// object-type storage IDs by the caller (objdata.WriteSimpleField), not by the
// encoding itself, since validation needs live schema state.
type ReferenceEncoding struct {
	// AllowedTypes, if non-empty, restricts which object-type storage IDs
	// may be assigned; empty means any type is allowed. This is carried on
	// the encoding purely for Name()/SchemaId derivation — the actual
	// enforcement happens where the schema is available (internal/objdata,
	// against the resolved schema.Field's AllowedTypeIDs).
	AllowedTypes []uint64
}

func (e ReferenceEncoding) Name() string { return "reference" }

func (e ReferenceEncoding) Write(w *bytes.Buffer, v any) error {
	if v == nil {
		w.WriteByte(nullSentinel)
		return nil
	}
	id, ok := v.(ObjId)
	if !ok {
		return fmt.Errorf("reference encoding: expected ObjId or nil, got %T", v)
	}
	w.Write(id[:])
	return nil
}

func (e ReferenceEncoding) Read(r *bytes.Reader) (any, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reference encoding: %w", err)
	}
	if first == nullSentinel {
		return nil, nil
	}
	rest := make([]byte, ObjIdLen-1)
	if _, err := r.Read(rest); err != nil {
		return nil, fmt.Errorf("reference encoding: %w", err)
	}
	var b [ObjIdLen]byte
	b[0] = first
	copy(b[1:], rest)
	return ObjId(b), nil
}

func (e ReferenceEncoding) Skip(r *bytes.Reader) error {
	_, err := e.Read(r)
	return err
}

func (e ReferenceEncoding) Compare(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	return a.(ObjId).Compare(b.(ObjId))
}

func (e ReferenceEncoding) DefaultValue() any { return nil }

func (e ReferenceEncoding) DefaultValueBytes() []byte {
	var buf bytes.Buffer
	_ = e.Write(&buf, e.DefaultValue())
	return buf.Bytes()
}

func (e ReferenceEncoding) Convert(from Encoding, v any) (any, bool) {
	if _, ok := from.(ReferenceEncoding); ok {
		return v, true
	}
	return nil, false
}
