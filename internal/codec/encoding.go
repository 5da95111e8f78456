package codec

import (
	"bytes"
	"fmt"
	"math"
)

// Encoding is the type-erased counterpart of the design's Encoding<T>: field
// values flow through the engine as `any`, so every concrete encoding
// (string, int64, bool, ...) is reached through this single interface
// rather than a generic one. Composite indexes splice several encodings of
// different underlying Go types into one key, which a generic Encoding[T]
// cannot express without its own type-erased escape hatch anyway.
type Encoding interface {
	// Name identifies the encoding for SchemaId derivation and error messages.
	Name() string

	// Write appends the order-preserving encoding of v to w.
	Write(w *bytes.Buffer, v any) error

	// Read decodes one value previously written by Write, consuming exactly
	// the bytes it produced so callers can pack multiple values back-to-back
	// (composite index keys do this).
	Read(r *bytes.Reader) (any, error)

	// Skip advances r past one encoded value without allocating the result.
	Skip(r *bytes.Reader) error

	// Compare returns a value with the same sign as comparing the
	// lexicographic byte order of Write(a) and Write(b).
	Compare(a, b any) int

	// DefaultValue is the value a field holds when its KV entry is absent.
	DefaultValue() any

	// DefaultValueBytes is DefaultValue encoded; it is cached by callers
	// that splice defaults into composite-index keys.
	DefaultValueBytes() []byte

	// Convert adapts a value that was encoded under `from` for use with this
	// encoding, or reports ok=false if the two are incompatible. Used only
	// where the design calls for it explicitly (it does not arise in schema
	// migration, which resets incompatible fields instead, per §4.6).
	Convert(from Encoding, v any) (result any, ok bool)
}

func writeBytesRaw(w *bytes.Buffer, b []byte) {
	for _, c := range b {
		w.WriteByte(c)
		if c == 0x00 {
			w.WriteByte(0xFF)
		}
	}
	w.WriteByte(0x00)
	w.WriteByte(0x00)
}

// readBytesRaw reads a 0x00 0x00-terminated, 0x00-0xFF-escaped byte string
// as written by writeBytesRaw. The terminator is the two bytes 0x00 0x00;
// every embedded 0x00 byte is escaped as 0x00 0xFF so the terminator is
// unambiguous and the encoding stays order-preserving. A 0x00 followed by
// any other byte, or by end of stream, is an error.
func readBytesRaw(r *bytes.Reader) ([]byte, error) {
	var out []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read escaped bytes: %w", err)
		}
		if c != 0x00 {
			out = append(out, c)
			continue
		}
		next, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read escaped bytes: unterminated: %w", err)
		}
		if next == 0xFF {
			out = append(out, 0x00)
			continue
		}
		if next != 0x00 {
			return nil, fmt.Errorf("read escaped bytes: bad escape 0x%02x", next)
		}
		return out, nil
	}
}

func skipBytesRaw(r *bytes.Reader) error {
	_, err := readBytesRaw(r)
	return err
}

// BytesEncoding is the order-preserving encoding for arbitrary byte slices;
// every other variable-length encoding (strings, null-safe wrapping) builds
// on its escape scheme.
type BytesEncoding struct{}

func (BytesEncoding) Name() string { return "bytes" }

func (BytesEncoding) Write(w *bytes.Buffer, v any) error {
	b, ok := v.([]byte)
	if !ok {
		return fmt.Errorf("bytes encoding: expected []byte, got %T", v)
	}
	writeBytesRaw(w, b)
	return nil
}

func (BytesEncoding) Read(r *bytes.Reader) (any, error) { return readBytesRaw(r) }
func (BytesEncoding) Skip(r *bytes.Reader) error        { return skipBytesRaw(r) }

func (BytesEncoding) Compare(a, b any) int {
	return bytes.Compare(a.([]byte), b.([]byte))
}

func (BytesEncoding) DefaultValue() any { return []byte{} }

func (e BytesEncoding) DefaultValueBytes() []byte {
	var buf bytes.Buffer
	_ = e.Write(&buf, e.DefaultValue())
	return buf.Bytes()
}

func (BytesEncoding) Convert(from Encoding, v any) (any, bool) {
	if _, ok := from.(BytesEncoding); ok {
		return v, true
	}
	return nil, false
}

// StringEncoding is the order-preserving encoding for UTF-8 text: it reuses
// BytesEncoding's escape scheme over the string's raw bytes, so Go's
// byte-wise string comparison (which orders UTF-8 text correctly) matches
// the encoded byte order.
type StringEncoding struct{}

func (StringEncoding) Name() string { return "string" }

func (StringEncoding) Write(w *bytes.Buffer, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("string encoding: expected string, got %T", v)
	}
	writeBytesRaw(w, []byte(s))
	return nil
}

func (StringEncoding) Read(r *bytes.Reader) (any, error) {
	b, err := readBytesRaw(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (StringEncoding) Skip(r *bytes.Reader) error { return skipBytesRaw(r) }

func (StringEncoding) Compare(a, b any) int {
	as, bs := a.(string), b.(string)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func (StringEncoding) DefaultValue() any { return "" }

func (e StringEncoding) DefaultValueBytes() []byte {
	var buf bytes.Buffer
	_ = e.Write(&buf, e.DefaultValue())
	return buf.Bytes()
}

func (StringEncoding) Convert(from Encoding, v any) (any, bool) {
	if _, ok := from.(StringEncoding); ok {
		return v, true
	}
	return nil, false
}

// Uint64Encoding is a fixed-width (8 byte), big-endian, order-preserving
// encoding for non-negative 64-bit integers: unsigned simple fields use it
// directly. (Counter fields are stored with the KV backend's own
// EncodeCounter, not this encoding.)
type Uint64Encoding struct{}

func (Uint64Encoding) Name() string { return "uint64" }

func (Uint64Encoding) Write(w *bytes.Buffer, v any) error {
	n, ok := asUint64(v)
	if !ok {
		return fmt.Errorf("uint64 encoding: expected uint64-like, got %T", v)
	}
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	w.Write(b[:])
	return nil
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

func (Uint64Encoding) Read(r *bytes.Reader) (any, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return nil, fmt.Errorf("uint64 encoding: %w", err)
	}
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n, nil
}

func (Uint64Encoding) Skip(r *bytes.Reader) error {
	var b [8]byte
	_, err := r.Read(b[:])
	return err
}

func (Uint64Encoding) Compare(a, b any) int {
	av, _ := asUint64(a)
	bv, _ := asUint64(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func (Uint64Encoding) DefaultValue() any { return uint64(0) }

func (e Uint64Encoding) DefaultValueBytes() []byte {
	var buf bytes.Buffer
	_ = e.Write(&buf, e.DefaultValue())
	return buf.Bytes()
}

func (Uint64Encoding) Convert(from Encoding, v any) (any, bool) {
	if _, ok := from.(Uint64Encoding); ok {
		return v, true
	}
	return nil, false
}

// Int64Encoding is a fixed-width (8 byte) encoding for signed 64-bit
// integers. It flips the sign bit before writing so two's-complement
// negative values still sort below positive ones byte-wise.
type Int64Encoding struct{}

func (Int64Encoding) Name() string { return "int64" }

func (Int64Encoding) Write(w *bytes.Buffer, v any) error {
	n, ok := v.(int64)
	if !ok {
		if i, ok2 := v.(int); ok2 {
			n, ok = int64(i), true
		}
	}
	if !ok {
		return fmt.Errorf("int64 encoding: expected int64, got %T", v)
	}
	u := uint64(n) ^ (1 << 63)
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	w.Write(b[:])
	return nil
}

func (Int64Encoding) Read(r *bytes.Reader) (any, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return nil, fmt.Errorf("int64 encoding: %w", err)
	}
	var u uint64
	for _, c := range b {
		u = u<<8 | uint64(c)
	}
	return int64(u ^ (1 << 63)), nil
}

func (Int64Encoding) Skip(r *bytes.Reader) error {
	var b [8]byte
	_, err := r.Read(b[:])
	return err
}

func (Int64Encoding) Compare(a, b any) int {
	av, bv := a.(int64), b.(int64)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func (Int64Encoding) DefaultValue() any { return int64(0) }

func (e Int64Encoding) DefaultValueBytes() []byte {
	var buf bytes.Buffer
	_ = e.Write(&buf, e.DefaultValue())
	return buf.Bytes()
}

func (Int64Encoding) Convert(from Encoding, v any) (any, bool) {
	if _, ok := from.(Int64Encoding); ok {
		return v, true
	}
	return nil, false
}

// Float64Encoding is a fixed-width (8 byte) encoding for IEEE-754 doubles,
// using the standard sign/mantissa bit-flip trick so the byte order of the
// encoding matches float comparison (NaN excluded, as usual).
type Float64Encoding struct{}

func (Float64Encoding) Name() string { return "float64" }

func floatOrderBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func floatFromOrderBits(ob uint64) float64 {
	if ob&(1<<63) != 0 {
		return math.Float64frombits(ob &^ (1 << 63))
	}
	return math.Float64frombits(^ob)
}

func (Float64Encoding) Write(w *bytes.Buffer, v any) error {
	f, ok := v.(float64)
	if !ok {
		return fmt.Errorf("float64 encoding: expected float64, got %T", v)
	}
	u := floatOrderBits(f)
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	w.Write(b[:])
	return nil
}

func (Float64Encoding) Read(r *bytes.Reader) (any, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return nil, fmt.Errorf("float64 encoding: %w", err)
	}
	var u uint64
	for _, c := range b {
		u = u<<8 | uint64(c)
	}
	return floatFromOrderBits(u), nil
}

func (Float64Encoding) Skip(r *bytes.Reader) error {
	var b [8]byte
	_, err := r.Read(b[:])
	return err
}

func (Float64Encoding) Compare(a, b any) int {
	av, bv := a.(float64), b.(float64)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func (Float64Encoding) DefaultValue() any { return float64(0) }

func (e Float64Encoding) DefaultValueBytes() []byte {
	var buf bytes.Buffer
	_ = e.Write(&buf, e.DefaultValue())
	return buf.Bytes()
}

func (Float64Encoding) Convert(from Encoding, v any) (any, bool) {
	if _, ok := from.(Float64Encoding); ok {
		return v, true
	}
	return nil, false
}

// BoolEncoding is a fixed-width (1 byte) encoding for booleans.
type BoolEncoding struct{}

func (BoolEncoding) Name() string { return "bool" }

func (BoolEncoding) Write(w *bytes.Buffer, v any) error {
	b, ok := v.(bool)
	if !ok {
		return fmt.Errorf("bool encoding: expected bool, got %T", v)
	}
	if b {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	return nil
}

func (BoolEncoding) Read(r *bytes.Reader) (any, error) {
	c, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("bool encoding: %w", err)
	}
	return c != 0, nil
}

func (BoolEncoding) Skip(r *bytes.Reader) error {
	_, err := r.ReadByte()
	return err
}

func (BoolEncoding) Compare(a, b any) int {
	av, bv := a.(bool), b.(bool)
	switch {
	case av == bv:
		return 0
	case !av:
		return -1
	default:
		return 1
	}
}

func (BoolEncoding) DefaultValue() any { return false }

func (e BoolEncoding) DefaultValueBytes() []byte {
	var buf bytes.Buffer
	_ = e.Write(&buf, e.DefaultValue())
	return buf.Bytes()
}

func (BoolEncoding) Convert(from Encoding, v any) (any, bool) {
	if _, ok := from.(BoolEncoding); ok {
		return v, true
	}
	return nil, false
}

// ByName resolves a registered encoding by its Name(), for schema models
// that describe fields in textual (TOML, SQL-import) form.
func ByName(name string) (Encoding, bool) {
	switch name {
	case "string":
		return StringEncoding{}, true
	case "bytes":
		return BytesEncoding{}, true
	case "uint64":
		return Uint64Encoding{}, true
	case "int64":
		return Int64Encoding{}, true
	case "float64":
		return Float64Encoding{}, true
	case "bool":
		return BoolEncoding{}, true
	case "objid":
		return ObjIdEncoding{}, true
	default:
		return nil, false
	}
}
