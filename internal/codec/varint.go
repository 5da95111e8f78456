// Package codec provides order-preserving binary encodings for object
// fields and key segments: every Write must produce bytes whose
// lexicographic order matches Compare, so range scans over the underlying
// KV store return values in encoding order.
package codec

import (
	"bytes"
	"fmt"
)

// WriteUvarint appends v to w using an order-preserving variable-length
// encoding (the scheme SQLite4 calls its "varint"): values 0-240 take one
// byte, larger values take progressively more bytes, and the byte-wise
// comparison of two encodings always matches numeric comparison of the
// values. This is what lets storage IDs and schema indexes sort correctly
// inside composite keys without a fixed width.
func WriteUvarint(w *bytes.Buffer, v uint64) {
	switch {
	case v <= 240:
		w.WriteByte(byte(v))
	case v <= 2287:
		v -= 240
		w.WriteByte(byte(241 + v/256))
		w.WriteByte(byte(v % 256))
	case v <= 67823:
		v -= 2288
		w.WriteByte(249)
		w.WriteByte(byte(v / 256))
		w.WriteByte(byte(v % 256))
	default:
		n := byteLen(v)
		w.WriteByte(byte(250 + n - 3))
		for i := n - 1; i >= 0; i-- {
			w.WriteByte(byte(v >> (8 * uint(i))))
		}
	}
}

// byteLen returns how many big-endian bytes (3-8) are needed to hold v,
// matching the 250..255 prefix-byte cases of WriteUvarint.
func byteLen(v uint64) int {
	n := 3
	for v>>(8*uint(n)) != 0 {
		n++
		if n > 8 {
			break
		}
	}
	return n
}

// UvarintLen returns the number of bytes WriteUvarint would emit for v,
// without allocating.
func UvarintLen(v uint64) int {
	switch {
	case v <= 240:
		return 1
	case v <= 2287:
		return 2
	case v <= 67823:
		return 3
	default:
		return 1 + byteLen(v)
	}
}

// ReadUvarint decodes a value written by WriteUvarint.
func ReadUvarint(r *bytes.Reader) (uint64, error) {
	a0, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("read uvarint: %w", err)
	}
	switch {
	case a0 <= 240:
		return uint64(a0), nil
	case a0 <= 248:
		a1, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("read uvarint: %w", err)
		}
		return 240 + 256*uint64(a0-241) + uint64(a1), nil
	case a0 == 249:
		buf, err := readN(r, 2)
		if err != nil {
			return 0, err
		}
		return 2288 + 256*uint64(buf[0]) + uint64(buf[1]), nil
	default:
		n := int(a0-250) + 3
		buf, err := readN(r, n)
		if err != nil {
			return 0, err
		}
		var v uint64
		for _, b := range buf {
			v = v<<8 | uint64(b)
		}
		return v, nil
	}
}

// SkipUvarint advances r past one encoded value without returning it.
func SkipUvarint(r *bytes.Reader) error {
	_, err := ReadUvarint(r)
	return err
}

func readN(r *bytes.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("read uvarint: %w", err)
	}
	return buf, nil
}
