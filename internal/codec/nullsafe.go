package codec

import (
	"bytes"
	"fmt"
)

// NullSafeEncoding wraps any encoding that cannot itself represent null,
// reserving the single byte 0xFF as the null sentinel. Because the inner
// encoding might legitimately produce a value whose first byte is 0xFF
// (e.g. a BytesEncoding value that happens to start with that byte), any
// such encoding is shifted by prepending 0x00 so the bare 0xFF byte stays
// unambiguous (§4.1). Null sorts last, after every non-null value.
type NullSafeEncoding struct {
	Inner Encoding
}

func (e NullSafeEncoding) Name() string { return "nullsafe:" + e.Inner.Name() }

func (e NullSafeEncoding) Write(w *bytes.Buffer, v any) error {
	if v == nil {
		w.WriteByte(nullSentinel)
		return nil
	}
	var inner bytes.Buffer
	if err := e.Inner.Write(&inner, v); err != nil {
		return err
	}
	b := inner.Bytes()
	if len(b) > 0 && b[0] == nullSentinel {
		w.WriteByte(0x00)
	}
	w.Write(b)
	return nil
}

func (e NullSafeEncoding) Read(r *bytes.Reader) (any, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("nullsafe encoding: %w", err)
	}
	if first == nullSentinel {
		return nil, nil
	}
	if first == 0x00 {
		return e.Inner.Read(r)
	}
	if err := r.UnreadByte(); err != nil {
		return nil, fmt.Errorf("nullsafe encoding: %w", err)
	}
	return e.Inner.Read(r)
}

func (e NullSafeEncoding) Skip(r *bytes.Reader) error {
	_, err := e.Read(r)
	return err
}

func (e NullSafeEncoding) Compare(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	return e.Inner.Compare(a, b)
}

func (e NullSafeEncoding) DefaultValue() any { return nil }

func (e NullSafeEncoding) DefaultValueBytes() []byte {
	var buf bytes.Buffer
	_ = e.Write(&buf, e.DefaultValue())
	return buf.Bytes()
}

func (e NullSafeEncoding) Convert(from Encoding, v any) (any, bool) {
	fromNS, ok := from.(NullSafeEncoding)
	if !ok {
		return nil, false
	}
	if v == nil {
		return nil, true
	}
	return e.Inner.Convert(fromNS.Inner, v)
}
