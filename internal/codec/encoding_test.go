package codec_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/permazen/permazen-sub003/internal/codec"
)

func roundTrip(t *testing.T, enc codec.Encoding, v any) any {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, enc.Write(&buf, v))
	got, err := enc.Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return got
}

func TestStringEncodingRoundTripAndOrder(t *testing.T) {
	enc := codec.StringEncoding{}
	require.Equal(t, "hello", roundTrip(t, enc, "hello"))
	require.Equal(t, "", roundTrip(t, enc, ""))

	require.Less(t, enc.Compare("apple", "banana"), 0)
	require.Greater(t, enc.Compare("banana", "apple"), 0)
	require.Equal(t, 0, enc.Compare("same", "same"))
}

func TestInt64EncodingOrderAcrossSign(t *testing.T) {
	enc := codec.Int64Encoding{}
	require.Equal(t, int64(-42), roundTrip(t, enc, int64(-42)))
	require.Equal(t, int64(0), roundTrip(t, enc, int64(0)))
	require.Equal(t, int64(42), roundTrip(t, enc, int64(42)))

	require.Less(t, enc.Compare(int64(-1), int64(1)), 0)
	require.Less(t, enc.Compare(int64(-100), int64(-1)), 0)
}

func TestUint64EncodingRoundTrip(t *testing.T) {
	enc := codec.Uint64Encoding{}
	require.Equal(t, uint64(0), roundTrip(t, enc, uint64(0)))
	require.Equal(t, uint64(1<<63), roundTrip(t, enc, uint64(1<<63)))
}

func TestFloat64EncodingOrderAcrossSignAndZero(t *testing.T) {
	enc := codec.Float64Encoding{}
	require.Equal(t, -1.5, roundTrip(t, enc, -1.5))
	require.Equal(t, 0.0, roundTrip(t, enc, 0.0))
	require.Equal(t, 1.5, roundTrip(t, enc, 1.5))

	require.Less(t, enc.Compare(-1.5, -0.5), 0)
	require.Less(t, enc.Compare(-0.5, 0.0), 0)
	require.Less(t, enc.Compare(0.0, 0.5), 0)
}

func TestBoolEncodingRoundTripAndOrder(t *testing.T) {
	enc := codec.BoolEncoding{}
	require.Equal(t, false, roundTrip(t, enc, false))
	require.Equal(t, true, roundTrip(t, enc, true))
	require.Less(t, enc.Compare(false, true), 0)
}

func TestReferenceEncodingNullSortsLast(t *testing.T) {
	enc := codec.ReferenceEncoding{}
	id, err := codec.NewObjId(7)
	require.NoError(t, err)

	got := roundTrip(t, enc, id)
	require.Equal(t, id, got)

	require.Nil(t, roundTrip(t, enc, nil))
	require.Greater(t, enc.Compare(nil, id), 0)
	require.Less(t, enc.Compare(id, nil), 0)
}

func TestNullSafeEncodingWrapsInner(t *testing.T) {
	enc := codec.NullSafeEncoding{Inner: codec.StringEncoding{}}
	require.Equal(t, "x", roundTrip(t, enc, "x"))
	require.Nil(t, roundTrip(t, enc, nil))
	require.Equal(t, 0, enc.Compare(nil, nil))
}

func TestObjIdParseRejectsWrongLength(t *testing.T) {
	_, err := codec.ParseObjId([]byte{1, 2, 3})
	require.Error(t, err)

	id, err := codec.NewObjId(5)
	require.NoError(t, err)
	parsed, err := codec.ParseObjId(id[:])
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestObjIdStorageIDRoundTrip(t *testing.T) {
	id, err := codec.NewObjId(123)
	require.NoError(t, err)
	storageID, err := id.StorageID()
	require.NoError(t, err)
	require.Equal(t, uint64(123), storageID)
}
