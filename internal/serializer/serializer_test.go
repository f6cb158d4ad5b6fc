package serializer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePrimitivesRoundTrip(t *testing.T) {
	cases := []any{nil, true, false, "hello", float64(3.14), float64(42)}
	for _, c := range cases {
		encoded := Encode(c)
		assert.Equal(t, c, Decode(encoded))
	}
}

func TestEncodeTupleRoundTrip(t *testing.T) {
	tup := Tuple{1.0, "a", true}
	encoded := Encode(tup)
	m, ok := encoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, TypeTuple, m["__type__"])
	assert.Equal(t, tup, Decode(encoded))
}

func TestEncodeDatetimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	encoded := Encode(now)
	m := encoded.(map[string]any)
	assert.Equal(t, TypeDatetime, m["__type__"])
	assert.True(t, now.Equal(Decode(encoded).(time.Time)))
}

func TestEncodePathRoundTrip(t *testing.T) {
	p := Path("/var/tmp/x")
	encoded := Encode(p)
	assert.Equal(t, p, Decode(encoded))
}

func TestEncodeMapPreservesKeys(t *testing.T) {
	m := map[string]any{"a": 1.0, "b": Tuple{1.0, 2.0}}
	encoded := Encode(m).(map[string]any)
	assert.Contains(t, encoded, "a")
	assert.Contains(t, encoded, "b")
}

func TestEncodeOpaqueFallsBackToHex(t *testing.T) {
	o := Opaque{Encoding: "pickle", Bytes: []byte{0xde, 0xad, 0xbe, 0xef}}
	encoded := Encode(o).(map[string]any)
	assert.Equal(t, TypeOpaque, encoded["__type__"])
	assert.Equal(t, "deadbeef", encoded["data"])
}

func TestEncodeOpaqueRoundTrips(t *testing.T) {
	o := Opaque{Encoding: "pickle", Bytes: []byte{0xde, 0xad, 0xbe, 0xef}}
	encoded := Encode(o)
	assert.Equal(t, o, Decode(encoded))
}

func TestEncodeNDArrayRoundTrips(t *testing.T) {
	arr := NDArray{DType: "float64", Shape: []int{2}, Data: []float64{1, 2}}
	encoded := Encode(arr).(map[string]any)
	assert.Equal(t, TypeNDArray, encoded["__type__"])
	assert.Equal(t, arr, Decode(encoded))
}

func TestEncodeNDArrayRoundTripsThroughJSON(t *testing.T) {
	arr := NDArray{DType: "int64", Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}}
	encoded := Encode(arr)
	data, err := json.Marshal(encoded)
	require.NoError(t, err)
	var generic any
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, arr, Decode(generic))
}

func TestEncodeDataFrameRoundTrips(t *testing.T) {
	df := DataFrame{
		Columns: []string{"a", "b"},
		Data: []map[string]any{
			{"a": 1.0, "b": "x"},
			{"a": 2.0, "b": "y"},
		},
	}
	encoded := Encode(df).(map[string]any)
	assert.Equal(t, TypeDataFrame, encoded["__type__"])
	assert.Equal(t, df, Decode(encoded))
}

func TestEncodeRecordRoundTrips(t *testing.T) {
	rec := Record{Class: "pkg.Widget", Data: map[string]any{"name": "x", "count": 3.0}}
	encoded := Encode(rec).(map[string]any)
	assert.Equal(t, TypeRecord, encoded["__type__"])
	assert.Equal(t, rec, Decode(encoded))
}

func TestEncodeNeverPanicsOnUnsupportedType(t *testing.T) {
	type weird struct{ Ch chan int }
	assert.NotPanics(t, func() {
		Encode(weird{Ch: make(chan int)})
	})
}

func TestDecodeUnknownTypeTagReturnsUnchanged(t *testing.T) {
	envelope := map[string]any{"__type__": "future_type", "value": "x"}
	decoded := Decode(envelope)
	assert.Equal(t, envelope["__type__"], decoded.(map[string]any)["__type__"])
}

func TestCanonicalJSONDeterministicAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"z": 1.0, "a": 2.0, "m": 3.0}
	b := map[string]any{"a": 2.0, "m": 3.0, "z": 1.0}

	encA, err := CanonicalJSON(a)
	require.NoError(t, err)
	encB, err := CanonicalJSON(b)
	require.NoError(t, err)

	assert.Equal(t, encA, encB)
}

func TestCanonicalJSONDiffersOnDifferentInputs(t *testing.T) {
	a, _ := CanonicalJSON(map[string]any{"x": 1.0})
	b, _ := CanonicalJSON(map[string]any{"x": 2.0})
	assert.NotEqual(t, a, b)
}
