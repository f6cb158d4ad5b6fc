// Package serializer converts arbitrary Go values to and from the engine's
// transport form: JSON for common cases, a tagged envelope with an opaque
// payload for everything else (spec §4.1).
//
// Determinism matters here: Hasher derives execution IDs from the encoded
// form of a component's inputs, so two equal inputs must encode to
// byte-identical JSON. Encode always sorts map keys (encoding/json already
// does this for map[string]any) and never returns an error — it degrades to
// a repr envelope instead.
package serializer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"time"
)

// Envelope type tags (spec §4.1).
const (
	TypeTuple    = "tuple"
	TypeDatetime = "datetime"
	TypePath     = "Path"
	TypeNDArray  = "ndarray"
	TypeDataFrame = "DataFrame"
	TypeRecord   = "record"
	TypeOpaque   = "opaque"
	TypeRepr     = "repr"
)

// Tuple wraps an ordered, fixed-arity sequence distinct from a plain slice.
type Tuple []any

// Path marks a string as a filesystem path.
type Path string

// NDArray is an n-dimensional numeric array value.
type NDArray struct {
	DType string    `json:"dtype"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// DataFrame is a tabular value: named columns, row-major records.
type DataFrame struct {
	Columns []string         `json:"columns"`
	Data    []map[string]any `json:"data"`
}

// Record is a named struct-like value that should round-trip under its
// qualified class name.
type Record struct {
	Class string         `json:"__class__"`
	Data  map[string]any `json:"data"`
}

// Opaque is a binary payload the serializer cannot otherwise interpret.
// Opaque payloads must never cross engine-implementation boundaries (spec §9).
type Opaque struct {
	Encoding string
	Bytes    []byte
}

// Encode converts v into a JSON-compatible value. It never panics or returns
// an error; unsupported values degrade to a repr envelope.
func Encode(v any) any {
	switch x := v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return x
	case Tuple:
		elems := make([]any, len(x))
		for i, e := range x {
			elems[i] = Encode(e)
		}
		return envelope(TypeTuple, elems)
	case time.Time:
		return envelope(TypeDatetime, x.UTC().Format(time.RFC3339Nano))
	case Path:
		return envelope(TypePath, string(x))
	case NDArray:
		return map[string]any{
			"__type__": TypeNDArray,
			"dtype":    x.DType,
			"shape":    x.Shape,
			"data":     x.Data,
		}
	case DataFrame:
		rows := make([]map[string]any, len(x.Data))
		for i, row := range x.Data {
			rows[i] = encodeMap(row)
		}
		return map[string]any{
			"__type__": TypeDataFrame,
			"columns":  x.Columns,
			"data":     rows,
		}
	case Record:
		return map[string]any{
			"__type__":  TypeRecord,
			"__class__": x.Class,
			"data":      encodeMap(x.Data),
		}
	case Opaque:
		return envelopeWith(TypeOpaque, map[string]any{
			"encoding": x.Encoding,
			"data":     hex.EncodeToString(x.Bytes),
		})
	case map[string]any:
		return encodeMap(x)
	case []any:
		elems := make([]any, len(x))
		for i, e := range x {
			elems[i] = Encode(e)
		}
		return elems
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		elems := make([]any, n)
		for i := 0; i < n; i++ {
			elems[i] = Encode(rv.Index(i).Interface())
		}
		return elems
	case reflect.Map:
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[fmt.Sprintf("%v", iter.Key().Interface())] = iter.Value().Interface()
		}
		return encodeMap(m)
	}

	// Last resort: try JSON marshal for well-formed structs, else repr.
	if data, err := json.Marshal(v); err == nil {
		var generic any
		if err := json.Unmarshal(data, &generic); err == nil {
			return generic
		}
	}
	return envelope(TypeRepr, fmt.Sprintf("%v", v))
}

func encodeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Encode(v)
	}
	return out
}

func envelope(typ string, value any) map[string]any {
	return map[string]any{"__type__": typ, "value": value}
}

func envelopeWith(typ string, fields map[string]any) map[string]any {
	out := map[string]any{"__type__": typ}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Decode reverses Encode for every envelope this package emits. An unknown
// "__type__" is returned unchanged (forward compatibility, per spec §4.1).
func Decode(encoded any) any {
	m, ok := encoded.(map[string]any)
	if !ok {
		if arr, ok := encoded.([]any); ok {
			out := make([]any, len(arr))
			for i, e := range arr {
				out[i] = Decode(e)
			}
			return out
		}
		return encoded
	}

	typ, _ := m["__type__"].(string)
	switch typ {
	case TypeTuple:
		arr, _ := m["value"].([]any)
		out := make(Tuple, len(arr))
		for i, e := range arr {
			out[i] = Decode(e)
		}
		return out
	case TypeDatetime:
		s, _ := m["value"].(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return m
		}
		return t
	case TypePath:
		s, _ := m["value"].(string)
		return Path(filepath.Clean(s))
	case TypeNDArray:
		dtype, _ := m["dtype"].(string)
		return NDArray{DType: dtype, Shape: toIntSlice(m["shape"]), Data: toFloat64Slice(m["data"])}
	case TypeDataFrame:
		rows := toMapSlice(m["data"])
		decoded := make([]map[string]any, len(rows))
		for i, row := range rows {
			decoded[i] = decodeMap(row)
		}
		return DataFrame{Columns: toStringSlice(m["columns"]), Data: decoded}
	case TypeRecord:
		class, _ := m["__class__"].(string)
		data, _ := m["data"].(map[string]any)
		return Record{Class: class, Data: decodeMap(data)}
	case TypeOpaque:
		encoding, _ := m["encoding"].(string)
		hexStr, _ := m["data"].(string)
		raw, err := hex.DecodeString(hexStr)
		if err != nil {
			return m
		}
		return Opaque{Encoding: encoding, Bytes: raw}
	case TypeRepr:
		return m
	default:
		// No recognized tag: treat as an ordinary map, decoding children.
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = Decode(v)
		}
		return out
	}
}

func decodeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Decode(v)
	}
	return out
}

// toStringSlice, toIntSlice, toFloat64Slice, and toMapSlice accept either the
// typed slice Encode wrote directly or the []any JSON.Unmarshal produces
// after a value has crossed the wire, so Decode round-trips both an
// in-process Encode/Decode pair and a value that went out to the graph store
// and came back.
func toStringSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, len(x))
		for i, e := range x {
			out[i] = fmt.Sprintf("%v", e)
		}
		return out
	}
	return nil
}

func toIntSlice(v any) []int {
	switch x := v.(type) {
	case []int:
		return x
	case []any:
		out := make([]int, len(x))
		for i, e := range x {
			switch n := e.(type) {
			case float64:
				out[i] = int(n)
			case int:
				out[i] = n
			}
		}
		return out
	}
	return nil
}

func toFloat64Slice(v any) []float64 {
	switch x := v.(type) {
	case []float64:
		return x
	case []any:
		out := make([]float64, len(x))
		for i, e := range x {
			switch n := e.(type) {
			case float64:
				out[i] = n
			case int:
				out[i] = float64(n)
			}
		}
		return out
	}
	return nil
}

func toMapSlice(v any) []map[string]any {
	switch x := v.(type) {
	case []map[string]any:
		return x
	case []any:
		out := make([]map[string]any, len(x))
		for i, e := range x {
			if mm, ok := e.(map[string]any); ok {
				out[i] = mm
			}
		}
		return out
	}
	return nil
}

// CanonicalJSON encodes v and marshals it with sorted object keys, producing
// byte-identical output for equal inputs. This is what Hasher consumes.
func CanonicalJSON(v any) ([]byte, error) {
	return marshalSorted(Encode(v))
}

func marshalSorted(v any) ([]byte, error) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(x[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte{'['}
		for i, e := range x {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(x)
	}
}
