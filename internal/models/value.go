package models

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTime:
		return "time"
	}
	return "unknown"
}

// Value is a single cell read from or written to a database.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	t    time.Time
}

func NullValue() Value { return Value{} }
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }
func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }
func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func TimeValue(t time.Time) Value { return Value{kind: KindTime, t: t} }
func BytesValue(raw []byte) Value { return Value{kind: KindBytes, raw: bytes.Clone(raw)} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }

// FromDriver converts a value scanned by database/sql into a Value. Text
// returned as []byte becomes a string when it is valid UTF-8.
func FromDriver(src any) Value {
	switch v := src.(type) {
	case nil:
		return NullValue()
	case bool:
		return BoolValue(v)
	case int64:
		return IntValue(v)
	case int:
		return IntValue(int64(v))
	case int32:
		return IntValue(int64(v))
	case int16:
		return IntValue(int64(v))
	case int8:
		return IntValue(int64(v))
	case uint32:
		return IntValue(int64(v))
	case uint64:
		if v > math.MaxInt64 {
			return StringValue(strconv.FormatUint(v, 10))
		}
		return IntValue(int64(v))
	case float64:
		return FloatValue(v)
	case float32:
		return FloatValue(float64(v))
	case string:
		return StringValue(v)
	case []byte:
		if utf8.Valid(v) {
			return StringValue(string(v))
		}
		return BytesValue(v)
	case time.Time:
		return TimeValue(v)
	case fmt.Stringer:
		return StringValue(v.String())
	default:
		return StringValue(fmt.Sprint(v))
	}
}

// Driver returns the value as a database/sql argument.
func (v Value) Driver() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.raw
	case KindTime:
		return v.t
	default:
		return nil
	}
}

// Text is the canonical text form used for keys and comparisons. Engines
// disagree on how they return the same number (int64 vs text), so equality
// is decided on this form.
func (v Value) Text() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBytes:
		return hex.EncodeToString(v.raw)
	case KindTime:
		return v.t.UTC().Format(time.RFC3339Nano)
	default:
		return ""
	}
}

func (v Value) String() string {
	if v.IsNull() {
		return "NULL"
	}
	return v.Text()
}

func (v Value) Equal(other Value) bool {
	if v.IsNull() || other.IsNull() {
		return v.IsNull() && other.IsNull()
	}
	if v.kind == KindInt && other.kind == KindInt {
		return v.i == other.i
	}
	if v.numeric() && other.numeric() {
		return v.asFloat() == other.asFloat()
	}
	if v.kind == KindBytes && other.kind == KindBytes {
		return bytes.Equal(v.raw, other.raw)
	}
	return v.Text() == other.Text()
}

func (v Value) numeric() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

func (v Value) asFloat() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return json.Marshal(v.Text())
		}
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindBytes:
		return json.Marshal(v.raw)
	case KindTime:
		return json.Marshal(v.t.Format(time.RFC3339Nano))
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts untyped JSON scalars. Integral numbers decode as
// KindInt, other numbers as KindFloat.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case nil:
		*v = NullValue()
	case bool:
		*v = BoolValue(x)
	case string:
		*v = StringValue(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			*v = IntValue(i)
			return nil
		}
		f, err := x.Float64()
		if err != nil {
			return fmt.Errorf("decode number %q: %w", x, err)
		}
		*v = FloatValue(f)
	default:
		return fmt.Errorf("unsupported json value %T", raw)
	}
	return nil
}
