// Package value implements the tagged value substrate of the slot-based
// execution engine: runtime values, type signatures, slots and slot accessors.
//
// A Value is a small tagged union. Values are either owned (the holder is
// responsible for the payload's lifetime) or views (the payload aliases a
// buffer owned by a storage cursor or another stage). Any value that must
// survive a storage cursor yield has to be converted to owned form first, see
// [Value.MakeOwned].
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TypeTag identifies the runtime type of a [Value].
type TypeTag uint8

const (
	TagNothing TypeTag = iota // absent value, distinct from Null
	TagNull
	TagBool
	TagInt64
	TagDouble
	TagString
	TagObject
	TagArray
	TagRecordID
	TagTimestamp

	numTypeTags
)

// String returns the string representation of the TypeTag.
func (t TypeTag) String() string {
	switch t {
	case TagNothing:
		return "Nothing"
	case TagNull:
		return "null"
	case TagBool:
		return "bool"
	case TagInt64:
		return "int64"
	case TagDouble:
		return "double"
	case TagString:
		return "string"
	case TagObject:
		return "object"
	case TagArray:
		return "array"
	case TagRecordID:
		return "recordId"
	case TagTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("TypeTag(%d)", uint8(t))
	}
}

// Value is a tagged runtime value. The zero value is Nothing.
type Value struct {
	tag   TypeTag
	num   int64   // payload for Bool, Int64, RecordID, Timestamp
	dbl   float64 // payload for Double
	str   []byte  // payload for String; may alias a storage buffer
	obj   *Object
	arr   *Array
	owned bool
}

// Nothing returns the absent value.
func Nothing() Value { return Value{tag: TagNothing, owned: true} }

// Null returns the null value.
func Null() Value { return Value{tag: TagNull, owned: true} }

func NewBool(b bool) Value {
	var n int64
	if b {
		n = 1
	}
	return Value{tag: TagBool, num: n, owned: true}
}

func NewInt64(n int64) Value { return Value{tag: TagInt64, num: n, owned: true} }

func NewDouble(f float64) Value { return Value{tag: TagDouble, dbl: f, owned: true} }

// NewString returns an owned string value.
func NewString(s string) Value {
	return Value{tag: TagString, str: []byte(s), owned: true}
}

// NewStringView returns a string value whose payload aliases b. The value is
// only valid while b is; callers that need it across a yield must call
// MakeOwned first.
func NewStringView(b []byte) Value {
	return Value{tag: TagString, str: b, owned: false}
}

func NewObject(o *Object) Value { return Value{tag: TagObject, obj: o, owned: true} }

func NewArray(a *Array) Value { return Value{tag: TagArray, arr: a, owned: true} }

func NewRecordID(id int64) Value { return Value{tag: TagRecordID, num: id, owned: true} }

func NewTimestamp(ts int64) Value { return Value{tag: TagTimestamp, num: ts, owned: true} }

// Tag returns the value's type tag.
func (v Value) Tag() TypeTag { return v.tag }

func (v Value) IsNothing() bool { return v.tag == TagNothing }

func (v Value) IsNull() bool { return v.tag == TagNull }

// IsNumber reports whether the value is of a numeric type.
func (v Value) IsNumber() bool { return v.tag == TagInt64 || v.tag == TagDouble }

// Owned reports whether the payload is owned by the value holder rather than
// aliasing an external buffer.
func (v Value) Owned() bool {
	switch v.tag {
	case TagString:
		return v.owned
	case TagObject:
		return v.obj.owned()
	case TagArray:
		return v.arr.owned()
	default:
		return true
	}
}

// Bool returns the boolean payload. Callers must check the tag first.
func (v Value) Bool() bool { return v.num != 0 }

func (v Value) Int64() int64 { return v.num }

func (v Value) Double() float64 { return v.dbl }

// Numeric returns the value coerced to float64. Valid for numeric tags only.
func (v Value) Numeric() float64 {
	if v.tag == TagInt64 {
		return float64(v.num)
	}
	return v.dbl
}

// StringBytes returns the string payload without copying. The returned slice
// may alias a storage buffer.
func (v Value) StringBytes() []byte { return v.str }

func (v Value) StringValue() string { return string(v.str) }

func (v Value) Object() *Object { return v.obj }

func (v Value) Array() *Array { return v.arr }

func (v Value) RecordID() int64 { return v.num }

func (v Value) Timestamp() int64 { return v.num }

// MakeOwned returns a value equivalent to v whose payload does not alias any
// external buffer. Objects and arrays are traversed recursively.
func (v Value) MakeOwned() Value {
	switch v.tag {
	case TagString:
		if v.owned {
			return v
		}
		cp := make([]byte, len(v.str))
		copy(cp, v.str)
		return Value{tag: TagString, str: cp, owned: true}
	case TagObject:
		if v.obj.owned() {
			return v
		}
		return NewObject(v.obj.MakeOwned())
	case TagArray:
		if v.arr.owned() {
			return v
		}
		return NewArray(v.arr.MakeOwned())
	default:
		return v
	}
}

// canonicalOrder maps a type tag to its position in the cross-type sort order.
// Numbers of different tags share one position so they compare by magnitude.
func canonicalOrder(t TypeTag) int {
	switch t {
	case TagNothing:
		return 0
	case TagNull:
		return 1
	case TagInt64, TagDouble:
		return 2
	case TagString:
		return 3
	case TagObject:
		return 4
	case TagArray:
		return 5
	case TagBool:
		return 6
	case TagTimestamp:
		return 7
	case TagRecordID:
		return 8
	default:
		return int(t) + 100
	}
}

// Compare performs a three-way comparison of a and b. Values of different
// numeric tags compare by magnitude; values of incomparable types order by
// their canonical type order.
func Compare(a, b Value) int {
	ao, bo := canonicalOrder(a.tag), canonicalOrder(b.tag)
	if ao != bo {
		if ao < bo {
			return -1
		}
		return 1
	}
	switch {
	case a.tag == TagNothing || a.tag == TagNull:
		return 0
	case a.IsNumber():
		if a.tag == TagInt64 && b.tag == TagInt64 {
			return compareInt64(a.num, b.num)
		}
		af, bf := a.Numeric(), b.Numeric()
		// NaN orders below every other number; NaNs compare equal.
		switch {
		case math.IsNaN(af):
			if math.IsNaN(bf) {
				return 0
			}
			return -1
		case math.IsNaN(bf):
			return 1
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case a.tag == TagString:
		return strings.Compare(string(a.str), string(b.str))
	case a.tag == TagBool:
		return compareInt64(a.num, b.num)
	case a.tag == TagTimestamp || a.tag == TagRecordID:
		return compareInt64(a.num, b.num)
	case a.tag == TagObject:
		return compareObjects(a.obj, b.obj)
	case a.tag == TagArray:
		return compareArrays(a.arr, b.arr)
	default:
		return 0
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareObjects(a, b *Object) int {
	n := min(a.Len(), b.Len())
	for i := 0; i < n; i++ {
		an, av := a.FieldAt(i)
		bn, bv := b.FieldAt(i)
		if c := strings.Compare(an, bn); c != 0 {
			return c
		}
		if c := Compare(av, bv); c != 0 {
			return c
		}
	}
	return compareInt64(int64(a.Len()), int64(b.Len()))
}

func compareArrays(a, b *Array) int {
	n := min(a.Len(), b.Len())
	for i := 0; i < n; i++ {
		if c := Compare(a.At(i), b.At(i)); c != 0 {
			return c
		}
	}
	return compareInt64(int64(a.Len()), int64(b.Len()))
}

// Equal reports whether a and b are equal under [Compare] semantics.
func Equal(a, b Value) bool {
	if a.tag == TagNothing || b.tag == TagNothing {
		return a.tag == b.tag
	}
	return canonicalOrder(a.tag) == canonicalOrder(b.tag) && Compare(a, b) == 0
}

// String renders the value for debug output. Objects keep insertion order so
// the rendering is stable.
func (v Value) String() string {
	switch v.tag {
	case TagNothing:
		return "Nothing"
	case TagNull:
		return "null"
	case TagBool:
		return strconv.FormatBool(v.Bool())
	case TagInt64:
		return strconv.FormatInt(v.num, 10)
	case TagDouble:
		if math.Trunc(v.dbl) == v.dbl && !math.IsInf(v.dbl, 0) {
			return strconv.FormatFloat(v.dbl, 'f', 1, 64)
		}
		return strconv.FormatFloat(v.dbl, 'g', -1, 64)
	case TagString:
		return strconv.Quote(string(v.str))
	case TagObject:
		return v.obj.String()
	case TagArray:
		return v.arr.String()
	case TagRecordID:
		return fmt.Sprintf("rid:%d", v.num)
	case TagTimestamp:
		return fmt.Sprintf("ts:%d", v.num)
	default:
		return "invalid"
	}
}
