package storage

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/value"
)

// Value codec shared by the row store (whole documents) and the columnar
// index (scalar cells). The layout is one tag byte followed by a
// tag-specific payload; strings and nested containers are length-prefixed
// with uvarints. Decoded strings alias the input buffer, so decoded values
// are views and must be made owned before any yield boundary.

var (
	errShortBuffer = errors.New("value codec: short buffer")
	errBadTag      = errors.New("value codec: unknown tag")
)

// AppendValue appends the encoding of v to buf and returns the extended
// buffer. Nothing is not encodable; absence is represented by a missing cell
// or field.
func AppendValue(buf []byte, v value.Value) ([]byte, error) {
	buf = append(buf, byte(v.Tag()))
	switch v.Tag() {
	case value.TagNull:
		return buf, nil
	case value.TagBool:
		if v.Bool() {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case value.TagInt64, value.TagRecordID, value.TagTimestamp:
		return binary.LittleEndian.AppendUint64(buf, uint64(v.Int64())), nil
	case value.TagDouble:
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Double())), nil
	case value.TagString:
		b := v.StringBytes()
		buf = binary.AppendUvarint(buf, uint64(len(b)))
		return append(buf, b...), nil
	case value.TagObject:
		obj := v.Object()
		buf = binary.AppendUvarint(buf, uint64(obj.Len()))
		for i := 0; i < obj.Len(); i++ {
			name, fv := obj.FieldAt(i)
			buf = binary.AppendUvarint(buf, uint64(len(name)))
			buf = append(buf, name...)
			var err error
			buf, err = AppendValue(buf, fv)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	case value.TagArray:
		arr := v.Array()
		buf = binary.AppendUvarint(buf, uint64(arr.Len()))
		for i := 0; i < arr.Len(); i++ {
			var err error
			buf, err = AppendValue(buf, arr.At(i))
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, errors.Wrapf(errBadTag, "tag %s", v.Tag())
	}
}

// DecodeValue decodes one value from b and returns it along with the number
// of bytes consumed. String payloads alias b.
func DecodeValue(b []byte) (value.Value, int, error) {
	if len(b) == 0 {
		return value.Nothing(), 0, errShortBuffer
	}
	tag := value.TypeTag(b[0])
	rest := b[1:]
	switch tag {
	case value.TagNull:
		return value.Null(), 1, nil
	case value.TagBool:
		if len(rest) < 1 {
			return value.Nothing(), 0, errShortBuffer
		}
		return value.NewBool(rest[0] != 0), 2, nil
	case value.TagInt64, value.TagRecordID, value.TagTimestamp:
		if len(rest) < 8 {
			return value.Nothing(), 0, errShortBuffer
		}
		n := int64(binary.LittleEndian.Uint64(rest))
		switch tag {
		case value.TagRecordID:
			return value.NewRecordID(n), 9, nil
		case value.TagTimestamp:
			return value.NewTimestamp(n), 9, nil
		default:
			return value.NewInt64(n), 9, nil
		}
	case value.TagDouble:
		if len(rest) < 8 {
			return value.Nothing(), 0, errShortBuffer
		}
		return value.NewDouble(math.Float64frombits(binary.LittleEndian.Uint64(rest))), 9, nil
	case value.TagString:
		slen, n := binary.Uvarint(rest)
		if n <= 0 || len(rest) < n+int(slen) {
			return value.Nothing(), 0, errShortBuffer
		}
		return value.NewStringView(rest[n : n+int(slen)]), 1 + n + int(slen), nil
	case value.TagObject:
		nfields, n := binary.Uvarint(rest)
		if n <= 0 {
			return value.Nothing(), 0, errShortBuffer
		}
		consumed := 1 + n
		rest = rest[n:]
		obj := value.NewObjectValue()
		for i := uint64(0); i < nfields; i++ {
			nlen, n := binary.Uvarint(rest)
			if n <= 0 || len(rest) < n+int(nlen) {
				return value.Nothing(), 0, errShortBuffer
			}
			name := string(rest[n : n+int(nlen)])
			consumed += n + int(nlen)
			rest = rest[n+int(nlen):]
			fv, used, err := DecodeValue(rest)
			if err != nil {
				return value.Nothing(), 0, err
			}
			obj.Set(name, fv)
			consumed += used
			rest = rest[used:]
		}
		return value.NewObject(obj), consumed, nil
	case value.TagArray:
		nelems, n := binary.Uvarint(rest)
		if n <= 0 {
			return value.Nothing(), 0, errShortBuffer
		}
		consumed := 1 + n
		rest = rest[n:]
		arr := value.NewArrayValue()
		for i := uint64(0); i < nelems; i++ {
			ev, used, err := DecodeValue(rest)
			if err != nil {
				return value.Nothing(), 0, err
			}
			arr.Push(ev)
			consumed += used
			rest = rest[used:]
		}
		return value.NewArray(arr), consumed, nil
	default:
		return value.Nothing(), 0, errors.Wrapf(errBadTag, "tag byte %d", b[0])
	}
}

// EncodeDocument encodes a document object for row-store storage.
func EncodeDocument(obj *value.Object) ([]byte, error) {
	return AppendValue(nil, value.NewObject(obj))
}

// DecodeDocument decodes a row-store record payload. The returned object is
// a view into b.
func DecodeDocument(b []byte) (*value.Object, error) {
	v, _, err := DecodeValue(b)
	if err != nil {
		return nil, err
	}
	if v.Tag() != value.TagObject {
		return nil, errors.Errorf("record payload is %s, not an object", v.Tag())
	}
	return v.Object(), nil
}

// DecodeCell decodes a columnar cell payload into a value. Incompatible and
// sub-object cells have no scalar payload.
func DecodeCell(c *Cell) (value.Value, error) {
	if c.Kind != CellScalar {
		return value.Nothing(), nil
	}
	v, _, err := DecodeValue(c.Bytes)
	return v, err
}
