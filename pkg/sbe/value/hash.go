package value

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Hash feeds a canonical byte representation of v into the digest. Values
// that compare equal under [Compare] hash identically: integral doubles hash
// as their int64 equivalent, and Nothing hashes like Null so that group keys
// built after the fill-empty-to-null shim stay consistent.
func Hash(d *xxhash.Digest, v Value) {
	var scratch [8]byte
	switch v.Tag() {
	case TagNothing, TagNull:
		_, _ = d.Write([]byte{byte(TagNull)})
	case TagBool:
		_, _ = d.Write([]byte{byte(TagBool), byte(v.num)})
	case TagInt64:
		hashNumeric(d, float64(v.num), v.num, true, scratch[:])
	case TagDouble:
		if math.IsNaN(v.dbl) {
			// NaNs compare equal regardless of payload bits.
			_, _ = d.Write([]byte{byte(TagDouble), 0x7f})
			return
		}
		n := int64(v.dbl)
		hashNumeric(d, v.dbl, n, float64(n) == v.dbl, scratch[:])
	case TagString:
		_, _ = d.Write([]byte{byte(TagString)})
		_, _ = d.Write(v.str)
		_, _ = d.Write([]byte{0})
	case TagObject:
		_, _ = d.Write([]byte{byte(TagObject)})
		for i := 0; i < v.obj.Len(); i++ {
			name, val := v.obj.FieldAt(i)
			_, _ = d.WriteString(name)
			_, _ = d.Write([]byte{0})
			Hash(d, val)
		}
		_, _ = d.Write([]byte{0xff})
	case TagArray:
		_, _ = d.Write([]byte{byte(TagArray)})
		for i := 0; i < v.arr.Len(); i++ {
			Hash(d, v.arr.At(i))
		}
		_, _ = d.Write([]byte{0xff})
	case TagRecordID, TagTimestamp:
		scratch[0] = byte(v.tag)
		_, _ = d.Write(scratch[:1])
		binary.LittleEndian.PutUint64(scratch[:], uint64(v.num))
		_, _ = d.Write(scratch[:])
	}
}

func hashNumeric(d *xxhash.Digest, f float64, n int64, integral bool, scratch []byte) {
	if integral {
		scratch[0] = byte(TagInt64)
		_, _ = d.Write(scratch[:1])
		binary.LittleEndian.PutUint64(scratch, uint64(n))
		_, _ = d.Write(scratch[:8])
		return
	}
	scratch[0] = byte(TagDouble)
	_, _ = d.Write(scratch[:1])
	binary.LittleEndian.PutUint64(scratch, math.Float64bits(f))
	_, _ = d.Write(scratch[:8])
}

// HashOne returns the xxhash of a single value.
func HashOne(v Value) uint64 {
	d := xxhash.New()
	Hash(d, v)
	return d.Sum64()
}
