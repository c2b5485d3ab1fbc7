package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareNumericCrossTag(t *testing.T) {
	for _, tc := range []struct {
		name string
		a, b Value
		want int
	}{
		{"int eq double", NewInt64(3), NewDouble(3.0), 0},
		{"int lt double", NewInt64(2), NewDouble(2.5), -1},
		{"double gt int", NewDouble(7.5), NewInt64(7), 1},
		{"null eq null", Null(), Null(), 0},
		{"null lt number", Null(), NewInt64(0), -1},
		{"number lt string", NewInt64(99), NewString("a"), -1},
		{"string cmp", NewString("abc"), NewString("abd"), -1},
		{"nan lt number", NewDouble(math.NaN()), NewDouble(math.Inf(-1)), -1},
		{"number gt nan", NewInt64(math.MinInt64), NewDouble(math.NaN()), 1},
		{"nan eq nan", NewDouble(math.NaN()), NewDouble(math.NaN()), 0},
		{"null lt nan", Null(), NewDouble(math.NaN()), -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Compare(tc.a, tc.b))
		})
	}
}

func TestEqualNothing(t *testing.T) {
	require.True(t, Equal(Nothing(), Nothing()))
	require.False(t, Equal(Nothing(), Null()))
	require.False(t, Equal(Null(), Nothing()))
}

func TestMakeOwnedDetachesFromBuffer(t *testing.T) {
	buf := []byte("hello")
	view := NewStringView(buf)
	require.False(t, view.Owned())

	owned := view.MakeOwned()
	require.True(t, owned.Owned())

	// Clobber the backing buffer; the owned copy must be unaffected.
	copy(buf, "XXXXX")
	require.Equal(t, "XXXXX", view.StringValue())
	require.Equal(t, "hello", owned.StringValue())
}

func TestObjectMakeOwnedIsDeep(t *testing.T) {
	buf := []byte("world")
	inner := NewObjectValue()
	inner.Set("s", NewStringView(buf))
	outer := NewObjectValue()
	outer.Set("a", NewObject(inner))

	v := NewObject(outer)
	require.False(t, v.Owned())

	owned := v.MakeOwned()
	copy(buf, "?????")
	got := owned.Object().GetPath("a.s")
	require.Equal(t, "world", got.StringValue())
}

func TestObjectGetPath(t *testing.T) {
	inner := NewObjectValue()
	inner.Set("b", NewInt64(1))
	inner.Set("c", NewInt64(2))
	root := NewObjectValue()
	root.Set("a", NewObject(inner))

	require.Equal(t, int64(1), root.GetPath("a.b").Int64())
	require.Equal(t, int64(2), root.GetPath("a.c").Int64())
	require.True(t, root.GetPath("a.d").IsNothing())
	require.True(t, root.GetPath("x.y").IsNothing())
}

func TestObjectSetPreservesInsertionOrder(t *testing.T) {
	o := NewObjectValue()
	o.Set("z", NewInt64(1))
	o.Set("a", NewInt64(2))
	o.Set("z", NewInt64(3)) // overwrite keeps position

	require.Equal(t, 2, o.Len())
	name, v := o.FieldAt(0)
	require.Equal(t, "z", name)
	require.Equal(t, int64(3), v.Int64())
	require.Equal(t, "{z: 3, a: 2}", o.String())
}

func TestHashNumericNormalization(t *testing.T) {
	require.Equal(t, HashOne(NewInt64(4)), HashOne(NewDouble(4.0)))
	require.NotEqual(t, HashOne(NewDouble(4.5)), HashOne(NewInt64(4)))
	require.Equal(t, HashOne(Nothing()), HashOne(Null()))

	// NaNs compare equal, so payload bits must not leak into the hash.
	nan := math.NaN()
	other := math.Float64frombits(math.Float64bits(nan) ^ 1)
	require.Equal(t, HashOne(NewDouble(nan)), HashOne(NewDouble(other)))
	require.NotEqual(t, HashOne(NewDouble(nan)), HashOne(NewDouble(0)))
}

func TestTypeSignature(t *testing.T) {
	s := SigInt64.Include(SigDouble)
	require.Equal(t, SigNumeric, s)
	require.True(t, s.IsSubset(SigAnyScalar))
	require.False(t, SigObject.IsSubset(SigAnyScalar))
	require.True(t, SigAny.CanBe(TagArray))
	require.Equal(t, "int64|double", SigNumeric.String())
}

func TestSlotIDGeneratorMonotonic(t *testing.T) {
	g := NewSlotIDGenerator()
	a := g.Generate()
	b := g.Generate()
	require.Less(t, a, b)
}

func TestSwitchAccessor(t *testing.T) {
	var a, b OwnedAccessor
	a.Set(NewInt64(1))
	b.Set(NewInt64(2))

	sw := NewSwitchAccessor(&a, &b)
	require.Equal(t, int64(1), sw.Get().Int64())
	sw.SetIndex(1)
	require.Equal(t, int64(2), sw.Get().Int64())
}
