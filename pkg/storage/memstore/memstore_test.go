package memstore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/storage"
)

func doc(fields ...any) *value.Object {
	o := value.NewObjectValue()
	for i := 0; i < len(fields); i += 2 {
		o.Set(fields[i].(string), fields[i+1].(value.Value))
	}
	return o
}

func TestRecordStoreRoundTrip(t *testing.T) {
	rs := NewRecordStore()
	id1, err := rs.Insert(doc("a", value.NewInt64(1)))
	require.NoError(t, err)
	id2, err := rs.Insert(doc("a", value.NewInt64(2)))
	require.NoError(t, err)
	require.Less(t, id1, id2)

	cur := rs.OpenCursor()
	defer cur.Close()

	rec, err := cur.Next()
	require.NoError(t, err)
	require.Equal(t, id1, rec.ID)
	obj, err := storage.DecodeDocument(rec.Bytes)
	require.NoError(t, err)
	require.Equal(t, int64(1), obj.GetPath("a").Int64())

	rec, err = cur.Next()
	require.NoError(t, err)
	require.Equal(t, id2, rec.ID)

	rec, err = cur.Next()
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestRecordCursorSeek(t *testing.T) {
	rs := NewRecordStore()
	var ids []storage.RowID
	for i := 0; i < 5; i++ {
		id, err := rs.Insert(doc("n", value.NewInt64(int64(i))))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.True(t, rs.Delete(ids[2]))

	cur := rs.OpenCursor()
	defer cur.Close()

	rec, err := cur.SeekNear(ids[2])
	require.NoError(t, err)
	require.Equal(t, ids[3], rec.ID)

	_, found, err := cur.SeekExact(ids[2])
	require.NoError(t, err)
	require.False(t, found)

	rec, found, err = cur.SeekExact(ids[4])
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ids[4], rec.ID)
}

func TestRecordCursorSavePoisonsViews(t *testing.T) {
	rs := NewRecordStore()
	_, err := rs.Insert(doc("s", value.NewString("important")))
	require.NoError(t, err)

	cur := rs.OpenCursor()
	defer cur.Close()

	rec, err := cur.Next()
	require.NoError(t, err)

	obj, err := storage.DecodeDocument(rec.Bytes)
	require.NoError(t, err)
	view := obj.GetPath("s")
	owned := view.MakeOwned()

	cur.Save()
	require.NoError(t, cur.Restore())

	require.NotEqual(t, "important", view.StringValue())
	require.Equal(t, "important", owned.StringValue())
}

func TestColumnStoreScalarCells(t *testing.T) {
	cs := NewColumnStore([]string{"a.b", "a.c"})
	inner := doc("b", value.NewInt64(1), "c", value.NewInt64(2))
	require.NoError(t, cs.InsertDoc(1, doc("a", value.NewObject(inner))))
	require.NoError(t, cs.InsertDoc(2, doc("a", value.NewObject(doc("b", value.NewInt64(3))))))

	cur, err := cs.OpenCursor("a.b")
	require.NoError(t, err)
	defer cur.Close()

	cell, err := cur.Next()
	require.NoError(t, err)
	require.Equal(t, storage.RowID(1), cell.RowID)
	v, err := storage.DecodeCell(cell)
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Int64())

	cell, err = cur.Next()
	require.NoError(t, err)
	require.Equal(t, storage.RowID(2), cell.RowID)

	// a.c run only has row 1.
	ccur, err := cs.OpenCursor("a.c")
	require.NoError(t, err)
	defer ccur.Close()
	cell, err = ccur.SeekAtOrPast(2)
	require.NoError(t, err)
	require.Nil(t, cell)
}

func TestColumnStoreIncompatibleShapes(t *testing.T) {
	cs := NewColumnStore([]string{"a.b", "x"})

	arr := value.NewArrayValue()
	arr.Push(value.NewInt64(1))
	// 'a' is an array: path a.b gets an incompatible marker.
	require.NoError(t, cs.InsertDoc(1, doc("a", value.NewArray(arr), "x", value.NewObject(doc("y", value.NewInt64(1))))))

	cur, err := cs.OpenCursor("a.b")
	require.NoError(t, err)
	cell, err := cur.Next()
	require.NoError(t, err)
	require.Equal(t, storage.CellIncompatible, cell.Kind)
	cur.Close()

	// 'x' is an object leaf: also incompatible.
	xcur, err := cs.OpenCursor("x")
	require.NoError(t, err)
	cell, err = xcur.Next()
	require.NoError(t, err)
	require.Equal(t, storage.CellIncompatible, cell.Kind)
	xcur.Close()
}

func TestColumnStoreSealedBlocksRoundTrip(t *testing.T) {
	cs := NewColumnStore([]string{"v"})
	// Enough repetitive rows to seal several compressed blocks.
	for i := 1; i <= cellsPerBlock*3+5; i++ {
		d := doc("v", value.NewString(fmt.Sprintf("payload-payload-payload-%04d", i)))
		require.NoError(t, cs.InsertDoc(storage.RowID(i), d))
	}

	cur, err := cs.OpenCursor("v")
	require.NoError(t, err)
	defer cur.Close()

	for i := 1; i <= cellsPerBlock*3+5; i++ {
		cell, err := cur.Next()
		require.NoError(t, err)
		require.NotNil(t, cell, "row %d", i)
		require.Equal(t, storage.RowID(i), cell.RowID)
		v, err := storage.DecodeCell(cell)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("payload-payload-payload-%04d", i), v.StringValue())
	}
	cell, err := cur.Next()
	require.NoError(t, err)
	require.Nil(t, cell)
}

func TestColumnCursorSaveRestoreRepositions(t *testing.T) {
	cs := NewColumnStore([]string{"v"})
	for i := 1; i <= 10; i++ {
		require.NoError(t, cs.InsertDoc(storage.RowID(i), doc("v", value.NewInt64(int64(i)))))
	}

	cur, err := cs.OpenCursor("v")
	require.NoError(t, err)
	defer cur.Close()

	cell, err := cur.SeekAtOrPast(3)
	require.NoError(t, err)
	require.Equal(t, storage.RowID(3), cell.RowID)

	cur.Save()
	cs.Delete(4) // concurrent delete while yielded
	require.NoError(t, cur.Restore())

	cell, err = cur.Next()
	require.NoError(t, err)
	require.Equal(t, storage.RowID(5), cell.RowID)
}

func TestCollectionConsistencyChecker(t *testing.T) {
	coll := NewCollection("test.coll", []string{"a"})
	id, err := coll.Insert(doc("a", value.NewInt64(1)))
	require.NoError(t, err)

	require.True(t, coll.CheckIndexKey(coll.Records.Snapshot(), "a", id))
	require.False(t, coll.CheckIndexKey(coll.Records.Snapshot(), "b", id))

	// Remove the record behind the index's back: the cell survives, so the
	// checker keeps vouching for the key.
	require.True(t, coll.Records.Delete(id))
	require.True(t, coll.CheckIndexKey(coll.Records.Snapshot(), "a", id))

	// A full delete removes the cells too.
	id2, err := coll.Insert(doc("a", value.NewInt64(2)))
	require.NoError(t, err)
	require.True(t, coll.Delete(id2))
	require.False(t, coll.CheckIndexKey(coll.Records.Snapshot(), "a", id2))
}

func TestCodecValueKinds(t *testing.T) {
	arr := value.NewArrayValue()
	arr.Push(value.NewInt64(1))
	arr.Push(value.NewString("two"))

	d := doc(
		"i", value.NewInt64(-5),
		"f", value.NewDouble(2.5),
		"s", value.NewString("str"),
		"b", value.NewBool(true),
		"n", value.Null(),
		"a", value.NewArray(arr),
		"o", value.NewObject(doc("x", value.NewInt64(9))),
	)
	raw, err := storage.EncodeDocument(d)
	require.NoError(t, err)

	got, err := storage.DecodeDocument(raw)
	require.NoError(t, err)
	require.Equal(t, 0, value.Compare(value.NewObject(d), value.NewObject(got)))
}
