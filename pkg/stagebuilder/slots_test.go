package stagebuilder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvusdb/engine/pkg/sbe/value"
)

func TestFieldSetContains(t *testing.T) {
	closed := ClosedFieldSet("a", "b")
	require.True(t, closed.Contains("a"))
	require.False(t, closed.Contains("c"))
	require.Equal(t, []string{"a", "b"}, closed.Fields())

	open := OpenFieldSet("a")
	require.False(t, open.Contains("a"))
	require.True(t, open.Contains("anything"))
}

func TestFieldSetUnion(t *testing.T) {
	t.Run("closed closed", func(t *testing.T) {
		u := ClosedFieldSet("a").Union(ClosedFieldSet("b"))
		require.False(t, u.IsOpen())
		require.Equal(t, []string{"a", "b"}, u.Fields())
	})
	t.Run("open closed", func(t *testing.T) {
		u := OpenFieldSet("a", "b").Union(ClosedFieldSet("b"))
		require.True(t, u.IsOpen())
		require.True(t, u.Contains("b"))
		require.False(t, u.Contains("a"))
	})
	t.Run("open open intersects exclusions", func(t *testing.T) {
		u := OpenFieldSet("a", "b").Union(OpenFieldSet("b", "c"))
		require.True(t, u.IsOpen())
		require.False(t, u.Contains("b"))
		require.True(t, u.Contains("a"))
		require.True(t, u.Contains("c"))
	})
}

func TestSlotNameOrdering(t *testing.T) {
	reqs := NewPlanStageReqs().
		Set(RecordIDName).
		SetFields("b", "a").
		Set(SortKeyName("0"))
	names := reqs.Names()
	require.Equal(t, []SlotName{
		RecordIDName,
		FieldName("a"),
		FieldName("b"),
		SortKeyName("0"),
	}, names)
	require.Equal(t, []string{"a", "b"}, reqs.Fields())
}

func TestPlanStageSlotsGetMissing(t *testing.T) {
	s := NewPlanStageSlots()
	_, err := s.Get(FieldName("a"))
	require.Error(t, err)

	s.Set(FieldName("a"), value.NewTypedSlot(7))
	slot, err := s.Get(FieldName("a"))
	require.NoError(t, err)
	require.Equal(t, value.SlotID(7), slot.ID)
}

func TestMergeInfos(t *testing.T) {
	base := value.NewTypedSlot(1)
	infoA := &ResultInfo{
		Base:     base,
		Modified: ClosedFieldSet("a"),
		Changes:  map[string]value.TypedSlot{"a": value.NewTypedSlot(2)},
	}
	infoB := &ResultInfo{
		Base:     base,
		Modified: ClosedFieldSet("b"),
		Changes:  map[string]value.TypedSlot{"b": value.NewTypedSlot(3)},
	}

	t.Run("shared base merges", func(t *testing.T) {
		merged, ok := MergeInfos(infoA, infoB)
		require.True(t, ok)
		require.Equal(t, base.ID, merged.Base.ID)
		require.True(t, merged.Modified.Contains("a"))
		require.True(t, merged.Modified.Contains("b"))
		require.Equal(t, value.SlotID(2), merged.Changes["a"].ID)
		require.Equal(t, value.SlotID(3), merged.Changes["b"].ID)
	})

	t.Run("differing bases refuse", func(t *testing.T) {
		other := &ResultInfo{Base: value.NewTypedSlot(9), Modified: ClosedFieldSet()}
		_, ok := MergeInfos(infoA, other)
		require.False(t, ok)
	})

	t.Run("conflicting change slots refuse", func(t *testing.T) {
		conflict := &ResultInfo{
			Base:     base,
			Modified: ClosedFieldSet("a"),
			Changes:  map[string]value.TypedSlot{"a": value.NewTypedSlot(99)},
		}
		_, ok := MergeInfos(infoA, conflict)
		require.False(t, ok)
	})

	t.Run("missing info refuses", func(t *testing.T) {
		_, ok := MergeInfos(nil, infoA)
		require.False(t, ok)
		_, ok = MergeInfos()
		require.False(t, ok)
	})
}
