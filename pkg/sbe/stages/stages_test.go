package stages

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/value"
)

// valuesStage serves fixed rows into its slots. Test double for driving
// stages without storage.
type valuesStage struct {
	baseStage
	slots []value.SlotID
	rows  [][]value.Value
	accs  []value.OwnedAccessor
	pos   int
}

var _ PlanStage = (*valuesStage)(nil)

func newValuesStage(slots []value.SlotID, rows [][]value.Value) *valuesStage {
	return &valuesStage{slots: slots, rows: rows}
}

func (s *valuesStage) Prepare(ctx *CompileCtx) error {
	if err := s.ensurePrepare(); err != nil {
		return err
	}
	s.accs = make([]value.OwnedAccessor, len(s.slots))
	for i, id := range s.slots {
		ctx.Bind(id, &s.accs[i])
	}
	return nil
}

func (s *valuesStage) Open(reOpen bool) error {
	if reOpen {
		if err := s.reopen(); err != nil {
			return err
		}
	} else if err := s.ensureOpen(); err != nil {
		return err
	}
	s.pos = 0
	return nil
}

func (s *valuesStage) GetNext() (bool, error) {
	if err := s.ensureGetNext(); err != nil {
		return false, err
	}
	if s.pos >= len(s.rows) {
		s.state = stateEOF
		return false, nil
	}
	for i, v := range s.rows[s.pos] {
		s.accs[i].Set(v)
	}
	s.pos++
	s.stats.Advances++
	return true, nil
}

func (s *valuesStage) Close() error        { return s.ensureClose() }
func (s *valuesStage) SaveState() error    { return nil }
func (s *valuesStage) RestoreState() error { return nil }

func (s *valuesStage) Children() []PlanStage { return nil }
func (s *valuesStage) DebugString() string   { return "values " + slotList(s.slots) }

// runPlan prepares and opens root, then drains it, reading the given slots
// after every advance.
func runPlan(t *testing.T, root PlanStage, slots ...value.SlotID) [][]value.Value {
	t.Helper()
	ctx := NewCompileCtx()
	require.NoError(t, root.Prepare(ctx))
	accs := make([]value.SlotAccessor, len(slots))
	for i, id := range slots {
		acc, err := ctx.Accessor(id)
		require.NoError(t, err)
		accs[i] = acc
	}
	require.NoError(t, root.Open(false))
	var out [][]value.Value
	for {
		ok, err := root.GetNext()
		require.NoError(t, err)
		if !ok {
			break
		}
		row := make([]value.Value, len(accs))
		for i, acc := range accs {
			row[i] = acc.Get().MakeOwned()
		}
		out = append(out, row)
	}
	require.NoError(t, root.Close())
	return out
}

func ints(ns ...int64) []value.Value {
	out := make([]value.Value, len(ns))
	for i, n := range ns {
		out[i] = value.NewInt64(n)
	}
	return out
}

func TestFilterStageRejectsFalseAndNothing(t *testing.T) {
	in := newValuesStage([]value.SlotID{1}, [][]value.Value{
		{value.NewInt64(1)},
		{value.NewInt64(5)},
		{value.Nothing()},
		{value.NewInt64(9)},
	})
	pred := expr.NewBinary(expr.OpGt, expr.NewVariable(1), expr.NewConstant(value.NewInt64(3)))
	rows := runPlan(t, NewFilterStage(in, pred), 1)

	require.Equal(t, [][]value.Value{{value.NewInt64(5)}, {value.NewInt64(9)}}, rows)
}

func TestProjectStagePublishesNewSlots(t *testing.T) {
	in := newValuesStage([]value.SlotID{1}, [][]value.Value{ints(2), ints(3)})
	proj := NewProjectStage(in, []Projection{
		{Slot: 2, Expr: expr.NewBinary(expr.OpMul, expr.NewVariable(1), expr.NewConstant(value.NewInt64(10)))},
	})
	rows := runPlan(t, proj, 1, 2)

	require.Equal(t, [][]value.Value{ints(2, 20), ints(3, 30)}, rows)
}

func TestLimitSkipStage(t *testing.T) {
	for _, tc := range []struct {
		name        string
		limit, skip int64
		want        [][]value.Value
	}{
		{"limit only", 2, 0, [][]value.Value{ints(1), ints(2)}},
		{"skip only", -1, 3, [][]value.Value{ints(4), ints(5)}},
		{"both", 2, 1, [][]value.Value{ints(2), ints(3)}},
		{"skip past end", -1, 9, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			in := newValuesStage([]value.SlotID{1}, [][]value.Value{ints(1), ints(2), ints(3), ints(4), ints(5)})
			rows := runPlan(t, NewLimitSkipStage(in, tc.limit, tc.skip), 1)
			require.Equal(t, tc.want, rows)
		})
	}
}

func TestSortStageOrdersAndForwards(t *testing.T) {
	in := newValuesStage([]value.SlotID{1, 2}, [][]value.Value{
		ints(3, 30), ints(1, 10), ints(2, 20),
	})
	sorted := NewSortStage(in, []value.SlotID{1}, []SortDirection{Descending}, []value.SlotID{2})
	rows := runPlan(t, sorted, 1, 2)

	require.Equal(t, [][]value.Value{ints(3, 30), ints(2, 20), ints(1, 10)}, rows)
}

func TestSortStageIsStable(t *testing.T) {
	in := newValuesStage([]value.SlotID{1, 2}, [][]value.Value{
		ints(1, 100), ints(1, 200), ints(0, 300),
	})
	sorted := NewSortStage(in, []value.SlotID{1}, []SortDirection{Ascending}, []value.SlotID{2})
	rows := runPlan(t, sorted, 2)

	require.Equal(t, [][]value.Value{ints(300), ints(100), ints(200)}, rows)
}

func TestUnionStageConcatenatesBranches(t *testing.T) {
	left := newValuesStage([]value.SlotID{1}, [][]value.Value{ints(1), ints(2)})
	right := newValuesStage([]value.SlotID{2}, [][]value.Value{ints(3)})
	u := NewUnionStage(
		[]PlanStage{left, right},
		[][]value.SlotID{{1}, {2}},
		[]value.SlotID{3},
	)
	rows := runPlan(t, u, 3)

	require.Equal(t, [][]value.Value{ints(1), ints(2), ints(3)}, rows)
}

func TestLoopJoinCrossAndPredicate(t *testing.T) {
	outer := newValuesStage([]value.SlotID{1}, [][]value.Value{ints(1), ints(2)})
	inner := newValuesStage([]value.SlotID{2}, [][]value.Value{ints(1), ints(2)})

	pred := expr.NewBinary(expr.OpEq, expr.NewVariable(1), expr.NewVariable(2))
	rows := runPlan(t, NewLoopJoinStage(outer, inner, pred), 1, 2)

	require.Equal(t, [][]value.Value{ints(1, 1), ints(2, 2)}, rows)
}

func TestLoopJoinReopensInner(t *testing.T) {
	outer := newValuesStage([]value.SlotID{1}, [][]value.Value{ints(1), ints(2), ints(3)})
	inner := newValuesStage([]value.SlotID{2}, [][]value.Value{ints(10), ints(20)})

	rows := runPlan(t, NewLoopJoinStage(outer, inner, nil), 1, 2)

	require.Len(t, rows, 6)
	require.Equal(t, ints(1, 10), rows[0])
	require.Equal(t, ints(3, 20), rows[5])
}

func sumAgg(out, in, merge value.SlotID) AggDef {
	zero := expr.NewConstant(value.NewInt64(0))
	return AggDef{
		OutSlot:   out,
		MergeSlot: merge,
		Acc: expr.NewBinary(expr.OpAdd,
			expr.NewFillEmpty(expr.NewVariable(out), zero),
			expr.NewFillEmpty(expr.NewVariable(in), zero)),
		Merge: expr.NewBinary(expr.OpAdd,
			expr.NewFillEmpty(expr.NewVariable(out), zero),
			expr.NewFillEmpty(expr.NewVariable(merge), zero)),
	}
}

func TestHashAggGroupsInFirstSeenOrder(t *testing.T) {
	in := newValuesStage([]value.SlotID{1, 2}, [][]value.Value{
		ints(7, 1), ints(8, 10), ints(7, 2), ints(8, 20), ints(9, 5),
	})
	agg := NewHashAggStage(in, []value.SlotID{1}, []AggDef{sumAgg(3, 2, 4)}, 0)
	rows := runPlan(t, agg, 1, 3)

	require.Equal(t, [][]value.Value{ints(7, 3), ints(8, 30), ints(9, 5)}, rows)
}

func TestHashAggRecombinesSpilledRuns(t *testing.T) {
	in := newValuesStage([]value.SlotID{1, 2}, [][]value.Value{
		ints(7, 1), ints(8, 10), ints(7, 2), ints(9, 5), ints(8, 20), ints(7, 4),
	})
	agg := NewHashAggStage(in, []value.SlotID{1}, []AggDef{sumAgg(3, 2, 4)}, 1)
	rows := runPlan(t, agg, 1, 3)

	require.Positive(t, agg.SpillCount)
	require.ElementsMatch(t, [][]value.Value{ints(7, 7), ints(8, 30), ints(9, 5)}, rows)
}

func TestHashAggNothingKeysGroupTogether(t *testing.T) {
	in := newValuesStage([]value.SlotID{1, 2}, [][]value.Value{
		{value.Nothing(), value.NewInt64(1)},
		{value.NewInt64(7), value.NewInt64(2)},
		{value.Nothing(), value.NewInt64(3)},
	})
	agg := NewHashAggStage(in, []value.SlotID{1}, []AggDef{sumAgg(3, 2, 4)}, 0)
	rows := runPlan(t, agg, 3)

	require.Equal(t, [][]value.Value{ints(4), ints(2)}, rows)
}

func TestExplainRendersTree(t *testing.T) {
	in := newValuesStage([]value.SlotID{1}, nil)
	root := NewLimitSkipStage(NewFilterStage(in, expr.NewConstant(value.NewBool(true))), 10, 0)

	out := Explain(root)
	require.Equal(t, "limitskip limit=10 skip=0\n    filter true\n        values [s1]\n", out)
}

func TestStageLifecycleViolations(t *testing.T) {
	in := newValuesStage([]value.SlotID{1}, nil)
	_, err := in.GetNext()
	require.Error(t, err)

	require.Error(t, in.Open(false))

	ctx := NewCompileCtx()
	require.NoError(t, in.Prepare(ctx))
	require.Error(t, in.Prepare(ctx))

	require.NoError(t, in.Open(false))
	ok, err := in.GetNext()
	require.NoError(t, err)
	require.False(t, ok)
	_, err = in.GetNext()
	require.Error(t, err)
}
