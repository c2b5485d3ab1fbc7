package stagebuilder

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/corvusdb/engine/pkg/catalog"
	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/stages"
	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/storage/memstore"
)

func doc(fields ...any) *value.Object {
	o := value.NewObjectValue()
	for i := 0; i < len(fields); i += 2 {
		o.Set(fields[i].(string), fields[i+1].(value.Value))
	}
	return o
}

func newCollection(t *testing.T, columnPaths []string, docs ...*value.Object) (*catalog.MemCatalog, uuid.UUID) {
	t.Helper()
	coll := memstore.NewCollection("db.test", columnPaths)
	for _, d := range docs {
		_, err := coll.Insert(d)
		require.NoError(t, err)
	}
	cat := catalog.NewMemCatalog()
	cat.Add(coll.CatalogEntry())
	return cat, coll.UUID
}

// buildAndRun lowers the plan, executes it, and returns the values of the
// requested output names per row.
func buildAndRun(t *testing.T, cat catalog.Catalog, root PlanNode, names ...SlotName) [][]value.Value {
	t.Helper()
	stage, outputs, err := New(cat, DefaultConfig(), nil).Build(root)
	require.NoError(t, err)

	ctx := stages.NewCompileCtx()
	require.NoError(t, stage.Prepare(ctx))
	accs := make([]value.SlotAccessor, len(names))
	for i, name := range names {
		slot, err := outputs.Get(name)
		require.NoError(t, err)
		accs[i], err = ctx.Accessor(slot.ID)
		require.NoError(t, err)
	}
	require.NoError(t, stage.Open(false))
	var out [][]value.Value
	for {
		ok, err := stage.GetNext()
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
	require.NoError(t, stage.Close())
	return out
}

func resultDocs(t *testing.T, cat catalog.Catalog, root PlanNode) []string {
	t.Helper()
	rows := buildAndRun(t, cat, root, ResultName)
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row[0].String()
	}
	return out
}

func field(path string) *expr.FieldPath { return expr.NewFieldPath(path) }

func intConst(n int64) expr.Expression { return expr.NewConstant(value.NewInt64(n)) }

func TestBuildCollScan(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("_id", value.NewInt64(1), "a", value.NewInt64(10)),
		doc("_id", value.NewInt64(2), "a", value.NewInt64(20)),
	)
	docs := resultDocs(t, cat, &CollScanNode{Collection: id})
	require.Equal(t, []string{"{_id: 1, a: 10}", "{_id: 2, a: 20}"}, docs)
}

func TestBuildFilter(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("_id", value.NewInt64(1), "a", value.NewInt64(10)),
		doc("_id", value.NewInt64(2), "a", value.NewInt64(20)),
		doc("_id", value.NewInt64(3)),
	)
	plan := &FilterNode{
		Child: &CollScanNode{Collection: id},
		Pred:  expr.NewBinary(expr.OpGt, field("a"), intConst(15)),
	}
	require.Equal(t, []string{"{_id: 2, a: 20}"}, resultDocs(t, cat, plan))
}

func TestBuildFilterOnDottedPath(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("_id", value.NewInt64(1), "a", value.NewObject(doc("b", value.NewInt64(1)))),
		doc("_id", value.NewInt64(2), "a", value.NewObject(doc("b", value.NewInt64(5)))),
	)
	plan := &FilterNode{
		Child: &CollScanNode{Collection: id},
		Pred:  expr.NewBinary(expr.OpGe, field("a.b"), intConst(5)),
	}
	require.Equal(t, []string{"{_id: 2, a: {b: 5}}"}, resultDocs(t, cat, plan))
}

func TestBuildColumnScan(t *testing.T) {
	cat, id := newCollection(t, []string{"_id", "a.b"},
		doc("_id", value.NewInt64(1), "a", value.NewObject(doc("b", value.NewInt64(1)))),
		doc("_id", value.NewInt64(2), "a", value.NewObject(doc("b", value.NewInt64(5)))),
	)
	plan := &FilterNode{
		Child: &ColumnScanNode{
			Collection: id,
			Paths:      []string{"_id", "a.b"},
			DensePath:  "_id",
			Filters: []ColumnFilter{{
				Path: "a.b",
				Pred: expr.NewBinary(expr.OpLt, field("a.b"), intConst(3)),
			}},
		},
		Pred: expr.NewBinary(expr.OpGt, field("a.b"), intConst(0)),
	}
	require.Equal(t, []string{"{_id: 1, a: {b: 1}}"}, resultDocs(t, cat, plan))
}

func TestBuildColumnScanRejectsUncoveredField(t *testing.T) {
	cat, id := newCollection(t, []string{"a"}, doc("a", value.NewInt64(1)))
	plan := &FilterNode{
		Child: &ColumnScanNode{Collection: id, Paths: []string{"a"}},
		Pred:  expr.NewBinary(expr.OpEq, field("z"), intConst(1)),
	}
	_, _, err := New(cat, DefaultConfig(), nil).Build(plan)
	require.Error(t, err)
	require.Contains(t, err.Error(), `"z"`)
}

func TestBuildProjectAddsField(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("_id", value.NewInt64(1), "a", value.NewInt64(10)),
	)
	plan := &ProjectNode{
		Child:  &CollScanNode{Collection: id},
		Fields: []ProjectedField{{Name: "b", Expr: expr.NewBinary(expr.OpAdd, field("a"), intConst(1))}},
	}
	require.Equal(t, []string{"{_id: 1, a: 10, b: 11}"}, resultDocs(t, cat, plan))
}

func TestBuildProjectDropsFieldViaNothing(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("_id", value.NewInt64(1), "a", value.NewInt64(10), "b", value.NewInt64(20)),
	)
	plan := &ProjectNode{
		Child:  &CollScanNode{Collection: id},
		Fields: []ProjectedField{{Name: "b", Expr: expr.NewConstant(value.Nothing())}},
	}
	require.Equal(t, []string{"{_id: 1, a: 10}"}, resultDocs(t, cat, plan))
}

func TestBuildProjectChainMaterializesOnce(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("_id", value.NewInt64(1), "a", value.NewInt64(10)),
	)
	plan := &ProjectNode{
		Child: &ProjectNode{
			Child:  &CollScanNode{Collection: id},
			Fields: []ProjectedField{{Name: "b", Expr: expr.NewBinary(expr.OpAdd, field("a"), intConst(1))}},
		},
		Fields: []ProjectedField{{Name: "c", Expr: expr.NewBinary(expr.OpAdd, field("b"), intConst(1))}},
	}
	stage, outputs, err := New(cat, DefaultConfig(), nil).Build(plan)
	require.NoError(t, err)
	require.Nil(t, outputs.ResultInfo())
	// Two projection stages compute the new fields, one applies the
	// deferred changes to the scanned document.
	require.Equal(t, 3, countStageLines(stages.Explain(stage), "project"))

	docs := runResult(t, stage, outputs)
	require.Equal(t, []string{"{_id: 1, a: 10, b: 11, c: 12}"}, docs)
}

func TestBuildGroupNullsMissingKey(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("_id", value.NewInt64(1), "a", value.NewInt64(1), "b", value.NewInt64(1)),
		doc("_id", value.NewInt64(2), "a", value.NewInt64(1), "b", value.NewInt64(2)),
		doc("_id", value.NewInt64(3), "b", value.NewInt64(5)),
	)
	plan := &GroupNode{
		Child: &CollScanNode{Collection: id},
		Keys:  []GroupKey{{Name: "a", Expr: field("a")}},
		Accs: []AccStatement{
			{Name: "n", Op: AccCount},
			{Name: "s", Op: AccSum, Arg: field("b")},
		},
	}
	require.Equal(t, []string{
		"{_id: 1, n: 2, s: 3}",
		"{_id: null, n: 1, s: 5}",
	}, resultDocs(t, cat, plan))
}

func TestBuildGroupCompositeKey(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("a", value.NewInt64(1), "b", value.NewInt64(1)),
		doc("a", value.NewInt64(1), "b", value.NewInt64(1)),
		doc("a", value.NewInt64(1), "b", value.NewInt64(2)),
	)
	plan := &GroupNode{
		Child: &CollScanNode{Collection: id},
		Keys: []GroupKey{
			{Name: "x", Expr: field("a")},
			{Name: "y", Expr: field("b")},
		},
		Accs: []AccStatement{{Name: "n", Op: AccCount}},
	}
	require.Equal(t, []string{
		"{_id: {x: 1, y: 1}, n: 2}",
		"{_id: {x: 1, y: 2}, n: 1}",
	}, resultDocs(t, cat, plan))
}

func TestBuildGroupAvgSkipsNonNumeric(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("a", value.NewInt64(1), "v", value.NewInt64(2)),
		doc("a", value.NewInt64(1), "v", value.NewInt64(4)),
		doc("a", value.NewInt64(1), "v", value.NewString("x")),
		doc("a", value.NewInt64(1)),
	)
	plan := &GroupNode{
		Child: &CollScanNode{Collection: id},
		Keys:  []GroupKey{{Name: "a", Expr: field("a")}},
		Accs:  []AccStatement{{Name: "avg", Op: AccAvg, Arg: field("v")}},
	}
	require.Equal(t, []string{"{_id: 1, avg: 3.0}"}, resultDocs(t, cat, plan))
}

func TestBuildGroupMinMaxFirst(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("a", value.NewInt64(1), "v", value.NewInt64(7)),
		doc("a", value.NewInt64(1), "v", value.NewInt64(3)),
		doc("a", value.NewInt64(1), "v", value.NewInt64(9)),
	)
	plan := &GroupNode{
		Child: &CollScanNode{Collection: id},
		Keys:  []GroupKey{{Name: "a", Expr: field("a")}},
		Accs: []AccStatement{
			{Name: "lo", Op: AccMin, Arg: field("v")},
			{Name: "hi", Op: AccMax, Arg: field("v")},
			{Name: "fst", Op: AccFirst, Arg: field("v")},
		},
	}
	require.Equal(t, []string{"{_id: 1, lo: 3, hi: 9, fst: 7}"}, resultDocs(t, cat, plan))
}

func TestBuildGroupDuplicateKeyFieldsShareSlot(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("a", value.NewInt64(1)),
		doc("a", value.NewInt64(2)),
		doc("a", value.NewInt64(1)),
	)
	plan := &GroupNode{
		Child: &CollScanNode{Collection: id},
		Keys: []GroupKey{
			{Name: "x", Expr: field("a")},
			{Name: "y", Expr: field("a")},
		},
		Accs: []AccStatement{{Name: "n", Op: AccCount}},
	}
	require.Equal(t, []string{
		"{_id: {x: 1, y: 1}, n: 2}",
		"{_id: {x: 2, y: 2}, n: 1}",
	}, resultDocs(t, cat, plan))
}

func TestBuildSort(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("_id", value.NewInt64(1), "a", value.NewInt64(20)),
		doc("_id", value.NewInt64(2), "a", value.NewInt64(10)),
		doc("_id", value.NewInt64(3), "a", value.NewInt64(30)),
	)
	plan := &SortNode{
		Child: &CollScanNode{Collection: id},
		Keys:  []SortKeyDef{{Expr: field("a"), Dir: stages.Descending}},
	}
	require.Equal(t, []string{
		"{_id: 3, a: 30}",
		"{_id: 1, a: 20}",
		"{_id: 2, a: 10}",
	}, resultDocs(t, cat, plan))
}

func TestBuildSortByComputedKey(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("_id", value.NewInt64(1), "a", value.NewInt64(5)),
		doc("_id", value.NewInt64(2), "a", value.NewInt64(-7)),
	)
	plan := &SortNode{
		Child: &CollScanNode{Collection: id},
		Keys: []SortKeyDef{{
			Expr: expr.NewBinary(expr.OpMul, field("a"), field("a")),
			Dir:  stages.Ascending,
		}},
	}
	require.Equal(t, []string{
		"{_id: 1, a: 5}",
		"{_id: 2, a: -7}",
	}, resultDocs(t, cat, plan))
}

func TestBuildLimitSkip(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("_id", value.NewInt64(1)),
		doc("_id", value.NewInt64(2)),
		doc("_id", value.NewInt64(3)),
		doc("_id", value.NewInt64(4)),
	)
	plan := &LimitSkipNode{
		Child: &CollScanNode{Collection: id},
		Limit: 2,
		Skip:  1,
	}
	require.Equal(t, []string{"{_id: 2}", "{_id: 3}"}, resultDocs(t, cat, plan))
}

func TestBuildUnion(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("_id", value.NewInt64(1), "a", value.NewInt64(1)),
		doc("_id", value.NewInt64(2), "a", value.NewInt64(2)),
	)
	scan := func() PlanNode { return &CollScanNode{Collection: id} }
	plan := &UnionNode{Children: []PlanNode{
		&FilterNode{Child: scan(), Pred: expr.NewBinary(expr.OpEq, field("a"), intConst(2))},
		&FilterNode{Child: scan(), Pred: expr.NewBinary(expr.OpEq, field("a"), intConst(1))},
	}}
	require.Equal(t, []string{
		"{_id: 2, a: 2}",
		"{_id: 1, a: 1}",
	}, resultDocs(t, cat, plan))
}

func TestBuildUnionMaterializesProjectedBranches(t *testing.T) {
	cat, id := newCollection(t, nil,
		doc("_id", value.NewInt64(1), "a", value.NewInt64(10)),
	)
	// Each branch still carries its pending result when the union wires it
	// up, so the union build must force a literal document per branch.
	branch := func(name string) PlanNode {
		return &ProjectNode{
			Child:  &CollScanNode{Collection: id},
			Fields: []ProjectedField{{Name: name, Expr: field("a")}},
		}
	}
	plan := &UnionNode{Children: []PlanNode{branch("b"), branch("c")}}
	require.Equal(t, []string{
		"{_id: 1, a: 10, b: 10}",
		"{_id: 1, a: 10, c: 10}",
	}, resultDocs(t, cat, plan))
}

func TestBuildGroupOverColumnScan(t *testing.T) {
	cat, id := newCollection(t, []string{"_id", "a", "b"},
		doc("_id", value.NewInt64(1), "a", value.NewInt64(1), "b", value.NewInt64(10)),
		doc("_id", value.NewInt64(2), "a", value.NewInt64(2), "b", value.NewInt64(20)),
		doc("_id", value.NewInt64(3), "a", value.NewInt64(1), "b", value.NewInt64(30)),
	)
	plan := &GroupNode{
		Child: &ColumnScanNode{
			Collection: id,
			Paths:      []string{"_id", "a", "b"},
			DensePath:  "_id",
		},
		Keys: []GroupKey{{Name: "a", Expr: field("a")}},
		Accs: []AccStatement{{Name: "total", Op: AccSum, Arg: field("b")}},
	}
	require.Equal(t, []string{
		"{_id: 1, total: 40}",
		"{_id: 2, total: 20}",
	}, resultDocs(t, cat, plan))
}

func TestBuildUnknownNode(t *testing.T) {
	cat := catalog.NewMemCatalog()
	_, _, err := New(cat, DefaultConfig(), nil).Build(nil)
	require.Error(t, err)
}

func runResult(t *testing.T, stage stages.PlanStage, outputs *PlanStageSlots) []string {
	t.Helper()
	ctx := stages.NewCompileCtx()
	require.NoError(t, stage.Prepare(ctx))
	slot, err := outputs.Get(ResultName)
	require.NoError(t, err)
	acc, err := ctx.Accessor(slot.ID)
	require.NoError(t, err)
	require.NoError(t, stage.Open(false))
	var out []string
	for {
		ok, err := stage.GetNext()
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, acc.Get().String())
	}
	require.NoError(t, stage.Close())
	return out
}

func countStageLines(explain, name string) int {
	n := 0
	for _, line := range strings.Split(explain, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), name) {
			n++
		}
	}
	return n
}
