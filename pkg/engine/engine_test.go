package engine

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/corvusdb/engine/pkg/catalog"
	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/stagebuilder"
	"github.com/corvusdb/engine/pkg/storage/memstore"
)

func doc(fields ...any) *value.Object {
	o := value.NewObjectValue()
	for i := 0; i < len(fields); i += 2 {
		o.Set(fields[i].(string), fields[i+1].(value.Value))
	}
	return o
}

func newFixture(t *testing.T, columnPaths []string, docs ...*value.Object) (*catalog.MemCatalog, *memstore.Collection) {
	t.Helper()
	coll := memstore.NewCollection("db.test", columnPaths)
	for _, d := range docs {
		_, err := coll.Insert(d)
		require.NoError(t, err)
	}
	cat := catalog.NewMemCatalog()
	cat.Add(coll.CatalogEntry())
	return cat, coll
}

func newEngine(t *testing.T, cat catalog.Catalog, cfg Config) *Engine {
	t.Helper()
	e, err := New(cat, Params{Logger: log.NewNopLogger(), Config: cfg})
	require.NoError(t, err)
	return e
}

func docStrings(docs []value.Value) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.String()
	}
	return out
}

func TestExecuteColumnScanProjection(t *testing.T) {
	cat, coll := newFixture(t, []string{"a.b", "a.c"},
		doc("_id", value.NewInt64(1), "a", value.NewObject(doc("b", value.NewInt64(1), "c", value.NewInt64(2)))),
		doc("_id", value.NewInt64(2), "a", value.NewObject(doc("b", value.NewInt64(3)))),
	)
	e := newEngine(t, cat, DefaultConfig())
	docs, err := e.Execute(context.Background(), &stagebuilder.ColumnScanNode{
		Collection: coll.UUID,
		Paths:      []string{"a.b", "a.c"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"{a: {b: 1, c: 2}}",
		"{a: {b: 3}}",
	}, docStrings(docs))
}

func TestExecuteFilterGroup(t *testing.T) {
	cat, coll := newFixture(t, nil,
		doc("_id", value.NewInt64(1), "k", value.NewString("a"), "v", value.NewInt64(1)),
		doc("_id", value.NewInt64(2), "k", value.NewString("b"), "v", value.NewInt64(10)),
		doc("_id", value.NewInt64(3), "k", value.NewString("a"), "v", value.NewInt64(2)),
		doc("_id", value.NewInt64(4), "k", value.NewString("c"), "v", value.NewInt64(-5)),
	)
	e := newEngine(t, cat, DefaultConfig())
	plan := &stagebuilder.GroupNode{
		Child: &stagebuilder.FilterNode{
			Child: &stagebuilder.CollScanNode{Collection: coll.UUID},
			Pred: expr.NewBinary(expr.OpGt,
				expr.NewFieldPath("v"), expr.NewConstant(value.NewInt64(0))),
		},
		Keys: []stagebuilder.GroupKey{{Name: "k", Expr: expr.NewFieldPath("k")}},
		Accs: []stagebuilder.AccStatement{{Name: "total", Op: stagebuilder.AccSum, Arg: expr.NewFieldPath("v")}},
	}
	docs, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, []string{
		`{_id: "a", total: 3}`,
		`{_id: "b", total: 10}`,
	}, docStrings(docs))
}

func TestExecuteYieldsPeriodically(t *testing.T) {
	var docs []*value.Object
	for i := int64(1); i <= 10; i++ {
		docs = append(docs, doc("_id", value.NewInt64(i)))
	}
	cat, coll := newFixture(t, nil, docs...)

	cfg := DefaultConfig()
	cfg.YieldInterval = 2
	reg := prometheus.NewRegistry()
	e, err := New(cat, Params{Registerer: reg, Config: cfg})
	require.NoError(t, err)

	out, err := e.Execute(context.Background(), &stagebuilder.CollScanNode{Collection: coll.UUID})
	require.NoError(t, err)
	require.Len(t, out, 10)
	require.Equal(t, float64(5), testutil.ToFloat64(e.metrics.yieldsTotal))
}

func TestExecuteCanceledAtYieldPoint(t *testing.T) {
	cat, coll := newFixture(t, nil,
		doc("_id", value.NewInt64(1)),
		doc("_id", value.NewInt64(2)),
	)
	cfg := DefaultConfig()
	cfg.YieldInterval = 1
	e := newEngine(t, cat, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	exec, err := e.Build(ctx, &stagebuilder.CollScanNode{Collection: coll.UUID})
	require.NoError(t, err)
	defer exec.Close()
	require.NoError(t, exec.Open(ctx))

	_, ok, err := exec.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	cancel()
	_, _, err = exec.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecutePlanKilledOnDrop(t *testing.T) {
	cat, coll := newFixture(t, nil,
		doc("_id", value.NewInt64(1)),
		doc("_id", value.NewInt64(2)),
	)
	cfg := DefaultConfig()
	cfg.YieldInterval = 1
	e := newEngine(t, cat, cfg)

	ctx := context.Background()
	exec, err := e.Build(ctx, &stagebuilder.CollScanNode{Collection: coll.UUID})
	require.NoError(t, err)
	defer exec.Close()
	require.NoError(t, exec.Open(ctx))

	_, ok, err := exec.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	cat.Drop(coll.UUID)
	_, _, err = exec.Next(ctx)
	require.Error(t, err)
	require.True(t, catalog.IsPlanKilled(err))
}

func TestBuildRejectsBadPlan(t *testing.T) {
	cat, coll := newFixture(t, []string{"a"}, doc("a", value.NewInt64(1)))
	e := newEngine(t, cat, DefaultConfig())
	_, err := e.Build(context.Background(), &stagebuilder.FilterNode{
		Child: &stagebuilder.ColumnScanNode{Collection: coll.UUID, Paths: []string{"a"}},
		Pred: expr.NewBinary(expr.OpEq,
			expr.NewFieldPath("z"), expr.NewConstant(value.NewInt64(1))),
	})
	require.Error(t, err)
}

func TestExplain(t *testing.T) {
	cat, coll := newFixture(t, nil, doc("_id", value.NewInt64(1)))
	e := newEngine(t, cat, DefaultConfig())
	tree, err := e.Explain(context.Background(), &stagebuilder.LimitSkipNode{
		Child: &stagebuilder.CollScanNode{Collection: coll.UUID},
		Limit: 5,
	})
	require.NoError(t, err)
	require.Contains(t, tree, "limitskip")
	require.Contains(t, tree, "scan")
}

func TestParamsValidation(t *testing.T) {
	cat := catalog.NewMemCatalog()
	_, err := New(cat, Params{Config: Config{YieldInterval: -1}})
	require.Error(t, err)

	e, err := New(cat, Params{})
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().YieldInterval, e.cfg.YieldInterval)
}
