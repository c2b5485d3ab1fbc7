package stagebuilder

import (
	"github.com/google/uuid"

	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/stages"
)

// PlanNode is a logical query solution node. The planner produces these;
// the builder lowers them to PlanStage trees. Expressions inside nodes may
// reference document fields with expr.FieldPath; the builder rewrites those
// to slots during lowering.
type PlanNode interface {
	isPlanNode()
}

// CollScanNode scans a collection's row store.
type CollScanNode struct {
	Collection uuid.UUID
}

func (*CollScanNode) isPlanNode() {}

// ColumnScanNode answers the query from a columnar index. Paths lists the
// dotted paths to reconstruct; the planner guarantees they cover every
// field the ancestors need. Filters are per-path predicates over the cell
// value, referenced inside the expression as FieldPath(path).
type ColumnScanNode struct {
	Collection uuid.UUID
	Paths      []string
	DensePath  string
	Filters    []ColumnFilter
}

// ColumnFilter is one pushed-down predicate over a single path's cells.
type ColumnFilter struct {
	Path string
	Pred expr.Expression
}

func (*ColumnScanNode) isPlanNode() {}

// FilterNode applies a predicate to child rows.
type FilterNode struct {
	Child PlanNode
	Pred  expr.Expression
}

func (*FilterNode) isPlanNode() {}

// ProjectNode computes named fields. Fields are applied in order; an
// expression evaluating to Nothing drops the field from the result.
type ProjectNode struct {
	Child  PlanNode
	Fields []ProjectedField
}

// ProjectedField is one computed output field.
type ProjectedField struct {
	Name string
	Expr expr.Expression
}

func (*ProjectNode) isPlanNode() {}

// GroupNode groups by one or more keys and folds accumulators per group.
// A single unnamed key groups on the scalar; multiple keys compose into an
// object-valued group id.
type GroupNode struct {
	Child PlanNode
	Keys  []GroupKey
	Accs  []AccStatement
}

// GroupKey is one component of the group id.
type GroupKey struct {
	Name string // sub-field name inside a composite id; unused for single keys
	Expr expr.Expression
}

// AccStatement is one accumulator: output field name, operator, argument.
type AccStatement struct {
	Name string
	Op   AccOp
	Arg  expr.Expression // nil for AccCount
}

func (*GroupNode) isPlanNode() {}

// SortNode orders rows by the given keys.
type SortNode struct {
	Child PlanNode
	Keys  []SortKeyDef
}

// SortKeyDef is one sort key expression with its direction.
type SortKeyDef struct {
	Expr expr.Expression
	Dir  stages.SortDirection
}

func (*SortNode) isPlanNode() {}

// LimitSkipNode bounds the child's output. Limit < 0 means unlimited.
type LimitSkipNode struct {
	Child PlanNode
	Limit int64
	Skip  int64
}

func (*LimitSkipNode) isPlanNode() {}

// UnionNode concatenates its children's rows.
type UnionNode struct {
	Children []PlanNode
}

func (*UnionNode) isPlanNode() {}
