package stagebuilder

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/stages"
	"github.com/corvusdb/engine/pkg/sbe/value"
)

// AccOp is a group accumulator operator.
type AccOp uint8

const (
	AccSum AccOp = iota
	AccMin
	AccMax
	AccFirst
	AccCount
	AccAvg
)

func (op AccOp) String() string {
	switch op {
	case AccSum:
		return "sum"
	case AccMin:
		return "min"
	case AccMax:
		return "max"
	case AccFirst:
		return "first"
	case AccCount:
		return "count"
	case AccAvg:
		return "avg"
	default:
		panic(fmt.Sprintf("unknown accumulator op %d", uint8(op)))
	}
}

// accExpansion is one accumulator lowered to aggregation primitives: the
// underlying aggregate definitions (possibly more than one, e.g. avg keeps
// a sum and a count) and the finalize expression reading their out slots.
type accExpansion struct {
	defs     []stages.AggDef
	finalize expr.Expression
}

// expandAccumulator lowers one accumulator statement. arg must already be
// slot-rewritten (no FieldPath nodes); it is nil only for count. An argument
// resolving to missing is coerced to null before aggregation, preserving
// the legacy missing/null conflation.
func expandAccumulator(op AccOp, arg expr.Expression, gen *value.SlotIDGenerator) (accExpansion, error) {
	var argN expr.Expression
	if arg != nil {
		argN = expr.NewFillEmptyNull(arg)
	} else if op != AccCount {
		return accExpansion{}, errors.Errorf("accumulator %s requires an argument", op)
	}

	one := expr.NewConstant(value.NewInt64(1))
	zero := expr.NewConstant(value.NewInt64(0))
	null := expr.NewConstant(value.Null())

	newDef := func(accFn func(state, merge value.SlotID) (expr.Expression, expr.Expression), init expr.Expression) stages.AggDef {
		out := gen.Generate()
		merge := gen.Generate()
		acc, mrg := accFn(out, merge)
		return stages.AggDef{OutSlot: out, MergeSlot: merge, Init: init, Acc: acc, Merge: mrg}
	}

	switch op {
	case AccSum:
		def := newDef(func(s, m value.SlotID) (expr.Expression, expr.Expression) {
			return expr.NewFunction("aggSum", expr.NewVariable(s), argN),
				expr.NewFunction("aggSum", expr.NewVariable(s), expr.NewVariable(m))
		}, zero)
		return accExpansion{defs: []stages.AggDef{def}, finalize: expr.NewVariable(def.OutSlot)}, nil

	case AccMin, AccMax:
		fn := "aggMin"
		if op == AccMax {
			fn = "aggMax"
		}
		def := newDef(func(s, m value.SlotID) (expr.Expression, expr.Expression) {
			return expr.NewFunction(fn, expr.NewVariable(s), argN),
				expr.NewFunction(fn, expr.NewVariable(s), expr.NewVariable(m))
		}, nil)
		return accExpansion{
			defs:     []stages.AggDef{def},
			finalize: expr.NewFillEmptyNull(expr.NewVariable(def.OutSlot)),
		}, nil

	case AccFirst:
		// The state latches on the first row; merge keeps the earlier
		// partial's value.
		def := newDef(func(s, m value.SlotID) (expr.Expression, expr.Expression) {
			return expr.NewFillEmpty(expr.NewVariable(s), argN),
				expr.NewFillEmpty(expr.NewVariable(s), expr.NewVariable(m))
		}, nil)
		return accExpansion{
			defs:     []stages.AggDef{def},
			finalize: expr.NewFillEmptyNull(expr.NewVariable(def.OutSlot)),
		}, nil

	case AccCount:
		def := newDef(func(s, m value.SlotID) (expr.Expression, expr.Expression) {
			return expr.NewBinary(expr.OpAdd, expr.NewVariable(s), one),
				expr.NewFunction("aggSum", expr.NewVariable(s), expr.NewVariable(m))
		}, zero)
		return accExpansion{defs: []stages.AggDef{def}, finalize: expr.NewVariable(def.OutSlot)}, nil

	case AccAvg:
		sum := newDef(func(s, m value.SlotID) (expr.Expression, expr.Expression) {
			return expr.NewFunction("aggSum", expr.NewVariable(s), argN),
				expr.NewFunction("aggSum", expr.NewVariable(s), expr.NewVariable(m))
		}, zero)
		// Count only rows whose argument is numeric, so nulls affect
		// neither the sum nor the divisor.
		cnt := newDef(func(s, m value.SlotID) (expr.Expression, expr.Expression) {
			inc := expr.NewIf(
				expr.NewFillEmpty(expr.NewFunction("isNumber", argN), expr.NewConstant(value.NewBool(false))),
				one, zero)
			return expr.NewBinary(expr.OpAdd, expr.NewVariable(s), inc),
				expr.NewFunction("aggSum", expr.NewVariable(s), expr.NewVariable(m))
		}, zero)
		finalize := expr.NewIf(
			expr.NewBinary(expr.OpGt, expr.NewVariable(cnt.OutSlot), zero),
			expr.NewBinary(expr.OpDiv, expr.NewVariable(sum.OutSlot), expr.NewVariable(cnt.OutSlot)),
			null)
		return accExpansion{defs: []stages.AggDef{sum, cnt}, finalize: finalize}, nil

	default:
		return accExpansion{}, errors.Errorf("unsupported accumulator op %d", uint8(op))
	}
}
