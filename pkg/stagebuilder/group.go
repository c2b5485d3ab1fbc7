package stagebuilder

import (
	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/stages"
	"github.com/corvusdb/engine/pkg/sbe/value"
)

// buildGroup lowers a grouped aggregation. The child only needs the fields
// the keys and accumulator arguments read; everything else is discarded at
// the group boundary and the output document is rebuilt from scratch.
func (b *Builder) buildGroup(n *GroupNode, reqs *PlanStageReqs) (stages.PlanStage, *PlanStageSlots, error) {
	childReqs := NewPlanStageReqs()
	for _, k := range n.Keys {
		childReqs.SetFields(expr.CollectFieldPaths(k.Expr)...)
	}
	for _, a := range n.Accs {
		if a.Arg != nil {
			childReqs.SetFields(expr.CollectFieldPaths(a.Arg)...)
		}
	}
	child, childOut, err := b.build(n.Child, childReqs)
	if err != nil {
		return nil, nil, err
	}

	// Each key is projected into its own slot. A key resolving to missing
	// collapses to null so that missing and null group together and the
	// output _id is always present.
	var keyProjs []stages.Projection
	keySlots := make([]value.SlotID, len(n.Keys))
	byField := make(map[string]value.SlotID, len(n.Keys))
	for i, k := range n.Keys {
		if fp, ok := k.Expr.(*expr.FieldPath); ok {
			if slot, dup := byField[fp.Path]; dup {
				keySlots[i] = slot
				continue
			}
		}
		rewritten, err := rewriteFieldRefs(k.Expr, childOut)
		if err != nil {
			return nil, nil, err
		}
		slot := b.gen.Generate()
		keyProjs = append(keyProjs, stages.Projection{Slot: slot, Expr: expr.NewFillEmptyNull(rewritten)})
		keySlots[i] = slot
		if fp, ok := k.Expr.(*expr.FieldPath); ok {
			byField[fp.Path] = slot
		}
	}
	var stage stages.PlanStage = child
	if len(keyProjs) > 0 {
		stage = stages.NewProjectStage(stage, keyProjs)
	}

	expansions := make([]accExpansion, len(n.Accs))
	var aggs []stages.AggDef
	for i, a := range n.Accs {
		var arg expr.Expression
		if a.Arg != nil {
			if arg, err = rewriteFieldRefs(a.Arg, childOut); err != nil {
				return nil, nil, err
			}
		}
		exp, err := expandAccumulator(a.Op, arg, b.gen)
		if err != nil {
			return nil, nil, err
		}
		expansions[i] = exp
		aggs = append(aggs, exp.defs...)
	}

	// Duplicate key fields share one group-by slot; the finalize
	// projection still reads every logical key.
	stage = stages.NewHashAggStage(stage, dedupSlots(keySlots), aggs, b.cfg.GroupSpillEvery)

	var idExpr expr.Expression
	switch len(n.Keys) {
	case 0:
		idExpr = expr.NewConstant(value.Null())
	case 1:
		idExpr = expr.NewVariable(keySlots[0])
	default:
		args := make([]expr.Expression, 0, 2*len(n.Keys))
		for i, k := range n.Keys {
			args = append(args, expr.NewConstant(value.NewString(k.Name)), expr.NewVariable(keySlots[i]))
		}
		idExpr = expr.NewFunction("newObj", args...)
	}

	finProjs := []stages.Projection{{Slot: b.gen.Generate(), Expr: idExpr}}
	outputs := NewPlanStageSlots()
	outputs.Set(FieldName("_id"), value.NewTypedSlot(finProjs[0].Slot))
	for i, a := range n.Accs {
		slot := b.gen.Generate()
		finProjs = append(finProjs, stages.Projection{Slot: slot, Expr: expansions[i].finalize})
		outputs.Set(FieldName(a.Name), value.NewTypedSlot(slot))
	}

	if reqs.HasResult() {
		args := []expr.Expression{
			expr.NewConstant(value.NewString("_id")), expr.NewVariable(finProjs[0].Slot),
		}
		for i, a := range n.Accs {
			args = append(args, expr.NewConstant(value.NewString(a.Name)), expr.NewVariable(finProjs[i+1].Slot))
		}
		resultSlot := b.gen.Generate()
		finProjs = append(finProjs, stages.Projection{Slot: resultSlot, Expr: expr.NewFunction("newObj", args...)})
		outputs.Set(ResultName, value.NewTypedSlot(resultSlot))
	}
	return stages.NewProjectStage(stage, finProjs), outputs, nil
}

// dedupSlots returns the distinct slots in order of first appearance.
func dedupSlots(slots []value.SlotID) []value.SlotID {
	seen := make(map[value.SlotID]struct{}, len(slots))
	var uniq []value.SlotID
	for _, s := range slots {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		uniq = append(uniq, s)
	}
	return uniq
}
