package stagebuilder

import (
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/catalog"
	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/stages"
	"github.com/corvusdb/engine/pkg/sbe/value"
)

// Config holds the builder's tunables.
type Config struct {
	// Tracker configures the column scan row-store fallback heuristic.
	Tracker stages.TrackerConfig `yaml:"tracker"`
	// GroupSpillEvery caps resident groups per aggregation before partials
	// are set aside; 0 disables.
	GroupSpillEvery int `yaml:"group_spill_every"`
}

func DefaultConfig() Config {
	return Config{Tracker: stages.DefaultTrackerConfig()}
}

// Builder lowers logical plan nodes to executable stage trees. One builder
// compiles one plan; slot ids are never reused across trees.
type Builder struct {
	cat    catalog.Catalog
	cfg    Config
	logger log.Logger
	gen    *value.SlotIDGenerator
}

func New(cat catalog.Catalog, cfg Config, logger log.Logger) *Builder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Builder{
		cat:    cat,
		cfg:    cfg,
		logger: logger,
		gen:    value.NewSlotIDGenerator(),
	}
}

// Build lowers root into a stage tree producing a materialized result
// document. Projection chains below the root defer materialization through
// ResultInfo; Build applies the deferred changes once at the top.
func (b *Builder) Build(root PlanNode) (stages.PlanStage, *PlanStageSlots, error) {
	reqs := NewPlanStageReqs().SetResultInfo(OpenFieldSet())
	stage, outputs, err := b.build(root, reqs)
	if err != nil {
		return nil, nil, err
	}
	stage, outputs, err = b.materializeResult(stage, outputs)
	if err != nil {
		return nil, nil, err
	}
	if !outputs.Has(ResultName) {
		return nil, nil, errors.New("plan produced no result document")
	}
	level.Debug(b.logger).Log("msg", "built plan", "slots", outputs.String())
	return stage, outputs, nil
}

func (b *Builder) build(node PlanNode, reqs *PlanStageReqs) (stages.PlanStage, *PlanStageSlots, error) {
	var (
		stage   stages.PlanStage
		outputs *PlanStageSlots
		err     error
	)
	switch n := node.(type) {
	case *CollScanNode:
		stage, outputs, err = b.buildCollScan(n, reqs)
	case *ColumnScanNode:
		stage, outputs, err = b.buildColumnScan(n, reqs)
	case *FilterNode:
		stage, outputs, err = b.buildFilter(n, reqs)
	case *ProjectNode:
		stage, outputs, err = b.buildProject(n, reqs)
	case *GroupNode:
		stage, outputs, err = b.buildGroup(n, reqs)
	case *SortNode:
		stage, outputs, err = b.buildSort(n, reqs)
	case *LimitSkipNode:
		stage, outputs, err = b.buildLimitSkip(n, reqs)
	case *UnionNode:
		stage, outputs, err = b.buildUnion(n, reqs)
	default:
		return nil, nil, errors.Errorf("unknown plan node %T", node)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := checkReqsSatisfied(reqs, outputs); err != nil {
		return nil, nil, err
	}
	return stage, outputs, nil
}

// checkReqsSatisfied asserts the negotiation invariant: everything the
// parent asked for is present in the child's outputs. A failure is a
// builder bug, not a property of the data.
func checkReqsSatisfied(reqs *PlanStageReqs, outputs *PlanStageSlots) error {
	for _, name := range reqs.Names() {
		if !outputs.Has(name) {
			return errors.Errorf("builder contract violated: %s was required but not produced", name)
		}
	}
	if reqs.HasResult() && !outputs.Has(ResultName) && outputs.ResultInfo() == nil {
		return errors.New("builder contract violated: result document was required but not produced")
	}
	return nil
}

// fieldPathExpr reads a dotted path off base one segment at a time. Missing
// intermediates propagate as Nothing.
func fieldPathExpr(base expr.Expression, path string) expr.Expression {
	for _, seg := range strings.Split(path, ".") {
		base = expr.NewGetField(base, seg)
	}
	return base
}

// rewriteFieldRefs replaces FieldPath nodes with reads of the slots the
// child bound for them.
func rewriteFieldRefs(e expr.Expression, outputs *PlanStageSlots) (expr.Expression, error) {
	var missing string
	out := expr.RewriteFieldPaths(e, func(path string) expr.Expression {
		if slot, ok := outputs.GetIfExists(FieldName(path)); ok {
			return expr.NewVariable(slot.ID)
		}
		if missing == "" {
			missing = path
		}
		return expr.NewConstant(value.Nothing())
	})
	if missing != "" {
		return nil, errors.Errorf("builder contract violated: no slot produced for field %q", missing)
	}
	return out, nil
}

func (b *Builder) buildCollScan(n *CollScanNode, reqs *PlanStageReqs) (stages.PlanStage, *PlanStageSlots, error) {
	resultSlot := b.gen.Generate()
	var recordIDSlot value.SlotID
	if reqs.Has(RecordIDName) {
		recordIDSlot = b.gen.Generate()
	}

	var topFields []string
	var topSlots []value.SlotID
	var dotted []string
	for _, f := range reqs.Fields() {
		if strings.ContainsRune(f, '.') {
			dotted = append(dotted, f)
		} else {
			topFields = append(topFields, f)
			topSlots = append(topSlots, b.gen.Generate())
		}
	}

	var stage stages.PlanStage = stages.NewScanStage(b.cat, n.Collection, resultSlot, recordIDSlot, topFields, topSlots)

	outputs := NewPlanStageSlots()
	outputs.Set(ResultName, value.NewTypedSlot(resultSlot))
	if recordIDSlot != 0 {
		outputs.Set(RecordIDName, value.NewTypedSlot(recordIDSlot))
	}
	for i, f := range topFields {
		outputs.Set(FieldName(f), value.NewTypedSlot(topSlots[i]))
	}
	stage, outputs = b.projectFieldsFromResult(stage, outputs, resultSlot, dotted)
	return stage, outputs, nil
}

// projectFieldsFromResult materializes the given paths off the result document
// into their own slots.
func (b *Builder) projectFieldsFromResult(stage stages.PlanStage, outputs *PlanStageSlots, resultSlot value.SlotID, dotted []string) (stages.PlanStage, *PlanStageSlots) {
	if len(dotted) == 0 {
		return stage, outputs
	}
	projs := make([]stages.Projection, len(dotted))
	for i, path := range dotted {
		slot := b.gen.Generate()
		projs[i] = stages.Projection{
			Slot: slot,
			Expr: fieldPathExpr(expr.NewVariable(resultSlot), path),
		}
		outputs.Set(FieldName(path), value.NewTypedSlot(slot))
	}
	return stages.NewProjectStage(stage, projs), outputs
}

func (b *Builder) buildColumnScan(n *ColumnScanNode, reqs *PlanStageReqs) (stages.PlanStage, *PlanStageSlots, error) {
	needed := reqs.NeededFieldSet()
	include := make([]bool, len(n.Paths))
	covered := make(map[string]struct{}, len(n.Paths))
	for i, p := range n.Paths {
		include[i] = pathNeeded(p, needed)
		covered[p] = struct{}{}
	}
	for _, f := range reqs.Fields() {
		if !fieldCovered(f, n.Paths) {
			return nil, nil, errors.Errorf("column scan over %v cannot produce field %q", n.Paths, f)
		}
	}

	resultSlot := b.gen.Generate()
	var recordIDSlot value.SlotID
	if reqs.Has(RecordIDName) {
		recordIDSlot = b.gen.Generate()
	}

	outputs := NewPlanStageSlots()
	filters := make([]stages.PathFilter, 0, len(n.Filters))
	for _, f := range n.Filters {
		cellSlot := b.gen.Generate()
		pred, err := rewriteCellRef(f.Pred, f.Path, cellSlot)
		if err != nil {
			return nil, nil, err
		}
		filters = append(filters, stages.PathFilter{Path: f.Path, InputSlot: cellSlot, Filter: pred})
		outputs.Set(FilterCellName(f.Path), value.NewTypedSlot(cellSlot))
	}

	stage := stages.NewColumnScanStage(
		b.cat, n.Collection, resultSlot, recordIDSlot,
		n.Paths, include, n.DensePath, filters,
		0, nil, b.cfg.Tracker,
	)

	outputs.Set(ResultName, value.NewTypedSlot(resultSlot))
	if recordIDSlot != 0 {
		outputs.Set(RecordIDName, value.NewTypedSlot(recordIDSlot))
	}
	var out stages.PlanStage = stage
	out, outputs = b.projectFieldsFromResult(out, outputs, resultSlot, reqs.Fields())
	return out, outputs, nil
}

// pathNeeded reports whether a columnar path must contribute to the output:
// either the needed field set is open (whole document) or some needed field
// is a prefix of (or equal to) the path.
func pathNeeded(path string, needed FieldSet) bool {
	if needed.IsOpen() {
		return true
	}
	for _, f := range needed.Fields() {
		if f == path || strings.HasPrefix(path, f+".") {
			return true
		}
	}
	return false
}

// fieldCovered reports whether a requested field can be read off the
// reconstruction: some indexed path equals the field or sits below it.
func fieldCovered(field string, paths []string) bool {
	for _, p := range paths {
		if p == field || strings.HasPrefix(p, field+".") {
			return true
		}
	}
	return false
}

// rewriteCellRef rewrites a pushed-down filter to read its cell slot. The
// predicate may reference only its own path.
func rewriteCellRef(pred expr.Expression, path string, cellSlot value.SlotID) (expr.Expression, error) {
	var bad string
	out := expr.RewriteFieldPaths(pred, func(p string) expr.Expression {
		if p != path {
			if bad == "" {
				bad = p
			}
			return expr.NewConstant(value.Nothing())
		}
		return expr.NewVariable(cellSlot)
	})
	if bad != "" {
		return nil, errors.Errorf("filter on path %q references other path %q", path, bad)
	}
	return out, nil
}

func (b *Builder) buildFilter(n *FilterNode, reqs *PlanStageReqs) (stages.PlanStage, *PlanStageSlots, error) {
	childReqs := reqs.Copy().SetFields(expr.CollectFieldPaths(n.Pred)...)
	child, outputs, err := b.build(n.Child, childReqs)
	if err != nil {
		return nil, nil, err
	}
	pred, err := rewriteFieldRefs(n.Pred, outputs)
	if err != nil {
		return nil, nil, err
	}
	return stages.NewFilterStage(child, pred), outputs, nil
}

func (b *Builder) buildProject(n *ProjectNode, reqs *PlanStageReqs) (stages.PlanStage, *PlanStageSlots, error) {
	childReqs := reqs.Copy()
	for _, f := range n.Fields {
		childReqs.Clear(FieldName(f.Name))
		childReqs.SetFields(expr.CollectFieldPaths(f.Expr)...)
	}
	if reqs.HasResult() {
		// Let the child defer materialization; this stage extends the
		// pending change set instead of rebuilding the document.
		childReqs.SetResultInfo(OpenFieldSet())
	}
	child, childOut, err := b.build(n.Child, childReqs)
	if err != nil {
		return nil, nil, err
	}

	projs := make([]stages.Projection, len(n.Fields))
	changes := make(map[string]value.TypedSlot, len(n.Fields))
	names := make([]string, len(n.Fields))
	for i, f := range n.Fields {
		rewritten, err := rewriteFieldRefs(f.Expr, childOut)
		if err != nil {
			return nil, nil, err
		}
		slot := b.gen.Generate()
		projs[i] = stages.Projection{Slot: slot, Expr: rewritten}
		changes[f.Name] = value.NewTypedSlot(slot)
		names[i] = f.Name
	}
	stage := stages.NewProjectStage(child, projs)

	outputs := NewPlanStageSlots()
	for _, name := range childOut.Names() {
		if name == ResultName {
			continue
		}
		slot, _ := childOut.GetIfExists(name)
		outputs.Set(name, slot)
	}
	for name, slot := range changes {
		outputs.Set(FieldName(name), slot)
	}

	if reqs.HasResult() {
		info, err := extendResultInfo(childOut, names, changes)
		if err != nil {
			return nil, nil, err
		}
		outputs.SetResultInfo(info)
		if reqs.HasResultObj() {
			return b.materializeInto(stage, outputs)
		}
	}
	return stage, outputs, nil
}

// extendResultInfo folds this projection's changes into the child's pending
// result info, or starts one from the child's materialized result.
func extendResultInfo(childOut *PlanStageSlots, names []string, changes map[string]value.TypedSlot) (*ResultInfo, error) {
	info := childOut.ResultInfo()
	if info == nil {
		base, err := childOut.Get(ResultName)
		if err != nil {
			return nil, err
		}
		info = &ResultInfo{Base: base, Modified: ClosedFieldSet(), Changes: map[string]value.TypedSlot{}}
	} else {
		cp := &ResultInfo{Base: info.Base, Modified: info.Modified, Changes: make(map[string]value.TypedSlot, len(info.Changes))}
		for f, s := range info.Changes {
			cp.Changes[f] = s
		}
		info = cp
	}
	info.Modified = info.Modified.Union(ClosedFieldSet(names...))
	for _, name := range names {
		info.Changes[name] = changes[name]
	}
	return info, nil
}

// materializeResult applies a pending ResultInfo, producing a literal
// result document slot. A tree with no pending info passes through.
func (b *Builder) materializeResult(stage stages.PlanStage, outputs *PlanStageSlots) (stages.PlanStage, *PlanStageSlots, error) {
	if outputs.ResultInfo() == nil {
		return stage, outputs, nil
	}
	return b.materializeInto(stage, outputs)
}

func (b *Builder) materializeInto(stage stages.PlanStage, outputs *PlanStageSlots) (stages.PlanStage, *PlanStageSlots, error) {
	info := outputs.ResultInfo()
	doc := expr.Expression(expr.NewVariable(info.Base.ID))
	for _, field := range info.Modified.Fields() {
		var v expr.Expression
		if slot, ok := info.Changes[field]; ok {
			v = expr.NewVariable(slot.ID)
		} else {
			// No change slot means the field was dropped.
			v = expr.NewConstant(value.Nothing())
		}
		doc = expr.NewFunction("setField", doc, expr.NewConstant(value.NewString(field)), v)
	}
	slot := b.gen.Generate()
	out := stages.NewProjectStage(stage, []stages.Projection{{Slot: slot, Expr: doc}})
	outputs.Set(ResultName, value.NewTypedSlot(slot))
	outputs.SetResultInfo(nil)
	return out, outputs, nil
}

func (b *Builder) buildSort(n *SortNode, reqs *PlanStageReqs) (stages.PlanStage, *PlanStageSlots, error) {
	childReqs := reqs.Copy()
	if reqs.HasResult() {
		// Sort materializes every slot it forwards; deferring result
		// construction past it buys nothing.
		childReqs.SetResultObj()
	}
	for _, k := range n.Keys {
		childReqs.SetFields(expr.CollectFieldPaths(k.Expr)...)
	}
	child, childOut, err := b.build(n.Child, childReqs)
	if err != nil {
		return nil, nil, err
	}

	var stage stages.PlanStage = child
	orderSlots := make([]value.SlotID, len(n.Keys))
	dirs := make([]stages.SortDirection, len(n.Keys))
	var keyProjs []stages.Projection
	outputs := NewPlanStageSlots()
	for _, name := range childOut.Names() {
		slot, _ := childOut.GetIfExists(name)
		outputs.Set(name, slot)
	}
	for i, k := range n.Keys {
		dirs[i] = k.Dir
		if fp, ok := k.Expr.(*expr.FieldPath); ok {
			slot, err := childOut.Get(FieldName(fp.Path))
			if err != nil {
				return nil, nil, err
			}
			orderSlots[i] = slot.ID
			continue
		}
		rewritten, err := rewriteFieldRefs(k.Expr, childOut)
		if err != nil {
			return nil, nil, err
		}
		slot := b.gen.Generate()
		keyProjs = append(keyProjs, stages.Projection{Slot: slot, Expr: rewritten})
		orderSlots[i] = slot
		outputs.Set(SortKeyName(strconv.Itoa(i)), value.NewTypedSlot(slot))
	}
	if len(keyProjs) > 0 {
		stage = stages.NewProjectStage(stage, keyProjs)
	}

	var fwd []value.SlotID
	seen := map[value.SlotID]struct{}{}
	for _, id := range orderSlots {
		seen[id] = struct{}{}
	}
	for _, slot := range outputs.SlotsOrderedByName() {
		if _, dup := seen[slot.ID]; dup {
			continue
		}
		seen[slot.ID] = struct{}{}
		fwd = append(fwd, slot.ID)
	}
	return stages.NewSortStage(stage, orderSlots, dirs, fwd), outputs, nil
}

func (b *Builder) buildLimitSkip(n *LimitSkipNode, reqs *PlanStageReqs) (stages.PlanStage, *PlanStageSlots, error) {
	child, outputs, err := b.build(n.Child, reqs)
	if err != nil {
		return nil, nil, err
	}
	return stages.NewLimitSkipStage(child, n.Limit, n.Skip), outputs, nil
}

func (b *Builder) buildUnion(n *UnionNode, reqs *PlanStageReqs) (stages.PlanStage, *PlanStageSlots, error) {
	if len(n.Children) == 0 {
		return nil, nil, errors.New("union requires at least one child")
	}
	childReqs := reqs.Copy()
	if reqs.HasResult() {
		childReqs.SetResultInfo(OpenFieldSet())
	}

	children := make([]stages.PlanStage, len(n.Children))
	childOuts := make([]*PlanStageSlots, len(n.Children))
	for i, c := range n.Children {
		child, out, err := b.build(c, childReqs)
		if err != nil {
			return nil, nil, err
		}
		children[i] = child
		childOuts[i] = out
	}

	// The union wires plain slots, so a pending ResultInfo cannot cross it:
	// every branch materializes its own document before wire-up. MergeInfos
	// would need a base slot shared across branches, and independently built
	// subtrees never have one.
	if reqs.HasResult() {
		for i := range children {
			var err error
			children[i], childOuts[i], err = b.materializeResult(children[i], childOuts[i])
			if err != nil {
				return nil, nil, err
			}
		}
	}

	wireNames := reqs.Names()
	if reqs.HasResult() {
		wireNames = append(wireNames, ResultName)
		sortNamesInPlace(wireNames)
	}
	inputSlots := make([][]value.SlotID, len(children))
	for i, out := range childOuts {
		ids := make([]value.SlotID, len(wireNames))
		for j, name := range wireNames {
			slot, err := out.Get(name)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "wiring union branch %d", i)
			}
			ids[j] = slot.ID
		}
		inputSlots[i] = ids
	}
	outputs := NewPlanStageSlots()
	outSlots := make([]value.SlotID, len(wireNames))
	for j, name := range wireNames {
		outSlots[j] = b.gen.Generate()
		outputs.Set(name, value.NewTypedSlot(outSlots[j]))
	}
	return stages.NewUnionStage(children, inputSlots, outSlots), outputs, nil
}

func sortNamesInPlace(names []SlotName) {
	sort.Slice(names, func(i, j int) bool { return names[i].Less(names[j]) })
}
