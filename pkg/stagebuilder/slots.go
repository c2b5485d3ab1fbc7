package stagebuilder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/value"
)

// SlotNameKind partitions the namespace of negotiated slot names.
type SlotNameKind uint8

const (
	// KindMeta names engine-level outputs: the result document, the record
	// id, and similar.
	KindMeta SlotNameKind = iota
	// KindField names a top-level or dotted document field.
	KindField
	// KindSortKey names a computed sort key.
	KindSortKey
	// KindPathExpr names a materialized dotted-path traversal.
	KindPathExpr
	// KindFilterCellField names the cell input of a pushed-down column
	// filter.
	KindFilterCellField
)

func (k SlotNameKind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindField:
		return "field"
	case KindSortKey:
		return "sortKey"
	case KindPathExpr:
		return "pathExpr"
	case KindFilterCellField:
		return "filterCellField"
	default:
		panic(fmt.Sprintf("unknown slot name kind %d", uint8(k)))
	}
}

// SlotName is a typed name in the parent/child negotiation.
type SlotName struct {
	Kind SlotNameKind
	Name string
}

func MetaName(name string) SlotName       { return SlotName{Kind: KindMeta, Name: name} }
func FieldName(name string) SlotName      { return SlotName{Kind: KindField, Name: name} }
func SortKeyName(name string) SlotName    { return SlotName{Kind: KindSortKey, Name: name} }
func PathExprName(path string) SlotName   { return SlotName{Kind: KindPathExpr, Name: path} }
func FilterCellName(path string) SlotName { return SlotName{Kind: KindFilterCellField, Name: path} }

// Well-known meta names.
var (
	ResultName   = MetaName("result")
	RecordIDName = MetaName("recordId")
)

func (n SlotName) Less(other SlotName) bool {
	if n.Kind != other.Kind {
		return n.Kind < other.Kind
	}
	return n.Name < other.Name
}

func (n SlotName) String() string { return n.Kind.String() + ":" + n.Name }

// ResultInfo is the deferred-materialization package: a base result slot
// plus the names of fields that later stages dropped or overwrote. An
// ancestor that needs the literal document materializes the changes onto
// the base; until then no stage rebuilds the object.
type ResultInfo struct {
	Base     value.TypedSlot
	Modified FieldSet
	// Changes holds the slot carrying each overwritten field's new value;
	// fields in Modified but absent here were dropped.
	Changes map[string]value.TypedSlot
}

// MergeInfos combines the result infos of sibling branches. Branches must
// agree on the base slot; otherwise the caller falls back to full
// materialization per branch.
func MergeInfos(infos ...*ResultInfo) (*ResultInfo, bool) {
	if len(infos) == 0 || infos[0] == nil {
		return nil, false
	}
	merged := &ResultInfo{
		Base:     infos[0].Base,
		Modified: infos[0].Modified,
		Changes:  make(map[string]value.TypedSlot),
	}
	for f, s := range infos[0].Changes {
		merged.Changes[f] = s
	}
	for _, info := range infos[1:] {
		if info == nil || info.Base.ID != merged.Base.ID {
			return nil, false
		}
		merged.Modified = merged.Modified.Union(info.Modified)
		for f, s := range info.Changes {
			if have, ok := merged.Changes[f]; ok && have.ID != s.ID {
				return nil, false
			}
			merged.Changes[f] = s
		}
	}
	return merged, true
}

// PlanStageReqs is the set of typed names a parent wants a child to
// produce, plus the result-document strategy: a materialized result object,
// or a deferred ResultInfo tracking the given field set.
type PlanStageReqs struct {
	names      map[SlotName]struct{}
	resultObj  bool
	resultInfo *FieldSet
}

func NewPlanStageReqs() *PlanStageReqs {
	return &PlanStageReqs{names: make(map[SlotName]struct{})}
}

func (r *PlanStageReqs) Set(name SlotName) *PlanStageReqs {
	r.names[name] = struct{}{}
	return r
}

func (r *PlanStageReqs) SetFields(fields ...string) *PlanStageReqs {
	for _, f := range fields {
		r.Set(FieldName(f))
	}
	return r
}

func (r *PlanStageReqs) Clear(name SlotName) *PlanStageReqs {
	delete(r.names, name)
	return r
}

func (r *PlanStageReqs) Has(name SlotName) bool {
	_, ok := r.names[name]
	return ok
}

// SetResultObj requires a fully materialized result document.
func (r *PlanStageReqs) SetResultObj() *PlanStageReqs {
	r.resultObj = true
	r.resultInfo = nil
	return r
}

// SetResultInfo allows the child to defer result materialization, tracking
// changes to the given field set.
func (r *PlanStageReqs) SetResultInfo(tracked FieldSet) *PlanStageReqs {
	r.resultObj = false
	r.resultInfo = &tracked
	return r
}

func (r *PlanStageReqs) HasResultObj() bool    { return r.resultObj }
func (r *PlanStageReqs) ResultInfo() *FieldSet { return r.resultInfo }
func (r *PlanStageReqs) HasResult() bool       { return r.resultObj || r.resultInfo != nil }
func (r *PlanStageReqs) Names() []SlotName     { return sortedNames(r.names) }
func (r *PlanStageReqs) HasFieldReqs() bool    { return len(r.Fields()) > 0 }

// Fields returns the requested kField names, sorted.
func (r *PlanStageReqs) Fields() []string {
	var out []string
	for n := range r.names {
		if n.Kind == KindField {
			out = append(out, n.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Copy returns an independent requirement set.
func (r *PlanStageReqs) Copy() *PlanStageReqs {
	cp := NewPlanStageReqs()
	for n := range r.names {
		cp.names[n] = struct{}{}
	}
	cp.resultObj = r.resultObj
	if r.resultInfo != nil {
		info := *r.resultInfo
		cp.resultInfo = &info
	}
	return cp
}

// NeededFieldSet reports which document fields the requirements might read.
// Any result-document requirement opens the set: the consumer could read
// every field.
func (r *PlanStageReqs) NeededFieldSet() FieldSet {
	if r.HasResult() {
		return OpenFieldSet()
	}
	return ClosedFieldSet(r.Fields()...)
}

// PlanStageSlots is what a child stage actually produced, keyed by the same
// typed names as the requirements.
type PlanStageSlots struct {
	slots      map[SlotName]value.TypedSlot
	resultInfo *ResultInfo
}

func NewPlanStageSlots() *PlanStageSlots {
	return &PlanStageSlots{slots: make(map[SlotName]value.TypedSlot)}
}

func (s *PlanStageSlots) Set(name SlotName, slot value.TypedSlot) *PlanStageSlots {
	s.slots[name] = slot
	return s
}

// Get returns the slot bound to name. Failure is a contract violation
// between builder stages, never a runtime user error.
func (s *PlanStageSlots) Get(name SlotName) (value.TypedSlot, error) {
	slot, ok := s.slots[name]
	if !ok {
		return value.TypedSlot{}, errors.Errorf("slot name %s was never produced", name)
	}
	return slot, nil
}

func (s *PlanStageSlots) GetIfExists(name SlotName) (value.TypedSlot, bool) {
	slot, ok := s.slots[name]
	return slot, ok
}

func (s *PlanStageSlots) Has(name SlotName) bool {
	_, ok := s.slots[name]
	return ok
}

func (s *PlanStageSlots) Clear(name SlotName) { delete(s.slots, name) }

func (s *PlanStageSlots) SetResultInfo(info *ResultInfo) { s.resultInfo = info }
func (s *PlanStageSlots) ResultInfo() *ResultInfo        { return s.resultInfo }

// Names returns the produced names sorted by kind, then name.
func (s *PlanStageSlots) Names() []SlotName { return sortedNames(s.slots) }

// SlotsOrderedByName returns the produced slots in a stable order (name,
// then slot id) so branch stages can wire matching positional slots across
// independently built subtrees.
func (s *PlanStageSlots) SlotsOrderedByName() []value.TypedSlot {
	names := s.Names()
	out := make([]value.TypedSlot, len(names))
	for i, n := range names {
		out[i] = s.slots[n]
	}
	return out
}

func (s *PlanStageSlots) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, n := range s.Names() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: s%d", n, s.slots[n].ID)
	}
	sb.WriteByte('}')
	return sb.String()
}

func sortedNames[V any](m map[SlotName]V) []SlotName {
	out := make([]SlotName, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
