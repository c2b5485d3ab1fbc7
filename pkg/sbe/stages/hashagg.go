package stages

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/sbe/vm"
)

// AggDef defines one accumulator of a hash aggregation.
//
// Acc runs once per input row with OutSlot bound to the group's current
// accumulator state; its result becomes the new state. Merge combines two
// partial states when spilled partitions are recombined: it reads OutSlot
// (the surviving partial) and MergeSlot (the incoming one). Init may be nil,
// which starts the state at Nothing.
type AggDef struct {
	OutSlot   value.SlotID
	MergeSlot value.SlotID
	Init      expr.Expression
	Acc       expr.Expression
	Merge     expr.Expression
}

// groupEntry is one group: its owned key values and accumulator states.
// Entries with colliding hashes chain in the same bucket.
type groupEntry struct {
	keys []value.Value
	accs []value.Value
}

// HashAggStage groups child rows by the groupBy slots and folds each
// accumulator per group. Blocking: the child is drained on the first
// GetNext, then groups are served in first-seen order.
//
// SpillEvery > 0 caps the table at that many resident groups; full tables
// are set aside as partial runs and recombined with the merge expressions
// at drain end. The same recombination path runs under memory pressure in
// larger deployments, so it is exercised here rather than special-cased.
type HashAggStage struct {
	baseStage

	child        PlanStage
	groupBySlots []value.SlotID
	aggs         []AggDef
	spillEvery   int

	keyInAccs []value.SlotAccessor
	keyAccs   []value.OwnedAccessor
	aggAccs   []value.OwnedAccessor
	mergeAccs []value.OwnedAccessor
	initCodes []*vm.CodeFragment
	accCodes  []*vm.CodeFragment
	mergeCode []*vm.CodeFragment
	bytecode  *vm.ByteCode

	table   map[uint64][]*groupEntry
	order   []*groupEntry
	spilled [][]*groupEntry
	drained bool
	pos     int

	// SpillCount counts partial runs set aside during the build.
	SpillCount uint64
}

var _ PlanStage = (*HashAggStage)(nil)

// NewHashAggStage builds a hash aggregation. spillEvery <= 0 disables the
// partial-run path.
func NewHashAggStage(child PlanStage, groupBySlots []value.SlotID, aggs []AggDef, spillEvery int) *HashAggStage {
	return &HashAggStage{
		child:        child,
		groupBySlots: groupBySlots,
		aggs:         aggs,
		spillEvery:   spillEvery,
		bytecode:     vm.NewByteCode(),
	}
}

func (s *HashAggStage) Prepare(ctx *CompileCtx) error {
	if err := s.ensurePrepare(); err != nil {
		return err
	}
	if err := s.child.Prepare(ctx); err != nil {
		return err
	}
	s.keyInAccs = make([]value.SlotAccessor, len(s.groupBySlots))
	s.keyAccs = make([]value.OwnedAccessor, len(s.groupBySlots))
	for i, id := range s.groupBySlots {
		acc, err := ctx.Accessor(id)
		if err != nil {
			return err
		}
		s.keyInAccs[i] = acc
		ctx.Bind(id, &s.keyAccs[i])
	}
	s.aggAccs = make([]value.OwnedAccessor, len(s.aggs))
	s.mergeAccs = make([]value.OwnedAccessor, len(s.aggs))
	s.initCodes = make([]*vm.CodeFragment, len(s.aggs))
	s.accCodes = make([]*vm.CodeFragment, len(s.aggs))
	s.mergeCode = make([]*vm.CodeFragment, len(s.aggs))
	for i, agg := range s.aggs {
		ctx.Bind(agg.OutSlot, &s.aggAccs[i])
		if agg.MergeSlot != 0 {
			ctx.Bind(agg.MergeSlot, &s.mergeAccs[i])
		}
		if agg.Init != nil {
			code, err := expr.Compile(agg.Init, ctx)
			if err != nil {
				return errors.Wrapf(err, "compiling init for s%d", agg.OutSlot)
			}
			s.initCodes[i] = code
		}
		code, err := expr.Compile(agg.Acc, ctx)
		if err != nil {
			return errors.Wrapf(err, "compiling accumulator for s%d", agg.OutSlot)
		}
		s.accCodes[i] = code
		if agg.Merge != nil {
			code, err := expr.Compile(agg.Merge, ctx)
			if err != nil {
				return errors.Wrapf(err, "compiling merge for s%d", agg.OutSlot)
			}
			s.mergeCode[i] = code
		}
	}
	return nil
}

func (s *HashAggStage) Open(reOpen bool) error {
	if reOpen {
		if err := s.reopen(); err != nil {
			return err
		}
	} else if err := s.ensureOpen(); err != nil {
		return err
	}
	s.table = make(map[uint64][]*groupEntry)
	s.order = nil
	s.spilled = nil
	s.drained = false
	s.pos = 0
	return s.child.Open(reOpen)
}

func (s *HashAggStage) GetNext() (bool, error) {
	if err := s.ensureGetNext(); err != nil {
		return false, err
	}
	if !s.drained {
		if err := s.drain(); err != nil {
			return false, err
		}
	}
	if s.pos >= len(s.order) {
		s.state = stateEOF
		return false, nil
	}
	e := s.order[s.pos]
	s.pos++
	for i := range s.keyAccs {
		s.keyAccs[i].Set(e.keys[i])
	}
	for i := range s.aggAccs {
		s.aggAccs[i].Set(e.accs[i])
	}
	s.stats.Advances++
	return true, nil
}

func (s *HashAggStage) drain() error {
	for {
		ok, err := s.child.GetNext()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := s.accumulateRow(); err != nil {
			return err
		}
		if s.spillEvery > 0 && len(s.order) >= s.spillEvery {
			s.spillTable()
		}
	}
	if err := s.recombine(); err != nil {
		return err
	}
	s.drained = true
	return nil
}

func (s *HashAggStage) accumulateRow() error {
	keys := make([]value.Value, len(s.keyInAccs))
	for i, acc := range s.keyInAccs {
		keys[i] = acc.Get()
	}
	h := hashKeys(keys)
	e := s.lookup(h, keys)
	if e == nil {
		e = &groupEntry{keys: ownAll(keys), accs: make([]value.Value, len(s.aggs))}
		for i, code := range s.initCodes {
			if code == nil {
				e.accs[i] = value.Nothing()
				continue
			}
			v, err := s.bytecode.Run(code)
			if err != nil {
				return errors.Wrapf(err, "initializing accumulator s%d", s.aggs[i].OutSlot)
			}
			e.accs[i] = v.MakeOwned()
		}
		s.table[h] = append(s.table[h], e)
		s.order = append(s.order, e)
	}
	for i, code := range s.accCodes {
		s.aggAccs[i].Set(e.accs[i])
		v, err := s.bytecode.Run(code)
		if err != nil {
			return errors.Wrapf(err, "folding accumulator s%d", s.aggs[i].OutSlot)
		}
		e.accs[i] = v.MakeOwned()
	}
	return nil
}

// spillTable sets the resident groups aside as one partial run and starts a
// fresh table.
func (s *HashAggStage) spillTable() {
	s.spilled = append(s.spilled, s.order)
	s.table = make(map[uint64][]*groupEntry)
	s.order = nil
	s.SpillCount++
}

// recombine folds the partial runs back into the resident table with the
// merge expressions. The oldest run's first-seen order wins for output
// ordering.
func (s *HashAggStage) recombine() error {
	if len(s.spilled) == 0 {
		return nil
	}
	runs := append(s.spilled, s.order)
	s.table = make(map[uint64][]*groupEntry)
	s.order = nil
	s.spilled = nil
	for _, run := range runs {
		for _, partial := range run {
			h := hashKeys(partial.keys)
			e := s.lookup(h, partial.keys)
			if e == nil {
				s.table[h] = append(s.table[h], partial)
				s.order = append(s.order, partial)
				continue
			}
			for i, code := range s.mergeCode {
				if code == nil {
					return errors.Errorf("accumulator s%d spilled but has no merge expression", s.aggs[i].OutSlot)
				}
				s.aggAccs[i].Set(e.accs[i])
				s.mergeAccs[i].Set(partial.accs[i])
				v, err := s.bytecode.Run(code)
				if err != nil {
					return errors.Wrapf(err, "merging accumulator s%d", s.aggs[i].OutSlot)
				}
				e.accs[i] = v.MakeOwned()
			}
		}
	}
	return nil
}

func (s *HashAggStage) lookup(h uint64, keys []value.Value) *groupEntry {
	for _, e := range s.table[h] {
		if keysEqual(e.keys, keys) {
			return e
		}
	}
	return nil
}

func hashKeys(keys []value.Value) uint64 {
	d := xxhash.New()
	sep := []byte{0}
	for i, k := range keys {
		if i > 0 {
			_, _ = d.Write(sep)
		}
		value.Hash(d, k)
	}
	return d.Sum64()
}

func keysEqual(a, b []value.Value) bool {
	for i := range a {
		if !value.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func ownAll(vs []value.Value) []value.Value {
	out := make([]value.Value, len(vs))
	for i, v := range vs {
		out[i] = v.MakeOwned()
	}
	return out
}

func (s *HashAggStage) Close() error {
	if err := s.ensureClose(); err != nil {
		return err
	}
	s.table = nil
	s.order = nil
	s.spilled = nil
	return s.child.Close()
}

// SaveState is cheap: group keys and states are owned at insertion.
func (s *HashAggStage) SaveState() error {
	s.stats.Saves++
	return s.child.SaveState()
}

func (s *HashAggStage) RestoreState() error {
	s.stats.Restores++
	return s.child.RestoreState()
}

func (s *HashAggStage) Children() []PlanStage { return []PlanStage{s.child} }

func (s *HashAggStage) DebugString() string {
	var sb strings.Builder
	sb.WriteString("hashagg by=" + slotList(s.groupBySlots) + " aggs=[")
	for i, agg := range s.aggs {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "s%d = %s", agg.OutSlot, agg.Acc)
	}
	sb.WriteString("]")
	return sb.String()
}
