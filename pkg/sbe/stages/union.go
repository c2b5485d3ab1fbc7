package stages

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/value"
)

// UnionStage concatenates its children's rows in order. Each child publishes
// its own slots; the union maps position i of every child's input vector
// onto output slot i through a switch accessor, so parents read one stable
// slot set regardless of which branch is active.
type UnionStage struct {
	baseStage

	children   []PlanStage
	inputSlots [][]value.SlotID
	outSlots   []value.SlotID

	switches []*value.SwitchAccessor
	cur      int
}

var _ PlanStage = (*UnionStage)(nil)

// NewUnionStage builds a union. inputSlots has one vector per child,
// each parallel to outSlots.
func NewUnionStage(children []PlanStage, inputSlots [][]value.SlotID, outSlots []value.SlotID) *UnionStage {
	return &UnionStage{children: children, inputSlots: inputSlots, outSlots: outSlots}
}

func (s *UnionStage) Prepare(ctx *CompileCtx) error {
	if err := s.ensurePrepare(); err != nil {
		return err
	}
	branchAccs := make([][]value.SlotAccessor, len(s.children))
	for ci, child := range s.children {
		if err := child.Prepare(ctx); err != nil {
			return err
		}
		if len(s.inputSlots[ci]) != len(s.outSlots) {
			return errors.Errorf("union branch %d maps %d slots, want %d", ci, len(s.inputSlots[ci]), len(s.outSlots))
		}
		accs := make([]value.SlotAccessor, len(s.outSlots))
		for i, id := range s.inputSlots[ci] {
			acc, err := ctx.Accessor(id)
			if err != nil {
				return err
			}
			accs[i] = acc
		}
		branchAccs[ci] = accs
	}
	s.switches = make([]*value.SwitchAccessor, len(s.outSlots))
	for i, id := range s.outSlots {
		perBranch := make([]value.SlotAccessor, len(s.children))
		for ci := range s.children {
			perBranch[ci] = branchAccs[ci][i]
		}
		s.switches[i] = value.NewSwitchAccessor(perBranch...)
		ctx.Bind(id, s.switches[i])
	}
	return nil
}

// Open opens only the first branch; later branches open as the scan reaches
// them.
func (s *UnionStage) Open(reOpen bool) error {
	if reOpen {
		if err := s.reopen(); err != nil {
			return err
		}
	} else if err := s.ensureOpen(); err != nil {
		return err
	}
	s.cur = 0
	for _, sw := range s.switches {
		sw.SetIndex(0)
	}
	if len(s.children) == 0 {
		return nil
	}
	return s.children[0].Open(reOpen)
}

func (s *UnionStage) GetNext() (bool, error) {
	if err := s.ensureGetNext(); err != nil {
		return false, err
	}
	for s.cur < len(s.children) {
		ok, err := s.children[s.cur].GetNext()
		if err != nil {
			return false, err
		}
		if ok {
			s.stats.Advances++
			return true, nil
		}
		s.cur++
		if s.cur == len(s.children) {
			break
		}
		if err := s.children[s.cur].Open(false); err != nil {
			return false, err
		}
		for _, sw := range s.switches {
			sw.SetIndex(s.cur)
		}
	}
	s.state = stateEOF
	return false, nil
}

func (s *UnionStage) Close() error {
	if err := s.ensureClose(); err != nil {
		return err
	}
	var firstErr error
	for i := 0; i <= s.cur && i < len(s.children); i++ {
		if err := s.children[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *UnionStage) SaveState() error {
	s.stats.Saves++
	for i := 0; i <= s.cur && i < len(s.children); i++ {
		if err := s.children[i].SaveState(); err != nil {
			return err
		}
	}
	return nil
}

func (s *UnionStage) RestoreState() error {
	s.stats.Restores++
	for i := 0; i <= s.cur && i < len(s.children); i++ {
		if err := s.children[i].RestoreState(); err != nil {
			return err
		}
	}
	return nil
}

func (s *UnionStage) Children() []PlanStage { return s.children }

func (s *UnionStage) DebugString() string {
	var sb strings.Builder
	sb.WriteString("union out=" + slotList(s.outSlots) + " in=[")
	for i, ids := range s.inputSlots {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(slotList(ids))
	}
	sb.WriteString("]")
	return sb.String()
}
