package stages

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/sbe/vm"
)

// Projection binds one expression's result to an output slot.
type Projection struct {
	Slot value.SlotID
	Expr expr.Expression
}

// ProjectStage evaluates a list of expressions per input row, publishing
// each result through its own slot. Child slots stay visible alongside.
type ProjectStage struct {
	baseStage

	child    PlanStage
	projs    []Projection
	codes    []*vm.CodeFragment
	accs     []value.OwnedAccessor
	bytecode *vm.ByteCode
}

var _ PlanStage = (*ProjectStage)(nil)

func NewProjectStage(child PlanStage, projs []Projection) *ProjectStage {
	return &ProjectStage{child: child, projs: projs, bytecode: vm.NewByteCode()}
}

func (s *ProjectStage) Prepare(ctx *CompileCtx) error {
	if err := s.ensurePrepare(); err != nil {
		return err
	}
	if err := s.child.Prepare(ctx); err != nil {
		return err
	}
	s.codes = make([]*vm.CodeFragment, len(s.projs))
	s.accs = make([]value.OwnedAccessor, len(s.projs))
	for i, p := range s.projs {
		code, err := expr.Compile(p.Expr, ctx)
		if err != nil {
			return errors.Wrapf(err, "compiling projection for s%d", p.Slot)
		}
		s.codes[i] = code
		ctx.Bind(p.Slot, &s.accs[i])
	}
	return nil
}

func (s *ProjectStage) Open(reOpen bool) error {
	if reOpen {
		if err := s.reopen(); err != nil {
			return err
		}
	} else if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.child.Open(reOpen)
}

func (s *ProjectStage) GetNext() (bool, error) {
	if err := s.ensureGetNext(); err != nil {
		return false, err
	}
	ok, err := s.child.GetNext()
	if err != nil {
		return false, err
	}
	if !ok {
		s.state = stateEOF
		return false, nil
	}
	for i, code := range s.codes {
		v, err := s.bytecode.Run(code)
		if err != nil {
			return false, errors.Wrapf(err, "evaluating projection for s%d", s.projs[i].Slot)
		}
		s.accs[i].Set(v)
	}
	s.stats.Advances++
	return true, nil
}

func (s *ProjectStage) Close() error {
	if err := s.ensureClose(); err != nil {
		return err
	}
	return s.child.Close()
}

func (s *ProjectStage) SaveState() error {
	for i := range s.accs {
		s.accs[i].MakeOwned()
	}
	s.stats.Saves++
	return s.child.SaveState()
}

func (s *ProjectStage) RestoreState() error {
	s.stats.Restores++
	return s.child.RestoreState()
}

func (s *ProjectStage) Children() []PlanStage { return []PlanStage{s.child} }

func (s *ProjectStage) DebugString() string {
	var sb strings.Builder
	sb.WriteString("project [")
	for i, p := range s.projs {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "s%d = %s", p.Slot, p.Expr)
	}
	sb.WriteString("]")
	return sb.String()
}
