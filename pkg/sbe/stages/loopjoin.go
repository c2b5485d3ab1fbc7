package stages

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/vm"
)

// LoopJoinStage is a nested-loop join. The inner side is re-driven once per
// outer row; correlation happens through slots the inner side reads from the
// outer side's bindings. The optional predicate filters joined rows, with
// Nothing rejecting like false.
type LoopJoinStage struct {
	baseStage

	outer PlanStage
	inner PlanStage
	pred  expr.Expression

	code     *vm.CodeFragment
	bytecode *vm.ByteCode

	innerOpened  bool
	outerAdvance bool
}

var _ PlanStage = (*LoopJoinStage)(nil)

// NewLoopJoinStage joins outer and inner; pred may be nil for a cross join.
func NewLoopJoinStage(outer, inner PlanStage, pred expr.Expression) *LoopJoinStage {
	return &LoopJoinStage{outer: outer, inner: inner, pred: pred, bytecode: vm.NewByteCode()}
}

func (s *LoopJoinStage) Prepare(ctx *CompileCtx) error {
	if err := s.ensurePrepare(); err != nil {
		return err
	}
	// Outer first: the inner side's correlated slots resolve against the
	// outer side's bindings.
	if err := s.outer.Prepare(ctx); err != nil {
		return err
	}
	if err := s.inner.Prepare(ctx); err != nil {
		return err
	}
	if s.pred != nil {
		code, err := expr.Compile(s.pred, ctx)
		if err != nil {
			return errors.Wrap(err, "compiling join predicate")
		}
		s.code = code
	}
	return nil
}

func (s *LoopJoinStage) Open(reOpen bool) error {
	if reOpen {
		if err := s.reopen(); err != nil {
			return err
		}
	} else if err := s.ensureOpen(); err != nil {
		return err
	}
	s.outerAdvance = true
	return s.outer.Open(reOpen)
}

func (s *LoopJoinStage) GetNext() (bool, error) {
	if err := s.ensureGetNext(); err != nil {
		return false, err
	}
	for {
		if s.outerAdvance {
			ok, err := s.outer.GetNext()
			if err != nil {
				return false, err
			}
			if !ok {
				s.state = stateEOF
				return false, nil
			}
			if err := s.inner.Open(s.innerOpened); err != nil {
				return false, err
			}
			s.innerOpened = true
			s.outerAdvance = false
		}
		ok, err := s.inner.GetNext()
		if err != nil {
			return false, err
		}
		if !ok {
			s.outerAdvance = true
			continue
		}
		if s.code != nil {
			pass, err := s.bytecode.RunPredicate(s.code)
			if err != nil {
				return false, errors.Wrap(err, "evaluating join predicate")
			}
			if !pass {
				continue
			}
		}
		s.stats.Advances++
		return true, nil
	}
}

func (s *LoopJoinStage) Close() error {
	if err := s.ensureClose(); err != nil {
		return err
	}
	var firstErr error
	if s.innerOpened {
		if err := s.inner.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.outer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *LoopJoinStage) SaveState() error {
	s.stats.Saves++
	if err := s.outer.SaveState(); err != nil {
		return err
	}
	if s.innerOpened {
		return s.inner.SaveState()
	}
	return nil
}

func (s *LoopJoinStage) RestoreState() error {
	s.stats.Restores++
	if err := s.outer.RestoreState(); err != nil {
		return err
	}
	if s.innerOpened {
		return s.inner.RestoreState()
	}
	return nil
}

func (s *LoopJoinStage) Children() []PlanStage { return []PlanStage{s.outer, s.inner} }

func (s *LoopJoinStage) DebugString() string {
	if s.pred == nil {
		return "nlj cross"
	}
	return fmt.Sprintf("nlj %s", s.pred)
}
