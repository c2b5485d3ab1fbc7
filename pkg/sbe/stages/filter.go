package stages

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/vm"
)

// FilterStage passes through child rows for which the predicate evaluates to
// true. Nothing and false both reject a row.
type FilterStage struct {
	baseStage

	child    PlanStage
	pred     expr.Expression
	code     *vm.CodeFragment
	bytecode *vm.ByteCode
}

var _ PlanStage = (*FilterStage)(nil)

func NewFilterStage(child PlanStage, pred expr.Expression) *FilterStage {
	return &FilterStage{child: child, pred: pred, bytecode: vm.NewByteCode()}
}

func (s *FilterStage) Prepare(ctx *CompileCtx) error {
	if err := s.ensurePrepare(); err != nil {
		return err
	}
	if err := s.child.Prepare(ctx); err != nil {
		return err
	}
	code, err := expr.Compile(s.pred, ctx)
	if err != nil {
		return errors.Wrap(err, "compiling filter predicate")
	}
	s.code = code
	return nil
}

func (s *FilterStage) Open(reOpen bool) error {
	if reOpen {
		if err := s.reopen(); err != nil {
			return err
		}
	} else if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.child.Open(reOpen)
}

func (s *FilterStage) GetNext() (bool, error) {
	if err := s.ensureGetNext(); err != nil {
		return false, err
	}
	for {
		ok, err := s.child.GetNext()
		if err != nil {
			return false, err
		}
		if !ok {
			s.state = stateEOF
			return false, nil
		}
		pass, err := s.bytecode.RunPredicate(s.code)
		if err != nil {
			return false, errors.Wrap(err, "evaluating filter predicate")
		}
		if pass {
			s.stats.Advances++
			return true, nil
		}
	}
}

func (s *FilterStage) Close() error {
	if err := s.ensureClose(); err != nil {
		return err
	}
	return s.child.Close()
}

func (s *FilterStage) SaveState() error {
	s.stats.Saves++
	return s.child.SaveState()
}

func (s *FilterStage) RestoreState() error {
	s.stats.Restores++
	return s.child.RestoreState()
}

func (s *FilterStage) Children() []PlanStage { return []PlanStage{s.child} }

func (s *FilterStage) DebugString() string {
	return fmt.Sprintf("filter %s", s.pred)
}
