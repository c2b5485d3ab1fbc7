package stages

import "fmt"

// LimitSkipStage discards the first skip rows and yields at most limit rows
// after that. A negative limit means unlimited.
type LimitSkipStage struct {
	baseStage

	child PlanStage
	limit int64
	skip  int64

	seen    int64
	yielded int64
}

var _ PlanStage = (*LimitSkipStage)(nil)

func NewLimitSkipStage(child PlanStage, limit, skip int64) *LimitSkipStage {
	return &LimitSkipStage{child: child, limit: limit, skip: skip}
}

func (s *LimitSkipStage) Prepare(ctx *CompileCtx) error {
	if err := s.ensurePrepare(); err != nil {
		return err
	}
	return s.child.Prepare(ctx)
}

func (s *LimitSkipStage) Open(reOpen bool) error {
	if reOpen {
		if err := s.reopen(); err != nil {
			return err
		}
	} else if err := s.ensureOpen(); err != nil {
		return err
	}
	s.seen = 0
	s.yielded = 0
	return s.child.Open(reOpen)
}

func (s *LimitSkipStage) GetNext() (bool, error) {
	if err := s.ensureGetNext(); err != nil {
		return false, err
	}
	if s.limit >= 0 && s.yielded >= s.limit {
		s.state = stateEOF
		return false, nil
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
		s.seen++
		if s.seen <= s.skip {
			continue
		}
		s.yielded++
		s.stats.Advances++
		return true, nil
	}
}

func (s *LimitSkipStage) Close() error {
	if err := s.ensureClose(); err != nil {
		return err
	}
	return s.child.Close()
}

func (s *LimitSkipStage) SaveState() error {
	s.stats.Saves++
	return s.child.SaveState()
}

func (s *LimitSkipStage) RestoreState() error {
	s.stats.Restores++
	return s.child.RestoreState()
}

func (s *LimitSkipStage) Children() []PlanStage { return []PlanStage{s.child} }

func (s *LimitSkipStage) DebugString() string {
	return fmt.Sprintf("limitskip limit=%d skip=%d", s.limit, s.skip)
}
