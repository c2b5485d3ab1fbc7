package stages

import (
	"fmt"
	"sort"
	"strings"

	"github.com/corvusdb/engine/pkg/sbe/value"
)

// SortDirection orders one sort key.
type SortDirection int8

const (
	Ascending  SortDirection = 1
	Descending SortDirection = -1
)

// SortStage is a blocking stage: it drains its child on the first GetNext,
// materializes the requested slots into owned rows, sorts, and serves from
// the sorted buffer. It rebinds the materialized slots to its own accessors
// so parents read stable values.
type SortStage struct {
	baseStage

	child      PlanStage
	orderSlots []value.SlotID
	dirs       []SortDirection
	fwdSlots   []value.SlotID

	inAccs  []value.SlotAccessor
	outAccs []value.OwnedAccessor

	rows   [][]value.Value
	pos    int
	sorted bool
}

var _ PlanStage = (*SortStage)(nil)

// NewSortStage sorts by orderSlots (with parallel dirs) and additionally
// materializes fwdSlots so they stay readable per output row.
func NewSortStage(child PlanStage, orderSlots []value.SlotID, dirs []SortDirection, fwdSlots []value.SlotID) *SortStage {
	return &SortStage{child: child, orderSlots: orderSlots, dirs: dirs, fwdSlots: fwdSlots}
}

func (s *SortStage) allSlots() []value.SlotID {
	return append(append([]value.SlotID(nil), s.orderSlots...), s.fwdSlots...)
}

func (s *SortStage) Prepare(ctx *CompileCtx) error {
	if err := s.ensurePrepare(); err != nil {
		return err
	}
	if err := s.child.Prepare(ctx); err != nil {
		return err
	}
	slots := s.allSlots()
	s.inAccs = make([]value.SlotAccessor, len(slots))
	s.outAccs = make([]value.OwnedAccessor, len(slots))
	for i, id := range slots {
		acc, err := ctx.Accessor(id)
		if err != nil {
			return err
		}
		s.inAccs[i] = acc
		ctx.Bind(id, &s.outAccs[i])
	}
	return nil
}

func (s *SortStage) Open(reOpen bool) error {
	if reOpen {
		if err := s.reopen(); err != nil {
			return err
		}
	} else if err := s.ensureOpen(); err != nil {
		return err
	}
	s.rows = nil
	s.pos = 0
	s.sorted = false
	return s.child.Open(reOpen)
}

func (s *SortStage) GetNext() (bool, error) {
	if err := s.ensureGetNext(); err != nil {
		return false, err
	}
	if !s.sorted {
		if err := s.drain(); err != nil {
			return false, err
		}
	}
	if s.pos >= len(s.rows) {
		s.state = stateEOF
		return false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	for i := range s.outAccs {
		s.outAccs[i].Set(row[i])
	}
	s.stats.Advances++
	return true, nil
}

func (s *SortStage) drain() error {
	for {
		ok, err := s.child.GetNext()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		row := make([]value.Value, len(s.inAccs))
		for i, acc := range s.inAccs {
			row[i] = acc.Get().MakeOwned()
		}
		s.rows = append(s.rows, row)
	}
	nOrder := len(s.orderSlots)
	sort.SliceStable(s.rows, func(a, b int) bool {
		for k := 0; k < nOrder; k++ {
			c := value.Compare(s.rows[a][k], s.rows[b][k])
			if c != 0 {
				return c*int(s.dirs[k]) < 0
			}
		}
		return false
	})
	s.sorted = true
	return nil
}

func (s *SortStage) Close() error {
	if err := s.ensureClose(); err != nil {
		return err
	}
	s.rows = nil
	return s.child.Close()
}

// SaveState is cheap here: materialized rows are already owned.
func (s *SortStage) SaveState() error {
	s.stats.Saves++
	return s.child.SaveState()
}

func (s *SortStage) RestoreState() error {
	s.stats.Restores++
	return s.child.RestoreState()
}

func (s *SortStage) Children() []PlanStage { return []PlanStage{s.child} }

func (s *SortStage) DebugString() string {
	var sb strings.Builder
	sb.WriteString("sort [")
	for i, id := range s.orderSlots {
		if i > 0 {
			sb.WriteString(", ")
		}
		dir := "asc"
		if s.dirs[i] == Descending {
			dir = "desc"
		}
		fmt.Fprintf(&sb, "s%d %s", id, dir)
	}
	sb.WriteString("] forward=" + slotList(s.fwdSlots))
	return sb.String()
}
