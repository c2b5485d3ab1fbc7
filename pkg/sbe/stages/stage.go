// Package stages implements the slot-based plan stage tree: pull-model
// iterator nodes wired together through slots, with save/restore semantics
// for yielding under concurrent mutation.
package stages

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/value"
)

// stageState tracks the iterator lifecycle of a stage.
type stageState uint8

const (
	stateUnprepared stageState = iota
	stateClosed
	stateOpen
	stateEOF
)

func (s stageState) String() string {
	switch s {
	case stateUnprepared:
		return "unprepared"
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateEOF:
		return "eof"
	default:
		return fmt.Sprintf("stageState(%d)", uint8(s))
	}
}

// PlanStage is the iterator contract every execution node implements.
//
// Lifecycle: constructed at build time with immutable shape, Prepared once to
// bind slot accessors and compile expressions, then Opened/Closed possibly
// multiple times (a loop join re-drives its inner side with reOpen=true).
// SaveState/RestoreState are orthogonal to open/close: they release and
// re-acquire storage resources around a yield without losing logical
// position.
type PlanStage interface {
	// Prepare binds output slot accessors into ctx and compiles the stage's
	// expressions. Must be called exactly once, before Open.
	Prepare(ctx *CompileCtx) error
	// Open transitions Closed -> Open. With reOpen, internal cursors and
	// iteration state reset for another pass.
	Open(reOpen bool) error
	// GetNext advances to the next row. It returns false at end of data.
	GetNext() (bool, error)
	// Close releases cursors but keeps slot bindings valid for reopening.
	Close() error
	// SaveState converts any values that alias storage buffers to owned form
	// and releases storage cursors ahead of a yield.
	SaveState() error
	// RestoreState re-validates catalog references and re-acquires storage
	// cursors after a yield.
	RestoreState() error
	// Children returns the input stages in order.
	Children() []PlanStage
	// DebugString renders the stage (without children) for explain output.
	DebugString() string
	// Stats returns the stage's common counters.
	Stats() *CommonStats
}

// CommonStats are the counters every stage maintains.
type CommonStats struct {
	Opens    uint64
	Advances uint64
	Saves    uint64
	Restores uint64
}

// CompileCtx is the shared compilation environment: the slot-to-accessor
// bindings built up as the tree is prepared bottom-up. It doubles as the
// expression compiler's resolver.
type CompileCtx struct {
	accessors map[value.SlotID]value.SlotAccessor
}

func NewCompileCtx() *CompileCtx {
	return &CompileCtx{accessors: make(map[value.SlotID]value.SlotAccessor)}
}

// Bind registers (or rebinds) the physical accessor for a slot.
func (c *CompileCtx) Bind(id value.SlotID, acc value.SlotAccessor) {
	c.accessors[id] = acc
}

// Accessor resolves a slot to its accessor. Failure here is a contract
// violation between builder stages, not a runtime user error.
func (c *CompileCtx) Accessor(id value.SlotID) (value.SlotAccessor, error) {
	acc, ok := c.accessors[id]
	if !ok {
		return nil, errors.Errorf("slot s%d was never bound by any child stage", id)
	}
	return acc, nil
}

// baseStage carries the state machine and stats shared by all stages.
type baseStage struct {
	state stageState
	stats CommonStats
}

func (b *baseStage) Stats() *CommonStats { return &b.stats }

func (b *baseStage) ensurePrepare() error {
	if b.state != stateUnprepared {
		return errors.Errorf("prepare called twice (state %s)", b.state)
	}
	b.state = stateClosed
	return nil
}

func (b *baseStage) ensureOpen() error {
	switch b.state {
	case stateUnprepared:
		return errors.New("open called before prepare")
	case stateOpen, stateEOF:
		return errors.Errorf("open called while %s", b.state)
	}
	b.state = stateOpen
	b.stats.Opens++
	return nil
}

// reopen is like ensureOpen but tolerates an already-open stage, which is
// what Open(reOpen=true) needs.
func (b *baseStage) reopen() error {
	if b.state == stateUnprepared {
		return errors.New("open called before prepare")
	}
	b.state = stateOpen
	b.stats.Opens++
	return nil
}

func (b *baseStage) ensureGetNext() error {
	switch b.state {
	case stateOpen:
		return nil
	case stateEOF:
		return errors.New("getNext called after EOF")
	default:
		return errors.Errorf("getNext called while %s", b.state)
	}
}

func (b *baseStage) ensureClose() error {
	if b.state == stateUnprepared {
		return errors.New("close called before prepare")
	}
	b.state = stateClosed
	return nil
}

// Explain renders the stage tree as an indented multi-line string with
// stable field ordering, suitable for diagnostics.
func Explain(root PlanStage) string {
	var sb strings.Builder
	explainInto(&sb, root, 0)
	return sb.String()
}

func explainInto(sb *strings.Builder, s PlanStage, depth int) {
	for i := 0; i < depth; i++ {
		sb.WriteString("    ")
	}
	sb.WriteString(s.DebugString())
	sb.WriteByte('\n')
	for _, c := range s.Children() {
		explainInto(sb, c, depth+1)
	}
}

// slotList renders slot ids for explain output.
func slotList(ids []value.SlotID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("s%d", id)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
