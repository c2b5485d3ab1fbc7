package engine

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/corvusdb/engine/pkg/sbe/stages"
	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/stagebuilder"
	"github.com/corvusdb/engine/pkg/storage"
)

// conflictStage serves fixed rows into one slot and fails with a write
// conflict a configured number of times before each row is produced.
type conflictStage struct {
	slot      value.SlotID
	rows      []value.Value
	conflicts int

	acc      value.OwnedAccessor
	pos      int
	failures int
	saves    int
	restores int
	stats    stages.CommonStats
}

var _ stages.PlanStage = (*conflictStage)(nil)

func (s *conflictStage) Prepare(ctx *stages.CompileCtx) error {
	ctx.Bind(s.slot, &s.acc)
	return nil
}

func (s *conflictStage) Open(bool) error {
	s.pos = 0
	return nil
}

func (s *conflictStage) GetNext() (bool, error) {
	if s.pos >= len(s.rows) {
		return false, nil
	}
	if s.failures < s.conflicts {
		s.failures++
		return false, &storage.WriteConflictError{Op: "getNext"}
	}
	s.failures = 0
	s.acc.Set(s.rows[s.pos])
	s.pos++
	return true, nil
}

func (s *conflictStage) Close() error { return nil }

func (s *conflictStage) SaveState() error {
	s.saves++
	s.acc.MakeOwned()
	return nil
}

func (s *conflictStage) RestoreState() error {
	s.restores++
	return nil
}

func (s *conflictStage) Children() []stages.PlanStage { return nil }
func (s *conflictStage) DebugString() string          { return "conflict" }
func (s *conflictStage) Stats() *stages.CommonStats   { return &s.stats }

func conflictFixture(t *testing.T, stage *conflictStage, cfg Config) (*PlanExecutor, *metrics) {
	t.Helper()
	outputs := stagebuilder.NewPlanStageSlots()
	outputs.Set(stagebuilder.ResultName, value.NewTypedSlot(stage.slot))
	m := newMetrics(prometheus.NewRegistry())
	exec, err := newPlanExecutor(stage, outputs, log.NewNopLogger(), m, cfg)
	require.NoError(t, err)
	return exec, m
}

func TestExecutorRetriesWriteConflicts(t *testing.T) {
	stage := &conflictStage{
		slot:      1,
		rows:      []value.Value{value.NewInt64(10), value.NewInt64(20)},
		conflicts: 2,
	}
	exec, m := conflictFixture(t, stage, DefaultConfig())
	defer exec.Close()

	docs, err := exec.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, int64(10), docs[0].Int64())
	require.Equal(t, int64(20), docs[1].Int64())

	// Two conflicts per row, each retried through a save/restore cycle.
	require.Equal(t, float64(4), testutil.ToFloat64(m.conflictRetriesTotal))
	require.Equal(t, 4, stage.saves)
	require.Equal(t, 4, stage.restores)
}

func TestExecutorSurfacesExhaustedRetries(t *testing.T) {
	stage := &conflictStage{
		slot:      1,
		rows:      []value.Value{value.NewInt64(10)},
		conflicts: 3,
	}
	cfg := DefaultConfig()
	cfg.WriteConflictRetries = 2
	exec, _ := conflictFixture(t, stage, cfg)
	defer exec.Close()

	_, err := exec.Drain(context.Background())
	require.Error(t, err)
	require.True(t, storage.IsWriteConflict(err))
}

func TestExecutorNextBeforeOpen(t *testing.T) {
	stage := &conflictStage{slot: 1}
	exec, _ := conflictFixture(t, stage, DefaultConfig())
	_, _, err := exec.Next(context.Background())
	require.Error(t, err)
}

func TestExecutorAccessorFor(t *testing.T) {
	stage := &conflictStage{slot: 1, rows: []value.Value{value.NewInt64(7)}}
	exec, _ := conflictFixture(t, stage, DefaultConfig())
	defer exec.Close()

	acc, err := exec.AccessorFor(stagebuilder.ResultName)
	require.NoError(t, err)

	require.NoError(t, exec.Open(context.Background()))
	_, ok, err := exec.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), acc.Get().Int64())

	_, err = exec.AccessorFor(stagebuilder.RecordIDName)
	require.Error(t, err)
}
