package engine

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/stages"
	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/stagebuilder"
	"github.com/corvusdb/engine/pkg/storage"
)

// PlanExecutor drives one prepared stage tree. Between batches of rows it
// yields: stage state is saved, interruption is checked, and state is
// restored. A plan whose collection was dropped or whose catalog epoch moved
// dies at the yield point, not mid-row.
type PlanExecutor struct {
	stage   stages.PlanStage
	outputs *stagebuilder.PlanStageSlots
	compile *stages.CompileCtx

	resultAcc value.SlotAccessor

	logger  log.Logger
	metrics *metrics

	yieldInterval   int
	conflictRetries int
	rowsSinceYield  int
	opened          bool
}

func newPlanExecutor(stage stages.PlanStage, outputs *stagebuilder.PlanStageSlots, logger log.Logger, m *metrics, cfg Config) (*PlanExecutor, error) {
	compile := stages.NewCompileCtx()
	if err := stage.Prepare(compile); err != nil {
		return nil, err
	}
	slot, err := outputs.Get(stagebuilder.ResultName)
	if err != nil {
		return nil, err
	}
	resultAcc, err := compile.Accessor(slot.ID)
	if err != nil {
		return nil, err
	}
	return &PlanExecutor{
		stage:           stage,
		outputs:         outputs,
		compile:         compile,
		resultAcc:       resultAcc,
		logger:          logger,
		metrics:         m,
		yieldInterval:   cfg.YieldInterval,
		conflictRetries: cfg.WriteConflictRetries,
	}, nil
}

// Open acquires storage cursors. It must be called once before Next.
func (x *PlanExecutor) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "opening plan")
	}
	if err := x.stage.Open(false); err != nil {
		return err
	}
	x.opened = true
	x.rowsSinceYield = 0
	return nil
}

// Next returns the next result document. The returned value may alias
// storage buffers; callers that hold it across another Next call must
// MakeOwned it. The second return is false at end of data.
func (x *PlanExecutor) Next(ctx context.Context) (value.Value, bool, error) {
	if !x.opened {
		return value.Nothing(), false, errors.New("next called before open")
	}
	if x.rowsSinceYield >= x.yieldInterval {
		if err := x.yield(ctx); err != nil {
			return value.Nothing(), false, err
		}
	}

	retries := 0
	for {
		ok, err := x.stage.GetNext()
		if err == nil {
			if !ok {
				return value.Nothing(), false, nil
			}
			x.rowsSinceYield++
			return x.resultAcc.Get(), true, nil
		}
		if storage.IsWriteConflict(err) && retries < x.conflictRetries {
			retries++
			x.metrics.conflictRetriesTotal.Inc()
			level.Debug(x.logger).Log("msg", "retrying after write conflict", "attempt", retries)
			if err := x.relinquish(ctx); err != nil {
				return value.Nothing(), false, err
			}
			continue
		}
		return value.Nothing(), false, err
	}
}

// Drain runs the plan to completion, returning owned copies of every result
// document.
func (x *PlanExecutor) Drain(ctx context.Context) ([]value.Value, error) {
	if !x.opened {
		if err := x.Open(ctx); err != nil {
			return nil, err
		}
	}
	var docs []value.Value
	for {
		doc, ok, err := x.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			x.metrics.rowsReturnedTotal.Add(float64(len(docs)))
			return docs, nil
		}
		docs = append(docs, doc.MakeOwned())
	}
}

// Close releases storage cursors. The executor cannot be reused afterwards.
func (x *PlanExecutor) Close() error {
	if !x.opened {
		return nil
	}
	x.opened = false
	return x.stage.Close()
}

// Outputs exposes the named output slots of the stage tree.
func (x *PlanExecutor) Outputs() *stagebuilder.PlanStageSlots { return x.outputs }

// AccessorFor resolves a named output slot to its runtime accessor.
func (x *PlanExecutor) AccessorFor(name stagebuilder.SlotName) (value.SlotAccessor, error) {
	slot, err := x.outputs.Get(name)
	if err != nil {
		return nil, err
	}
	return x.compile.Accessor(slot.ID)
}

// Explain renders the stage tree.
func (x *PlanExecutor) Explain() string { return stages.Explain(x.stage) }

func (x *PlanExecutor) yield(ctx context.Context) error {
	x.rowsSinceYield = 0
	x.metrics.yieldsTotal.Inc()
	return x.relinquish(ctx)
}

// relinquish saves stage state, lets interruption surface, and restores.
// Restore failures include plan-killed conditions from catalog changes.
func (x *PlanExecutor) relinquish(ctx context.Context) error {
	if err := x.stage.SaveState(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "query interrupted at yield point")
	}
	return x.stage.RestoreState()
}
