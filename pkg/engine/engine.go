// Package engine is the execution facade: it lowers logical plans through
// the stage builder and drives the resulting stage trees with periodic
// yields, interruption checks, and write-conflict retries.
package engine

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvusdb/engine/pkg/catalog"
	"github.com/corvusdb/engine/pkg/sbe/stages"
	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/stagebuilder"
)

var tracer trace.Tracer = otel.Tracer("pkg/engine")

// Params holds parameters for constructing a new [Engine].
type Params struct {
	Logger     log.Logger            // Logger for optional log messages.
	Registerer prometheus.Registerer // Registerer for optional metrics.

	Config Config
}

// validate validates p and applies defaults.
func (p *Params) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Registerer == nil {
		p.Registerer = prometheus.NewRegistry()
	}
	if p.Config == (Config{}) {
		p.Config = DefaultConfig()
	}
	return p.Config.validate()
}

// Engine executes logical plans against a catalog.
type Engine struct {
	logger  log.Logger
	metrics *metrics
	cfg     Config

	cat catalog.Catalog
}

// New creates a new Engine over cat.
func New(cat catalog.Catalog, params Params) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		logger:  params.Logger,
		metrics: newMetrics(params.Registerer),
		cfg:     params.Config,
		cat:     cat,
	}, nil
}

// Build lowers plan into an executor that is prepared but not yet open.
func (e *Engine) Build(ctx context.Context, plan stagebuilder.PlanNode) (*PlanExecutor, error) {
	_, span := tracer.Start(ctx, "Engine.Build")
	defer span.End()

	start := time.Now()
	stage, outputs, err := stagebuilder.New(e.cat, e.cfg.Builder, e.logger).Build(plan)
	if err != nil {
		span.SetStatus(codes.Error, "plan build failed")
		span.RecordError(err)
		return nil, err
	}
	e.metrics.buildSeconds.Observe(time.Since(start).Seconds())

	exec, err := newPlanExecutor(stage, outputs, e.logger, e.metrics, e.cfg)
	if err != nil {
		span.SetStatus(codes.Error, "stage tree preparation failed")
		span.RecordError(err)
		return nil, err
	}
	level.Debug(e.logger).Log("msg", "built executor", "build_time", time.Since(start))
	return exec, nil
}

// Execute runs plan to completion and returns the owned result documents.
func (e *Engine) Execute(ctx context.Context, plan stagebuilder.PlanNode) ([]value.Value, error) {
	ctx, span := tracer.Start(ctx, "Engine.Execute")
	defer span.End()

	exec, err := e.Build(ctx, plan)
	if err != nil {
		e.metrics.queriesTotal.WithLabelValues(statusError).Inc()
		return nil, err
	}
	defer exec.Close()

	start := time.Now()
	docs, err := exec.Drain(ctx)
	e.metrics.execSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.queriesTotal.WithLabelValues(statusFor(ctx, err)).Inc()
		span.SetStatus(codes.Error, "query execution failed")
		span.RecordError(err)
		return nil, err
	}
	e.metrics.queriesTotal.WithLabelValues(statusSuccess).Inc()
	span.SetAttributes(attribute.Int("rows", len(docs)))
	return docs, nil
}

// Explain lowers plan and renders the stage tree without executing it.
func (e *Engine) Explain(ctx context.Context, plan stagebuilder.PlanNode) (string, error) {
	exec, err := e.Build(ctx, plan)
	if err != nil {
		return "", err
	}
	defer exec.Close()
	return stages.Explain(exec.stage), nil
}

const (
	statusSuccess  = "success"
	statusError    = "error"
	statusCanceled = "canceled"
)

func statusFor(ctx context.Context, err error) string {
	if err == nil {
		return statusSuccess
	}
	if ctx.Err() != nil {
		return statusCanceled
	}
	return statusError
}
