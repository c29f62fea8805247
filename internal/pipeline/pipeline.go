// Package pipeline runs the three-stage threat scan against an execution
// engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/engine"
)

const tracerName = "github.com/ashureev/threatwatch/internal/pipeline"

// Input is everything one pipeline run needs. Agents is a snapshot; the
// orchestrator never reads the config store itself.
type Input struct {
	SessionID      string
	Asset          string
	AssetConfig    map[string]any
	ScanDate       string
	TimeDuration   string
	Agents         domain.AgentsConfig
	IgnoredSources []domain.IgnoredSource
}

// StepFunc receives every engine step together with the display name of
// the agent that produced it. It must return quickly; the stage is stalled
// while it runs.
type StepFunc func(agentName string, step engine.Step)

// Orchestrator executes stages sequentially, passing upstream output as
// context to dependent stages.
type Orchestrator struct {
	engine engine.Engine
	stages []Stage
	tracer trace.Tracer
	logger *slog.Logger
}

// New creates an orchestrator for eng.
func New(eng engine.Engine, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		engine: eng,
		stages: Stages(),
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
}

// Validate checks that every stage has an agent definition. The first
// missing slot in pipeline order is reported.
func (o *Orchestrator) Validate(agents domain.AgentsConfig) error {
	for _, st := range o.stages {
		if _, ok := agents[st.Slot]; !ok {
			return &domain.MissingAgentConfigError{Agent: st.Slot}
		}
	}
	return nil
}

// Run executes the pipeline and returns the report stage's raw output.
// Steps already forwarded to onStep before a failure are not retracted.
// cancel is checked before each stage; a cancelled run returns
// domain.ErrScanCancelled.
func (o *Orchestrator) Run(ctx context.Context, in Input, cancel *CancelToken, onStep StepFunc) (output string, err error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("session.id", in.SessionID),
		attribute.String("scan.asset", in.Asset),
		attribute.String("scan.time_window", in.TimeDuration),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := o.Validate(in.Agents); err != nil {
		return "", err
	}
	if o.engine == nil {
		return "", fmt.Errorf("%w: no engine configured", domain.ErrEngineFailure)
	}
	data, err := newTemplateData(in)
	if err != nil {
		return "", err
	}

	outputs := make(map[string]string, len(o.stages))
	for _, st := range o.stages {
		if cancel.Cancelled() {
			o.logger.Info("Pipeline cancelled", "session_id", in.SessionID, "next_stage", st.Name)
			return "", fmt.Errorf("before stage %s: %w", st.Name, domain.ErrScanCancelled)
		}

		out, err := o.runStage(ctx, st, in, data, outputs, onStep)
		if err != nil {
			return "", err
		}
		outputs[st.Name] = out
		output = out
	}
	return output, nil
}

func (o *Orchestrator) runStage(ctx context.Context, st Stage, in Input, data templateData, outputs map[string]string, onStep StepFunc) (string, error) {
	agent := in.Agents[st.Slot]

	ctx, span := o.tracer.Start(ctx, "pipeline.stage."+st.Name, trace.WithAttributes(
		attribute.String("session.id", in.SessionID),
		attribute.String("stage.name", st.Name),
		attribute.String("stage.agent", st.AgentName),
		attribute.String("agent.role", agent.Role),
	))
	defer span.End()

	instructions, err := st.render(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	deps := make([]string, 0, len(st.DependsOn))
	for _, name := range st.DependsOn {
		out, ok := outputs[name]
		if !ok {
			err := fmt.Errorf("%w: stage %s depends on %s which has no output", domain.ErrEngineFailure, st.Name, name)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
		deps = append(deps, out)
	}

	forward := func(step engine.Step) {
		if onStep != nil {
			onStep(st.AgentName, step)
		}
	}

	start := time.Now()
	o.logger.Info("Stage started", "session_id", in.SessionID, "stage", st.Name, "agent", st.AgentName)

	out, err := o.engine.Execute(ctx, engine.Request{
		SessionID:      in.SessionID,
		Stage:          st.Name,
		Instructions:   instructions,
		ExpectedOutput: st.ExpectedOutput,
		Context:        deps,
		Agent:          agent,
	}, forward)
	if err == nil && strings.TrimSpace(out) == "" {
		err = fmt.Errorf("%w: stage %s returned no output", domain.ErrEngineFailure, st.Name)
	}
	if err != nil {
		if !errors.Is(err, domain.ErrEngineFailure) {
			err = fmt.Errorf("%w: stage %s: %v", domain.ErrEngineFailure, st.Name, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("Stage failed", "session_id", in.SessionID, "stage", st.Name, "error", err)
		return "", err
	}

	span.SetAttributes(attribute.Int("stage.output_bytes", len(out)))
	o.logger.Info("Stage finished",
		"session_id", in.SessionID,
		"stage", st.Name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}
