// Package telemetry records spans and counters for deployments and
// workflow steps, mirroring station's internal/workflows/runtime
// WorkflowTelemetry one-for-one but keyed on workflow.Step and
// workflow.DeploymentState instead of ExecutionStepType.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"fleetagent/internal/handler"
	"fleetagent/internal/workflow"
)

const (
	tracerName = "fleetagent.engine"
	meterName  = "fleetagent.engine"
)

// Telemetry records deployment- and step-level spans and metrics. It
// satisfies engine.Telemetry.
type Telemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	deploymentCounter  metric.Int64Counter
	deploymentDuration metric.Float64Histogram
	stepCounter        metric.Int64Counter
	stepDuration       metric.Float64Histogram
	activeDeployments  metric.Int64UpDownCounter
	failureCounter     metric.Int64Counter

	mu             sync.Mutex
	deploymentSpans map[string]spanStart
	stepSpans       map[string]spanStart
}

type spanStart struct {
	span  trace.Span
	start time.Time
}

// New constructs a Telemetry instance using the global otel tracer and meter
// providers. InitProvider sets the global tracer provider (cmd/agentd run
// calls it when telemetry is enabled); no global meter provider is set in
// this module, so metrics go to otel's default no-op meter.
func New() (*Telemetry, error) {
	t := &Telemetry{
		tracer:          otel.Tracer(tracerName),
		meter:           otel.Meter(meterName),
		deploymentSpans: make(map[string]spanStart),
		stepSpans:       make(map[string]spanStart),
	}

	var err error
	if t.deploymentCounter, err = t.meter.Int64Counter(
		"fleetagent_deployments_total",
		metric.WithDescription("Total number of deployments started"),
		metric.WithUnit("{deployment}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create deployment counter: %w", err)
	}

	if t.deploymentDuration, err = t.meter.Float64Histogram(
		"fleetagent_deployment_duration_seconds",
		metric.WithDescription("Duration of a deployment from ProcessDeployment to its terminal report"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create deployment duration histogram: %w", err)
	}

	if t.stepCounter, err = t.meter.Int64Counter(
		"fleetagent_steps_total",
		metric.WithDescription("Total number of workflow steps dispatched"),
		metric.WithUnit("{step}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create step counter: %w", err)
	}

	if t.stepDuration, err = t.meter.Float64Histogram(
		"fleetagent_step_duration_seconds",
		metric.WithDescription("Duration of a single workflow step operation"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create step duration histogram: %w", err)
	}

	if t.activeDeployments, err = t.meter.Int64UpDownCounter(
		"fleetagent_deployments_active",
		metric.WithDescription("Number of deployments currently in flight"),
		metric.WithUnit("{deployment}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create active deployments counter: %w", err)
	}

	if t.failureCounter, err = t.meter.Int64Counter(
		"fleetagent_failures_total",
		metric.WithDescription("Total number of deployment and step failures"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create failure counter: %w", err)
	}

	return t, nil
}

// DeploymentStarted opens a span covering the full deployment lifecycle.
func (t *Telemetry) DeploymentStarted(h *workflow.Handle) {
	ctx := context.Background()
	_, span := t.tracer.Start(ctx, fmt.Sprintf("deployment.%s", h.DeploymentID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("deployment.id", h.DeploymentID),
			attribute.String("deployment.update_type", h.UpdateType),
		),
	)

	t.mu.Lock()
	t.deploymentSpans[h.DeploymentID] = spanStart{span: span, start: time.Now()}
	t.mu.Unlock()

	t.deploymentCounter.Add(ctx, 1)
	t.activeDeployments.Add(ctx, 1)
}

// DeploymentEnded closes the deployment span and records its outcome.
func (t *Telemetry) DeploymentEnded(h *workflow.Handle, result workflow.Result) {
	t.mu.Lock()
	started, ok := t.deploymentSpans[h.DeploymentID]
	delete(t.deploymentSpans, h.DeploymentID)
	t.mu.Unlock()

	ctx := context.Background()
	t.activeDeployments.Add(ctx, -1)

	if !ok || started.span == nil {
		return
	}

	duration := time.Since(started.start)
	started.span.SetAttributes(
		attribute.String("deployment.final_state", string(h.LastReportedState)),
		attribute.Int("deployment.result_code", result.Code),
		attribute.Float64("deployment.duration_seconds", duration.Seconds()),
	)

	if result.Code == handler.ResultGenericFailure && !handler.IsCancelledResult(result) {
		started.span.SetStatus(codes.Error, result.Details)
		t.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("failure.scope", "deployment")))
	} else {
		started.span.SetStatus(codes.Ok, "deployment finished")
	}
	started.span.End()

	t.deploymentDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("deployment.final_state", string(h.LastReportedState))),
	)
}

func stepSpanKey(h *workflow.Handle, step workflow.Step) string {
	return h.DeploymentID + ":" + string(step)
}

// StepStarted opens a span covering one dispatch-table operation.
func (t *Telemetry) StepStarted(h *workflow.Handle, step workflow.Step) {
	ctx := context.Background()
	_, span := t.tracer.Start(ctx, fmt.Sprintf("step.%s", step),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("deployment.id", h.DeploymentID),
			attribute.String("step.name", string(step)),
		),
	)

	t.mu.Lock()
	t.stepSpans[stepSpanKey(h, step)] = spanStart{span: span, start: time.Now()}
	t.mu.Unlock()

	t.stepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("step.name", string(step))))
}

// StepEnded closes the step span and records its outcome.
func (t *Telemetry) StepEnded(h *workflow.Handle, step workflow.Step, result workflow.Result) {
	key := stepSpanKey(h, step)
	t.mu.Lock()
	started, ok := t.stepSpans[key]
	delete(t.stepSpans, key)
	t.mu.Unlock()

	if !ok || started.span == nil {
		return
	}

	ctx := context.Background()
	duration := time.Since(started.start)
	failed := result.Code == handler.ResultGenericFailure && !handler.IsCancelledResult(result)

	started.span.SetAttributes(
		attribute.Int("step.result_code", result.Code),
		attribute.Float64("step.duration_seconds", duration.Seconds()),
	)
	if failed {
		started.span.SetStatus(codes.Error, result.Details)
	} else {
		started.span.SetStatus(codes.Ok, "step finished")
	}
	started.span.End()

	t.stepDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("step.name", string(step))),
	)
	if failed {
		t.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("failure.scope", "step")))
	}
}
