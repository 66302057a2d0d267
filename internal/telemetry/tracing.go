/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the close-loop
// engine.
//
// Spans follow the OTel GenAI semantic conventions where applicable:
//   - gen_ai.system — the LLM provider
//   - gen_ai.request.model — the model name
//   - gen_ai.usage.input_tokens — tokens consumed
//   - gen_ai.usage.output_tokens — tokens generated
//
// Custom span attributes use the `autoloop.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "autoloop.dev/engine"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider is
// used). Returns a shutdown function that must be called on application
// exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // always plaintext; this explicit option takes precedence over OTEL_EXPORTER_OTLP_INSECURE
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("autoloop-engine"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartCloseLoopSpan creates the parent span for one close-loop run, one
// per goal.
func StartCloseLoopSpan(ctx context.Context, goal, environment string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "close_loop.run",
		trace.WithAttributes(
			attribute.String("autoloop.goal", goal),
			attribute.String("autoloop.environment", environment),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStateSpan creates a child span for one state-machine transition
// (DECOMPOSE, BOOTSTRAP_SPECS, ORCHESTRATE, GATE, REPLAN).
func StartStateSpan(ctx context.Context, state string, cycle int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "close_loop.state",
		trace.WithAttributes(
			attribute.String("autoloop.state", state),
			attribute.Int("autoloop.replan_cycle", cycle),
		),
	)
}

// StartSpecLaunchSpan creates a child span for one orchestrator spec
// launch.
func StartSpecLaunchSpan(ctx context.Context, spec string, attempt int, criticality string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "orchestrator.launch",
		trace.WithAttributes(
			attribute.String("autoloop.spec", spec),
			attribute.Int("autoloop.attempt", attempt),
			attribute.String("autoloop.criticality", criticality),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpecLaunchSpan enriches the spec-launch span with its terminal
// status.
func EndSpecLaunchSpan(span trace.Span, status string, rateLimited bool) {
	span.SetAttributes(
		attribute.String("autoloop.spec_status", status),
		attribute.Bool("autoloop.rate_limited", rateLimited),
	)
	span.End()
}

// StartAdapterSpan creates a child span for one AI-adapter subprocess
// call, following GenAI conventions for the model/provider attributes.
func StartAdapterSpan(ctx context.Context, model, provider, spec string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", provider),
			attribute.String("gen_ai.request.model", model),
			attribute.String("autoloop.spec", spec),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndAdapterSpan enriches the adapter span with usage and exit data.
func EndAdapterSpan(span trace.Span, inputTokens, outputTokens int64, exitCode int) {
	span.SetAttributes(
		attribute.Int64("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", outputTokens),
		attribute.Int("autoloop.exit_code", exitCode),
	)
	span.End()
}

// StartGateSpan creates a child span for one DoD gate evaluation.
func StartGateSpan(ctx context.Context, goal string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "close_loop.gate",
		trace.WithAttributes(
			attribute.String("autoloop.goal", goal),
		),
	)
}

// EndGateSpan enriches the gate span with its pass/fail result.
func EndGateSpan(span trace.Span, passed bool, failedChecks []string) {
	span.SetAttributes(
		attribute.Bool("autoloop.gate_passed", passed),
		attribute.StringSlice("autoloop.gate_failed_checks", failedChecks),
	)
	span.End()
}
