// Package observability wires OpenTelemetry metrics and tracing for the
// orchestrator's loops through a Prometheus exporter and an OTLP/HTTP
// span exporter.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds every instrument the orchestrator's loops touch, plus the
// tracer used to span individual task operations.
type Metrics struct {
	provider       *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer

	TasksDispatched  metric.Int64Counter
	TasksFinalised   metric.Int64Counter
	TasksTimedOut    metric.Int64Counter
	DimensionResults metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	QueueWait        metric.Float64Histogram
	InFlightTasks    metric.Int64UpDownCounter
}

// New builds the Prometheus exporter + meter provider, registers every
// metric instrument, and stands up a tracer provider batching spans to an
// OTLP/HTTP collector (reading the standard OTEL_EXPORTER_OTLP_ENDPOINT
// family of environment variables, or the exporter's default endpoint
// when none is set). If the exporter cannot be constructed it is left
// nil and spans are simply dropped after construction, rather than
// failing startup over missing tracing infrastructure.
func New(ctx context.Context) (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("evalengine/orchestrator")

	spanExporter, err := otlptracehttp.New(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("otlp trace exporter unavailable, spans will not be exported")
	}

	traceOpts := []sdktrace.TracerProviderOption{}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)

	m := &Metrics{
		provider:       provider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer("evalengine/orchestrator"),
	}

	if m.TasksDispatched, err = meter.Int64Counter("orchestrator.tasks.dispatched"); err != nil {
		return nil, err
	}
	if m.TasksFinalised, err = meter.Int64Counter("orchestrator.tasks.finalised"); err != nil {
		return nil, err
	}
	if m.TasksTimedOut, err = meter.Int64Counter("orchestrator.tasks.timed_out"); err != nil {
		return nil, err
	}
	if m.DimensionResults, err = meter.Int64Counter("orchestrator.dimension_results.received"); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("orchestrator.task.duration_seconds"); err != nil {
		return nil, err
	}
	if m.QueueWait, err = meter.Float64Histogram("orchestrator.queue.wait_seconds"); err != nil {
		return nil, err
	}
	if m.InFlightTasks, err = meter.Int64UpDownCounter("orchestrator.tasks.in_flight"); err != nil {
		return nil, err
	}

	return m, nil
}

// TaskSpanInfo describes the attributes attached to a task operation span.
type TaskSpanInfo struct {
	TaskID    string
	RecordID  string
	BatchID   string
	Dimension string
}

// StartTaskSpan starts a span for a single task operation (dispatch pop,
// collector finalise, sweeper timeout) named op, tagging it with the
// task/record/batch identifiers involved.
func (m *Metrics) StartTaskSpan(ctx context.Context, op string, info TaskSpanInfo) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("task.id", info.TaskID),
		attribute.String("record.id", info.RecordID),
		attribute.String("batch.id", info.BatchID),
	}
	if info.Dimension != "" {
		attrs = append(attrs, attribute.String("task.dimension", info.Dimension))
	}
	return m.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
}

// HealthCheck reports whether a dependency (broker, store, ...) is
// currently reachable.
type HealthCheck func(ctx context.Context) error

// ServeMetrics starts a background HTTP server exposing /metrics and
// /healthz until ctx is cancelled. /healthz runs each check in checks
// and reports 503 naming the first one that failed.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string, checks map[string]HealthCheck) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for name, check := range checks {
			if err := check(checkCtx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = fmt.Fprintf(w, "%s unreachable: %v", name, err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var allErr error
	if err := m.provider.Shutdown(ctx); err != nil {
		allErr = errors.Join(allErr, fmt.Errorf("meter provider shutdown: %w", err))
	}
	if err := m.tracerProvider.Shutdown(ctx); err != nil {
		allErr = errors.Join(allErr, fmt.Errorf("tracer provider shutdown: %w", err))
	}
	return allErr
}
