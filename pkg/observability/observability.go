// Package observability provides OpenTelemetry tracing and metrics for the
// verification pipeline, plus the Prometheus collectors behind /metrics.
//
// Every pipeline stage runs inside TrackStage, which opens a span carrying
// the job's identifiers and feeds the run, duration and in-flight
// instruments keyed by stage and outcome only.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/promoverify/pkg/queue"
)

const instrumentationName = "promoverify.pipeline"

// Attribute keys shared by spans and metrics.
const (
	AttrStage       = attribute.Key("promoverify.stage")
	AttrPromotionID = attribute.Key("promoverify.promotion_id")
	AttrEventID     = attribute.Key("promoverify.event_id")
	AttrSource      = attribute.Key("promoverify.source")
	AttrJobID       = attribute.Key("promoverify.job_id")
	AttrOutcome     = attribute.Key("promoverify.outcome")
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // how long spans are batched before export
	Enabled        bool
	Insecure       bool // plaintext gRPC, dev only
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "promoverify",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers. A disabled or
// zero Provider is safe to use: spans go to the global tracer and nothing
// is measured.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	stageRuns     metric.Int64Counter
	stageDuration metric.Float64Histogram
	stageInFlight metric.Int64UpDownCounter
}

// New creates a provider. With config.Enabled false no exporter is started.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initStageMetrics(meter); err != nil {
		return nil, fmt.Errorf("failed to init stage metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// initStageMetrics creates the per-stage instruments. Only the stage and
// the outcome are metric attributes; identifiers stay on spans.
func (p *Provider) initStageMetrics(m metric.Meter) error {
	var err error
	p.meter = m
	if p.stageRuns, err = m.Int64Counter("promoverify.stage.runs",
		metric.WithDescription("Pipeline stage executions by outcome"),
		metric.WithUnit("{run}"),
	); err != nil {
		return err
	}
	if p.stageDuration, err = m.Float64Histogram("promoverify.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return err
	}
	p.stageInFlight, err = m.Int64UpDownCounter("promoverify.stage.in_flight",
		metric.WithDescription("Pipeline stages currently executing"),
		metric.WithUnit("{run}"),
	)
	return err
}

// Enabled reports whether exporters are running.
func (p *Provider) Enabled() bool {
	return p != nil && p.tracerProvider != nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// Stage outcomes, as recorded on spans and metrics.
const (
	OutcomeOK    = "ok"
	OutcomeRetry = "retry"
	OutcomeDead  = "dead"
)

// Outcome classifies a handler result the way the queue will treat it.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case queue.IsPermanent(err):
		return OutcomeDead
	default:
		return OutcomeRetry
	}
}

// TrackStage opens a span named after the stage and returns the function
// that ends it. The returned function must be called exactly once with the
// handler's result. attrs are attached to the span only.
func (p *Provider) TrackStage(ctx context.Context, stage queue.Kind, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	stageAttr := AttrStage.String(string(stage))
	ctx, span := p.Tracer().Start(ctx, "pipeline."+string(stage),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(append(attrs[:len(attrs):len(attrs)], stageAttr)...),
	)
	if p.stageInFlight != nil {
		p.stageInFlight.Add(ctx, 1, metric.WithAttributes(stageAttr))
	}

	return ctx, func(err error) {
		outcome := Outcome(err)
		if p.stageInFlight != nil {
			p.stageInFlight.Add(ctx, -1, metric.WithAttributes(stageAttr))
			p.stageRuns.Add(ctx, 1, metric.WithAttributes(stageAttr, AttrOutcome.String(outcome)))
			p.stageDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(stageAttr))
		}
		span.SetAttributes(AttrOutcome.String(outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// AddSpanEvent adds an event to the span active in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}
