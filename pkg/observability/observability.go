// Package observability provides OpenTelemetry instrumentation for the
// validation pipeline: OTLP trace export plus the safety metrics the fleet
// dashboards consume. Disabled providers degrade to no-ops so library
// callers never pay for telemetry they did not configure.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // plaintext OTLP, dev only
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "vigil",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages OpenTelemetry trace and metric providers plus the
// safety-domain instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	validations  metric.Int64Counter
	violations   metric.Int64Counter
	estops       metric.Int64Counter
	assessDur    metric.Float64Histogram
	balanceState metric.Int64UpDownCounter
}

// New creates a new observability provider. A disabled config yields a
// provider whose record methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("vigil.component", "core"),
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

	p.tracer = otel.Tracer("vigil.safety-core",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("vigil.safety-core",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
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
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
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
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.validations, err = p.meter.Int64Counter("vigil.validations",
		metric.WithDescription("Validation verdicts issued"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return err
	}

	p.violations, err = p.meter.Int64Counter("vigil.violations",
		metric.WithDescription("Gate violations by gate and code"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return err
	}

	p.estops, err = p.meter.Int64Counter("vigil.estops",
		metric.WithDescription("Emergency stop latches"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.assessDur, err = p.meter.Float64Histogram("vigil.assess.duration",
		metric.WithDescription("Balance assessment duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05),
	)
	if err != nil {
		return err
	}

	p.balanceState, err = p.meter.Int64UpDownCounter("vigil.balance.state",
		metric.WithDescription("Robots currently in each balance state"),
		metric.WithUnit("{robot}"),
	)
	if err != nil {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the providers.
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

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("vigil.safety-core")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("vigil.safety-core")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordValidation counts one verdict.
func (p *Provider) RecordValidation(ctx context.Context, robotID string, safe bool) {
	if p.validations != nil {
		p.validations.Add(ctx, 1, metric.WithAttributes(
			AttrRobotID.String(robotID),
			AttrVerdictSafe.Bool(safe),
		))
	}
}

// RecordViolation counts one gate violation.
func (p *Provider) RecordViolation(ctx context.Context, robotID, gate, code string) {
	if p.violations != nil {
		p.violations.Add(ctx, 1, metric.WithAttributes(
			AttrRobotID.String(robotID),
			AttrGate.String(gate),
			AttrCode.String(code),
		))
	}
}

// RecordEstop counts an emergency stop latch.
func (p *Provider) RecordEstop(ctx context.Context, robotID, source string) {
	if p.estops != nil {
		p.estops.Add(ctx, 1, metric.WithAttributes(
			AttrRobotID.String(robotID),
			AttrEstopSource.String(source),
		))
	}
}

// RecordAssessDuration records one balance assessment latency.
func (p *Provider) RecordAssessDuration(ctx context.Context, robotID string, d time.Duration) {
	if p.assessDur != nil {
		p.assessDur.Record(ctx, d.Seconds(), metric.WithAttributes(
			AttrRobotID.String(robotID),
		))
	}
}

// RecordBalanceTransition moves a robot between balance-state buckets. An
// empty from state marks the session's first assessment.
func (p *Provider) RecordBalanceTransition(ctx context.Context, robotID, from, to string) {
	if p.balanceState == nil {
		return
	}
	if from != "" {
		p.balanceState.Add(ctx, -1, metric.WithAttributes(
			AttrRobotID.String(robotID),
			AttrBalanceState.String(from),
		))
	}
	p.balanceState.Add(ctx, 1, metric.WithAttributes(
		AttrRobotID.String(robotID),
		AttrBalanceState.String(to),
	))
}

// TrackOperation opens a span and times it. The returned finish function
// records the error, if any, and ends the span.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.Float64("duration.seconds", time.Since(start).Seconds()))
		span.End()
	}
}
