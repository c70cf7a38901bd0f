// Package observability wires OpenTelemetry tracing and metrics for the
// broker: OTLP export, trace propagation, and counters for the envelope
// pipeline (routed, rejected, delivered) plus the settlement workers.
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

const instrumentationName = "ainp.broker"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults: sample everything, export
// to a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ainp-broker",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers plus the broker's own
// instruments. A disabled provider is safe to call; every record method
// no-ops.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	envelopesRouted     metric.Int64Counter
	envelopesRejected   metric.Int64Counter
	mailboxDeliveries   metric.Int64Counter
	negotiationsSettled metric.Int64Counter
	receiptsFinalized   metric.Int64Counter
	routeDuration       metric.Float64Histogram
	activeConnections   metric.Int64UpDownCounter
}

// New builds the provider and installs it as the global OTel provider.
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
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
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
		return fmt.Errorf("create trace exporter: %w", err)
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
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
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
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.envelopesRouted, err = p.meter.Int64Counter("ainp.envelopes.routed",
		metric.WithDescription("Envelopes accepted and routed to a target"),
		metric.WithUnit("{envelope}"))
	if err != nil {
		return err
	}

	p.envelopesRejected, err = p.meter.Int64Counter("ainp.envelopes.rejected",
		metric.WithDescription("Envelopes refused by a guard policy"),
		metric.WithUnit("{envelope}"))
	if err != nil {
		return err
	}

	p.mailboxDeliveries, err = p.meter.Int64Counter("ainp.mailbox.deliveries",
		metric.WithDescription("Messages persisted to recipient mailboxes"),
		metric.WithUnit("{message}"))
	if err != nil {
		return err
	}

	p.negotiationsSettled, err = p.meter.Int64Counter("ainp.negotiations.settled",
		metric.WithDescription("Negotiation sessions settled and distributed"),
		metric.WithUnit("{session}"))
	if err != nil {
		return err
	}

	p.receiptsFinalized, err = p.meter.Int64Counter("ainp.receipts.finalized",
		metric.WithDescription("Task receipts that reached a terminal status"),
		metric.WithUnit("{receipt}"))
	if err != nil {
		return err
	}

	p.routeDuration, err = p.meter.Float64Histogram("ainp.route.duration",
		metric.WithDescription("End-to-end routing latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0))
	if err != nil {
		return err
	}

	p.activeConnections, err = p.meter.Int64UpDownCounter("ainp.ws.connections",
		metric.WithDescription("Live websocket agent connections"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return err
	}

	return nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the broker tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a span on the broker tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRouted counts one routed envelope by msg_type.
func (p *Provider) RecordRouted(ctx context.Context, msgType string) {
	if p.envelopesRouted != nil {
		p.envelopesRouted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("msg_type", msgType)))
	}
}

// RecordRejected counts one guard rejection by policy.
func (p *Provider) RecordRejected(ctx context.Context, policy string) {
	if p.envelopesRejected != nil {
		p.envelopesRejected.Add(ctx, 1, metric.WithAttributes(
			attribute.String("policy", policy)))
	}
}

// RecordDelivery counts one mailbox persist.
func (p *Provider) RecordDelivery(ctx context.Context) {
	if p.mailboxDeliveries != nil {
		p.mailboxDeliveries.Add(ctx, 1)
	}
}

// RecordSettlement counts one settled negotiation.
func (p *Provider) RecordSettlement(ctx context.Context) {
	if p.negotiationsSettled != nil {
		p.negotiationsSettled.Add(ctx, 1)
	}
}

// RecordFinalized counts one finalized receipt by outcome.
func (p *Provider) RecordFinalized(ctx context.Context, status string) {
	if p.receiptsFinalized != nil {
		p.receiptsFinalized.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", status)))
	}
}

// RecordRouteDuration records the end-to-end routing latency.
func (p *Provider) RecordRouteDuration(ctx context.Context, d time.Duration) {
	if p.routeDuration != nil {
		p.routeDuration.Record(ctx, d.Seconds())
	}
}

// ConnectionOpened and ConnectionClosed track the live websocket count.
func (p *Provider) ConnectionOpened(ctx context.Context) {
	if p.activeConnections != nil {
		p.activeConnections.Add(ctx, 1)
	}
}

func (p *Provider) ConnectionClosed(ctx context.Context) {
	if p.activeConnections != nil {
		p.activeConnections.Add(ctx, -1)
	}
}

// TrackRoute opens a span around one routing pass and returns the closer
// that records duration and outcome.
func (p *Provider) TrackRoute(ctx context.Context, msgType string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, "broker.route",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("msg_type", msgType)))

	return ctx, func(err error) {
		p.RecordRouteDuration(ctx, time.Since(start))
		if err != nil {
			span.RecordError(err)
		} else {
			p.RecordRouted(ctx, msgType)
		}
		span.End()
	}
}
