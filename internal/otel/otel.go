// Package otel wires OpenTelemetry tracing and metrics for the gateway client.
// When disabled, the tracer and meter are no-ops.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawlink/internal/config"
)

// Instrumentation scope shared by the tracer and the meter.
const ScopeName = "github.com/basket/clawlink"

// Trace exporters accepted in otel.exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

const defaultOTLPEndpoint = "localhost:4318"

// Config selects how spans and metrics leave the process.
type Config struct {
	Enabled        bool
	Exporter       string
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	// ClientID tags every span and metric with the gateway client id.
	ClientID   string
	SampleRate float64

	// SpanExporter overrides Exporter and exports synchronously.
	SpanExporter sdktrace.SpanExporter
	// MetricReader collects the client metrics. Without one, instruments
	// record into a provider nothing reads.
	MetricReader sdkmetric.Reader
}

// FromConfig maps the otel section of config.yaml onto Config.
func FromConfig(cfg config.Config, version string) Config {
	return Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: version,
		ClientID:       cfg.Client.ID,
		SampleRate:     cfg.OTel.SampleRate,
	}
}

// Provider holds the tracer, meter and client instruments.
type Provider struct {
	Tracer  trace.Tracer
	Meter   metric.Meter
	Metrics *Metrics

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init builds the providers. The global otel providers are left alone; the
// client takes its tracer and meter explicitly.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		p := &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(ScopeName),
			Meter:  noop.NewMeterProvider().Meter(ScopeName),
		}
		return p, p.instrument()
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	}
	switch {
	case cfg.SpanExporter != nil:
		tpOpts = append(tpOpts, sdktrace.WithSyncer(cfg.SpanExporter))
	default:
		exp, err := newSpanExporter(ctx, cfg.Exporter, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		if exp != nil {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
		}
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricReader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(cfg.MetricReader))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	p := &Provider{
		Tracer: tp.Tracer(ScopeName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		Meter:  mp.Meter(ScopeName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		tp:     tp,
		mp:     mp,
	}
	if err := p.instrument(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	return p, nil
}

func (p *Provider) instrument() error {
	m, err := NewMetrics(p.Meter)
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}
	p.Metrics = m
	return nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = config.DefaultClientID
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.ClientID != "" {
		attrs = append(attrs, AttrClientID.String(cfg.ClientID))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// sampleRate treats unset or out-of-range rates as "sample everything".
func sampleRate(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

// newSpanExporter returns nil for ExporterNone: spans are sampled and
// dropped, which keeps trace ids flowing into logs.
func newSpanExporter(ctx context.Context, kind, endpoint string) (sdktrace.SpanExporter, error) {
	switch kind {
	case ExporterOTLPHTTP, "":
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("otel exporter %q: must be %s, %s or %s", kind, ExporterOTLPHTTP, ExporterStdout, ExporterNone)
	}
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
