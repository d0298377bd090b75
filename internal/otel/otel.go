// Package otel carries the tracker client's OpenTelemetry setup: a tracer and
// meter tagged with the backend the client talks to and the configuration it
// runs with. When disabled every instrument is a no-op.
package otel

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope name for client traces.
	TracerName = "go-tracker"
	// MeterName is the instrumentation scope name for client metrics.
	MeterName = "go-tracker"
	// Version is the client version reported in telemetry.
	Version = "v0.1-dev"

	defaultServiceName = "tracker-client"
)

// Resource attribute keys describing the client.
const (
	AttrBackendHost       = attribute.Key("tracker.backend.host")
	AttrBackendPath       = attribute.Key("tracker.backend.path")
	AttrConfigFingerprint = attribute.Key("tracker.config.fingerprint")
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricsEnabled enables metrics export alongside traces.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

// Client identifies the running client in exported telemetry.
type Client struct {
	// BaseURL is the backend root. Only its host and path are recorded.
	BaseURL string
	// ConfigFingerprint is config.Config.Fingerprint of the active settings.
	ConfigFingerprint string
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	// Resource is nil when telemetry is disabled.
	Resource *resource.Resource
	shutdown func(context.Context) error
}

// Init sets up tracing and metrics for client. The returned Provider must be
// shut down on exit. A disabled cfg yields no-op instruments.
func Init(ctx context.Context, cfg Config, client Client) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	res, err := newResource(ctx, cfg, client)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	var mp metric.MeterProvider = noop.NewMeterProvider()
	stopMetrics := func(context.Context) error { return nil }
	if cfg.MetricsEnabled == nil || *cfg.MetricsEnabled {
		sdkmp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		mp, stopMetrics = sdkmp, sdkmp.Shutdown
	}

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		Resource:       res,
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := stopMetrics(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func newResource(ctx context.Context, cfg Config, client Client) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(Version),
		attribute.String("service.instance.id", uuid.NewString()),
	}
	if client.BaseURL != "" {
		u, err := url.Parse(client.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		// Credentials and query strings stay out of exported telemetry.
		attrs = append(attrs, AttrBackendHost.String(u.Host), AttrBackendPath.String(u.Path))
	}
	if client.ConfigFingerprint != "" {
		attrs = append(attrs, AttrConfigFingerprint.String(client.ConfigFingerprint))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return tracetest.NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}
