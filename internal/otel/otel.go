// Package otel wires OpenTelemetry into Hive. Traces can leave the
// process over OTLP or land in a spans file beside the daemon's logs,
// matching Hive's file-first telemetry; metrics ride the same provider
// and can be toggled independently. Disabled configs cost nothing: every
// instrument degrades to a no-op.
package otel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
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
)

const (
	// TracerName is the instrumentation scope name for Hive traces.
	TracerName = "hive"
	// MeterName is the instrumentation scope name for Hive metrics.
	MeterName = "hive"
	// Version is the Hive version reported in telemetry.
	Version = "v0.3-dev"
)

// Config holds OTel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Exporter selects the span sink: otlp-http (default), file,
	// stdout, or none.
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP collector host:port. The conventional
	// OTEL_EXPORTER_OTLP_ENDPOINT variable overrides it.
	Endpoint string `yaml:"endpoint"`
	// FilePath is where the file exporter appends span JSON. Default
	// <home>/logs/spans.jsonl; relative paths resolve under HomeDir.
	FilePath string `yaml:"file_path"`
	// HomeDir anchors relative file paths. Set by the daemon, not yaml.
	HomeDir     string  `yaml:"-"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricsEnabled toggles the meter provider separately from traces;
	// nil means "follow Enabled".
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

func (c Config) metricsOn() bool {
	if !c.Enabled {
		return false
	}
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

// Provider wraps the tracer and meter providers with their cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	closers        []func(context.Context) error
}

// Init sets up OpenTelemetry with the given config.
// Returns a Provider that must be Shutdown() on exit.
// If config.Enabled is false, returns a no-op provider.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         noop.NewMeterProvider().Meter(MeterName),
			MeterProvider: noop.NewMeterProvider(),
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "hived"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
			attribute.Int("hive.pid", os.Getpid()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}
	exporter, err := p.newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)
	p.TracerProvider = tp
	p.Tracer = tp.Tracer(TracerName)
	p.closers = append(p.closers, tp.Shutdown)

	if cfg.metricsOn() {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		p.MeterProvider = mp
		p.Meter = mp.Meter(MeterName)
		p.closers = append(p.closers, mp.Shutdown)
	} else {
		p.MeterProvider = noop.NewMeterProvider()
		p.Meter = p.MeterProvider.Meter(MeterName)
	}
	return p, nil
}

// Shutdown flushes both providers and closes the spans file if one is
// open. Closers run LIFO so providers flush before their sink closes.
// Safe on a no-op provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newSpanExporter builds the configured sink. File-backed sinks
// register their close with the provider.
func (p *Provider) newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		if endpoint == "" {
			endpoint = cfg.Endpoint
		}
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		// The env var conventionally carries a scheme; the option wants
		// bare host:port.
		endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = filepath.Join("logs", "spans.jsonl")
		}
		if !filepath.IsAbs(path) && cfg.HomeDir != "" {
			path = filepath.Join(cfg.HomeDir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create spans dir: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open spans file: %w", err)
		}
		p.closers = append(p.closers, func(context.Context) error { return file.Close() })
		return stdouttrace.New(stdouttrace.WithWriter(file))
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, file, stdout, none)", cfg.Exporter)
	}
}

// noopExporter discards all spans. Used for exporter=none.
type noopExporter struct{}

func (e *noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error {
	return nil
}
func (e *noopExporter) Shutdown(_ context.Context) error { return nil }
