// Package otel wires OpenTelemetry into sandq workers. Traces go to the
// exporter named in config.yaml; metrics stay in process and are summed when
// a worker shuts down.
package otel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the instrumentation scope of sandq spans and metrics.
	TracerName = "sandq"
	// Version is the sandq version reported by `sandq version` and in telemetry.
	Version = "v2.0.0"
)

// Exporter names accepted in otel.exporter.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
)

var exporters = []string{ExporterNone, ExporterStdout, ExporterOTLPHTTP}

// DefaultEndpoint is where otlp-http sends spans when otel.endpoint is empty.
const DefaultEndpoint = "localhost:4318"

// Config is the otel section of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Validate rejects exporters Init cannot build.
func (c Config) Validate() error {
	if !slices.Contains(exporters, c.Exporter) {
		return fmt.Errorf("otel.exporter %q: want one of %s", c.Exporter, strings.Join(exporters, ", "))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("otel.sample_rate %v: want a value in [0, 1]", c.SampleRate)
	}
	return nil
}

// Exports reports whether spans leave the process.
func (c Config) Exports() bool {
	return c.Enabled && c.Exporter != ExporterNone
}

// Deployment identifies the store a worker process serves. It becomes part
// of the telemetry resource, so traces from several databases stay apart.
type Deployment struct {
	Backend    string
	SchemaHead string
	Owner      string
}

func (d Deployment) attributes(serviceName string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
	}
	if d.Backend != "" {
		attrs = append(attrs, AttrBackend.String(d.Backend))
	}
	if d.SchemaHead != "" {
		attrs = append(attrs, AttrSchemaHead.String(d.SchemaHead))
	}
	if d.Owner != "" {
		attrs = append(attrs, AttrOwner.String(d.Owner))
	}
	return attrs
}

// Provider holds the tracer and meter of one worker process.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	resource *resource.Resource
	reader   *sdkmetric.ManualReader
	shutdown func(context.Context) error
}

// Init builds the providers for cfg. A disabled config, or the none
// exporter, yields no-op instruments and nothing to flush.
func Init(ctx context.Context, cfg Config, dep Deployment) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Exports() {
		return &Provider{
			Tracer:   NoopTracer(),
			Meter:    noop.NewMeterProvider().Meter(TracerName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "sandq"
	}
	res, err := resource.New(ctx, resource.WithAttributes(dep.attributes(serviceName)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
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

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	return &Provider{
		Tracer:   tp.Tracer(TracerName),
		Meter:    mp.Meter(TracerName),
		resource: res,
		reader:   reader,
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPHTTP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = DefaultEndpoint
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if strings.Contains(endpoint, "://") {
			opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
		} else {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	}
	return nil, fmt.Errorf("exporter %q exports nothing", cfg.Exporter)
}

// Resource returns the telemetry resource, or nil for a no-op provider.
func (p *Provider) Resource() *resource.Resource { return p.resource }

// Totals sums every integer counter recorded so far, keyed by instrument
// name. A no-op provider has none.
func (p *Provider) Totals(ctx context.Context) (map[string]int64, error) {
	totals := map[string]int64{}
	if p.reader == nil {
		return totals, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
