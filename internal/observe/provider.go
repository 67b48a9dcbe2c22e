package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options configures telemetry initialisation.
type Options struct {
	// ServiceName overrides the reported service.name. Default "vaani".
	ServiceName string

	// ServiceVersion is reported as service.version when set.
	ServiceVersion string

	// SpanExporter receives finished spans. Nil keeps spans in-process only;
	// the gateway is normally scraped for metrics and runs without a trace
	// backend.
	SpanExporter sdktrace.SpanExporter
}

// Init registers the global OTel meter and tracer providers. Metrics flow
// through the Prometheus bridge into the default registry behind /metrics;
// spans go to the configured exporter. The returned function flushes and
// shuts both providers down.
func Init(opts Options) (func(context.Context) error, error) {
	name := opts.ServiceName
	if name == "" {
		name = "vaani"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(opts.ServiceVersion),
	))
	if err != nil {
		return nil, err
	}

	exp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if opts.SpanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(opts.SpanExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
