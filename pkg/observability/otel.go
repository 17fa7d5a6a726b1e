// Package observability wires the OpenTelemetry SDK for the worker
// process: an OTLP/HTTP exporter per signal (traces, metrics, logs), a
// shared resource carrying the service identity, and an otelslog bridge so
// slog records land in the same pipeline with trace/span correlation.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const exporterTimeout = 10 * time.Second

// Providers bundles the three signal providers so the caller shuts them
// down as one unit.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
	Logs   *sdklog.LoggerProvider

	// Logger is the process logger: an otelslog bridge when enabled, a
	// stdout JSON handler when not.
	Logger *slog.Logger
}

// Setup initializes the tracer, meter, and logger providers, registers the
// tracer/meter globally, and installs W3C trace-context propagation.
//
// With enabled=false every provider is a no-op and the returned Logger
// writes JSON to stdout — callers keep one code path either way.
//
// Endpoint and auth come from the standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_HEADERS).
func Setup(ctx context.Context, serviceName, serviceVersion string, enabled bool) (*Providers, error) {
	if !enabled {
		p := &Providers{
			Tracer: sdktrace.NewTracerProvider(),
			Meter:  sdkmetric.NewMeterProvider(),
			Logs:   sdklog.NewLoggerProvider(),
			Logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		}
		otel.SetTracerProvider(p.Tracer)
		otel.SetMeterProvider(p.Meter)
		return p, nil
	}

	res, err := newResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return nil, err
	}
	headers := parseOTLPHeaders()

	// Exporters are created with context.Background() so an already-cancelled
	// startup context can't wedge shutdown flushing later.
	traceExporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithTimeout(exporterTimeout),
		otlptracehttp.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("observability: create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetrichttp.New(context.Background(),
		otlpmetrichttp.WithTimeout(exporterTimeout),
		otlpmetrichttp.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("observability: create metric exporter: %w", err)
	}
	logExporter, err := otlploghttp.New(context.Background(),
		otlploghttp.WithTimeout(exporterTimeout),
		otlploghttp.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("observability: create log exporter: %w", err)
	}

	p := &Providers{
		Tracer: sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
		),
		Meter: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(15*time.Second))),
		),
		Logs: sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter,
				sdklog.WithExportTimeout(5*time.Second))),
			sdklog.WithResource(res),
		),
	}
	p.Logger = otelslog.NewLogger(serviceName, otelslog.WithLoggerProvider(p.Logs))

	otel.SetTracerProvider(p.Tracer)
	otel.SetMeterProvider(p.Meter)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return p, nil
}

// Shutdown flushes and stops all three providers, collecting every error.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.Tracer.Shutdown(ctx),
		p.Meter.Shutdown(ctx),
		p.Logs.Shutdown(ctx),
	)
}

// newResource merges the SDK's default resource with the service identity.
// OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME are honoured via
// resource.WithFromEnv.
func newResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create service resource: %w", err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		// Partial resources and schema URL conflicts still yield a usable
		// resource.
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("observability: merge resources: %w", err)
	}
	return res, nil
}

// parseOTLPHeaders reads OTEL_EXPORTER_OTLP_HEADERS, URL-decoding values.
// Some backends hand out headers in URL-encoded form (e.g. Basic%20token)
// and the SDK does not always decode them itself.
func parseOTLPHeaders() map[string]string {
	raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	if raw == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value, err := url.QueryUnescape(kv[1])
		if err != nil {
			value = kv[1]
		}
		headers[key] = value
	}
	return headers
}
