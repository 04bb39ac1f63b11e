// Package telemetry holds the relay's OpenTelemetry tracing setup, Prometheus
// metrics and correlation-aware logging helpers.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var tracingEnabled atomic.Bool

// TracingConfig is read from the standard OTEL_* variables.
type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// LoadTracingConfig reads OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_INSECURE
// (default true) and OTEL_TRACES_SAMPLE_RATIO (0..1, default 1).
func LoadTracingConfig() TracingConfig {
	c := TracingConfig{
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") != "false",
		SampleRatio: 1,
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLE_RATIO"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 || r > 1 {
			slog.Warn("invalid OTEL_TRACES_SAMPLE_RATIO, sampling everything", slog.String("value", v))
		} else {
			c.SampleRatio = r
		}
	}
	return c
}

// InitTracing installs an OTLP/gRPC tracer provider. Without an endpoint it is
// a no-op and spans go to the global no-op provider.
func InitTracing(serviceName, serviceVersion string) (func(), error) {
	cfg := LoadTracingConfig()
	if cfg.Endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	tracingEnabled.Store(true)
	slog.Info("tracing initialized", slog.String("service", serviceName),
		slog.String("endpoint", cfg.Endpoint), slog.Float64("sample_ratio", cfg.SampleRatio))

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.Any("err", err))
		}
		tracingEnabled.Store(false)
	}, nil
}

// IsTracingEnabled reports whether an exporter is installed.
func IsTracingEnabled() bool {
	return tracingEnabled.Load()
}

// StartSpan starts a span on tracer tracerName, tagged with the request's
// correlation id when one is set.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func ChannelAttr(channel string) attribute.KeyValue   { return attribute.String("relay.channel", channel) }
func IdentityAttr(identity string) attribute.KeyValue { return attribute.String("relay.identity", identity) }

func HTTPMethodAttr(method string) attribute.KeyValue { return attribute.String("http.method", method) }
func HTTPRouteAttr(route string) attribute.KeyValue   { return attribute.String("http.route", route) }
func HTTPURLAttr(url string) attribute.KeyValue       { return attribute.String("http.url", url) }

// SetSpanHTTPStatus records the response status code on the span.
func SetSpanHTTPStatus(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.status_code", status))
}

// ErrorStatus returns the span status for a failed request.
func ErrorStatus(msg string) (codes.Code, string) { return codes.Error, msg }
