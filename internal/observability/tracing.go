package observability

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const tracerName = "github.com/ari3lYT/p2pnet"

// TracingOptions selects where a node's spans go. Every span carries the
// node id and role so traces from one mesh can be told apart per node.
type TracingOptions struct {
	Service string
	NodeID  string
	Role    string
	// Exporter is one of none, stdout, otlp (gRPC) or otlphttp.
	Exporter    string
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	// Writer receives stdout exporter output; nil means os.Stdout.
	Writer io.Writer
}

// InitTracing installs the global tracer provider. With no exporter the
// default no-op provider stays in place.
func InitTracing(ctx context.Context, opts TracingOptions) (func(context.Context) error, error) {
	nop := func(context.Context) error { return nil }
	name := strings.ToLower(strings.TrimSpace(opts.Exporter))
	if name == "" || name == "none" {
		return nop, nil
	}
	exp, err := newExporter(ctx, name, opts)
	if err != nil {
		return nop, fmt.Errorf("trace exporter %s: %w", name, err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(opts.Service),
		semconv.ServiceInstanceIDKey.String(opts.NodeID),
		attribute.String("p2pnet.node.role", opts.Role),
	))
	if err != nil {
		return nop, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(opts.SampleRatio)))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func newExporter(ctx context.Context, name string, opts TracingOptions) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		if opts.Writer != nil {
			return stdouttrace.New(stdouttrace.WithWriter(opts.Writer))
		}
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		endpoint := opts.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if opts.Insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		} else {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{})))
		}
		return otlptracegrpc.New(ctx, grpcOpts...)
	case "otlphttp":
		endpoint := opts.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if opts.Insecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("unknown exporter %q", name)
	}
}

func clampRatio(r float64) float64 {
	return max(0, min(1, r))
}
