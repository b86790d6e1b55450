package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName names expectrun in exported traces.
	ServiceName = "expectrun"
	// DefaultEnvironment is used when no environment variable is configured.
	DefaultEnvironment = "dev"
	// BatchTimeout configures batch span processor flush interval.
	BatchTimeout = 5 * time.Second
	// BatchSize configures batch span processor max export batch size.
	BatchSize = 512
)

var (
	// ServiceVersion is set at build time via ldflags when available.
	ServiceVersion = "dev"

	exporterFactory = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		certPath := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE"))
		if certPath != "" {
			tlsConfig, err := tlsConfigFromCertificate(certPath)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	fallbackOutput io.Writer = os.Stderr
)

// Options configures tracing for one expectrun invocation.
type Options struct {
	// Endpoint is the OTLP HTTP collector URL. Tracing stays disabled when empty.
	Endpoint string
	// Board is the target the run was configured for.
	Board string
	// ConnectKind is the connect-spec scheme ("pty", "exec", "serial", "tcp").
	ConnectKind string
	// Scenarios counts the scenario files in the run.
	Scenarios int
	// Jobs is the number of scenario files allowed in flight at once.
	Jobs int
}

// Init installs a tracer provider exporting to opts.Endpoint. Every span carries
// the run's board, connect kind and size as resource attributes so a collector
// can group runs by target. With no endpoint the global no-op provider is kept
// and the returned shutdown does nothing.
func Init(ctx context.Context, opts Options) (func(), error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return func() {}, nil
	}

	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(fallbackOutput, "warning: cannot export traces to %s (%v); printing spans to stderr\n", endpoint, err)
		exporter = &consoleExporter{out: fallbackOutput}
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(opts)...))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

func resourceAttributes(opts Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", resolveServiceVersion()),
		attribute.String("environment", resolveEnvironment()),
		attribute.Int("expectrun.scenarios", opts.Scenarios),
		attribute.Int("expectrun.jobs", max(opts.Jobs, 1)),
	}
	if board := strings.TrimSpace(opts.Board); board != "" {
		attrs = append(attrs, attribute.String("expectrun.board", board))
	}
	if kind := strings.TrimSpace(opts.ConnectKind); kind != "" {
		attrs = append(attrs, attribute.String("expectrun.connect_kind", kind))
	}
	return attrs
}

func resolveEnvironment() string {
	for _, key := range []string{"EXPECTRUN_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func resolveServiceVersion() string {
	version := strings.TrimSpace(ServiceVersion)
	if version == "" {
		return "dev"
	}
	return version
}

func tlsConfigFromCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- certificate path is explicitly provided by OTEL_EXPORTER_OTLP_CERTIFICATE configuration.
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTEL certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(certPEM); !ok {
		return nil, fmt.Errorf("parse OTEL certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// consoleExporter prints finished spans, one line each, with their attributes
// and failure events indented below.
type consoleExporter struct {
	mu  sync.Mutex
	out io.Writer
}

func (e *consoleExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e == nil || e.out == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, span := range spans {
		var b strings.Builder
		duration := span.EndTime().Sub(span.StartTime()).Round(time.Millisecond)
		fmt.Fprintf(&b, "span %s %s %s", span.Name(), duration, span.Status().Code)
		for _, attr := range span.Attributes() {
			fmt.Fprintf(&b, " %s=%s", attr.Key, attr.Value.Emit())
		}
		b.WriteByte('\n')
		for _, event := range span.Events() {
			fmt.Fprintf(&b, "  event %s\n", event.Name)
		}
		if _, err := io.WriteString(e.out, b.String()); err != nil {
			return err
		}
	}
	return nil
}

func (e *consoleExporter) Shutdown(context.Context) error { return nil }

func setExporterFactoryForTest(factory func(context.Context, string) (sdktrace.SpanExporter, error)) func() {
	previous := exporterFactory
	exporterFactory = factory
	return func() {
		exporterFactory = previous
	}
}

func setFallbackOutputForTest(out io.Writer) func() {
	previous := fallbackOutput
	fallbackOutput = out
	return func() {
		fallbackOutput = previous
	}
}
