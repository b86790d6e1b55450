package session

import (
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/consoleharness/expectrun/internal/endpoint"
	"github.com/consoleharness/expectrun/internal/events"
)

const (
	// DefaultTimeout applies to expects called with a zero or negative timeout.
	DefaultTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds how long SendLine waits for the endpoint.
	DefaultWriteTimeout = 5 * time.Second

	readChunkSize      = 4096
	readerJoinTimeout  = 5 * time.Second
	exitStatusWait     = 250 * time.Millisecond
	maxBufferEventSize = 1024
)

// Option configures a Session.
type Option func(*options)

type options struct {
	name           string
	defaultTimeout time.Duration
	writeTimeout   time.Duration
	startDelay     time.Duration
	transcript     io.Writer
	bus            events.Bus
	tracer         trace.Tracer
	logger         *log.Logger
	endpoint       endpoint.Options
}

func defaultOptions() options {
	return options{
		defaultTimeout: DefaultTimeout,
		writeTimeout:   DefaultWriteTimeout,
		bus:            events.Discard,
		tracer:         otel.Tracer("expectrun/session"),
		logger:         log.New(io.Discard),
	}
}

func resolveOptions(opts []Option) options {
	resolved := defaultOptions()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&resolved)
	}
	return resolved
}

// WithName labels the session in logs, events and spans.
func WithName(name string) Option {
	return func(o *options) {
		o.name = strings.TrimSpace(name)
	}
}

// WithDefaultTimeout replaces the timeout used when an expect passes zero.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.defaultTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds each SendLine.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.writeTimeout = timeout
		}
	}
}

// WithStartDelay makes Spawn wait after launching before returning.
func WithStartDelay(delay time.Duration) Option {
	return func(o *options) {
		if delay > 0 {
			o.startDelay = delay
		}
	}
}

// WithTerminateGrace sets the SIGTERM grace window used when closing a spawned process.
func WithTerminateGrace(grace time.Duration) Option {
	return func(o *options) {
		if grace > 0 {
			o.endpoint.TerminateGrace = grace
		}
	}
}

// WithDir sets the working directory of spawned commands.
func WithDir(dir string) Option {
	return func(o *options) {
		o.endpoint.Dir = dir
	}
}

// WithEnv appends entries to the environment of spawned commands.
func WithEnv(env ...string) Option {
	return func(o *options) {
		o.endpoint.Env = append(o.endpoint.Env, env...)
	}
}

// WithTranscript copies every received byte to w as it arrives.
func WithTranscript(w io.Writer) Option {
	return func(o *options) {
		o.transcript = w
	}
}

// WithBus publishes session events to bus.
func WithBus(bus events.Bus) Option {
	return func(o *options) {
		if bus != nil {
			o.bus = bus
		}
	}
}

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
