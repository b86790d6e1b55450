// Package session drives one live console stream: it buffers endpoint output
// as it arrives and matches expectations against the unconsumed region.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/consoleharness/expectrun/internal/endpoint"
	"github.com/consoleharness/expectrun/internal/events"
	"github.com/consoleharness/expectrun/internal/pattern"
	"github.com/consoleharness/expectrun/internal/telemetry/invariants"
)

// EntityType tags session events on the bus.
const EntityType = "session"

// Liveness reports whether a session's stream can still produce output.
type Liveness string

const (
	// LivenessAlive means the stream is open.
	LivenessAlive Liveness = "alive"
	// LivenessExited means the stream ended or the process terminated on its own.
	LivenessExited Liveness = "exited"
	// LivenessDetached means the session was closed by its owner.
	LivenessDetached Liveness = "detached"
)

// Match is the result of a successful expect.
type Match struct {
	// Index is the position of the winning pattern in the expect call.
	Index   int
	Pattern pattern.Pattern
	// Text is the matched span.
	Text string
	// Before is the unconsumed output discarded ahead of the match.
	Before string
	// Start and End are absolute stream offsets of the matched span.
	Start int64
	End   int64
}

// Session owns one endpoint. Expect, ExpectExact and SendLine are meant to be
// called from a single goroutine; Close may be called from anywhere.
type Session struct {
	id       string
	name     string
	ep       endpoint.Endpoint
	cfg      options
	logger   *log.Logger
	bus      events.Bus
	tracer   trace.Tracer
	exiter   endpoint.Exiter
	describe string

	mu       sync.Mutex
	buf      []byte
	consumed int64
	received int64
	ended    bool
	readErr  error

	notify     chan struct{}
	done       chan struct{}
	readerDone chan struct{}
	expecting  atomic.Bool
	closed     atomic.Bool

	writeMu      sync.Mutex
	pendingWrite chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Spawn parses a connect spec, opens its endpoint and wraps it in a Session.
// Failures are reported as *LaunchError.
func Spawn(ctx context.Context, spec string, opts ...Option) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := resolveOptions(opts)

	ctx, span := cfg.tracer.Start(ctx, "session.spawn", trace.WithAttributes(
		attribute.String("connect_spec", spec),
		attribute.String("session_name", cfg.name),
	))
	defer span.End()

	fail := func(err error) (*Session, error) {
		launchErr := &LaunchError{Spec: spec, Err: err}
		span.RecordError(launchErr)
		span.SetStatus(codes.Error, launchErr.Error())
		cfg.logger.Error("session launch failed", "connect_spec", spec, "error", err)
		return nil, launchErr
	}

	parsed, err := endpoint.ParseSpec(spec)
	if err != nil {
		return fail(err)
	}
	ep, err := endpoint.Open(ctx, parsed, cfg.endpoint)
	if err != nil {
		return fail(err)
	}

	s := newSession(ep, cfg)
	span.SetAttributes(
		attribute.String("session_id", s.id),
		attribute.String("endpoint_kind", string(parsed.Kind)),
	)
	s.logger.Info("session spawned", "endpoint", s.describe)

	if cfg.startDelay > 0 {
		timer := time.NewTimer(cfg.startDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			_ = s.Close()
			return fail(fmt.Errorf("start delay interrupted: %w", ctx.Err()))
		}
	}

	span.SetStatus(codes.Ok, "session spawned")
	return s, nil
}

// New wraps an already-open endpoint.
func New(ep endpoint.Endpoint, opts ...Option) *Session {
	return newSession(ep, resolveOptions(opts))
}

func newSession(ep endpoint.Endpoint, cfg options) *Session {
	id := uuid.NewString()
	name := cfg.name
	if name == "" {
		name = id[:8]
	}
	describe := "endpoint"
	if d, ok := ep.(endpoint.Describer); ok {
		describe = d.Describe()
	}
	exiter, _ := ep.(endpoint.Exiter)

	s := &Session{
		id:         id,
		name:       name,
		ep:         ep,
		cfg:        cfg,
		logger:     cfg.logger.With("session", name, "session_id", id),
		bus:        cfg.bus,
		tracer:     cfg.tracer,
		exiter:     exiter,
		describe:   describe,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// Name returns the session label.
func (s *Session) Name() string { return s.name }

func (s *Session) readLoop() {
	defer close(s.readerDone)

	chunk := make([]byte, readChunkSize)
	for {
		n, err := s.ep.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			s.received += int64(n)
			s.mu.Unlock()

			if s.cfg.transcript != nil {
				_, _ = s.cfg.transcript.Write(chunk[:n])
			}
			s.publish(events.EventTypeOutputChunk, events.SeverityDebug, map[string]any{
				"bytes": n,
				"text":  string(chunk[:n]),
			})
			s.wake()
		}
		if err != nil {
			s.mu.Lock()
			s.ended = true
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				s.readErr = err
			}
			s.mu.Unlock()
			s.wake()
			return
		}
	}
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Expect waits until one of patterns matches the unconsumed output and
// consumes the stream through the end of that match. Bytes already buffered
// are scanned first. A zero or negative timeout uses the session default.
func (s *Session) Expect(ctx context.Context, timeout time.Duration, patterns ...pattern.Pattern) (Match, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.closed.Load() {
		return Match{}, ErrClosed
	}
	searcher, err := pattern.NewSearcher(patterns)
	if err != nil {
		return Match{}, fmt.Errorf("expect: %w", err)
	}
	if !s.expecting.CompareAndSwap(false, true) {
		invariants.CheckSingleReader(ctx, "session.expect", s.id, true)
		return Match{}, ErrConcurrentExpect
	}
	defer s.expecting.Store(false)

	if timeout <= 0 {
		timeout = s.cfg.defaultTimeout
	}

	ctx, span := s.tracer.Start(ctx, "session.expect", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.String("patterns", DescribePatterns(patterns)),
		attribute.Int64("timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	started := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		match, matched, failure := s.scan(ctx, searcher, patterns)
		if matched {
			s.recordMatch(span, match, time.Since(started))
			return match, nil
		}
		if failure != nil {
			s.recordFailure(span, failure)
			return Match{}, failure
		}

		select {
		case <-s.notify:
		case <-timer.C:
			match, matched, failure = s.scan(ctx, searcher, patterns)
			if matched {
				s.recordMatch(span, match, time.Since(started))
				return match, nil
			}
			if failure == nil {
				failure = &TimeoutError{Patterns: patterns, Timeout: timeout, Buffer: s.Buffer()}
			}
			s.recordFailure(span, failure)
			return Match{}, failure
		case <-ctx.Done():
			err := fmt.Errorf("expect %s: %w", DescribePatterns(patterns), ctx.Err())
			s.recordFailure(span, err)
			return Match{}, err
		case <-s.done:
			s.recordFailure(span, ErrClosed)
			return Match{}, ErrClosed
		}
	}
}

// scan searches the unconsumed region once. A stream end observed under the
// lock only fails after that region has been searched.
func (s *Session) scan(ctx context.Context, searcher *pattern.Searcher, patterns []pattern.Pattern) (Match, bool, error) {
	s.mu.Lock()
	if res, ok := searcher.Search(s.buf); ok {
		match := s.consumeLocked(ctx, res, patterns)
		s.mu.Unlock()
		return match, true, nil
	}
	ended := s.ended
	readErr := s.readErr
	buffered := string(s.buf)
	s.mu.Unlock()

	if !ended {
		return Match{}, false, nil
	}
	eofErr := &EOFError{Patterns: patterns, Buffer: buffered, Err: readErr}
	eofErr.ExitStatus, eofErr.Exited = s.awaitExitStatus(exitStatusWait)
	return Match{}, false, eofErr
}

func (s *Session) consumeLocked(ctx context.Context, res pattern.Result, patterns []pattern.Pattern) Match {
	match := Match{
		Index:   res.Index,
		Pattern: patterns[res.Index],
		Text:    string(s.buf[res.Start:res.End]),
		Before:  string(s.buf[:res.Start]),
		Start:   s.consumed + int64(res.Start),
		End:     s.consumed + int64(res.End),
	}
	invariants.CheckConsumptionMonotonic(ctx, "session.expect", s.consumed, match.Start)

	remaining := copy(s.buf, s.buf[res.End:])
	s.buf = s.buf[:remaining]
	s.consumed = match.End
	return match
}

func (s *Session) recordMatch(span trace.Span, match Match, waited time.Duration) {
	span.SetAttributes(
		attribute.Int("match_index", match.Index),
		attribute.Int64("match_start", match.Start),
		attribute.Int64("match_end", match.End),
		attribute.Int64("waited_ms", waited.Milliseconds()),
	)
	span.SetStatus(codes.Ok, "matched")
	s.logger.Debug("expect matched", "pattern", match.Pattern.String(), "index", match.Index, "offset", match.Start)
	s.publish(events.EventTypeExpectMatched, events.SeverityInfo, map[string]any{
		"index":   match.Index,
		"pattern": match.Pattern.String(),
		"text":    match.Text,
	})
}

func (s *Session) recordFailure(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	buffered := s.Buffer()
	if buffered != "" {
		span.AddEvent("expect.buffer", trace.WithAttributes(
			attribute.String("buffer", truncateTail(buffered, maxBufferEventSize)),
		))
	}
	s.logger.Warn("expect failed", "error", err, "buffered_bytes", len(buffered))
	s.publish(events.EventTypeExpectFailed, events.SeverityWarn, map[string]any{
		"error":  err.Error(),
		"buffer": buffered,
	})
}

// ExpectExact waits for a literal substring.
func (s *Session) ExpectExact(ctx context.Context, timeout time.Duration, literal string) error {
	_, err := s.Expect(ctx, timeout, pattern.Literal(literal))
	return err
}

// SendLine writes text followed by a single newline. It never waits for a
// reply; a write the endpoint does not accept within the write timeout fails
// with *WriteTimeoutError.
func (s *Session) SendLine(ctx context.Context, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, span := s.tracer.Start(ctx, "session.send_line", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.Int("bytes", len(text)+1),
	))
	defer span.End()

	if err := s.write(ctx, text); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("send line failed", "line", text, "error", err)
		return err
	}

	span.SetStatus(codes.Ok, "sent")
	s.logger.Debug("line sent", "line", text)
	s.publish(events.EventTypeLineSent, events.SeverityInfo, map[string]any{"line": text})
	return nil
}

func (s *Session) write(ctx context.Context, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// A write that timed out earlier may still hold the endpoint.
	if s.pendingWrite != nil {
		select {
		case <-s.pendingWrite:
			s.pendingWrite = nil
		default:
			return &WriteTimeoutError{Line: text, Timeout: s.cfg.writeTimeout}
		}
	}

	payload := []byte(text + "\n")
	result := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, err := s.ep.Write(payload)
		result <- err
	}()

	timer := time.NewTimer(s.cfg.writeTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			if s.closed.Load() {
				return ErrClosed
			}
			return fmt.Errorf("write line %q: %w", text, err)
		}
		return nil
	case <-timer.C:
		s.pendingWrite = finished
		return &WriteTimeoutError{Line: text, Timeout: s.cfg.writeTimeout}
	case <-ctx.Done():
		s.pendingWrite = finished
		return fmt.Errorf("write line %q: %w", text, ctx.Err())
	case <-s.done:
		return ErrClosed
	}
}

// Close tears the endpoint down and joins the reader goroutine. It is
// idempotent and safe to call concurrently with a waiting expect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)

		err := s.ep.Close()

		timer := time.NewTimer(readerJoinTimeout)
		defer timer.Stop()
		select {
		case <-s.readerDone:
		case <-timer.C:
			s.logger.Warn("endpoint reader did not stop after close", "endpoint", s.describe)
		}

		fields := []any{"endpoint", s.describe}
		if code, ok := s.ExitStatus(); ok {
			fields = append(fields, "exit_status", code)
		}
		if err != nil {
			fields = append(fields, "error", err)
			s.closeErr = fmt.Errorf("close %s: %w", s.describe, err)
		}
		s.logger.Info("session closed", fields...)
		s.publish(events.EventTypeSessionClosed, events.SeverityInfo, map[string]any{"endpoint": s.describe})
	})
	return s.closeErr
}

// Buffer returns the unconsumed output.
func (s *Session) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}

// Consumed returns the absolute stream offset of the first unconsumed byte.
func (s *Session) Consumed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

// Received returns how many bytes the endpoint has produced.
func (s *Session) Received() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Liveness reports the session's stream state.
func (s *Session) Liveness() Liveness {
	if s.closed.Load() {
		return LivenessDetached
	}
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return LivenessExited
	}
	if _, exited := s.ExitStatus(); exited {
		return LivenessExited
	}
	return LivenessAlive
}

// Alive reports whether the stream is still open.
func (s *Session) Alive() bool {
	return s.Liveness() == LivenessAlive
}

// ExitStatus reports the exit code of a process endpoint once it has terminated.
func (s *Session) ExitStatus() (int, bool) {
	if s.exiter == nil {
		return 0, false
	}
	return s.exiter.ExitStatus()
}

func (s *Session) awaitExitStatus(window time.Duration) (int, bool) {
	if s.exiter == nil {
		return 0, false
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-s.exiter.Exited():
	case <-timer.C:
	}
	return s.exiter.ExitStatus()
}

func (s *Session) publish(eventType, severity string, payload map[string]any) {
	s.bus.Publish(events.Event{
		Type:       eventType,
		EntityType: EntityType,
		EntityID:   s.name,
		Payload:    payload,
		Severity:   severity,
	})
}

func truncateTail(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "[truncated]..."
	return marker + value[len(value)-limit:]
}
