package endpoint

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// LineHandler reacts to one complete input line written to a Fake.
type LineHandler func(line string)

// Fake is a scripted in-memory endpoint. Output is queued with Emit and read
// back by the session; lines the session writes are recorded and can trigger
// scripted replies.
type Fake struct {
	mu         sync.Mutex
	output     []byte
	finished   bool
	readErr    error
	closed     bool
	closeCount int
	written    bytes.Buffer
	partial    []byte
	lines      []string
	handlers   []LineHandler
	writeGate  chan struct{}
	exitCode   int

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
	timers []*time.Timer
}

// NewFake returns an idle fake endpoint.
func NewFake() *Fake {
	return &Fake{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Emit queues output for the reader.
func (f *Fake) Emit(text string) {
	f.mu.Lock()
	if f.closed || f.finished {
		f.mu.Unlock()
		return
	}
	f.output = append(f.output, text...)
	f.mu.Unlock()
	f.wake()
}

// EmitAfter queues output once delay has passed.
func (f *Fake) EmitAfter(delay time.Duration, text string) {
	timer := time.AfterFunc(delay, func() { f.Emit(text) })
	f.mu.Lock()
	f.timers = append(f.timers, timer)
	f.mu.Unlock()
}

// Finish ends the output stream; Read returns io.EOF once queued output drains.
func (f *Fake) Finish() {
	f.FinishWithError(io.EOF)
}

// FinishWithError ends the output stream with a read error.
func (f *Fake) FinishWithError(err error) {
	f.mu.Lock()
	if !f.finished {
		f.finished = true
		f.readErr = err
	}
	f.mu.Unlock()
	f.wake()
}

// Exit finishes the stream and records a process exit code.
func (f *Fake) Exit(code int) {
	f.mu.Lock()
	alreadyExited := f.isExitedLocked()
	if !alreadyExited {
		f.exitCode = code
		close(f.exited)
	}
	f.mu.Unlock()
	f.Finish()
}

// OnLine registers a handler for each complete line written.
func (f *Fake) OnLine(handler LineHandler) {
	if handler == nil {
		return
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, handler)
	f.mu.Unlock()
}

// Respond emits reply whenever exactly line is written.
func (f *Fake) Respond(line string, reply string) {
	f.OnLine(func(got string) {
		if got == line {
			f.Emit(reply)
		}
	})
}

// BlockWrites makes Write stall until UnblockWrites or Close.
func (f *Fake) BlockWrites() {
	f.mu.Lock()
	if f.writeGate == nil {
		f.writeGate = make(chan struct{})
	}
	f.mu.Unlock()
}

// UnblockWrites releases writers stalled by BlockWrites.
func (f *Fake) UnblockWrites() {
	f.mu.Lock()
	gate := f.writeGate
	f.writeGate = nil
	f.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (f *Fake) Read(buf []byte) (int, error) {
	for {
		f.mu.Lock()
		switch {
		case len(f.output) > 0:
			n := copy(buf, f.output)
			f.output = f.output[n:]
			f.mu.Unlock()
			return n, nil
		case f.closed:
			f.mu.Unlock()
			return 0, io.EOF
		case f.finished:
			err := f.readErr
			f.mu.Unlock()
			return 0, err
		}
		f.mu.Unlock()

		select {
		case <-f.notify:
		case <-f.done:
		}
	}
}

func (f *Fake) Write(buf []byte) (int, error) {
	f.mu.Lock()
	gate := f.writeGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-f.done:
			return 0, io.ErrClosedPipe
		}
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	f.written.Write(buf)
	f.partial = append(f.partial, buf...)
	var complete []string
	for {
		idx := bytes.IndexByte(f.partial, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimSuffix(f.partial[:idx], []byte("\r")))
		f.partial = f.partial[idx+1:]
		f.lines = append(f.lines, line)
		complete = append(complete, line)
	}
	handlers := append([]LineHandler(nil), f.handlers...)
	f.mu.Unlock()

	for _, line := range complete {
		for _, handler := range handlers {
			handler(line)
		}
	}
	return len(buf), nil
}

// Close unblocks pending reads and writes. It is safe to call more than once.
func (f *Fake) Close() error {
	f.mu.Lock()
	f.closeCount++
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	timers := f.timers
	f.timers = nil
	f.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	close(f.done)
	return nil
}

// Lines returns every complete line written so far.
func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

// Written returns every byte written so far.
func (f *Fake) Written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// CloseCount reports how many times Close has been called.
func (f *Fake) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

// ExitStatus reports the code passed to Exit.
func (f *Fake) ExitStatus() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isExitedLocked() {
		return 0, false
	}
	return f.exitCode, true
}

// Exited is closed once Exit is called.
func (f *Fake) Exited() <-chan struct{} {
	return f.exited
}

// Describe names the endpoint for logs.
func (f *Fake) Describe() string {
	return "fake"
}

func (f *Fake) isExitedLocked() bool {
	select {
	case <-f.exited:
		return true
	default:
		return false
	}
}

func (f *Fake) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

var _ Endpoint = (*Fake)(nil)
var _ Exiter = (*Fake)(nil)
var _ Describer = (*Fake)(nil)
