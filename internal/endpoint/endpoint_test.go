package endpoint

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestParseSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want Spec
	}{
		{raw: "make term", want: Spec{Kind: KindPTY, Command: "make term"}},
		{raw: "pty: make term", want: Spec{Kind: KindPTY, Command: "make term"}},
		{raw: "exec:./bin/fake --mode shell", want: Spec{Kind: KindExec, Command: "./bin/fake --mode shell"}},
		{raw: "serial:/dev/ttyACM0@115200", want: Spec{Kind: KindSerial, Target: "/dev/ttyACM0", Baud: 115200}},
		{raw: "serial:/dev/ttyUSB1", want: Spec{Kind: KindSerial, Target: "/dev/ttyUSB1"}},
		{raw: "tcp:localhost:4000", want: Spec{Kind: KindTCP, Target: "localhost:4000"}},
		{raw: "env BOARD=a:b make term", want: Spec{Kind: KindPTY, Command: "env BOARD=a:b make term"}},
	}

	for _, tc := range tests {
		got, err := ParseSpec(tc.raw)
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseSpec(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestParseSpecRejectsIncompleteSpecs(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   ", "pty:", "exec: ", "serial:", "serial:/dev/ttyACM0@fast", "serial:/dev/ttyACM0@0", "tcp:"} {
		if _, err := ParseSpec(raw); err == nil {
			t.Fatalf("ParseSpec(%q) succeeded, want error", raw)
		}
	}
}

func TestSpecStringRoundTripsSerialBaud(t *testing.T) {
	t.Parallel()

	spec := Spec{Kind: KindSerial, Target: "/dev/ttyACM0", Baud: 115200}
	if got := spec.String(); got != "serial:/dev/ttyACM0@115200" {
		t.Fatalf("String() = %q", got)
	}
}

func TestExecEndpointStreamsOutputAndExitStatus(t *testing.T) {
	t.Parallel()

	ep := openForTest(t, "exec:printf 'hello\\nworld\\n'; exit 3", Options{})
	out, err := io.ReadAll(ep)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(out) != "hello\nworld\n" {
		t.Fatalf("output = %q", out)
	}

	exiter := ep.(Exiter)
	select {
	case <-exiter.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	code, ok := exiter.ExitStatus()
	if !ok || code != 3 {
		t.Fatalf("exit status = %d, %v; want 3, true", code, ok)
	}
}

func TestExecEndpointEchoesInput(t *testing.T) {
	t.Parallel()

	ep := openForTest(t, "exec:cat", Options{})
	if _, err := io.WriteString(ep, "ping\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(ep).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "ping\n" {
		t.Fatalf("line = %q", line)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestExecEndpointMissingExecutableFailsToOpen(t *testing.T) {
	t.Parallel()

	spec, err := ParseSpec("exec:expectrun-no-such-binary --flag")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := Open(context.Background(), spec, Options{}); err == nil {
		t.Fatal("expected open error for missing executable")
	}
}

func TestCloseEscalatesToSIGKILLAfterGrace(t *testing.T) {
	t.Parallel()

	signaler := &recordingSignaler{}
	ep := openForTest(t, "exec:trap '' TERM; echo ready; while :; do sleep 1; done", Options{
		TerminateGrace: 100 * time.Millisecond,
		Signaler:       signaler,
	})

	line, err := bufio.NewReader(ep).ReadString('\n')
	if err != nil || line != "ready\n" {
		t.Fatalf("ready line = %q, %v", line, err)
	}

	started := time.Now()
	if err := ep.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 4*time.Second {
		t.Fatalf("close took %s", elapsed)
	}

	got := signaler.sent()
	if len(got) != 2 || got[0] != syscall.SIGTERM || got[1] != syscall.SIGKILL {
		t.Fatalf("signals = %v, want [SIGTERM SIGKILL]", got)
	}
	if _, ok := ep.(Exiter).ExitStatus(); !ok {
		t.Fatal("process still running after close")
	}
}

func TestCloseStopsAtSIGTERMWhenChildComplies(t *testing.T) {
	t.Parallel()

	signaler := &recordingSignaler{}
	ep := openForTest(t, "exec:cat", Options{Signaler: signaler})
	if err := ep.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := signaler.sent()
	if len(got) != 1 || got[0] != syscall.SIGTERM {
		t.Fatalf("signals = %v, want [SIGTERM]", got)
	}
}

func TestPTYEndpointReportsEOFAfterExit(t *testing.T) {
	t.Parallel()

	ep := openForTest(t, "pty:printf 'boot ok\\n'", Options{})
	out, err := io.ReadAll(ep)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(out), "boot ok") {
		t.Fatalf("output = %q", out)
	}
	if got := ep.(Describer).Describe(); got != "pty:printf 'boot ok\\n'" {
		t.Fatalf("Describe() = %q", got)
	}
}

func TestFakeDeliversEmittedOutputAndScriptedReplies(t *testing.T) {
	t.Parallel()

	fake := NewFake()
	fake.Respond("ping", "pong\n")
	fake.Emit("> ")

	buf := make([]byte, 16)
	n, err := fake.Read(buf)
	if err != nil || string(buf[:n]) != "> " {
		t.Fatalf("read = %q, %v", buf[:n], err)
	}

	if _, err := fake.Write([]byte("ping\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err = fake.Read(buf)
	if err != nil || string(buf[:n]) != "pong\n" {
		t.Fatalf("reply = %q, %v", buf[:n], err)
	}
	if lines := fake.Lines(); len(lines) != 1 || lines[0] != "ping" {
		t.Fatalf("lines = %v", lines)
	}

	fake.Finish()
	if _, err := fake.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("read after finish = %v, want EOF", err)
	}
}

func TestFakeCloseUnblocksPendingReadAndWrite(t *testing.T) {
	t.Parallel()

	fake := NewFake()
	fake.BlockWrites()

	readDone := make(chan error, 1)
	go func() {
		_, err := fake.Read(make([]byte, 8))
		readDone <- err
	}()
	writeDone := make(chan error, 1)
	go func() {
		_, err := fake.Write([]byte("stuck\n"))
		writeDone <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := fake.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = fake.Close()

	for name, done := range map[string]chan error{"read": readDone, "write": writeDone} {
		select {
		case err := <-done:
			if err == nil {
				t.Fatalf("%s returned nil error after close", name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s still blocked after close", name)
		}
	}
	if got := fake.CloseCount(); got != 2 {
		t.Fatalf("close count = %d, want 2", got)
	}
}

func TestFakeExitRecordsStatus(t *testing.T) {
	t.Parallel()

	fake := NewFake()
	if _, ok := fake.ExitStatus(); ok {
		t.Fatal("exit status reported before exit")
	}
	fake.Exit(1)
	fake.Exit(2)
	code, ok := fake.ExitStatus()
	if !ok || code != 1 {
		t.Fatalf("exit status = %d, %v; want 1, true", code, ok)
	}
}

func openForTest(t *testing.T, raw string, opts Options) Endpoint {
	t.Helper()

	spec, err := ParseSpec(raw)
	if err != nil {
		t.Fatalf("parse spec %q: %v", raw, err)
	}
	ep, err := Open(context.Background(), spec, opts)
	if err != nil {
		t.Fatalf("open %q: %v", raw, err)
	}
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

type recordingSignaler struct {
	mu      sync.Mutex
	signals []syscall.Signal
}

func (r *recordingSignaler) Signal(pid int, signal syscall.Signal) error {
	r.mu.Lock()
	r.signals = append(r.signals, signal)
	r.mu.Unlock()
	return groupSignaler{}.Signal(pid, signal)
}

func (r *recordingSignaler) sent() []syscall.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]syscall.Signal(nil), r.signals...)
}
