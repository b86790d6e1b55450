package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// shellMetacharacters force a command line through "sh -c".
const shellMetacharacters = "|&;<>()$`\\\"'*?[]#~=%{}\n"

// ProcessSignaler sends unix signals to a spawned process.
type ProcessSignaler interface {
	Signal(pid int, signal syscall.Signal) error
}

// groupSignaler signals the whole process group so that wrappers such as
// "make term" take their children down with them.
type groupSignaler struct{}

func (groupSignaler) Signal(pid int, signal syscall.Signal) error {
	err := syscall.Kill(-pid, signal)
	if errors.Is(err, syscall.ESRCH) {
		return syscall.Kill(pid, signal)
	}
	return err
}

// Process is an endpoint backed by a spawned child process.
type Process struct {
	cmd            *exec.Cmd
	output         *os.File
	input          io.WriteCloser
	viaPTY         bool
	signaler       ProcessSignaler
	grace          time.Duration
	forcedExitWait time.Duration
	description    string

	exited   chan struct{}
	mu       sync.Mutex
	exitCode int
	waitErr  error

	closeOnce sync.Once
	closeErr  error
}

func startPTY(_ context.Context, command string, opts Options) (*Process, error) {
	cmd := commandFor(command, opts)

	// pty.Start makes the child a session leader with the pty as its controlling terminal.
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %q on pty: %w", command, err)
	}

	proc := newProcess(cmd, ptmx, ptmx, opts)
	proc.viaPTY = true
	proc.description = "pty:" + command
	return proc, nil
}

func startPipes(_ context.Context, command string, opts Options) (*Process, error) {
	cmd := commandFor(command, opts)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin for %q: %w", command, err)
	}
	outputReader, outputWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("open output pipe for %q: %w", command, err)
	}
	cmd.Stdout = outputWriter
	cmd.Stderr = outputWriter

	if err := cmd.Start(); err != nil {
		_ = outputReader.Close()
		_ = outputWriter.Close()
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	// The child holds its own copy; ours must go so EOF arrives when it exits.
	_ = outputWriter.Close()

	proc := newProcess(cmd, outputReader, stdin, opts)
	proc.description = "exec:" + command
	return proc, nil
}

func newProcess(cmd *exec.Cmd, output *os.File, input io.WriteCloser, opts Options) *Process {
	proc := &Process{
		cmd:            cmd,
		output:         output,
		input:          input,
		signaler:       opts.Signaler,
		grace:          opts.TerminateGrace,
		forcedExitWait: defaultForcedExitWait,
		exited:         make(chan struct{}),
		exitCode:       -1,
	}
	go proc.wait()
	return proc
}

// commandFor runs simple command lines directly so that a missing executable
// fails at start, and anything needing a shell through "sh -c".
func commandFor(command string, opts Options) *exec.Cmd {
	var cmd *exec.Cmd
	if strings.ContainsAny(command, shellMetacharacters) {
		cmd = exec.Command("sh", "-c", command)
	} else {
		fields := strings.Fields(command)
		cmd = exec.Command(fields[0], fields[1:]...)
	}
	cmd.Dir = strings.TrimSpace(opts.Dir)
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	return cmd
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.waitErr = err
	switch {
	case err == nil:
		p.exitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		} else if p.cmd.ProcessState != nil {
			p.exitCode = p.cmd.ProcessState.ExitCode()
		}
	}
	p.mu.Unlock()

	close(p.exited)
}

// Read returns child output. The end of a pty stream surfaces as io.EOF.
func (p *Process) Read(buf []byte) (int, error) {
	n, err := p.output.Read(buf)
	if err != nil && isClosedStreamError(err) {
		return n, io.EOF
	}
	return n, err
}

// Write sends bytes to the child's input.
func (p *Process) Write(buf []byte) (int, error) {
	return p.input.Write(buf)
}

// Pid returns the child process ID.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ExitStatus reports the exit code once the child has terminated.
func (p *Process) ExitStatus() (int, bool) {
	select {
	case <-p.exited:
	default:
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, true
}

// Exited is closed once the child has terminated.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Describe names the endpoint for logs.
func (p *Process) Describe() string {
	return p.description
}

// Close terminates the child with SIGTERM, escalates to SIGKILL after the
// grace window, then releases the stream descriptors. It is safe to call more
// than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		termErr := p.terminate()

		var closeErr error
		if p.viaPTY {
			closeErr = p.output.Close()
		} else {
			_ = p.input.Close()
			closeErr = p.output.Close()
		}
		if closeErr != nil && isClosedStreamError(closeErr) {
			closeErr = nil
		}
		p.closeErr = errors.Join(termErr, closeErr)
	})
	return p.closeErr
}

func (p *Process) terminate() error {
	if p.waitExited(0) {
		return nil
	}
	pid := p.Pid()
	if pid <= 0 {
		return nil
	}

	if err := p.signaler.Signal(pid, syscall.SIGTERM); err != nil && !isProcessGoneError(err) {
		return fmt.Errorf("send SIGTERM to pid %d: %w", pid, err)
	}
	if p.waitExited(p.grace) {
		return nil
	}

	if err := p.signaler.Signal(pid, syscall.SIGKILL); err != nil && !isProcessGoneError(err) {
		return fmt.Errorf("send SIGKILL to pid %d: %w", pid, err)
	}
	if p.waitExited(p.forcedExitWait) {
		return nil
	}
	return fmt.Errorf("pid %d still alive after SIGKILL", pid)
}

func (p *Process) waitExited(window time.Duration) bool {
	if window <= 0 {
		select {
		case <-p.exited:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-p.exited:
		return true
	case <-timer.C:
		return false
	}
}

func isProcessGoneError(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}

// isClosedStreamError reports errors that only mean the stream is gone: a pty
// master returns EIO once the child side is closed.
func isClosedStreamError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO) {
		return true
	}
	text := err.Error()
	return strings.Contains(text, "input/output error") ||
		strings.Contains(text, "file already closed") ||
		strings.Contains(text, "bad file descriptor")
}

var _ Endpoint = (*Process)(nil)
var _ Exiter = (*Process)(nil)
var _ Describer = (*Process)(nil)
