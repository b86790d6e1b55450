// Package endpoint opens the byte streams a session reads device output from
// and writes input lines to: spawned processes (on a pseudo-terminal or plain
// pipes), serial tty devices, TCP consoles, and an in-memory fake for tests.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Kind names a connect-spec scheme.
type Kind string

const (
	// KindPTY spawns a command on a pseudo-terminal.
	KindPTY Kind = "pty"
	// KindExec spawns a command with stdin/stdout pipes.
	KindExec Kind = "exec"
	// KindSerial opens a serial tty device.
	KindSerial Kind = "serial"
	// KindTCP dials a TCP console.
	KindTCP Kind = "tcp"
)

const (
	// DefaultTerminateGrace is the SIGTERM grace window before SIGKILL.
	DefaultTerminateGrace = 2 * time.Second
	// DefaultDialTimeout bounds TCP connection setup.
	DefaultDialTimeout = 5 * time.Second

	defaultForcedExitWait = 2 * time.Second
)

// Endpoint is one live byte stream. Read returns io.EOF (or another error)
// once the stream has ended. Close must release every resource and unblock a
// pending Read.
type Endpoint interface {
	io.Reader
	io.Writer
	io.Closer
}

// Exiter is implemented by endpoints backed by a child process.
type Exiter interface {
	// ExitStatus reports the exit code once the process has terminated.
	ExitStatus() (int, bool)
	// Exited is closed when the process terminates.
	Exited() <-chan struct{}
}

// Describer is implemented by endpoints that can name themselves for logs.
type Describer interface {
	Describe() string
}

// Spec is a parsed connect spec.
type Spec struct {
	Kind    Kind
	Target  string
	Baud    int
	Command string
}

func (s Spec) String() string {
	switch s.Kind {
	case KindPTY, KindExec:
		return fmt.Sprintf("%s:%s", s.Kind, s.Command)
	case KindSerial:
		if s.Baud > 0 {
			return fmt.Sprintf("%s:%s@%d", s.Kind, s.Target, s.Baud)
		}
		return fmt.Sprintf("%s:%s", s.Kind, s.Target)
	default:
		return fmt.Sprintf("%s:%s", s.Kind, s.Target)
	}
}

// ParseSpec parses "pty:<cmd>", "exec:<cmd>", "serial:<dev>[@baud]" or
// "tcp:<host:port>". A spec without a known scheme is a pty command line.
func ParseSpec(raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Spec{}, errors.New("connect spec must not be empty")
	}

	scheme, rest, found := strings.Cut(raw, ":")
	if !found {
		return Spec{Kind: KindPTY, Command: raw}, nil
	}
	rest = strings.TrimSpace(rest)

	switch Kind(strings.ToLower(strings.TrimSpace(scheme))) {
	case KindPTY:
		if rest == "" {
			return Spec{}, errors.New("pty spec requires a command")
		}
		return Spec{Kind: KindPTY, Command: rest}, nil
	case KindExec:
		if rest == "" {
			return Spec{}, errors.New("exec spec requires a command")
		}
		return Spec{Kind: KindExec, Command: rest}, nil
	case KindSerial:
		device, baudText, hasBaud := strings.Cut(rest, "@")
		device = strings.TrimSpace(device)
		if device == "" {
			return Spec{}, errors.New("serial spec requires a device path")
		}
		spec := Spec{Kind: KindSerial, Target: device}
		if hasBaud {
			baud, err := strconv.Atoi(strings.TrimSpace(baudText))
			if err != nil || baud <= 0 {
				return Spec{}, fmt.Errorf("serial spec %q: invalid baud rate %q", raw, baudText)
			}
			spec.Baud = baud
		}
		return spec, nil
	case KindTCP:
		if rest == "" {
			return Spec{}, errors.New("tcp spec requires host:port")
		}
		return Spec{Kind: KindTCP, Target: rest}, nil
	default:
		// Unknown scheme: the colon belongs to the command line itself.
		return Spec{Kind: KindPTY, Command: raw}, nil
	}
}

// Options configures Open.
type Options struct {
	// Dir is the working directory for spawned commands.
	Dir string
	// Env is appended to the inherited environment of spawned commands.
	Env []string
	// TerminateGrace is the SIGTERM grace window before SIGKILL on Close.
	TerminateGrace time.Duration
	// DialTimeout bounds TCP connection setup.
	DialTimeout time.Duration
	// Signaler delivers termination signals; nil uses the process group default.
	Signaler ProcessSignaler
}

// Open starts or connects the endpoint a spec describes.
func Open(ctx context.Context, spec Spec, opts Options) (Endpoint, error) {
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = DefaultTerminateGrace
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Signaler == nil {
		opts.Signaler = groupSignaler{}
	}

	switch spec.Kind {
	case KindPTY:
		return startPTY(ctx, spec.Command, opts)
	case KindExec:
		return startPipes(ctx, spec.Command, opts)
	case KindSerial:
		return openSerial(spec.Target, spec.Baud)
	case KindTCP:
		return dialTCP(ctx, spec.Target, opts.DialTimeout)
	default:
		return nil, fmt.Errorf("unsupported endpoint kind %q", spec.Kind)
	}
}
