package endpoint

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"golang.org/x/term"
)

// Serial is an endpoint backed by a tty device in raw mode.
type Serial struct {
	file   *os.File
	device string
	state  *term.State

	closeOnce sync.Once
	closeErr  error
}

func openSerial(device string, baud int) (*Serial, error) {
	// #nosec G304 -- device path comes from the operator-supplied connect spec.
	file, err := os.OpenFile(device, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open serial device %q: %w", device, err)
	}

	raw, err := file.SyscallConn()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("serial device %q: %w", device, err)
	}

	// Control keeps the descriptor non-blocking so Close can interrupt Read.
	var state *term.State
	var setupErr error
	if err := raw.Control(func(fd uintptr) {
		state, setupErr = term.MakeRaw(int(fd))
		if setupErr == nil && baud > 0 {
			setupErr = setBaudRate(int(fd), baud)
		}
	}); err != nil {
		setupErr = errors.Join(setupErr, err)
	}
	if setupErr != nil {
		if state != nil {
			_ = raw.Control(func(fd uintptr) { _ = term.Restore(int(fd), state) })
		}
		_ = file.Close()
		return nil, fmt.Errorf("configure serial device %q: %w", device, setupErr)
	}

	return &Serial{file: file, device: device, state: state}, nil
}

func (s *Serial) Read(buf []byte) (int, error) {
	return s.file.Read(buf)
}

func (s *Serial) Write(buf []byte) (int, error) {
	return s.file.Write(buf)
}

// Close restores the original line discipline and closes the device.
func (s *Serial) Close() error {
	s.closeOnce.Do(func() {
		var restoreErr error
		if raw, err := s.file.SyscallConn(); err == nil && s.state != nil {
			_ = raw.Control(func(fd uintptr) {
				restoreErr = term.Restore(int(fd), s.state)
			})
		}
		s.closeErr = errors.Join(restoreErr, s.file.Close())
	})
	return s.closeErr
}

// Describe names the endpoint for logs.
func (s *Serial) Describe() string {
	return "serial:" + s.device
}

var _ Endpoint = (*Serial)(nil)
var _ Describer = (*Serial)(nil)
