package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCP is an endpoint backed by a TCP console connection.
type TCP struct {
	net.Conn
	address string

	closeOnce sync.Once
	closeErr  error
}

func dialTCP(ctx context.Context, address string, timeout time.Duration) (*TCP, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial tcp console %s: %w", address, err)
	}
	return &TCP{Conn: conn, address: address}, nil
}

// Close closes the connection once.
func (t *TCP) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.Conn.Close()
	})
	return t.closeErr
}

// Describe names the endpoint for logs.
func (t *TCP) Describe() string {
	return "tcp:" + t.address
}

var _ Endpoint = (*TCP)(nil)
var _ Describer = (*TCP)(nil)
