package upstream

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type directDialer struct {
	timeout   time.Duration
	keepAlive net.KeepAliveConfig
}

// NewDirectDialer returns a Dialer that opens plain TCP connections with the
// given connect timeout and keepalive configuration.
func NewDirectDialer(timeout time.Duration, keepAlive net.KeepAliveConfig) Dialer {
	return &directDialer{timeout: timeout, keepAlive: keepAlive}
}

func (f *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{Timeout: f.timeout}

	conn, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(f.keepAlive)
	}

	return conn, nil
}
