package upstream

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/txthinking/socks5"
	"h12.io/socks"
)

// NewSOCKSDialer returns a Dialer that reaches targets through d, which must
// describe a SOCKS4 or SOCKS5 upstream.
func NewSOCKSDialer(d *Descriptor, timeout time.Duration) (Dialer, error) {
	switch d.Kind {
	case KindSOCKS5:
		return &socks5Dialer{desc: d, timeout: timeout}, nil
	case KindSOCKS4:
		return &socks4Dialer{desc: d, timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("socks dialer: %s upstream is not a socks proxy", d.Kind)
	}
}

type socks5Dialer struct {
	desc    *Descriptor
	timeout time.Duration
}

func (f *socks5Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	_ = ctx
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 upstream dial %s %s: unsupported network", network, address)
	}

	tcpTimeout := 0
	if f.timeout > 0 {
		tcpTimeout = int(f.timeout.Seconds())
		if tcpTimeout <= 0 {
			tcpTimeout = 1
		}
	}

	client, err := socks5.NewClient(f.desc.Addr(), f.desc.Username, f.desc.Password, tcpTimeout, 0)
	if err != nil {
		return nil, fmt.Errorf("socks5 upstream init: %w", err)
	}

	c, err := client.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("socks5 upstream dial %s %s: %w", network, address, err)
	}
	return c, nil
}

type socks4Dialer struct {
	desc    *Descriptor
	timeout time.Duration
}

func (f *socks4Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	_ = ctx
	if network != "tcp" {
		return nil, fmt.Errorf("socks4 upstream dial %s %s: unsupported network", network, address)
	}

	// SOCKS4 carries a userid but no password.
	u := url.URL{Scheme: "socks4", Host: f.desc.Addr()}
	if f.desc.Username != "" {
		u.User = url.User(f.desc.Username)
	}
	if f.timeout > 0 {
		u.RawQuery = url.Values{"timeout": {f.timeout.String()}}.Encode()
	}

	dial := socks.Dial(u.String())

	c, err := dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("socks4 upstream dial %s %s: %w", network, address, err)
	}
	return c, nil
}
