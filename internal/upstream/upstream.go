package upstream

import (
	"encoding/base64"
	"net"
	"net/url"
	"strings"
)

// Kind discriminates the protocol spoken to the upstream proxy.
type Kind int

const (
	// KindNone means "do not forward"; it is the zero value so that an
	// uninitialized Descriptor is never mistaken for a usable one.
	KindNone Kind = iota
	KindHTTP
	KindSOCKS4
	KindSOCKS5
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindSOCKS4:
		return "socks4"
	case KindSOCKS5:
		return "socks5"
	default:
		return "none"
	}
}

// Descriptor identifies one upstream proxy hop. It is treated as immutable
// once built.
type Descriptor struct {
	Kind Kind
	Host string
	Port string

	// Auth is a pre-encoded Proxy-Authorization value ("Basic ..."), empty
	// when no credential was supplied.
	Auth string

	// RawURL and the split credentials are retained for the SOCKS handshake,
	// which needs them in cleartext rather than Basic-encoded.
	RawURL   string
	Username string
	Password string
}

// Addr returns the upstream's host:port.
func (d *Descriptor) Addr() string {
	return net.JoinHostPort(d.Host, d.Port)
}

// Resolve parses an upstream proxy URL and optional credentials into a
// Descriptor.
//
// A scheme starting with "socks" selects SOCKS (SOCKS5 unless the scheme is
// exactly "socks4"); any other scheme selects HTTP. A missing port defaults
// by scheme. Auth is set only when both username and password are non-empty.
//
// Resolve returns nil when rawURL is empty or has no parseable host; callers
// must treat nil as "do not forward".
func Resolve(rawURL, username, password string) *Descriptor {
	if rawURL == "" {
		return nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}

	host := u.Hostname()
	if host == "" {
		return nil
	}

	scheme := strings.ToLower(u.Scheme)

	kind := KindHTTP
	if strings.HasPrefix(scheme, "socks") {
		if scheme == "socks4" {
			kind = KindSOCKS4
		} else {
			kind = KindSOCKS5
		}
	}

	port := u.Port()
	if port == "" {
		port = defaultPortForScheme(scheme)
	}

	auth := ""
	if username != "" && password != "" {
		auth = MakeAuth(username, password)
	}

	return &Descriptor{
		Kind:     kind,
		Host:     host,
		Port:     port,
		Auth:     auth,
		RawURL:   rawURL,
		Username: username,
		Password: password,
	}
}

// MakeAuth encodes a username/password pair as an HTTP Basic credential
// suitable for a Proxy-Authorization header.
func MakeAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func defaultPortForScheme(scheme string) string {
	switch {
	case scheme == "https":
		return "443"
	case strings.HasPrefix(scheme, "socks"):
		return "1080"
	default:
		return "80"
	}
}
