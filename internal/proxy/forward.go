package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/orlv/tiny-proxy-chain/internal/upstream"
)

type descKey struct{}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	rw := &rawClientWriter{w: w}
	desc := s.selectUpstream(r, rw)

	if rw.conn != nil {
		// The hook wrote its own raw response (e.g. a 407); the engine only
		// closes the socket.
		_ = rw.conn.Close()
		return
	}
	if desc == nil || desc.Kind == upstream.KindNone {
		s.log.Debug().Str("method", r.Method).Str("url", r.URL.String()).Msg("request rejected by policy")
		panic(http.ErrAbortHandler)
	}

	ctx := context.WithValue(r.Context(), descKey{}, desc)
	s.rp.ServeHTTP(w, r.WithContext(ctx))
}

// reverseForwarder proxies non-CONNECT requests through the per-request
// upstream descriptor carried in the request context.
type reverseForwarder struct {
	s  *Server
	rp *httputil.ReverseProxy
}

func newReverseForwarder(s *Server) *reverseForwarder {
	f := &reverseForwarder{s: s}
	f.rp = &httputil.ReverseProxy{
		Director:      f.director,
		Transport:     f,
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		},
		BufferPool: NewBufferPool(32768),
	}
	return f
}

func (f *reverseForwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.rp.ServeHTTP(w, r)
}

func (f *reverseForwarder) director(r *http.Request) {
	if r.URL == nil {
		return
	}

	// Forward-proxy handling: ensure the URL is absolute and points at the
	// origin server.
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}
	if r.URL.Host == "" {
		r.URL.Host = r.Host
	}
	r.Host = r.URL.Host

	// Ask that X-Forwarded-For not be set.
	r.Header["X-Forwarded-For"] = nil

	desc, _ := r.Context().Value(descKey{}).(*upstream.Descriptor)
	if desc == nil {
		return
	}

	switch desc.Kind {
	case upstream.KindHTTP:
		// The next hop wants our credential, whatever the client sent.
		if desc.Auth != "" {
			r.Header.Set("Proxy-Authorization", desc.Auth)
		} else {
			r.Header.Del("Proxy-Authorization")
		}
	default:
		// Meaningless to a SOCKS gateway.
		r.Header.Del("Proxy-Authorization")
	}
}

// RoundTrip issues the outbound request through the descriptor's upstream.
// Transports are per-request with keep-alives off: upstream connections are
// never cached or reused.
func (f *reverseForwarder) RoundTrip(req *http.Request) (*http.Response, error) {
	desc, _ := req.Context().Value(descKey{}).(*upstream.Descriptor)
	if desc == nil {
		return nil, errors.New("forward: no upstream descriptor")
	}

	tr := &http.Transport{
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: f.s.opts.NegotiationTimeout,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}

	switch desc.Kind {
	case upstream.KindHTTP:
		tr.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: desc.Addr()})
		tr.DialContext = f.s.direct.DialContext
	case upstream.KindSOCKS4, upstream.KindSOCKS5:
		sd, err := upstream.NewSOCKSDialer(desc, f.s.opts.DialTimeout)
		if err != nil {
			return nil, err
		}
		tr.DialContext = sd.DialContext
	default:
		return nil, errors.New("forward: no upstream")
	}
	defer tr.CloseIdleConnections()

	return tr.RoundTrip(req)
}
