package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orlv/tiny-proxy-chain/internal/upstream"
)

// Policy decides the upstream hop for one inbound request.
//
// It is invoked exactly once per request, before any upstream I/O. It may
// mutate req.Header (e.g. strip a proxy-auth header before forwarding) and
// may write raw bytes to client (e.g. a 407 challenge). Returning nil, or a
// descriptor with KindNone, terminates the client connection without
// contacting any upstream; the engine does not synthesize an auth challenge
// itself.
//
// For CONNECT requests client is the hijacked connection. For plain requests
// it hijacks on first write, after which the request can no longer be
// forwarded.
type Policy func(req *http.Request, client io.Writer, def *upstream.Descriptor) *upstream.Descriptor

// Options configures a Server.
type Options struct {
	// ListenAddr is the address to bind, e.g. ":8080". Required.
	ListenAddr string

	// ProxyURL plus credentials resolve to the default upstream descriptor
	// handed to the policy hook. Empty means no default upstream, in which
	// case every request the hook does not route is rejected.
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string

	// Debug sets log verbosity; 0 is silent and disables the connection
	// registry.
	Debug int

	// OnRequest is the policy hook; nil means the identity policy.
	OnRequest Policy

	// Key, Cert and CA are PEM blocks. When all three are present the
	// listener terminates TLS; otherwise it speaks plain HTTP.
	Key  []byte
	Cert []byte
	CA   []byte

	// ConnectionTimeout ends both sides of a tunnel when no data arrives
	// from the client for this long. Zero disables.
	ConnectionTimeout time.Duration

	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
}

const defaultTimeout = 10 * time.Second

func (o Options) withDefaults() Options {
	if o.DialTimeout == 0 {
		o.DialTimeout = defaultTimeout
	}
	if o.NegotiationTimeout == 0 {
		o.NegotiationTimeout = defaultTimeout
	}
	return o
}

// Server is a chaining forward proxy listener.
type Server struct {
	opts     Options
	def      *upstream.Descriptor
	log      zerolog.Logger
	direct   upstream.Dialer
	registry *Registry
	srv      *http.Server
	rp       *reverseForwarder

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// NewServer builds a Server from opts. The listener is not bound until
// Listen is called.
func NewServer(opts Options) (*Server, error) {
	if opts.ListenAddr == "" {
		return nil, errors.New("proxy: missing listen address")
	}
	opts = opts.withDefaults()

	s := &Server{
		opts:   opts,
		def:    upstream.Resolve(opts.ProxyURL, opts.ProxyUsername, opts.ProxyPassword),
		log:    newLogger(opts.Debug),
		direct: upstream.NewDirectDialer(opts.DialTimeout, opts.KeepAlive),
	}
	if opts.Debug > 0 {
		s.registry = NewRegistry(s.log)
	}
	s.rp = newReverseForwarder(s)
	s.srv = &http.Server{
		Handler:           http.HandlerFunc(s.handle),
		ReadHeaderTimeout: opts.NegotiationTimeout,
	}
	return s, nil
}

func newLogger(debug int) zerolog.Logger {
	level := zerolog.Disabled
	switch {
	case debug >= 2:
		level = zerolog.DebugLevel
	case debug == 1:
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
}

// Registry returns the debug connection registry, or nil when verbosity is 0.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Listen binds the configured address and starts accepting connections. It
// is idempotent; a second call while the listener is up is a no-op.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("proxy: server closed")
	}
	if s.ln != nil {
		return nil
	}

	ln, err := ListenTCP("tcp", s.opts.ListenAddr, s.opts.KeepAlive)
	if err != nil {
		return err
	}

	if len(s.opts.Key) > 0 && len(s.opts.Cert) > 0 && len(s.opts.CA) > 0 {
		tln, err := wrapTLS(ln, s.opts.Cert, s.opts.Key, s.opts.CA)
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tln
	}

	s.ln = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("serve")
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting connections and closes active ones. It is
// idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.ln == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.handleConnect(w, r)
		return
	}
	s.handleForward(w, r)
}

// selectUpstream runs the policy hook. Header mutation by the hook happens
// here, before the engine reads headers for forwarding.
func (s *Server) selectUpstream(r *http.Request, client io.Writer) *upstream.Descriptor {
	if s.opts.OnRequest == nil {
		return s.def
	}
	return s.opts.OnRequest(r, client, s.def)
}

// rawClientWriter exposes the raw client stream to a policy hook on a
// connection that has not been hijacked yet. The first Write hijacks.
type rawClientWriter struct {
	w    http.ResponseWriter
	conn net.Conn
}

func (rw *rawClientWriter) Write(p []byte) (int, error) {
	if rw.conn == nil {
		hj, ok := rw.w.(http.Hijacker)
		if !ok {
			return 0, errors.New("proxy: hijacking not supported")
		}
		conn, brw, err := hj.Hijack()
		if err != nil {
			return 0, err
		}
		_ = brw.Flush()
		rw.conn = conn
	}
	return rw.conn.Write(p)
}
