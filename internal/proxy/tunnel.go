package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/orlv/tiny-proxy-chain/internal/upstream"
)

const connEstablished = "HTTP/1.0 200 Connection established\r\n\r\n"

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	_ = brw.Writer.Flush()

	id := nextSessionID()
	if s.registry != nil {
		s.registry.Add(id, r.Host)
	}
	defer func() {
		_ = clientConn.Close()
		if s.registry != nil {
			s.registry.Remove(id)
		}
	}()

	desc := s.selectUpstream(r, clientConn)
	if desc == nil || desc.Kind == upstream.KindNone {
		s.log.Debug().Uint64("id", id).Str("target", r.Host).Msg("connect rejected by policy")
		return
	}

	ctx := r.Context()

	upConn, err := s.establishTunnel(ctx, clientConn, r, desc)
	if err != nil {
		s.log.Info().Uint64("id", id).Str("target", r.Host).Str("upstream", desc.Addr()).Err(err).Msg("tunnel failed")
		writeRawStatus(clientConn, r.Proto, "500 Connection error")
		return
	}

	// Bytes the hijack reader buffered ahead of the tunnel belong to the
	// upstream; they go out before the relay starts.
	if err := drainBuffered(brw.Reader, upConn); err != nil {
		_ = upConn.Close()
		return
	}

	s.log.Debug().Uint64("id", id).Str("target", r.Host).Str("upstream", desc.Addr()).Msg("tunnel established")

	cc := net.Conn(clientConn)
	if s.opts.ConnectionTimeout > 0 {
		cc = &idleTimeoutConn{Conn: clientConn, timeout: s.opts.ConnectionTimeout}
	}

	_ = copyBidirectional(ctx, cc, upConn)
}

func (s *Server) establishTunnel(ctx context.Context, clientConn net.Conn, r *http.Request, desc *upstream.Descriptor) (net.Conn, error) {
	switch desc.Kind {
	case upstream.KindHTTP:
		return s.connectViaHTTP(ctx, r, desc)
	case upstream.KindSOCKS4, upstream.KindSOCKS5:
		upConn, err := s.connectViaSOCKS(ctx, r, desc)
		if err != nil {
			return nil, err
		}
		// The engine owns the 200 on the SOCKS path; the next hop never
		// speaks HTTP. If the client died while the handshake ran, end the
		// upstream instead of piping into a dead peer.
		if _, err := io.WriteString(clientConn, connEstablished); err != nil {
			_ = upConn.Close()
			return nil, fmt.Errorf("client gone: %w", err)
		}
		return upConn, nil
	default:
		return nil, fmt.Errorf("tunnel: unsupported upstream kind %s", desc.Kind)
	}
}

// connectViaHTTP forwards the client's CONNECT to the next-hop HTTP proxy as
// a raw passthrough: the original request line (target string unmodified),
// the inbound headers, and our Proxy-Authorization. The next hop's response
// rides back to the client through the relay; no response is parsed here.
func (s *Server) connectViaHTTP(ctx context.Context, r *http.Request, desc *upstream.Descriptor) (net.Conn, error) {
	c, err := s.direct.DialContext(ctx, "tcp", desc.Addr())
	if err != nil {
		return nil, fmt.Errorf("http upstream: %w", err)
	}

	target := r.RequestURI
	if target == "" {
		target = r.Host
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", r.Method, target, r.Proto)
	// net/http moves the inbound Host header into r.Host; put it back so a
	// strict HTTP/1.1 next hop doesn't refuse the chained request.
	if r.Host != "" {
		fmt.Fprintf(&b, "Host: %s\r\n", r.Host)
	}
	_ = r.Header.Write(&b)
	if desc.Auth != "" {
		fmt.Fprintf(&b, "Proxy-Authorization: %s\r\n", desc.Auth)
	}
	b.WriteString("\r\n")

	if s.opts.NegotiationTimeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(s.opts.NegotiationTimeout))
	}
	if _, err := c.Write(b.Bytes()); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("http upstream connect write: %w", err)
	}
	_ = c.SetWriteDeadline(time.Time{})

	return c, nil
}

func (s *Server) connectViaSOCKS(ctx context.Context, r *http.Request, desc *upstream.Descriptor) (net.Conn, error) {
	sd, err := upstream.NewSOCKSDialer(desc, s.opts.DialTimeout)
	if err != nil {
		return nil, err
	}

	host, port := splitConnectTarget(r.Host)

	c, err := sd.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// splitConnectTarget splits a CONNECT target into host and port. The port
// defaults to 80 when absent or unparseable; the raw target keeps its
// original form only on the HTTP-chained path, which never calls this.
func splitConnectTarget(target string) (host, port string) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target, "80"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return host, "80"
	}
	return host, port
}

// writeRawStatus writes a bare status line to a hijacked connection.
func writeRawStatus(w io.Writer, proto, status string) {
	if proto == "" {
		proto = "HTTP/1.0"
	}
	_, _ = fmt.Fprintf(w, "%s %s\r\n\r\n", proto, status)
}

// drainBuffered moves any bytes already buffered by br into dst.
func drainBuffered(br *bufio.Reader, dst io.Writer) error {
	n := br.Buffered()
	if n == 0 {
		return nil
	}
	head, err := br.Peek(n)
	if err != nil {
		return err
	}
	if _, err := dst.Write(head); err != nil {
		return err
	}
	_, err = br.Discard(n)
	return err
}
