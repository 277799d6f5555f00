package testutil

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"

	"github.com/txthinking/socks5"
)

// ConnectProxy is a mock HTTP CONNECT proxy. It records the most recent
// CONNECT request it receives so tests can assert on forwarded headers.
type ConnectProxy struct {
	ln   net.Listener
	wg   sync.WaitGroup
	mu   sync.Mutex
	req  *http.Request
	fail bool
}

// StartConnectProxy starts a mock next-hop proxy whose connections each read
// a CONNECT request, dial the target, reply 200, and relay bytes. If fail is
// true it replies 502 instead of dialing.
func StartConnectProxy(t *testing.T, ctx context.Context, fail bool) *ConnectProxy {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	p := &ConnectProxy{ln: ln, fail: fail}
	p.wg.Go(p.serve)
	return p
}

func (p *ConnectProxy) Addr() string { return p.ln.Addr().String() }

// Request returns the CONNECT request seen by the proxy, or nil if none
// arrived yet.
func (p *ConnectProxy) Request() *http.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.req
}

// Close shuts the listener down and waits for the handler to return.
func (p *ConnectProxy) Close() {
	_ = p.ln.Close()
	p.wg.Wait()
}

func (p *ConnectProxy) serve() {
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.wg.Go(func() { p.handle(c) })
	}
}

func (p *ConnectProxy) handle(c net.Conn) {
	defer c.Close()

	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil || req.Method != http.MethodConnect {
		return
	}
	_ = req.Body.Close()

	p.mu.Lock()
	p.req = req
	p.mu.Unlock()

	if p.fail {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}

	dst, err := net.Dial("tcp", req.Host)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer dst.Close()

	_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")

	go func() {
		_, _ = io.Copy(dst, br)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)
}

// ServeSOCKS5Connect speaks the server side of one SOCKS5 CONNECT on c,
// requiring the given credentials when they are non-empty, then relays bytes
// to the requested target.
func ServeSOCKS5Connect(ctx context.Context, c net.Conn, user, pass string) error {
	if _, err := socks5.NewNegotiationRequestFrom(c); err != nil {
		return err
	}

	if user == "" && pass == "" {
		if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(c); err != nil {
			return err
		}
	} else {
		if _, err := socks5.NewNegotiationReply(socks5.MethodUsernamePassword).WriteTo(c); err != nil {
			return err
		}

		urq, err := socks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return err
		}
		if string(urq.Uname) != user || string(urq.Passwd) != pass {
			_, _ = socks5.NewUserPassNegotiationReply(socks5.UserPassStatusFailure).WriteTo(c)
			return nil
		}
		if _, err := socks5.NewUserPassNegotiationReply(socks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return err
		}
	}

	req, err := socks5.NewRequestFrom(c)
	if err != nil {
		return err
	}
	if req.Cmd != socks5.CmdConnect {
		_, _ = socks5.NewReply(socks5.RepCommandNotSupported, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return nil
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_, _ = socks5.NewReply(socks5.RepHostUnreachable, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return nil
	}
	defer dst.Close()

	a, addr, port, err := socks5.ParseAddress(dst.LocalAddr().String())
	if err != nil {
		return err
	}
	if a == socks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := socks5.NewReply(socks5.RepSuccess, a, addr, port).WriteTo(c); err != nil {
		return err
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)

	return nil
}

// ServeSOCKS4Connect speaks the server side of one SOCKS4 CONNECT on c and
// relays bytes to the requested target. Targets must be IPv4 literals.
func ServeSOCKS4Connect(ctx context.Context, c net.Conn) error {
	var head [8]byte
	if _, err := io.ReadFull(c, head[:]); err != nil {
		return err
	}

	br := bufio.NewReader(c)
	// Null-terminated userid; discarded.
	if _, err := br.ReadBytes(0x00); err != nil {
		return err
	}

	reply := func(code byte) {
		_, _ = c.Write([]byte{0x00, code, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	}

	if head[0] != 0x04 || head[1] != 0x01 {
		reply(0x5B)
		return nil
	}

	port := binary.BigEndian.Uint16(head[2:4])
	ip := net.IPv4(head[4], head[5], head[6], head[7])

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	if err != nil {
		reply(0x5B)
		return nil
	}
	defer dst.Close()

	reply(0x5A)

	go func() {
		_, _ = io.Copy(dst, br)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)

	return nil
}
