package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"
)

// pipePair builds a fake session: the relay runs between clientNear and
// upNear, the test drives clientFar and upFar.
func pipePair() (clientNear, clientFar, upNear, upFar net.Conn) {
	clientNear, clientFar = net.Pipe()
	upNear, upFar = net.Pipe()
	return
}

func assertEOF(t *testing.T, c net.Conn) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := c.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestCopyBidirectionalRelaysBothWays(t *testing.T) {
	clientNear, clientFar, upNear, upFar := pipePair()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = copyBidirectional(context.Background(), clientNear, upNear)
	}()

	_ = clientFar.SetDeadline(time.Now().Add(2 * time.Second))
	_ = upFar.SetDeadline(time.Now().Add(2 * time.Second))

	go func() { _, _ = clientFar.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(upFar, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}

	go func() { _, _ = upFar.Write([]byte("pong")) }()
	if _, err := io.ReadFull(clientFar, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "pong" {
		t.Fatalf("got %q", buf)
	}

	_ = clientFar.Close()
	<-done
	assertEOF(t, upFar)
}

func TestCopyBidirectionalClosePropagation(t *testing.T) {
	tests := []struct {
		name  string
		close func(clientFar, upFar net.Conn)
	}{
		{name: "client first", close: func(clientFar, _ net.Conn) { _ = clientFar.Close() }},
		{name: "upstream first", close: func(_, upFar net.Conn) { _ = upFar.Close() }},
		{name: "both concurrently", close: func(clientFar, upFar net.Conn) {
			var wg sync.WaitGroup
			wg.Go(func() { _ = clientFar.Close() })
			wg.Go(func() { _ = upFar.Close() })
			wg.Wait()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientNear, clientFar, upNear, upFar := pipePair()

			done := make(chan error, 1)
			go func() {
				done <- copyBidirectional(context.Background(), clientNear, upNear)
			}()

			tt.close(clientFar, upFar)

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("relay did not terminate")
			}

			// Both near ends must be closed regardless of ordering.
			if _, err := clientNear.Write([]byte("x")); err == nil {
				t.Error("client side still writable")
			}
			if _, err := upNear.Write([]byte("x")); err == nil {
				t.Error("upstream side still writable")
			}
		})
	}
}

func TestCopyBidirectionalContextCancel(t *testing.T) {
	clientNear, _, upNear, upFar := pipePair()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = copyBidirectional(ctx, clientNear, upNear)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not terminate on cancel")
	}
	assertEOF(t, upFar)
}

func TestIdleTimeoutConnRead(t *testing.T) {
	near, far := net.Pipe()
	defer near.Close()
	defer far.Close()

	c := &idleTimeoutConn{Conn: near, timeout: 50 * time.Millisecond}

	buf := make([]byte, 1)
	if _, err := c.Read(buf); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	// A read that gets data re-arms the deadline.
	go func() { _, _ = far.Write([]byte("x")) }()
	if _, err := c.Read(buf); err != nil {
		t.Fatal(err)
	}
}

func TestIdleClientTearsDownSession(t *testing.T) {
	clientNear, _, upNear, upFar := pipePair()

	done := make(chan struct{})
	go func() {
		defer close(done)
		idle := &idleTimeoutConn{Conn: clientNear, timeout: 50 * time.Millisecond}
		_ = copyBidirectional(context.Background(), idle, upNear)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle session did not terminate")
	}
	assertEOF(t, upFar)
}
