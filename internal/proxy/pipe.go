package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// copyBidirectional relays bytes between client and upstream until either
// side closes or errors, then closes both. Teardown runs exactly once no
// matter how many close/error events fire, and closing one side always
// cascades to the other.
func copyBidirectional(ctx context.Context, client, upstream net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	g.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(client, upstream)
		return err
	})

	g.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(upstream, client)
		return err
	})

	// If the context is canceled, close both sides to unblock Copy.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	return g.Wait()
}

// idleTimeoutConn re-arms a read deadline before every read, so a client
// that goes quiet for the configured duration errors out of the relay and
// tears the session down. Advisory liveness cleanup, applied to the client
// side only.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(p []byte) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}
