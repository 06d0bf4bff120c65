package wsserver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ErrConnClosed is returned when writing to a socket that has closed.
var ErrConnClosed = errors.New("wsserver: connection closed")

// client is one accepted socket. It is the session.Sender of its session.
type client struct {
	id      string
	conn    *websocket.Conn
	timeout time.Duration

	// writeMu keeps frames to one socket from interleaving
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Send implements session.Sender.
func (c *client) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.write(ctx, data)
}

// Closed implements session.Sender.
func (c *client) Closed() bool {
	return c.closed.Load()
}

// write sends one text frame. The caller holds writeMu.
func (c *client) write(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if websocket.CloseStatus(err) != -1 {
			c.closed.Store(true)
			return ErrConnClosed
		}
		return err
	}
	return nil
}

// close marks the client closed and closes the socket. Only the first call
// has any effect.
func (c *client) close(code websocket.StatusCode, reason string) {
	if c.closed.Swap(true) {
		return
	}
	_ = c.conn.Close(code, reason)
}
