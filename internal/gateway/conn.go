package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/coppermind/agentbridge/internal/protocol"
)

// sendBufferSize is the per-connection outgoing queue depth. Envelope writes
// are non-blocking up to this depth.
const sendBufferSize = 256

// Conn is one authenticated client connection. It implements
// dispatch.ConnWriter: envelopes are queued on a buffered channel and
// written by a single pump goroutine, so callers never interleave frames.
type Conn struct {
	id        string
	principal string
	sock      *websocket.Conn

	send  chan []byte
	done  chan struct{}
	once  sync.Once
	alive atomic.Bool
}

func newConn(id, principal string, sock *websocket.Conn) *Conn {
	c := &Conn{
		id:        id,
		principal: principal,
		sock:      sock,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Principal returns the authenticated principal.
func (c *Conn) Principal() string { return c.principal }

// SendEnvelope queues an envelope for delivery. Sends against a dead
// connection are dropped.
func (c *Conn) SendEnvelope(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("ws: marshal envelope", "conn_id", c.id, "type", env.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

// writePump drains the send queue onto the socket. It exits when the
// connection is shut down or a write fails.
func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.sock.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("ws: write failed", "conn_id", c.id, "error", err)
				c.shutdown()
				return
			}
		}
	}
}

// markAlive records traffic for the liveness check. Any application message
// or pong counts.
func (c *Conn) markAlive() { c.alive.Store(true) }

// shutdown makes the connection unusable for further sends. Idempotent.
func (c *Conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}
