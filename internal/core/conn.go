package core

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/friespotatotissue/please/internal/protocol"
)

// SendTimeout bounds how long a write to one connection may block.
const SendTimeout = 50 * time.Millisecond

// sendBuffer is the per-connection outbound queue length.
const sendBuffer = 64

// Conn wraps one physical socket: it frames outbound envelopes, tracks
// liveness and remembers which identity and room the connection belongs to.
type Conn struct {
	id      string
	socket  Socket
	origin  Origin
	limiter *rate.Limiter

	alive     atomic.Bool
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// Guarded by Engine.mu.
	identityID string
	room       string
	listening  bool
	closed     bool
}

func newConn(socket Socket, origin Origin, limiter *rate.Limiter) *Conn {
	c := &Conn{
		id:      uuid.NewString(),
		socket:  socket,
		origin:  origin,
		limiter: limiter,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
	c.alive.Store(true)
	go c.writeLoop()
	return c
}

// ID returns the ephemeral connection id.
func (c *Conn) ID() string { return c.id }

// Origin returns the connect-time origin.
func (c *Conn) Origin() Origin { return c.origin }

// Send queues one envelope. It is framed as a one-element array.
func (c *Conn) Send(msg any) bool {
	return c.SendBatch(msg)
}

// SendBatch queues several envelopes as a single frame.
func (c *Conn) SendBatch(msgs ...any) bool {
	data, err := protocol.EncodeFrame(msgs...)
	if err != nil {
		slog.Error("encode outbound frame", "conn_id", c.id, "err", err)
		return false
	}
	return c.sendRaw(data, true)
}

// Offer queues one envelope without waiting. A full queue drops it, so a
// stalled peer cannot hold up a broadcast.
func (c *Conn) Offer(msg any) bool {
	data, err := protocol.EncodeFrame(msg)
	if err != nil {
		slog.Error("encode outbound frame", "conn_id", c.id, "err", err)
		return false
	}
	return c.sendRaw(data, false)
}

func (c *Conn) sendRaw(data []byte, wait bool) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	if !wait {
		select {
		case c.send <- data:
			return true
		default:
			slog.Debug("send queue full, broadcast frame dropped", "conn_id", c.id)
			return false
		}
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	case <-time.After(SendTimeout):
		slog.Debug("send queue full, frame dropped", "conn_id", c.id)
		return false
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.socket.Send(data); err != nil {
				slog.Debug("socket write failed", "conn_id", c.id, "err", err)
				c.Close()
				return
			}
		}
	}
}

// Confirm records a liveness signal (pong or any inbound frame).
func (c *Conn) Confirm() {
	c.alive.Store(true)
}

// HeartbeatTick runs one liveness round. It returns false when the
// connection missed the previous probe and must be terminated; otherwise it
// marks the connection unconfirmed and sends a new probe.
func (c *Conn) HeartbeatTick() bool {
	if !c.alive.Swap(false) {
		return false
	}
	if err := c.socket.Ping(); err != nil {
		slog.Debug("ping failed", "conn_id", c.id, "err", err)
		return false
	}
	return true
}

// allow reports whether another inbound frame fits the rate limit.
func (c *Conn) allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.socket.Close(); err != nil {
			slog.Debug("socket close", "conn_id", c.id, "err", err)
		}
	})
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
