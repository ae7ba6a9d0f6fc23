package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/friespotatotissue/please/internal/protocol"
)

// DefaultHeartbeatInterval is the liveness sweep period. A connection that
// misses two consecutive sweeps is terminated.
const DefaultHeartbeatInterval = 30 * time.Second

// Observer receives engine events. Implementations must be safe for
// concurrent use and must not call back into the engine.
type Observer interface {
	ConnOpened()
	ConnClosed()
	EnvelopeHandled(typ string)
	FrameDropped(reason string)
	Fanout(recipients int)
	HeartbeatTerminated()
}

type nopObserver struct{}

func (nopObserver) ConnOpened()            {}
func (nopObserver) ConnClosed()            {}
func (nopObserver) EnvelopeHandled(string) {}
func (nopObserver) FrameDropped(string)    {}
func (nopObserver) Fanout(int)             {}
func (nopObserver) HeartbeatTerminated()   {}

// Options configures an Engine.
type Options struct {
	// Resolver derives identity ids. Defaults to AddressResolver.
	Resolver IdentityResolver
	// Store persists identities. Nil keeps identities in memory only.
	Store IdentityStore
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
	// HistorySize caps each room's chat history. Defaults to ChatHistorySize.
	HistorySize int
	// RateLimit and RateBurst bound inbound frames per connection. A zero
	// RateLimit disables limiting.
	RateLimit rate.Limit
	RateBurst int
	// Observer receives metrics events.
	Observer Observer
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Connections         int
	Identities          int
	ConnectedIdentities int
	Rooms               int
	Listeners           int
}

// Engine owns the connection pool and the identity and room registries and
// dispatches every envelope.
//
// Lock order: Engine.mu, then Identities.mu, then Rooms.mu. Room state is
// read without Rooms.mu only while Engine.mu is held, since every mutation
// happens under it.
type Engine struct {
	mu         sync.Mutex
	conns      map[string]*Conn
	identities *Identities
	rooms      *Rooms

	resolver  IdentityResolver
	now       func() time.Time
	observer  Observer
	rateLimit rate.Limit
	rateBurst int
}

// NewEngine builds an engine with an empty connection pool.
func NewEngine(opts Options) *Engine {
	if opts.Resolver == nil {
		opts.Resolver = AddressResolver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.RateLimit > 0 && opts.RateBurst <= 0 {
		opts.RateBurst = int(opts.RateLimit) * 2
	}
	return &Engine{
		conns:      make(map[string]*Conn),
		identities: NewIdentities(opts.Store, opts.Now),
		rooms:      NewRooms(opts.HistorySize, opts.Now),
		resolver:   opts.Resolver,
		now:        opts.Now,
		observer:   opts.Observer,
		rateLimit:  opts.RateLimit,
		rateBurst:  opts.RateBurst,
	}
}

// Identities exposes the identity registry.
func (e *Engine) Identities() *Identities { return e.identities }

// Rooms exposes the room registry.
func (e *Engine) Rooms() *Rooms { return e.rooms }

// Load restores persisted identities.
func (e *Engine) Load(ctx context.Context) error {
	return e.identities.Load(ctx)
}

// Accept registers a new connection for socket.
func (e *Engine) Accept(socket Socket, origin Origin) *Conn {
	var limiter *rate.Limiter
	if e.rateLimit > 0 {
		limiter = rate.NewLimiter(e.rateLimit, e.rateBurst)
	}
	c := newConn(socket, origin, limiter)

	e.mu.Lock()
	e.conns[c.id] = c
	total := len(e.conns)
	e.mu.Unlock()

	e.observer.ConnOpened()
	slog.Debug("connection accepted", "conn_id", c.id, "remote", origin.RemoteAddr, "total_conns", total)
	return c
}

// HandleFrame parses one inbound transmission and dispatches each envelope
// in order. Bad frames and envelopes are logged and dropped.
func (e *Engine) HandleFrame(c *Conn, data []byte) {
	c.Confirm()
	if !c.allow() {
		e.observer.FrameDropped("rate_limited")
		slog.Debug("frame dropped by rate limit", "conn_id", c.id)
		return
	}

	envs, err := protocol.ParseFrame(data)
	if err != nil {
		e.observer.FrameDropped("malformed")
		slog.Warn("malformed frame dropped", "conn_id", c.id, "err", err)
		return
	}
	for _, raw := range envs {
		in, err := protocol.Decode(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				slog.Debug("unknown envelope ignored", "conn_id", c.id, "err", err)
				continue
			}
			e.observer.FrameDropped("malformed")
			slog.Warn("malformed envelope dropped", "conn_id", c.id, "err", err)
			if typ, perr := protocol.PeekType(raw); perr == nil {
				e.rejectEnvelope(c, typ)
			}
			continue
		}
		e.Handle(c, in)
	}
}

// rejectEnvelope tells a signed-in sender that an envelope of a known type
// could not be decoded.
func (e *Engine) rejectEnvelope(c *Conn, typ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c.closed || c.identityID == "" {
		return
	}
	e.notify(c, fmt.Sprintf("Your %q message was malformed and has been ignored.", typ))
}

// Disconnect runs the leave cascade for c and removes it from the pool.
// It is idempotent.
func (e *Engine) Disconnect(c *Conn) {
	e.mu.Lock()
	if c.closed {
		e.mu.Unlock()
		return
	}
	c.closed = true
	delete(e.conns, c.id)

	e.leaveCurrentRoom(c)
	c.listening = false
	if ident := e.identities.Find(c.identityID); ident != nil {
		if e.identities.detach(ident) {
			slog.Info("identity disconnected", "identity_id", ident.ID)
		}
	}
	remaining := len(e.conns)
	e.mu.Unlock()

	c.Close()
	e.observer.ConnClosed()
	slog.Debug("connection closed", "conn_id", c.id, "remaining_conns", remaining)
}

// Sweep runs one heartbeat round over every connection and terminates those
// that missed the previous round.
func (e *Engine) Sweep() {
	type target struct {
		conn       *Conn
		identityID string
	}
	e.mu.Lock()
	targets := make([]target, 0, len(e.conns))
	for _, c := range e.conns {
		targets = append(targets, target{conn: c, identityID: c.identityID})
	}
	e.mu.Unlock()

	for _, t := range targets {
		c := t.conn
		if c.HeartbeatTick() {
			continue
		}
		slog.Info("terminating unresponsive connection", "conn_id", c.id, "identity_id", t.identityID)
		e.observer.HeartbeatTerminated()
		e.Disconnect(c)
	}
}

// RunHeartbeat sweeps every interval until ctx is canceled.
func (e *Engine) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Shutdown disconnects every connection.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		e.Disconnect(c)
	}
	slog.Info("engine shut down", "closed_conns", len(conns))
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{
		Connections: len(e.conns),
		Identities:  e.identities.Count(),
		Rooms:       e.rooms.Len(),
	}
	seen := make(map[string]struct{})
	for _, c := range e.conns {
		if c.listening {
			st.Listeners++
		}
		if c.identityID != "" {
			seen[c.identityID] = struct{}{}
		}
	}
	st.ConnectedIdentities = len(seen)
	return st
}

// RoomList returns the visible room list.
func (e *Engine) RoomList() []protocol.RoomInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rooms.ListVisible()
}

// RoomSnapshot returns the state and participants of one room.
func (e *Engine) RoomSnapshot(name string) (protocol.RoomInfo, []protocol.Participant, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.rooms.Get(name)
	if r == nil {
		return protocol.RoomInfo{}, nil, false
	}
	return r.Info(), r.Participants(), true
}
