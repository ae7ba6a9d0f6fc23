// Package client is a reconnecting WebSocket client that mirrors one
// connection's view of the server: the signed-in user, the current room and
// its participants, and the server clock offset. It also batches outgoing
// notes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/friespotatotissue/please/internal/protocol"
)

// DefaultPingInterval is how often a t ping is sent while connected.
const DefaultPingInterval = 20 * time.Second

const writeTimeout = 5 * time.Second

// ErrNotConnected is returned by senders while no connection is up.
var ErrNotConnected = errors.New("not connected")

// Options configures a Client. Zero values pick the defaults.
type Options struct {
	// Token is sent with hi and as the token query parameter.
	Token         string
	Dialer        *websocket.Dialer
	Backoff       *Backoff
	PingInterval  time.Duration
	FlushInterval time.Duration
	Now           func() time.Time
	// OnEnvelope sees every inbound envelope after the mirror has applied
	// it. It runs on the read goroutine.
	OnEnvelope func(typ string, raw json.RawMessage)
}

type desiredRoom struct {
	id  string
	set *protocol.SettingsPatch
}

// Client connects to a server's /ws endpoint and keeps reconnecting until
// Stop is called.
type Client struct {
	url  string
	opts Options

	clock   *ClockSync
	notes   *NoteBuffer
	roster  *Roster
	backoff *Backoff

	writeMu sync.Mutex

	mu            sync.Mutex
	conn          *websocket.Conn
	user          *protocol.User
	room          *protocol.RoomInfo
	participantID int
	desired       *desiredRoom
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New returns a client for the WebSocket endpoint at rawURL.
func New(rawURL string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		url:     u.String(),
		opts:    opts,
		clock:   NewClockSync(opts.Now),
		notes:   NewNoteBuffer(opts.Now),
		roster:  newRoster(),
		backoff: opts.Backoff,
	}, nil
}

// Start begins connecting in the background. It is a no-op when already
// started.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop disconnects and waits for every background goroutine to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.clock.Stop()
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		delay := c.backoff.Next()
		slog.Info("client disconnected, retrying", "url", c.url, "err", err, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.backoff.Reset()
	defer c.teardown(conn)

	if err := c.send(protocol.Hi{Token: c.opts.Token}); err != nil {
		return fmt.Errorf("send hi: %w", err)
	}
	slog.Debug("client connected", "url", c.url)

	done := make(chan struct{})
	defer close(done)
	c.wg.Add(1)
	go c.tick(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(data)
	}
}

// tick drives pings and note flushes for one connection, and closes it when
// ctx ends so the blocked read returns.
func (c *Client) tick(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()
	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()
	flush := time.NewTicker(c.opts.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-done:
			return
		case <-ping.C:
			if err := c.send(protocol.TimeSync{E: float64(c.opts.Now().UnixMilli())}); err != nil {
				slog.Debug("client ping failed", "err", err)
			}
		case <-flush.C:
			if err := c.flushNotes(); err != nil {
				slog.Debug("client note flush failed", "err", err)
			}
		}
	}
}

func (c *Client) teardown(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.user = nil
	c.room = nil
	c.participantID = 0
	c.mu.Unlock()
	c.roster.Clear()
	c.notes.Reset()
}

func (c *Client) dispatch(data []byte) {
	raws, err := protocol.ParseFrame(data)
	if err != nil {
		slog.Warn("client dropped malformed frame", "err", err)
		return
	}
	for _, raw := range raws {
		typ, err := protocol.PeekType(raw)
		if err != nil {
			slog.Warn("client dropped malformed envelope", "err", err)
			continue
		}
		if err := c.apply(typ, raw); err != nil {
			slog.Warn("client dropped envelope", "type", typ, "err", err)
			continue
		}
		if c.opts.OnEnvelope != nil {
			c.opts.OnEnvelope(typ, raw)
		}
	}
}

func (c *Client) apply(typ string, raw json.RawMessage) error {
	switch typ {
	case protocol.TypeHi:
		var msg protocol.HiReply
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		c.mu.Lock()
		c.user = &msg.U
		desired := c.desired
		c.mu.Unlock()
		c.clock.Receive(msg.T)
		if desired != nil {
			return c.send(protocol.ChangeRoom{ID: desired.id, Set: desired.set})
		}
	case protocol.TypeTime:
		var msg protocol.TimeReply
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		c.clock.Receive(msg.T)
	case protocol.TypeChannel:
		var msg protocol.RoomState
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		c.mu.Lock()
		c.room = &msg.Ch
		if c.desired == nil || c.desired.id != msg.Ch.ID {
			c.desired = &desiredRoom{id: msg.Ch.ID}
		}
		if msg.P != 0 {
			c.participantID = msg.P
		}
		c.mu.Unlock()
		c.roster.Replace(msg.Ppl)
	case protocol.TypeParticipant:
		var msg protocol.ParticipantUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		c.roster.Update(msg.Participant)
	case protocol.TypeMouse:
		var msg protocol.MouseRelay
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		c.roster.Move(msg.ID, msg.X, msg.Y)
	case protocol.TypeBye:
		var msg protocol.Bye
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		c.roster.Remove(msg.P)
	}
	return nil
}

func (c *Client) send(msgs ...protocol.Inbound) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	tagged := make([]any, 0, len(msgs))
	for _, m := range msgs {
		raw, err := protocol.Tag(m)
		if err != nil {
			return err
		}
		tagged = append(tagged, raw)
	}
	data, err := protocol.EncodeFrame(tagged...)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) flushNotes() error {
	events, start, ok := c.notes.Drain()
	if !ok {
		return nil
	}
	n, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode notes: %w", err)
	}
	t, err := json.Marshal(float64(start.UnixMilli()) + c.clock.Offset())
	if err != nil {
		return fmt.Errorf("encode note time: %w", err)
	}
	return c.send(protocol.Notes{N: n, T: t})
}

// SetChannel asks to move into room id. The request is remembered and sent
// again after every reconnect.
func (c *Client) SetChannel(id string, set *protocol.SettingsPatch) error {
	c.mu.Lock()
	c.desired = &desiredRoom{id: id, set: set}
	c.mu.Unlock()
	return c.send(protocol.ChangeRoom{ID: id, Set: set})
}

// SetRoomSettings patches the current room. The server ignores it unless
// this client holds the crown.
func (c *Client) SetRoomSettings(set protocol.SettingsPatch) error {
	return c.send(protocol.SetRoom{Set: set})
}

// Chat posts one line to the current room.
func (c *Client) Chat(message string) error {
	return c.send(protocol.Chat{Message: message})
}

// SetUser changes the display name and/or color.
func (c *Client) SetUser(name, color string) error {
	return c.send(protocol.UserSet{Set: protocol.UserPatch{Name: name, Color: color}})
}

// MoveMouse shares a cursor position.
func (c *Client) MoveMouse(x, y float64) error {
	xs, _ := json.Marshal(x)
	ys, _ := json.Marshal(y)
	return c.send(protocol.Mouse{X: xs, Y: ys})
}

// SubscribeRooms asks for the room list and its updates.
func (c *Client) SubscribeRooms() error {
	return c.send(protocol.ListSubscribe{})
}

// UnsubscribeRooms stops room list updates.
func (c *Client) UnsubscribeRooms() error {
	return c.send(protocol.ListUnsubscribe{})
}

// StartNote buffers a note-on. It is dropped while disconnected or while
// crownsolo keeps this client from playing.
func (c *Client) StartNote(note string, vel float64) bool {
	if !c.IsConnected() || c.PreventsPlaying() {
		return false
	}
	c.notes.Start(note, vel)
	return true
}

// StopNote buffers a note-off under the same conditions as StartNote.
func (c *Client) StopNote(note string) bool {
	if !c.IsConnected() || c.PreventsPlaying() {
		return false
	}
	c.notes.Stop(note)
	return true
}

// IsConnected reports whether a socket is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// User returns the signed-in user once hi has been answered.
func (c *Client) User() (protocol.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return protocol.User{}, false
	}
	return *c.user, true
}

// Room returns the last room snapshot.
func (c *Client) Room() (protocol.RoomInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return protocol.RoomInfo{}, false
	}
	return *c.room, true
}

// ParticipantID returns this client's room-local id, or 0 outside a room.
func (c *Client) ParticipantID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// Participants returns the cached members of the current room.
func (c *Client) Participants() []Participant {
	return c.roster.List()
}

// Participant returns one cached member.
func (c *Client) Participant(id int) (Participant, bool) {
	return c.roster.Get(id)
}

// IsOwner reports whether this client holds the current room's crown,
// either by participant or by user.
func (c *Client) IsOwner() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil || c.room.Crown == nil {
		return false
	}
	crown := c.room.Crown
	if c.participantID != 0 && crown.ParticipantID == c.participantID {
		return true
	}
	return c.user != nil && crown.UserID == c.user.ID
}

// PreventsPlaying reports whether crownsolo forbids this client from
// playing.
func (c *Client) PreventsPlaying() bool {
	c.mu.Lock()
	solo := c.conn != nil && c.room != nil && c.room.Settings.CrownSolo
	c.mu.Unlock()
	return solo && !c.IsOwner()
}

// ServerTime estimates the server clock in Unix ms.
func (c *Client) ServerTime() float64 {
	return c.clock.ServerNow()
}

// ClockOffset returns the converging server minus local offset in ms.
func (c *Client) ClockOffset() float64 {
	return c.clock.Offset()
}
