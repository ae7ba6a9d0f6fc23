package core

import (
	"log/slog"
	"strings"

	"github.com/friespotatotissue/please/internal/protocol"
)

// Note quotas handed to a joiner. Rooms whose name contains "black" get the
// generous allowance.
var (
	defaultQuota = protocol.NoteQuota{M: protocol.TypeNoteQuota, Allowance: 200, Max: 600, HistLen: 0}
	blackQuota   = protocol.NoteQuota{M: protocol.TypeNoteQuota, Allowance: 8000, Max: 24000, HistLen: 3}
)

func noteQuota(room string) protocol.NoteQuota {
	if strings.Contains(strings.ToLower(room), "black") {
		return blackQuota
	}
	return defaultQuota
}

// Handle dispatches one decoded envelope for c.
func (e *Engine) Handle(c *Conn, in protocol.Inbound) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("handler panic", "conn_id", c.id, "type", in.Type(), "panic", rec)
			e.notify(c, "Something went wrong handling your last request.")
		}
	}()

	if c.closed {
		return
	}
	e.observer.EnvelopeHandled(in.Type())

	switch msg := in.(type) {
	case protocol.Hi:
		e.handleHi(c, msg)
	case protocol.TimeSync:
		e.handleTime(c, msg)
	case protocol.ChangeRoom:
		e.handleChangeRoom(c, msg)
	case protocol.SetRoom:
		e.handleSetRoom(c, msg)
	case protocol.Chat:
		e.handleChat(c, msg)
	case protocol.Notes:
		e.handleNotes(c, msg)
	case protocol.Mouse:
		e.handleMouse(c, msg)
	case protocol.ListSubscribe:
		e.handleListSubscribe(c)
	case protocol.ListUnsubscribe:
		c.listening = false
	case protocol.UserSet:
		e.handleUserSet(c, msg)
	default:
		slog.Debug("unhandled envelope", "conn_id", c.id, "type", in.Type())
	}
}

func (e *Engine) handleHi(c *Conn, msg protocol.Hi) {
	origin := c.origin
	if msg.Token != "" {
		origin.Token = msg.Token
	}
	id, err := e.resolver.Resolve(origin)
	if err != nil {
		slog.Warn("identity resolution failed", "conn_id", c.id, "remote", origin.RemoteAddr, "err", err)
		return
	}

	if c.identityID != id {
		if old := e.identities.Find(c.identityID); old != nil {
			e.leaveCurrentRoom(c)
			e.identities.detach(old)
		}
		ident := e.identities.GetOrCreate(id)
		e.identities.attach(ident)
		c.identityID = id
		slog.Info("identity attached", "conn_id", c.id, "identity_id", id, "name", ident.Name)
	}

	ident := e.identities.Find(id)
	c.Send(protocol.HiReply{M: protocol.TypeHi, U: ident.User(), T: e.now().UnixMilli()})
}

func (e *Engine) handleTime(c *Conn, msg protocol.TimeSync) {
	if c.identityID == "" {
		return
	}
	now := e.now().UnixMilli()
	c.Send(protocol.TimeReply{M: protocol.TypeTime, T: now, E: msg.E, Echo: msg.E - float64(now)})
}

func (e *Engine) handleChangeRoom(c *Conn, msg protocol.ChangeRoom) {
	ident := e.identities.Find(c.identityID)
	if ident == nil {
		return
	}
	name := NormalizeRoomName(msg.ID)

	if c.room == name {
		if r := e.rooms.Get(name); r != nil {
			c.Send(e.roomState(r, c))
		}
		return
	}

	e.leaveCurrentRoom(c)
	r, created := e.rooms.GetOrCreate(name, msg.Set)
	p, added := e.rooms.Join(r, ident)
	c.room = name
	ident.Room = name

	if added {
		e.fanout(r, protocol.ParticipantUpdate{M: protocol.TypeParticipant, Participant: p.Info()}, ident.ID)
	}
	e.broadcastRoomState(r)
	c.SendBatch(
		protocol.ChatHistory{M: protocol.TypeChatHistory, C: r.History()},
		noteQuota(name),
	)
	if added || created {
		e.publishRoom(r, false)
	}
}

func (e *Engine) handleSetRoom(c *Conn, msg protocol.SetRoom) {
	ident, r, _ := e.membership(c)
	if r == nil {
		return
	}
	if !e.rooms.UpdateSettings(r, msg.Set, ident) {
		slog.Debug("settings change refused", "conn_id", c.id, "room", r.Name(), "identity_id", ident.ID)
		return
	}
	e.broadcastRoomState(r)
	e.publishRoom(r, true)
}

func (e *Engine) handleChat(c *Conn, msg protocol.Chat) {
	_, r, p := e.membership(c)
	if p == nil || !r.Settings().Chat {
		return
	}
	out, ok := e.rooms.PostChat(r, p, msg.Message)
	if !ok {
		return
	}
	e.fanout(r, out, "")
}

func (e *Engine) handleNotes(c *Conn, msg protocol.Notes) {
	ident, r, p := e.membership(c)
	if p == nil || len(msg.N) == 0 {
		return
	}
	e.fanout(r, protocol.NoteRelay{M: protocol.TypeNotes, N: msg.N, P: p.ID, T: msg.T}, ident.ID)
}

func (e *Engine) handleMouse(c *Conn, msg protocol.Mouse) {
	ident, r, p := e.membership(c)
	if p == nil {
		return
	}
	e.fanout(r, protocol.MouseRelay{M: protocol.TypeMouse, ID: p.ID, X: msg.X, Y: msg.Y}, ident.ID)
}

func (e *Engine) handleListSubscribe(c *Conn) {
	if c.identityID == "" {
		return
	}
	c.listening = true
	c.Send(protocol.RoomList{M: protocol.TypeList, C: true, U: e.rooms.ListVisible()})
}

func (e *Engine) handleUserSet(c *Conn, msg protocol.UserSet) {
	ident := e.identities.Find(c.identityID)
	if ident == nil {
		return
	}
	if msg.Set.Name == "" && msg.Set.Color == "" {
		return
	}
	if !e.identities.Update(ident, msg.Set.Name, msg.Set.Color) {
		e.notify(c, "Your name could not be saved.")
	}

	// Every room holding a projection of this identity learns the change.
	seen := make(map[string]struct{})
	for _, other := range e.conns {
		if other.identityID != ident.ID || other.room == "" {
			continue
		}
		if _, ok := seen[other.room]; ok {
			continue
		}
		seen[other.room] = struct{}{}
		r := e.rooms.Get(other.room)
		if r == nil {
			continue
		}
		if p := r.Member(ident.ID); p != nil {
			e.fanout(r, protocol.ParticipantUpdate{M: protocol.TypeParticipant, Participant: p.Info()}, "")
		}
	}
}

// membership returns c's identity, current room and projection. Any of them
// may be nil.
func (e *Engine) membership(c *Conn) (*Identity, *Room, *RoomParticipant) {
	ident := e.identities.Find(c.identityID)
	if ident == nil || c.room == "" {
		return ident, nil, nil
	}
	r := e.rooms.Get(c.room)
	if r == nil {
		return ident, nil, nil
	}
	return ident, r, r.Member(ident.ID)
}

// leaveCurrentRoom detaches c from its room. The identity only leaves the
// room when none of its other connections are still in it.
func (e *Engine) leaveCurrentRoom(c *Conn) {
	if c.room == "" {
		return
	}
	name := c.room
	c.room = ""

	ident := e.identities.Find(c.identityID)
	r := e.rooms.Get(name)
	if ident == nil || r == nil {
		return
	}
	for _, other := range e.conns {
		if other != c && other.identityID == ident.ID && other.room == name {
			return
		}
	}

	res := e.rooms.Leave(r, ident)
	if res.Participant == nil {
		return
	}
	if !res.Deleted {
		e.fanout(r, protocol.Bye{M: protocol.TypeBye, P: res.Participant.ID}, "")
		if res.CrownMoved {
			e.broadcastRoomState(r)
		}
	}
	e.publishRoom(r, res.Deleted)
}

// roomState builds the ch snapshot for one recipient. P carries the
// recipient's own participant id.
func (e *Engine) roomState(r *Room, c *Conn) protocol.RoomState {
	st := protocol.RoomState{
		M:   protocol.TypeChannel,
		Ch:  r.Info(),
		Ppl: r.Participants(),
	}
	if p := r.Member(c.identityID); p != nil {
		st.P = p.ID
	}
	return st
}

func (e *Engine) broadcastRoomState(r *Room) {
	n := 0
	for _, c := range e.conns {
		if c.room != r.Name() {
			continue
		}
		if c.Offer(e.roomState(r, c)) {
			n++
		}
	}
	e.observer.Fanout(n)
}

// fanout sends msg to every connection in r, skipping connections of
// exceptIdentity.
func (e *Engine) fanout(r *Room, msg any, exceptIdentity string) {
	n := 0
	for _, c := range e.conns {
		if c.room != r.Name() {
			continue
		}
		if exceptIdentity != "" && c.identityID == exceptIdentity {
			continue
		}
		if c.Offer(msg) {
			n++
		}
	}
	e.observer.Fanout(n)
}

// publishRoom pushes an incremental room list update to subscribers.
// Invisible rooms are only announced when force is set, so a room that was
// just hidden or deleted drops out of client lists.
func (e *Engine) publishRoom(r *Room, force bool) {
	if !force && !r.Settings().Visible && r.Name() != LobbyName {
		return
	}
	update := protocol.RoomList{M: protocol.TypeList, C: false, U: []protocol.RoomInfo{r.Info()}}
	n := 0
	for _, c := range e.conns {
		if c.listening && c.Offer(update) {
			n++
		}
	}
	if n > 0 {
		e.observer.Fanout(n)
	}
}

func (e *Engine) notify(c *Conn, text string) {
	c.Send(protocol.Notification{
		M:        protocol.TypeNotification,
		Title:    "Error",
		Text:     text,
		Class:    "short",
		Duration: 7000,
	})
}
