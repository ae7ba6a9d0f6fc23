package core

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/friespotatotissue/please/internal/protocol"
)

// LobbyName is the permanent default room.
const LobbyName = "lobby"

// DefaultRoomColor is the background color of rooms created without one.
const DefaultRoomColor = "#206694"

// maxRoomNameLength caps room names in runes.
const maxRoomNameLength = 512

// RoomParticipant is the room-local projection of an identity.
type RoomParticipant struct {
	ID       int
	Identity *Identity
}

// Info returns the wire form of the participant using the identity's
// current name and color.
func (p *RoomParticipant) Info() protocol.Participant {
	return protocol.Participant{
		ID:     p.ID,
		Name:   p.Identity.Name,
		Color:  p.Identity.Color,
		UserID: p.Identity.ID,
	}
}

// Room is a named channel. Its state is only mutated through Rooms.
type Room struct {
	name     string
	settings protocol.Settings
	crown    *protocol.Crown
	members  []*RoomParticipant
	nextID   int
	count    int
	chat     *chatHistory
}

// IsLobbyName reports whether name denotes a lobby-class room. Lobby-class
// rooms never carry a crown.
func IsLobbyName(name string) bool {
	return strings.Contains(strings.ToLower(name), LobbyName)
}

// NormalizeRoomName trims and caps a requested room name. Empty names map to
// the lobby.
func NormalizeRoomName(name string) string {
	name = strings.TrimSpace(stripRestricted(name))
	name = truncateRunes(name, maxRoomNameLength)
	if name == "" {
		return LobbyName
	}
	return name
}

// Name returns the room name.
func (r *Room) Name() string { return r.name }

// Settings returns a copy of the room settings.
func (r *Room) Settings() protocol.Settings { return r.settings }

// Crown returns a copy of the crown or nil.
func (r *Room) Crown() *protocol.Crown {
	if r.crown == nil {
		return nil
	}
	c := *r.crown
	return &c
}

// Count returns the cached member count.
func (r *Room) Count() int { return r.count }

// Member returns the projection for identityID or nil.
func (r *Room) Member(identityID string) *RoomParticipant {
	for _, p := range r.members {
		if p.Identity.ID == identityID {
			return p
		}
	}
	return nil
}

// Members returns the projections ordered by room-local id.
func (r *Room) Members() []*RoomParticipant {
	out := make([]*RoomParticipant, len(r.members))
	copy(out, r.members)
	return out
}

// Participants returns the wire form of the member list.
func (r *Room) Participants() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p.Info())
	}
	return out
}

// Info returns the ch/ls snapshot of the room.
func (r *Room) Info() protocol.RoomInfo {
	return protocol.RoomInfo{
		ID:       r.name,
		Settings: r.settings,
		Count:    r.count,
		Crown:    r.Crown(),
	}
}

// History returns the retained chat lines, oldest first.
func (r *Room) History() []protocol.ChatMessage {
	return r.chat.snapshot()
}

// IsOwner reports whether identityID holds the crown.
func (r *Room) IsOwner(identityID string) bool {
	return r.crown != nil && r.crown.UserID == identityID
}

// LeaveResult describes what a Leave changed.
type LeaveResult struct {
	Participant *RoomParticipant
	CrownMoved  bool
	Deleted     bool
}

// Rooms is the room registry. The lobby is created up front and never
// removed.
type Rooms struct {
	mu         sync.Mutex
	rooms      map[string]*Room
	historyCap int
	now        func() time.Time
}

// NewRooms returns a registry holding only the lobby.
func NewRooms(historyCap int, now func() time.Time) *Rooms {
	if now == nil {
		now = time.Now
	}
	rs := &Rooms{
		rooms:      make(map[string]*Room),
		historyCap: historyCap,
		now:        now,
	}
	rs.rooms[LobbyName] = rs.newRoom(LobbyName, nil)
	return rs
}

func (rs *Rooms) newRoom(name string, requested *protocol.SettingsPatch) *Room {
	r := &Room{
		name: name,
		settings: protocol.Settings{
			Visible: true,
			Chat:    true,
			Color:   DefaultRoomColor,
			Lobby:   IsLobbyName(name),
		},
		nextID: 1,
		chat:   newChatHistory(rs.historyCap),
	}
	applyPatch(&r.settings, requested)
	return r
}

// GetOrCreate returns the room called name, creating it with the requested
// settings when absent. The second result reports creation.
func (rs *Rooms) GetOrCreate(name string, requested *protocol.SettingsPatch) (*Room, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if r, ok := rs.rooms[name]; ok {
		return r, false
	}
	r := rs.newRoom(name, requested)
	rs.rooms[name] = r
	slog.Info("room created", "room", name, "lobby", r.settings.Lobby, "total_rooms", len(rs.rooms))
	return r, true
}

// Get returns the room called name or nil.
func (rs *Rooms) Get(name string) *Room {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.rooms[name]
}

// Join adds ident to the room, reusing an existing projection. The crown is
// granted to the joiner when a non-lobby room has none, and its owner
// re-claims it under the fresh projection id.
func (rs *Rooms) Join(r *Room, ident *Identity) (*RoomParticipant, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	p := r.Member(ident.ID)
	added := false
	if p == nil {
		p = &RoomParticipant{ID: r.nextID, Identity: ident}
		r.nextID++
		r.members = append(r.members, p)
		r.count = len(r.members)
		added = true
	}

	switch {
	case r.settings.Lobby:
		r.crown = nil
	case r.crown == nil:
		r.crown = &protocol.Crown{ParticipantID: p.ID, UserID: ident.ID, Time: rs.now().UnixMilli()}
		slog.Info("crown granted", "room", r.name, "identity_id", ident.ID, "participant_id", p.ID)
	case r.crown.UserID == ident.ID:
		r.crown.ParticipantID = p.ID
	}

	if added {
		slog.Debug("room joined", "room", r.name, "identity_id", ident.ID, "participant_id", p.ID, "count", r.count)
	}
	return p, added
}

// Leave removes ident from the room. A departing crown holder's crown moves
// to the connected member with the lowest room-local id. Empty non-lobby
// rooms are deleted.
func (rs *Rooms) Leave(r *Room, ident *Identity) LeaveResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var res LeaveResult
	idx := -1
	for i, p := range r.members {
		if p.Identity.ID == ident.ID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return res
	}
	res.Participant = r.members[idx]
	r.members = append(r.members[:idx], r.members[idx+1:]...)
	r.count = len(r.members)

	if r.crown != nil && r.crown.UserID == ident.ID {
		r.crown = nil
		if next := nextCrownHolder(r.members); next != nil {
			r.crown = &protocol.Crown{ParticipantID: next.ID, UserID: next.Identity.ID, Time: rs.now().UnixMilli()}
			slog.Info("crown transferred", "room", r.name, "from", ident.ID, "to", next.Identity.ID)
		}
		res.CrownMoved = true
	}

	if r.count == 0 && r.name != LobbyName {
		delete(rs.rooms, r.name)
		res.Deleted = true
		slog.Info("room deleted", "room", r.name, "total_rooms", len(rs.rooms))
	}
	return res
}

func nextCrownHolder(members []*RoomParticipant) *RoomParticipant {
	var best *RoomParticipant
	for _, p := range members {
		if !p.Identity.Connected {
			continue
		}
		if best == nil || p.ID < best.ID {
			best = p
		}
	}
	return best
}

// UpdateSettings applies patch when requester holds the crown. Anyone else
// is ignored without error.
func (rs *Rooms) UpdateSettings(r *Room, patch protocol.SettingsPatch, requester *Identity) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if requester == nil || !r.IsOwner(requester.ID) {
		return false
	}
	applyPatch(&r.settings, &patch)
	slog.Debug("room settings updated", "room", r.name, "settings", r.settings)
	return true
}

func applyPatch(s *protocol.Settings, patch *protocol.SettingsPatch) {
	if patch == nil {
		return
	}
	if patch.Visible != nil {
		s.Visible = *patch.Visible
	}
	if patch.Chat != nil {
		s.Chat = *patch.Chat
	}
	if patch.CrownSolo != nil {
		s.CrownSolo = *patch.CrownSolo
	}
	if patch.Color != nil && ValidColor(*patch.Color) {
		s.Color = *patch.Color
	}
}

// PostChat sanitizes text, stores it in the room history and returns the
// finalized message. Empty results are not stored.
func (rs *Rooms) PostChat(r *Room, sender *RoomParticipant, text string) (protocol.ChatMessage, bool) {
	text = SanitizeChat(text)
	if strings.TrimSpace(text) == "" {
		return protocol.ChatMessage{}, false
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	msg := protocol.ChatMessage{
		M: protocol.TypeChat,
		P: sender.Info(),
		A: text,
		T: rs.now().UnixMilli(),
	}
	r.chat.insert(msg)
	return msg, true
}

// ListVisible returns snapshots of every visible room plus the lobby,
// ordered by name.
func (rs *Rooms) ListVisible() []protocol.RoomInfo {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make([]protocol.RoomInfo, 0, len(rs.rooms))
	for name, r := range rs.rooms {
		if r.settings.Visible || name == LobbyName {
			out = append(out, r.Info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live rooms, lobby included.
func (rs *Rooms) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.rooms)
}
