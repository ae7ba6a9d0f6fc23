package protocol

import "encoding/json"

// Envelope types accepted from clients.
const (
	TypeHi              = "hi"
	TypeTime            = "t"
	TypeChannel         = "ch"
	TypeChannelSet      = "chset"
	TypeChat            = "a"
	TypeNotes           = "n"
	TypeMouse           = "m"
	TypeListSubscribe   = "+ls"
	TypeListUnsubscribe = "-ls"
	TypeUserSet         = "userset"
)

// Envelope types only ever sent by the server.
const (
	TypeBye          = "bye"
	TypeParticipant  = "p"
	TypeList         = "ls"
	TypeNoteQuota    = "nq"
	TypeChatHistory  = "c"
	TypeNotification = "notification"
)

// Wire-protocol limits.
const (
	MaxChatLength = 255 // runes in one chat line
	MaxNameLength = 250 // runes in a display name
)

// Inbound is one decoded client envelope. The set of implementations is
// closed; see Decode.
type Inbound interface {
	Type() string
}

// Hi is the handshake. Token is only consulted by token-based identity
// resolution.
type Hi struct {
	Token string `json:"token,omitempty"`
}

// TimeSync asks for the server clock. E is the client's clock in Unix ms.
type TimeSync struct {
	E float64 `json:"e"`
}

// ChangeRoom leaves the current room and joins ID, creating it with Set when
// it does not exist yet.
type ChangeRoom struct {
	ID  string         `json:"_id"`
	Set *SettingsPatch `json:"set,omitempty"`
}

// SetRoom patches the current room's settings. Crown holder only.
type SetRoom struct {
	Set SettingsPatch `json:"set"`
}

// Chat posts one chat line to the current room.
type Chat struct {
	Message string `json:"message"`
}

// Notes is a batch of note events relayed verbatim.
type Notes struct {
	N json.RawMessage `json:"n"`
	T json.RawMessage `json:"t,omitempty"`
}

// Mouse is a cursor position relayed verbatim.
type Mouse struct {
	X json.RawMessage `json:"x"`
	Y json.RawMessage `json:"y"`
}

// ListSubscribe requests the visible room list and subsequent updates.
type ListSubscribe struct{}

// ListUnsubscribe stops room list updates.
type ListUnsubscribe struct{}

// UserSet changes the caller's display name and/or color.
type UserSet struct {
	Set UserPatch `json:"set"`
}

func (Hi) Type() string              { return TypeHi }
func (TimeSync) Type() string        { return TypeTime }
func (ChangeRoom) Type() string      { return TypeChannel }
func (SetRoom) Type() string         { return TypeChannelSet }
func (Chat) Type() string            { return TypeChat }
func (Notes) Type() string           { return TypeNotes }
func (Mouse) Type() string           { return TypeMouse }
func (ListSubscribe) Type() string   { return TypeListSubscribe }
func (ListUnsubscribe) Type() string { return TypeListUnsubscribe }
func (UserSet) Type() string         { return TypeUserSet }

// SettingsPatch carries the room settings a client may change. Nil fields are
// left untouched. The lobby flag is derived from the room name and is never
// client settable.
type SettingsPatch struct {
	Visible   *bool   `json:"visible,omitempty"`
	Chat      *bool   `json:"chat,omitempty"`
	CrownSolo *bool   `json:"crownsolo,omitempty"`
	Color     *string `json:"color,omitempty"`
}

// UserPatch carries requested identity changes. Empty fields are unchanged.
type UserPatch struct {
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

// Settings is the full settings block of a room.
type Settings struct {
	Visible   bool   `json:"visible"`
	Chat      bool   `json:"chat"`
	CrownSolo bool   `json:"crownsolo"`
	Color     string `json:"color"`
	Lobby     bool   `json:"lobby"`
}

// Crown is the ownership token of a room.
type Crown struct {
	ParticipantID int    `json:"participantId"`
	UserID        string `json:"userId"`
	Time          int64  `json:"time"`
}

// User is the identity snapshot sent in the hi reply.
type User struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Participant is the room-local projection of a user.
type Participant struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	UserID string `json:"_id"`
}

// RoomInfo is the room snapshot used by ch and ls messages.
type RoomInfo struct {
	ID       string   `json:"_id"`
	Settings Settings `json:"settings"`
	Count    int      `json:"count"`
	Crown    *Crown   `json:"crown,omitempty"`
}

// HiReply answers hi.
type HiReply struct {
	M string `json:"m"`
	U User   `json:"u"`
	T int64  `json:"t"`
}

// TimeReply answers t. Echo is the client timestamp minus the server clock.
type TimeReply struct {
	M    string  `json:"m"`
	T    int64   `json:"t"`
	E    float64 `json:"e"`
	Echo float64 `json:"echo"`
}

// RoomState is the ch snapshot. Each recipient's copy carries its own
// participant id in P.
type RoomState struct {
	M   string        `json:"m"`
	Ch  RoomInfo      `json:"ch"`
	P   int           `json:"p,omitempty"`
	Ppl []Participant `json:"ppl"`
}

// ParticipantUpdate announces a new or changed participant.
type ParticipantUpdate struct {
	M string `json:"m"`
	Participant
}

// ChatMessage is one stored and broadcast chat line.
type ChatMessage struct {
	M string      `json:"m"`
	P Participant `json:"p"`
	A string      `json:"a"`
	T int64       `json:"t"`
}

// ChatHistory replays a room's stored chat to a joining participant.
type ChatHistory struct {
	M string        `json:"m"`
	C []ChatMessage `json:"c"`
}

// NoteRelay is a note batch stamped with the sender's room-local id.
type NoteRelay struct {
	M string          `json:"m"`
	N json.RawMessage `json:"n"`
	P int             `json:"p"`
	T json.RawMessage `json:"t,omitempty"`
}

// MouseRelay is a cursor move stamped with the sender's room-local id.
type MouseRelay struct {
	M  string          `json:"m"`
	ID int             `json:"id"`
	X  json.RawMessage `json:"x"`
	Y  json.RawMessage `json:"y"`
}

// RoomList is the ls reply. C is true for a complete list and false for an
// incremental update.
type RoomList struct {
	M string     `json:"m"`
	C bool       `json:"c"`
	U []RoomInfo `json:"u"`
}

// NoteQuota tells a client how many note events it may send.
type NoteQuota struct {
	M         string `json:"m"`
	Allowance int    `json:"allowance"`
	Max       int    `json:"max"`
	HistLen   int    `json:"histLen"`
}

// Bye announces that a participant left the room.
type Bye struct {
	M string `json:"m"`
	P int    `json:"p"`
}

// Notification is a best-effort message shown to one client.
type Notification struct {
	M        string `json:"m"`
	Title    string `json:"title,omitempty"`
	Text     string `json:"text"`
	Class    string `json:"class,omitempty"`
	Duration int    `json:"duration,omitempty"`
}
