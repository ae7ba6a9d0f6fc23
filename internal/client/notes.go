package client

import (
	"sync"
	"time"
)

// DefaultFlushInterval is how often buffered notes are sent.
const DefaultFlushInterval = 200 * time.Millisecond

// NoteEvent is one entry of an n batch. D is the offset in ms from the first
// event of the batch and is omitted on that first event. S marks a release.
type NoteEvent struct {
	N string   `json:"n"`
	V *float64 `json:"v,omitempty"`
	D int64    `json:"d,omitempty"`
	S int      `json:"s,omitempty"`
}

// NoteBuffer collects note events between flushes.
type NoteBuffer struct {
	now func() time.Time

	mu     sync.Mutex
	start  time.Time
	events []NoteEvent
}

// NewNoteBuffer returns an empty buffer reading now, or time.Now when nil.
func NewNoteBuffer(now func() time.Time) *NoteBuffer {
	if now == nil {
		now = time.Now
	}
	return &NoteBuffer{now: now}
}

// Start buffers a note-on.
func (b *NoteBuffer) Start(note string, vel float64) {
	b.push(NoteEvent{N: note, V: &vel})
}

// Stop buffers a note-off.
func (b *NoteBuffer) Stop(note string) {
	b.push(NoteEvent{N: note, S: 1})
}

func (b *NoteBuffer) push(ev NoteEvent) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		b.start = now
	} else {
		ev.D = now.Sub(b.start).Milliseconds()
	}
	b.events = append(b.events, ev)
}

// Drain returns the buffered events and the time of the first one, and
// empties the buffer. ok is false when nothing was buffered.
func (b *NoteBuffer) Drain() (events []NoteEvent, start time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil, time.Time{}, false
	}
	events, start = b.events, b.start
	b.events = nil
	return events, start, true
}

// Reset discards buffered events.
func (b *NoteBuffer) Reset() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}
