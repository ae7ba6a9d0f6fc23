package client

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/friespotatotissue/please/internal/protocol"
)

// Participant is a cached room member with its last known cursor.
type Participant struct {
	protocol.Participant
	X json.RawMessage
	Y json.RawMessage
}

// Roster caches the participants of the current room by room-local id.
type Roster struct {
	mu  sync.RWMutex
	ppl map[int]*Participant
}

func newRoster() *Roster {
	return &Roster{ppl: make(map[int]*Participant)}
}

// Replace syncs the roster with a full ch snapshot. Members missing from
// the snapshot are dropped; the rest are updated in place so cursors stay.
func (r *Roster) Replace(ppl []protocol.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := make(map[int]struct{}, len(ppl))
	for _, p := range ppl {
		keep[p.ID] = struct{}{}
	}
	for id := range r.ppl {
		if _, ok := keep[id]; !ok {
			delete(r.ppl, id)
		}
	}
	for _, p := range ppl {
		r.updateLocked(p)
	}
}

// Update adds or refreshes one participant.
func (r *Roster) Update(p protocol.Participant) {
	r.mu.Lock()
	r.updateLocked(p)
	r.mu.Unlock()
}

func (r *Roster) updateLocked(p protocol.Participant) {
	if cur, ok := r.ppl[p.ID]; ok {
		cur.Participant = p
		return
	}
	r.ppl[p.ID] = &Participant{Participant: p}
}

// Move records a cursor position. Unknown ids are ignored.
func (r *Roster) Move(id int, x, y json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.ppl[id]; ok {
		p.X, p.Y = x, y
	}
}

// Remove drops one participant.
func (r *Roster) Remove(id int) {
	r.mu.Lock()
	delete(r.ppl, id)
	r.mu.Unlock()
}

// Clear empties the roster.
func (r *Roster) Clear() {
	r.mu.Lock()
	clear(r.ppl)
	r.mu.Unlock()
}

// Get returns a copy of one participant.
func (r *Roster) Get(id int) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ppl[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// List returns copies of every participant ordered by id.
func (r *Roster) List() []Participant {
	r.mu.RLock()
	out := make([]Participant, 0, len(r.ppl))
	for _, p := range r.ppl {
		out = append(out, *p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of cached participants.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ppl)
}
