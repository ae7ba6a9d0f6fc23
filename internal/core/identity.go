package core

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/friespotatotissue/please/internal/protocol"
)

// storeTimeout bounds one persistence call.
const storeTimeout = 5 * time.Second

// IdentityRecord is the persisted part of an identity.
type IdentityRecord struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// IdentityStore is the persistence collaborator for identities. The core
// reads everything once and then writes one record per mutation.
type IdentityStore interface {
	LoadIdentities(ctx context.Context) (map[string]IdentityRecord, error)
	SaveIdentity(ctx context.Context, rec IdentityRecord) error
}

// Identity is the stable, cross-reconnect record of one client.
type Identity struct {
	ID        string
	Name      string
	Color     string
	Connected bool
	LastSeen  time.Time
	// Room is the room most recently joined by any of the identity's
	// connections.
	Room string

	conns int
}

// User returns the wire snapshot of the identity.
func (i *Identity) User() protocol.User {
	return protocol.User{ID: i.ID, Name: i.Name, Color: i.Color}
}

func (i *Identity) record() IdentityRecord {
	return IdentityRecord{ID: i.ID, Name: i.Name, Color: i.Color}
}

// Identities is the identity registry.
type Identities struct {
	mu        sync.Mutex
	store     IdentityStore
	records   map[string]*Identity
	persisted map[string]IdentityRecord
	now       func() time.Time
}

// NewIdentities returns an empty registry. store may be nil.
func NewIdentities(store IdentityStore, now func() time.Time) *Identities {
	if now == nil {
		now = time.Now
	}
	return &Identities{
		store:     store,
		records:   make(map[string]*Identity),
		persisted: make(map[string]IdentityRecord),
		now:       now,
	}
}

// Load reads every persisted identity so later lookups restore name and
// color.
func (r *Identities) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.LoadIdentities(ctx)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range recs {
		r.persisted[id] = rec
	}
	slog.Info("identities loaded", "count", len(recs))
	return nil
}

// GetOrCreate returns the identity for id, restoring or creating it.
// Repeated calls return the same record.
func (r *Identities) GetOrCreate(id string) *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ident, ok := r.records[id]; ok {
		return ident
	}

	if rec, ok := r.persisted[id]; ok {
		ident := &Identity{ID: id, Name: rec.Name, Color: rec.Color, LastSeen: r.now()}
		r.records[id] = ident
		slog.Debug("identity restored", "identity_id", id, "name", ident.Name)
		return ident
	}

	ident := &Identity{ID: id, Name: DefaultName, Color: randomColor(), LastSeen: r.now()}
	r.records[id] = ident
	if err := r.saveLocked(ident); err != nil {
		slog.Error("persist new identity", "identity_id", id, "err", err)
	}
	slog.Info("identity created", "identity_id", id, "color", ident.Color, "total_identities", len(r.records))
	return ident
}

// Find returns the identity for id or nil.
func (r *Identities) Find(id string) *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id]
}

// Update applies a sanitized name and/or color and persists the result.
// An empty name leaves the name unchanged; an invalid color is ignored. The
// in-memory record changes even when persisting fails, in which case false
// is returned.
func (r *Identities) Update(ident *Identity, name, color string) bool {
	if ident == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if name != "" {
		ident.Name = SanitizeName(name)
	}
	if color != "" && ValidColor(color) {
		ident.Color = color
	}
	if err := r.saveLocked(ident); err != nil {
		slog.Error("persist identity update", "identity_id", ident.ID, "err", err)
		return false
	}
	slog.Debug("identity updated", "identity_id", ident.ID, "name", ident.Name, "color", ident.Color)
	return true
}

// Count returns the number of identities seen by this process.
func (r *Identities) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// attach records one more live connection for ident.
func (r *Identities) attach(ident *Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident.conns++
	ident.Connected = true
	ident.LastSeen = r.now()
}

// detach drops one live connection and reports whether the identity is now
// disconnected.
func (r *Identities) detach(ident *Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ident.conns > 0 {
		ident.conns--
	}
	ident.LastSeen = r.now()
	if ident.conns == 0 {
		ident.Connected = false
	}
	return !ident.Connected
}

func (r *Identities) saveLocked(ident *Identity) error {
	rec := ident.record()
	r.persisted[ident.ID] = rec
	if r.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return r.store.SaveIdentity(ctx, rec)
}

func randomColor() string {
	return fmt.Sprintf("#%06x", rand.IntN(0x1000000))
}
