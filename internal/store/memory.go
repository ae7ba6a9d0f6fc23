package store

import (
	"context"
	"sync"

	"github.com/friespotatotissue/please/internal/core"
)

// Memory is a process-local identity store. Identities survive reconnects
// but not restarts.
type Memory struct {
	mu      sync.Mutex
	records map[string]core.IdentityRecord
}

var _ core.IdentityStore = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]core.IdentityRecord)}
}

func (m *Memory) LoadIdentities(context.Context) (map[string]core.IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]core.IdentityRecord, len(m.records))
	for id, rec := range m.records {
		out[id] = rec
	}
	return out, nil
}

func (m *Memory) SaveIdentity(_ context.Context, rec core.IdentityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}
