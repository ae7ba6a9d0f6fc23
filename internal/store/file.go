package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/friespotatotissue/please/internal/core"
)

// FileStore keeps identities in one JSON document. Every save rewrites the
// whole document through a temporary file and a rename, so readers never
// see a partial write.
type FileStore struct {
	path string

	mu      sync.Mutex
	records map[string]core.IdentityRecord
	loaded  bool
}

var _ core.IdentityStore = (*FileStore)(nil)

// NewFileStore returns a store backed by path. The file is created on the
// first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, records: make(map[string]core.IdentityRecord)}
}

// LoadIdentities reads the document. A missing file is an empty store.
func (f *FileStore) LoadIdentities(_ context.Context) (map[string]core.IdentityRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]core.IdentityRecord, len(f.records))
	for id, rec := range f.records {
		out[id] = rec
	}
	return out, nil
}

// SaveIdentity updates one record and rewrites the document.
func (f *FileStore) SaveIdentity(_ context.Context, rec core.IdentityRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("identity id is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return err
	}
	prev, had := f.records[rec.ID]
	f.records[rec.ID] = rec
	if err := f.writeLocked(); err != nil {
		if had {
			f.records[rec.ID] = prev
		} else {
			delete(f.records, rec.ID)
		}
		return err
	}
	return nil
}

func (f *FileStore) loadLocked() error {
	if f.loaded {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read identity file: %w", err)
	}
	recs := make(map[string]core.IdentityRecord)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &recs); err != nil {
			return fmt.Errorf("decode identity file %s: %w", f.path, err)
		}
	}
	for id, rec := range recs {
		rec.ID = id
		f.records[id] = rec
	}
	f.loaded = true
	slog.Debug("identity file loaded", "path", f.path, "count", len(recs))
	return nil
}

func (f *FileStore) writeLocked() error {
	data, err := json.MarshalIndent(f.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity file: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace identity file: %w", err)
	}
	return nil
}
