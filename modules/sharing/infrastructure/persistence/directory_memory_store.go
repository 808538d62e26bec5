package persistence

import (
	"context"
	"sync"

	"github.com/gridvault/gridvault/modules/sharing/domain/types"
)

type dirRecord struct {
	ownerID string
	attrs   map[string]string
}

// DirectoryMemoryStore is the in-memory entity directory: every known entity
// ref maps to its owning organization and attribute bag.
type DirectoryMemoryStore struct {
	mu      sync.RWMutex
	records map[string]dirRecord // keyed by ref key "kind:id"
}

func NewDirectoryMemoryStore() *DirectoryMemoryStore {
	return &DirectoryMemoryStore{records: make(map[string]dirRecord)}
}

// Register declares an entity and its owner. Attributes may be nil.
func (s *DirectoryMemoryStore) Register(ref types.EntityRef, ownerID string, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attrs == nil {
		attrs = map[string]string{}
	}
	s.records[ref.Key()] = dirRecord{ownerID: ownerID, attrs: attrs}
}

// RegisterEntity is Register behind the context-taking registrar signature
// shared with the pg store.
func (s *DirectoryMemoryStore) RegisterEntity(_ context.Context, ref types.EntityRef, ownerID string, attrs map[string]string) error {
	s.Register(ref, ownerID, attrs)
	return nil
}

func (s *DirectoryMemoryStore) OwnerOf(_ context.Context, ref types.EntityRef) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[ref.Key()]
	if !ok {
		return "", false, nil
	}
	return rec.ownerID, true, nil
}

func (s *DirectoryMemoryStore) Attributes(_ context.Context, ref types.EntityRef) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[ref.Key()]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(rec.attrs))
	for k, v := range rec.attrs {
		out[k] = v
	}
	return out, nil
}
