package clips

import (
	"context"
	"sync"
)

// Store persists registered clip metadata. The directory scan remains the
// source of truth for which files exist; the store supplies the trigger
// reason and duration the filesystem cannot.
type Store interface {
	Save(ctx context.Context, meta Meta) error
	BySession(ctx context.Context, sessionID string) ([]Meta, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// InMemoryStore is the default store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Meta
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Meta)}
}

func (s *InMemoryStore) Save(_ context.Context, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[meta.SessionID] = append(s.records[meta.SessionID], meta)
	return nil
}

func (s *InMemoryStore) BySession(_ context.Context, sessionID string) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	out := make([]Meta, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
