package runctx

import (
	"context"
	"errors"
	"sync"
)

// ErrRunNotFound is returned by Store.Load for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Store persists run summaries so results survive the process. The
// executor works without one; persistence is opt-in.
type Store interface {
	Save(ctx context.Context, summary *Summary) error
	Load(ctx context.Context, runID string) (*Summary, error)
}

// MemoryStore keeps summaries in process memory. It backs tests and the
// default CLI configuration.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Summary
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Summary)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, summary *Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[summary.RunID] = summary
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, runID string) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if summary, ok := s.runs[runID]; ok {
		return summary, nil
	}
	return nil, ErrRunNotFound
}
