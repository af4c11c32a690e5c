package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps checkpoint state in memory only. It satisfies the Store
// contract for tests and dry runs; nothing survives the process.
type MemoryStore struct {
	mu     sync.Mutex
	done   map[string]struct{}
	cursor Cursor
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{done: make(map[string]struct{})}
}

func (s *MemoryStore) IsDone(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[id]
	return ok
}

func (s *MemoryStore) MarkDone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[id] = struct{}{}
	return nil
}

func (s *MemoryStore) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *MemoryStore) SetCursor(_ context.Context, c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = c
	return nil
}

func (s *MemoryStore) DoneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}

func (s *MemoryStore) Close() error {
	return nil
}
