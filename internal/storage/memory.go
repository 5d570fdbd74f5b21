package storage

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// MemoryStore keeps blobs and lists in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	lists map[string]List
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		lists: make(map[string]List),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "blob %s", key)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *MemoryStore) GetList(_ context.Context, key string) (*List, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.lists[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "list %s", key)
	}
	list.Items = append([]HistoryItem(nil), list.Items...)
	return &list, nil
}

func (s *MemoryStore) SetList(_ context.Context, key string, list *List) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if list == nil {
		list = &List{}
	}
	stored := *list
	stored.Items = append([]HistoryItem(nil), list.Items...)
	s.lists[key] = stored
	return nil
}
