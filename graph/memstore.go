package graph

import (
	"context"
	"strings"
	"sync"
)

// MemStore is an in-process Store. It backs single-relay deployments and
// every test in the tree. Values are copied on the way in and out.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Put(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), value...)
	return nil
}

func (s *MemStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemStore) Map(ctx context.Context, parent string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(parent, "/") + "/"
	out := make(map[string][]byte)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for path, v := range s.data {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		child := strings.TrimPrefix(path, prefix)
		if strings.Contains(child, "/") {
			continue // grandchildren are not enumerated
		}
		out[child] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *MemStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, path)
	return nil
}

// Len reports the number of stored paths. Test helper.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
