package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node smoke
// runs. Not shared across processes; everything sits behind one mutex.
type MemoryStore struct {
	mu     sync.Mutex
	hashes map[string]map[string][]byte
	queues map[string][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string]map[string][]byte),
		queues: make(map[string][][]byte),
	}
}

func (s *MemoryStore) HashSet(ctx context.Context, table, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[table]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[table] = h
	}
	h[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) HashGet(ctx context.Context, table, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hashes[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) HashGetAll(ctx context.Context, table string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.hashes[table]))
	for k, v := range s.hashes[table] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *MemoryStore) HashDelete(ctx context.Context, table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes[table], key)
	return nil
}

func (s *MemoryStore) ListPush(ctx context.Context, queue string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[queue] = append(s.queues[queue], append([]byte(nil), value...))
	return nil
}

// ListBlockingPop polls under the mutex until an entry shows up or the
// timeout passes. Polling is fine here; this backend never crosses a
// process boundary.
func (s *MemoryStore) ListBlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if q := s.queues[queue]; len(q) > 0 {
			v := q[0]
			s.queues[queue] = q[1:]
			s.mu.Unlock()
			return v, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ErrEmpty
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (s *MemoryStore) ListLength(ctx context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[queue])), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
