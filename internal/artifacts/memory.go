package artifacts

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"rubintv/services/backend/internal/models"
)

// MemoryStore is an in-process bucket used for local development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	listErr error
	lists   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(key string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), payload...)
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
}

// FailLists makes every subsequent ListObjects call return err until cleared with nil.
func (s *MemoryStore) FailLists(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

func (s *MemoryStore) ListCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lists
}

func (s *MemoryStore) ListObjects(ctx context.Context, prefix string) ([]models.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lists++
	listErr := s.listErr
	s.mu.Unlock()
	if listErr != nil {
		return nil, listErr
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	objects := make([]models.Object, 0)
	for key, payload := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		sum := md5.Sum(payload)
		objects = append(objects, models.Object{Key: key, Hash: hex.EncodeToString(sum[:])})
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})
	return objects, nil
}

func (s *MemoryStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.objects[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), payload...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
