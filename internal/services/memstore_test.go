package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Lllllllleong/docingest/internal/pipeline"
)

// memStore is an in-memory pipeline.ObjectStore for tests.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	// putErr fails Put for the given keys, simulating storage outages.
	putErr map[string]error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, putErr: map[string]error{}}
}

func (s *memStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.putErr[key]; ok {
		return err
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, pipeline.ErrObjectNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *memStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStore) clearPutErr(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.putErr, key)
}
