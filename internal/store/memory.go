package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/enterprise/aegis-trust/internal/types"
)

// MemoryStore keeps descriptors in process. Stored values are JSON copies so
// callers can never alias a descriptor held by the store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, file *types.SecureFile) error {
	if err := validate(file); err != nil {
		return err
	}

	data, err := json.Marshal(file)
	if err != nil {
		return NewStorageError(err, "put", file.ID, "failed to serialize descriptor")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[file.ID]; ok {
		return fmt.Errorf("%w: %s", ErrObjectExists, file.ID)
	}
	s.objects[file.ID] = data
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.SecureFile, error) {
	s.mu.RLock()
	data, ok := s.objects[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	return decode(id, data)
}

// List returns every descriptor ordered by id
func (s *MemoryStore) List(_ context.Context) ([]*types.SecureFile, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	files := make([]*types.SecureFile, 0, len(ids))
	for _, id := range ids {
		file, err := decode(id, s.objects[id])
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		files = append(files, file)
	}
	s.mu.RUnlock()

	return files, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func decode(key string, data []byte) (*types.SecureFile, error) {
	var file types.SecureFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, NewStorageError(err, "get", key, "failed to deserialize descriptor")
	}
	return &file, nil
}
