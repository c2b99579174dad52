package branch

import (
	"sort"
	"strings"
	"sync"
)

// Store persists branch documents keyed by path. Get returns (nil, nil) for
// an unknown path; existence checks belong to the Registry.
type Store interface {
	// Get loads the branch document at path, or nil if none was ever stored.
	Get(path string) (*Branch, error)

	// Put writes the branch document, replacing any previous revision of it.
	Put(b *Branch) error

	// Children returns every branch stored under parentPath, transitively,
	// sorted by path. Deleted branches are included.
	Children(parentPath string) ([]*Branch, error)

	// NextID hands out the next process-unique branch identifier.
	NextID() (int64, error)
}

// MemoryStore is an in-memory Store for tests and ephemeral repositories.
type MemoryStore struct {
	mu       sync.RWMutex
	branches map[string]*Branch
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{branches: make(map[string]*Branch)}
}

// Get implements Store.Get.
func (s *MemoryStore) Get(path string) (*Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[path]
	if !ok {
		return nil, nil
	}
	return b.clone(), nil
}

// Put implements Store.Put.
func (s *MemoryStore) Put(b *Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[b.Path] = b.clone()
	return nil
}

// Children implements Store.Children.
func (s *MemoryStore) Children(parentPath string) ([]*Branch, error) {
	prefix := parentPath + Separator
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Branch
	for path, b := range s.branches {
		if strings.HasPrefix(path, prefix) {
			out = append(out, b.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// NextID implements Store.NextID.
func (s *MemoryStore) NextID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}
