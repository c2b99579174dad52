// Package commitlog records commit metadata per branch: author, comment,
// timestamp and, for merge and rebase commits, the source point the changes
// came from.
package commitlog

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/graftdb/graft/internal/segment"
)

// Commit is one commit record.
type Commit struct {
	ID          string         `json:"id"`
	Branch      string         `json:"branch"`
	Timestamp   int64          `json:"timestamp"`
	Author      string         `json:"author"`
	Comment     string         `json:"comment"`
	MergeSource *segment.Point `json:"mergeSource,omitempty"`
	Squash      bool           `json:"squash,omitempty"`
}

// New builds a commit record with a fresh id.
func New(branch string, ts int64, author, comment string) *Commit {
	return &Commit{
		ID:        uuid.NewString(),
		Branch:    branch,
		Timestamp: ts,
		Author:    author,
		Comment:   comment,
	}
}

// Store persists commit records.
type Store interface {
	// Put writes a commit record.
	Put(c *Commit) error

	// Get loads a commit by id, or nil if unknown.
	Get(id string) (*Commit, error)

	// ByBranch returns the commits recorded on a branch path, oldest first.
	ByBranch(path string) ([]*Commit, error)
}

// MemoryStore is an in-memory Store for tests and ephemeral repositories.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Commit
	byPath map[string][]*Commit
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Commit),
		byPath: make(map[string][]*Commit),
	}
}

// Put implements Store.Put.
func (s *MemoryStore) Put(c *Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.byID[c.ID] = &cp
	s.byPath[c.Branch] = append(s.byPath[c.Branch], &cp)
	return nil
}

// Get implements Store.Get.
func (s *MemoryStore) Get(id string) (*Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// ByBranch implements Store.ByBranch.
func (s *MemoryStore) ByBranch(path string) ([]*Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	commits := s.byPath[path]
	out := make([]*Commit, len(commits))
	for i, c := range commits {
		cp := *c
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}
