package revision

import (
	"fmt"
	"sort"
	"sync"

	"github.com/graftdb/graft/internal/segment"
)

// Store persists object versions and answers visibility queries against
// segment chains.
type Store interface {
	// VisibleAt resolves the latest revision of id visible on the view, or
	// nil when the object does not exist there.
	VisibleAt(view segment.Chain, id ObjectID) (*Revision, error)

	// Compare collects the changes visible on the view that were committed
	// at or after from, relative to the state just before from.
	Compare(view segment.Chain, from int64) (*ChangeSet, error)

	// Commit writes all staged changes as versions at (branchID, ts).
	Commit(branchID, ts int64, changes []Staged) error
}

// version is one stored object version.
type version struct {
	BranchID  int64     `json:"branchId"`
	Timestamp int64     `json:"timestamp"`
	Deleted   bool      `json:"deleted,omitempty"`
	Revision  *Revision `json:"revision,omitempty"`
}

// visible reports whether the version is addressed by the view.
func (v version) visible(view segment.Chain) bool {
	return view.Contains(v.BranchID, v.Timestamp)
}

// latestVisible picks the visible version with the greatest timestamp, and
// optionally only versions strictly before a cutoff.
func latestVisible(versions []version, view segment.Chain, before int64) *version {
	var best *version
	for i := range versions {
		v := &versions[i]
		if before > 0 && v.Timestamp >= before {
			continue
		}
		if !v.visible(view) {
			continue
		}
		if best == nil || v.Timestamp > best.Timestamp {
			best = v
		}
	}
	return best
}

// compareVersions folds one object's version history into the change set.
func compareVersions(cs *ChangeSet, id ObjectID, versions []version, view segment.Chain, from int64) {
	current := latestVisible(versions, view, 0)
	if current == nil || current.Timestamp < from {
		return
	}
	baseline := latestVisible(versions, view, from)
	switch {
	case baseline == nil || baseline.Deleted:
		if !current.Deleted {
			cs.Created[id] = current.Revision.Clone()
		}
	case current.Deleted:
		cs.Deleted[id] = baseline.Revision.Clone()
	default:
		props, refs := Diff(baseline.Revision, current.Revision)
		if len(props) == 0 && len(refs) == 0 {
			return
		}
		cs.Changed[id] = ObjectChange{
			Before: baseline.Revision.Clone(),
			After:  current.Revision.Clone(),
			Props:  props,
			Refs:   refs,
		}
	}
}

// MemoryStore is an in-memory Store for tests and ephemeral repositories.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[ObjectID][]version
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[ObjectID][]version)}
}

// VisibleAt implements Store.VisibleAt.
func (s *MemoryStore) VisibleAt(view segment.Chain, id ObjectID) (*Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := latestVisible(s.versions[id], view, 0)
	if v == nil || v.Deleted {
		return nil, nil
	}
	return v.Revision.Clone(), nil
}

// Compare implements Store.Compare.
func (s *MemoryStore) Compare(view segment.Chain, from int64) (*ChangeSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs := newChangeSet()
	for id, versions := range s.versions {
		compareVersions(cs, id, versions, view, from)
	}
	return cs, nil
}

// Commit implements Store.Commit.
func (s *MemoryStore) Commit(branchID, ts int64, changes []Staged) error {
	for _, c := range changes {
		if err := c.validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range changes {
		v := version{BranchID: branchID, Timestamp: ts, Deleted: c.Revision == nil}
		if c.Revision != nil {
			v.Revision = c.Revision.Clone()
		}
		s.versions[c.Object] = append(s.versions[c.Object], v)
	}
	return nil
}

// Objects returns all object ids ever written, sorted. Test helper.
func (s *MemoryStore) Objects() []ObjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectID, 0, len(s.versions))
	for id := range s.versions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]) < fmt.Sprint(out[j])
	})
	return out
}
