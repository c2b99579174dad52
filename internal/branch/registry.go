package branch

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/graftdb/graft/internal/clock"
	"github.com/graftdb/graft/internal/segment"
)

// createLockCapacity bounds the per-path creation mutex cache. Entries fall
// out after five minutes idle; a path seeing steady churn keeps its mutex.
const (
	createLockCapacity = 128
	createLockTTL      = 5 * time.Minute
)

// Cleanup is notified when a branch is deleted so derivative state
// (validation issues, jobs) tied to the path can be reaped. Best-effort:
// errors are logged by the registry, never propagated.
type Cleanup func(path string) error

// Registry creates, fetches, lists, updates, deletes and reopens branches.
type Registry struct {
	store Store
	clock clock.Source
	log   *slog.Logger

	// per-parent-path creation mutexes: serializes racing creations of the
	// same child so concurrent identical requests converge on one branch.
	locksMu     sync.Mutex
	createLocks *expirable.LRU[string, *sync.Mutex]

	listenersMu sync.Mutex
	listeners   []func(path string)
	cleanup     Cleanup
}

// NewRegistry builds a registry over the given store and makes sure the MAIN
// branch exists.
func NewRegistry(store Store, clk clock.Source, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		store:       store,
		clock:       clk,
		log:         log,
		createLocks: expirable.NewLRU[string, *sync.Mutex](createLockCapacity, nil, createLockTTL),
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) init() error {
	main, err := r.store.Get(MainPath)
	if err != nil {
		return err
	}
	if main != nil {
		return nil
	}
	id, err := r.store.NextID()
	if err != nil {
		return err
	}
	ts := r.clock.Issue()
	return r.store.Put(&Branch{
		ID:            id,
		Path:          MainPath,
		ParentPath:    "",
		Name:          MainPath,
		BaseTimestamp: ts,
		HeadTimestamp: ts,
		Segments:      segment.Chain{{BranchID: id, Start: ts, End: ts}},
	})
}

// SetCleanup registers the delete-time cleanup collaborator.
func (r *Registry) SetCleanup(fn Cleanup) { r.cleanup = fn }

// AddChangeListener registers a callback invoked with the path of every
// created, deleted, reopened or committed-to branch.
func (r *Registry) AddChangeListener(fn func(path string)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) sendChangeEvent(path string) {
	r.listenersMu.Lock()
	listeners := append(([]func(string))(nil), r.listeners...)
	r.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(path)
	}
}

// Get returns the branch at path or a NotFoundError.
func (r *Registry) Get(path string) (*Branch, error) {
	b, err := r.store.Get(path)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, &NotFoundError{Path: path}
	}
	return b, nil
}

// Children returns all branches transitively created under parentPath,
// excluding deleted ones unless includeDeleted is set.
func (r *Registry) Children(parentPath string, includeDeleted bool) ([]*Branch, error) {
	all, err := r.store.Children(parentPath)
	if err != nil {
		return nil, err
	}
	if includeDeleted {
		return all, nil
	}
	live := all[:0]
	for _, b := range all {
		if !b.Deleted {
			live = append(live, b)
		}
	}
	return live, nil
}

// Create opens a new child branch under parentPath. When a live branch
// already occupies the path it returns an AlreadyExistsError carrying it.
// If the branch appears only while this call holds the creation lock, the
// racing requests converge and the existing branch is returned without
// error.
func (r *Registry) Create(parentPath, name string, metadata Metadata) (*Branch, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	parent, err := r.Get(parentPath)
	if err != nil {
		return nil, err
	}
	if parent.Deleted {
		return nil, BadRequestf("cannot create %q under deleted parent %q", name, parentPath)
	}

	path := JoinPath(parentPath, name)
	existing, err := r.store.Get(path)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Deleted {
		// Report before entering the creation lock; racing creators that
		// lose inside the lock converge instead.
		return nil, &AlreadyExistsError{Existing: existing}
	}

	var created *Branch
	err = r.locked(parentPath, func() error {
		// Re-check: a concurrent identical request may have won the race.
		existing, err := r.store.Get(path)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Deleted {
			created = existing
			return nil
		}
		created, err = r.openChild(parentPath, name, metadata, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.sendChangeEvent(created.Path)
	return created, nil
}

// openChild creates a fresh branch instance under the parent's current head.
// Callers must hold the parent's creation lock.
func (r *Registry) openChild(parentPath, name string, metadata Metadata, aliases []string) (*Branch, error) {
	parent, err := r.Get(parentPath)
	if err != nil {
		return nil, err
	}
	id, err := r.store.NextID()
	if err != nil {
		return nil, err
	}
	base := r.clock.Issue()
	segments, err := parent.Segments.CapAt(base).Append(segment.Segment{BranchID: id, Start: base, End: base})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", JoinPath(parentPath, name), err)
	}
	b := &Branch{
		ID:            id,
		Path:          JoinPath(parentPath, name),
		ParentPath:    parentPath,
		Name:          name,
		BaseTimestamp: base,
		HeadTimestamp: base,
		Segments:      segments,
		Metadata:      metadata.Clone(),
		NameAliases:   append([]string(nil), aliases...),
	}
	if err := r.store.Put(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Delete tombstones the branch at path and all of its live children.
// Segments stay intact so history remains queryable. Cleanup of derivative
// state is best-effort.
func (r *Registry) Delete(path string) error {
	if path == MainPath {
		return BadRequestf("%s cannot be deleted", MainPath)
	}
	if _, err := r.Get(path); err != nil {
		return err
	}
	children, err := r.Children(path, false)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := r.doDelete(child.Path); err != nil {
			return err
		}
	}
	return r.doDelete(path)
}

func (r *Registry) doDelete(path string) error {
	b, err := r.Get(path)
	if err != nil {
		return err
	}
	if b.Deleted {
		return nil
	}
	b = b.clone()
	b.Deleted = true
	if err := r.store.Put(b); err != nil {
		return err
	}
	r.sendChangeEvent(path)
	if r.cleanup != nil {
		if err := r.cleanup(path); err != nil {
			r.log.Warn("branch cleanup failed", "path", path, "error", err)
		}
	}
	return nil
}

// Reopen re-creates a deleted branch as a fresh child of its parent's
// current state, keeping name, metadata and aliases.
func (r *Registry) Reopen(path string) (*Branch, error) {
	b, err := r.Get(path)
	if err != nil {
		return nil, err
	}
	if !b.Deleted {
		return nil, BadRequestf("branch %q is not deleted", path)
	}
	return r.Recreate(path)
}

// Recreate replaces the branch at path with a fresh instance based on the
// parent's current head, keeping name, metadata and aliases. Used by reopen
// and by rebase.
func (r *Registry) Recreate(path string) (*Branch, error) {
	b, err := r.Get(path)
	if err != nil {
		return nil, err
	}
	if b.IsMain() {
		return nil, BadRequestf("%s cannot be recreated", MainPath)
	}
	parent, err := r.Get(b.ParentPath)
	if err != nil {
		return nil, err
	}
	if parent.Deleted {
		return nil, BadRequestf("cannot reopen %q under deleted parent %q", path, parent.Path)
	}
	var reopened *Branch
	err = r.locked(parent.Path, func() error {
		var err error
		reopened, err = r.openChild(parent.Path, b.Name, b.Metadata, b.NameAliases)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.sendChangeEvent(path)
	return reopened, nil
}

// UpdateMetadata replaces the branch's metadata. Returns false without
// writing when the new value equals the current one, so callers can avoid
// empty commits.
func (r *Registry) UpdateMetadata(path string, metadata Metadata) (bool, error) {
	b, err := r.Get(path)
	if err != nil {
		return false, err
	}
	if b.Metadata.Equal(metadata) {
		return false, nil
	}
	b = b.clone()
	b.Metadata = metadata.Clone()
	if err := r.store.Put(b); err != nil {
		return false, err
	}
	r.sendChangeEvent(path)
	return true, nil
}

// UpdateNameAliases replaces the branch's alias list, preserving order.
// Returns false without writing when unchanged.
func (r *Registry) UpdateNameAliases(path string, aliases []string) (bool, error) {
	b, err := r.Get(path)
	if err != nil {
		return false, err
	}
	if equalStrings(b.NameAliases, aliases) {
		return false, nil
	}
	b = b.clone()
	b.NameAliases = append([]string(nil), aliases...)
	if err := r.store.Put(b); err != nil {
		return false, err
	}
	r.sendChangeEvent(path)
	return true, nil
}

// Advance records a commit at ts on the branch's own segment and moves its
// head. The caller is responsible for holding the branch's operation lock.
func (r *Registry) Advance(path string, ts int64) (*Branch, error) {
	b, err := r.Get(path)
	if err != nil {
		return nil, err
	}
	if ts <= b.HeadTimestamp {
		return nil, fmt.Errorf("commit timestamp %d behind head %d of %s", ts, b.HeadTimestamp, path)
	}
	segments, err := b.Segments.Extend(ts)
	if err != nil {
		return nil, fmt.Errorf("advance %s: %w", path, err)
	}
	b = b.clone()
	b.HeadTimestamp = ts
	b.Segments = segments
	if err := r.store.Put(b); err != nil {
		return nil, err
	}
	r.sendChangeEvent(path)
	return b, nil
}

// locked runs fn while holding the creation mutex for path.
func (r *Registry) locked(path string, fn func() error) error {
	r.locksMu.Lock()
	mu, ok := r.createLocks.Get(path)
	if !ok {
		mu = &sync.Mutex{}
		r.createLocks.Add(path, mu)
	}
	r.locksMu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func validateName(name string) error {
	if name == "" {
		return BadRequestf("branch name cannot be empty")
	}
	if strings.Contains(name, Separator) {
		return BadRequestf("branch name %q cannot contain %q", name, Separator)
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
