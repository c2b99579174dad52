// Package oplock serializes exclusive repository operations. Commits, merges
// and rebases take a lock on the branches they touch; locks on the same or
// overlapping branch targets conflict and queue behind each other.
//
// Locks are reentrant through lock contexts rather than goroutine identity:
// a context describing a nested operation of the holder's own operation may
// re-acquire the held lock.
package oplock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Timeout sentinels for Manager.Lock.
const (
	// NoTimeout waits until the lock is granted or ctx is cancelled.
	NoTimeout time.Duration = -1
	// Immediate fails right away when the lock is taken.
	Immediate time.Duration = 0
)

// ErrDisposed is returned by every operation after Dispose.
var ErrDisposed = errors.New("lock manager disposed")

// ErrLockNotFound is returned by administrative unlocks for unknown lock ids.
var ErrLockNotFound = errors.New("lock not found")

// Target is a lockable resource. Two targets conflict when operations on
// them must not run concurrently.
type Target interface {
	Conflicts(other Target) bool
	fmt.Stringer
}

// RepositoryTarget locks a whole repository. It conflicts with every target
// inside the same repository.
type RepositoryTarget struct {
	RepositoryID string
}

func (t RepositoryTarget) Conflicts(other Target) bool {
	switch o := other.(type) {
	case RepositoryTarget:
		return o.RepositoryID == t.RepositoryID
	case BranchTarget:
		return o.RepositoryID == t.RepositoryID
	}
	return false
}

func (t RepositoryTarget) String() string {
	return fmt.Sprintf("repository %q", t.RepositoryID)
}

// BranchTarget locks one branch. Branch targets conflict hierarchically:
// locking a branch also shuts out its ancestors and descendants, so a merge
// touching MAIN/a blocks commits on MAIN/a/b and vice versa.
type BranchTarget struct {
	RepositoryID string
	BranchPath   string
}

func (t BranchTarget) Conflicts(other Target) bool {
	switch o := other.(type) {
	case RepositoryTarget:
		return o.RepositoryID == t.RepositoryID
	case BranchTarget:
		if o.RepositoryID != t.RepositoryID {
			return false
		}
		return t.BranchPath == o.BranchPath ||
			strings.HasPrefix(t.BranchPath, o.BranchPath+"/") ||
			strings.HasPrefix(o.BranchPath, t.BranchPath+"/")
	}
	return false
}

func (t BranchTarget) String() string {
	return fmt.Sprintf("branch %q of repository %q", t.BranchPath, t.RepositoryID)
}

// Context identifies who holds or requests a lock and for what operation.
type Context struct {
	UserID            string
	Description       string
	ParentDescription string
}

// UserMatches reports whether both contexts belong to the same user.
func (c Context) UserMatches(o Context) bool { return c.UserID == o.UserID }

// IsCompatible reports whether this requesting context may share a lock held
// under o: same user, and either the same operation or a nested operation of
// the holder's.
func (c Context) IsCompatible(o Context) bool {
	if !c.UserMatches(o) {
		return false
	}
	return c.Description == o.Description || c.ParentDescription == o.Description
}

func (c Context) String() string {
	return fmt.Sprintf("%s (%s)", c.UserID, c.Description)
}

// Lock is a snapshot of one held lock.
type Lock struct {
	ID           int
	Target       Target
	CreationDate time.Time
	Contexts     []Context
}

// FirstContext returns the context that created the lock.
func (l Lock) FirstContext() Context { return l.Contexts[0] }

// AcquireError reports a lock request that could not be granted.
type AcquireError struct {
	Target   Target
	Blockers []Context
	Timeout  bool
}

func (e *AcquireError) Error() string {
	parts := make([]string, len(e.Blockers))
	for i, c := range e.Blockers {
		parts[i] = c.String()
	}
	held := strings.Join(parts, ", ")
	if e.Timeout {
		return fmt.Sprintf("lock on %s not acquired in time, held by %s", e.Target, held)
	}
	return fmt.Sprintf("lock on %s already held by %s", e.Target, held)
}

// Event notifies listeners of a granted or released lock.
type Event struct {
	Acquired bool
	Lock     Lock
}

// Manager grants and releases operation locks. A single manager guards one
// process; all lock state lives in memory.
type Manager struct {
	mu        sync.Mutex
	signal    chan struct{}
	locks     map[int]*heldLock
	listeners []func(Event)
	disposed  bool
}

type heldLock struct {
	id       int
	target   Target
	created  time.Time
	contexts []Context
}

func (l *heldLock) snapshot() Lock {
	return Lock{
		ID:           l.id,
		Target:       l.target,
		CreationDate: l.created,
		Contexts:     append([]Context(nil), l.contexts...),
	}
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		signal: make(chan struct{}),
		locks:  make(map[int]*heldLock),
	}
}

// AddListener registers a callback for lock grant and release events. The
// callback runs outside the manager's monitor.
func (m *Manager) AddListener(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Lock acquires all targets for lctx, all-or-nothing. With NoTimeout it
// waits until granted or ctx is cancelled; with Immediate it fails right
// away on conflict; a positive timeout bounds the total wait.
func (m *Manager) Lock(ctx context.Context, lctx Context, timeout time.Duration, targets ...Target) error {
	if len(targets) == 0 {
		return nil
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		m.mu.Lock()
		if m.disposed {
			m.mu.Unlock()
			return ErrDisposed
		}
		target, blockers := m.firstBlocked(lctx, targets)
		if blockers == nil {
			events := m.acquire(lctx, targets)
			m.mu.Unlock()
			m.notify(events)
			return nil
		}
		if timeout == Immediate {
			m.mu.Unlock()
			return &AcquireError{Target: target, Blockers: blockers}
		}
		wake := m.signal
		m.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			return &AcquireError{Target: target, Blockers: blockers, Timeout: true}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// firstBlocked returns the first target that cannot be locked and the
// contexts holding it. Callers must hold m.mu.
func (m *Manager) firstBlocked(lctx Context, targets []Target) (Target, []Context) {
	for _, target := range targets {
		for _, held := range m.locks {
			if !held.target.Conflicts(target) {
				continue
			}
			for _, holder := range held.contexts {
				if !lctx.IsCompatible(holder) {
					return target, append([]Context(nil), held.contexts...)
				}
			}
		}
	}
	return nil, nil
}

// acquire grants all targets. Callers must hold m.mu and have verified that
// nothing blocks.
func (m *Manager) acquire(lctx Context, targets []Target) []Event {
	var events []Event
	for _, target := range targets {
		if held := m.lockOn(target); held != nil {
			held.contexts = append(held.contexts, lctx)
			continue
		}
		held := &heldLock{
			id:       m.nextID(),
			target:   target,
			created:  time.Now(),
			contexts: []Context{lctx},
		}
		m.locks[held.id] = held
		events = append(events, Event{Acquired: true, Lock: held.snapshot()})
	}
	return events
}

// lockOn finds the lock held on exactly this target, if any. Callers must
// hold m.mu.
func (m *Manager) lockOn(target Target) *heldLock {
	for _, held := range m.locks {
		if held.target == target {
			return held
		}
	}
	return nil
}

// nextID hands out the lowest free lock id, reusing ids of released locks.
// Callers must hold m.mu.
func (m *Manager) nextID() int {
	for id := 1; ; id++ {
		if _, taken := m.locks[id]; !taken {
			return id
		}
	}
}

// Unlock releases one context entry from each target's lock, all-or-nothing.
// It fails without releasing anything when any target is not locked or not
// held under lctx's user and description.
func (m *Manager) Unlock(lctx Context, targets ...Target) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}

	type removal struct {
		held *heldLock
		at   int
	}
	removals := make([]removal, 0, len(targets))
	for _, target := range targets {
		held := m.lockOn(target)
		if held == nil {
			m.mu.Unlock()
			return fmt.Errorf("unlock %s: %w", target, ErrLockNotFound)
		}
		at := -1
		for i, holder := range held.contexts {
			if lctx.UserMatches(holder) && lctx.Description == holder.Description {
				at = i
				break
			}
		}
		if at < 0 {
			m.mu.Unlock()
			return fmt.Errorf("unlock %s: not held by %s", target, lctx)
		}
		removals = append(removals, removal{held: held, at: at})
	}

	var events []Event
	for _, r := range removals {
		r.held.contexts = append(r.held.contexts[:r.at], r.held.contexts[r.at+1:]...)
		if len(r.held.contexts) == 0 {
			delete(m.locks, r.held.id)
			events = append(events, Event{Lock: r.held.snapshot()})
		}
	}
	m.broadcast()
	m.mu.Unlock()
	m.notify(events)
	return nil
}

// UnlockByID force-releases the lock with the given id, bypassing context
// checks. Administrative use.
func (m *Manager) UnlockByID(id int) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	held, ok := m.locks[id]
	if !ok {
		m.mu.Unlock()
		return ErrLockNotFound
	}
	delete(m.locks, id)
	m.broadcast()
	event := Event{Lock: held.snapshot()}
	m.mu.Unlock()
	m.notify([]Event{event})
	return nil
}

// UnlockAll force-releases every lock. Administrative use.
func (m *Manager) UnlockAll() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	events := make([]Event, 0, len(m.locks))
	for id, held := range m.locks {
		delete(m.locks, id)
		events = append(events, Event{Lock: held.snapshot()})
	}
	m.broadcast()
	m.mu.Unlock()
	m.notify(events)
	return nil
}

// Locks returns a snapshot of all held locks ordered by creation.
func (m *Manager) Locks() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lock, 0, len(m.locks))
	for _, held := range m.locks {
		out = append(out, held.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreationDate.Equal(out[j].CreationDate) {
			return out[i].CreationDate.Before(out[j].CreationDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Dispose releases all locks, wakes all waiters and puts the manager in a
// terminal state.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true
	m.locks = nil
	m.broadcast()
}

// broadcast wakes every waiter. Callers must hold m.mu.
func (m *Manager) broadcast() {
	close(m.signal)
	m.signal = make(chan struct{})
}

func (m *Manager) notify(events []Event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	listeners := append(([]func(Event))(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		for _, e := range events {
			fn(e)
		}
	}
}
