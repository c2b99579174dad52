package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graftdb/graft/internal/branch"
	"github.com/graftdb/graft/internal/clock"
	"github.com/graftdb/graft/internal/commitlog"
	"github.com/graftdb/graft/internal/oplock"
	"github.com/graftdb/graft/internal/revision"
)

type env struct {
	registry  *branch.Registry
	revisions *revision.MemoryStore
	commits   *commitlog.MemoryStore
	clock     clock.Source
	locks     *oplock.Manager
	engine    *Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.New()
	registry, err := branch.NewRegistry(branch.NewMemoryStore(), clk, nil)
	require.NoError(t, err)
	revisions := revision.NewMemoryStore()
	commits := commitlog.NewMemoryStore()
	locks := oplock.NewManager()
	return &env{
		registry:  registry,
		revisions: revisions,
		commits:   commits,
		clock:     clk,
		locks:     locks,
		engine:    NewEngine("snomed", registry, revisions, commits, clk, locks, nil),
	}
}

func (e *env) commit(t *testing.T, path string, changes ...revision.Staged) {
	t.Helper()
	b, err := e.registry.Get(path)
	require.NoError(t, err)
	ts := e.clock.Issue()
	require.NoError(t, e.revisions.Commit(b.ID, ts, changes))
	_, err = e.registry.Advance(path, ts)
	require.NoError(t, err)
}

func (e *env) visible(t *testing.T, path string, id revision.ObjectID) *revision.Revision {
	t.Helper()
	b, err := e.registry.Get(path)
	require.NoError(t, err)
	rev, err := e.revisions.VisibleAt(b.Ref(), id)
	require.NoError(t, err)
	return rev
}

func concept(id string, props map[string]string) *revision.Revision {
	return &revision.Revision{Object: revision.ObjectID{Type: "concept", ID: id}, Props: props}
}

func conceptID(id string) revision.ObjectID {
	return revision.ObjectID{Type: "concept", ID: id}
}

func TestMergeAppliesSourceChanges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.commit(t, "MAIN", revision.Put(concept("c1", map[string]string{"status": "active"})))
	_, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)

	e.commit(t, "MAIN/task",
		revision.Put(concept("c1", map[string]string{"status": "retired"})),
		revision.Put(concept("c2", nil)),
	)

	result, err := e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, Completed, result.Status)
	require.NotNil(t, result.Commit)
	assert.True(t, result.Commit.Squash)
	assert.Equal(t, "Merge branch 'MAIN/task' into 'MAIN'", result.Commit.Comment)
	assert.Equal(t, "alice", result.Commit.Author)

	rev := e.visible(t, "MAIN", conceptID("c1"))
	require.NotNil(t, rev)
	assert.Equal(t, "retired", rev.Props["status"])
	assert.NotNil(t, e.visible(t, "MAIN", conceptID("c2")))
}

func TestMergeNoopWhenSourceUnchanged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)
	e.commit(t, "MAIN", revision.Put(concept("c1", nil)))

	// The source is behind its target; there is nothing to merge.
	result, err := e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed, result.Status)
	assert.Nil(t, result.Commit)
}

func TestMergeOntoItselfRejected(t *testing.T) {
	e := newEnv(t)

	_, err := e.engine.PrepareMerge("MAIN", "MAIN").WithAuthor("alice").Execute(context.Background())
	var badReq *branch.BadRequestError
	require.ErrorAs(t, err, &badReq)
}

func TestMergeConflictingChange(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.commit(t, "MAIN", revision.Put(concept("c1", map[string]string{"status": "active"})))
	_, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)

	e.commit(t, "MAIN/task", revision.Put(concept("c1", map[string]string{"status": "retired"})))
	e.commit(t, "MAIN", revision.Put(concept("c1", map[string]string{"status": "pending"})))

	result, err := e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, FailedWithConflicts, result.Status)
	require.Len(t, result.Conflicts, 1)

	c := result.Conflicts[0]
	assert.Equal(t, ConflictingChange, c.Type)
	assert.Equal(t, conceptID("c1"), c.Object)
	require.Len(t, c.Attributes, 1)
	assert.Equal(t, "status", c.Attributes[0].Property)
	assert.Equal(t, "retired", c.Attributes[0].SourceValue)
	assert.Equal(t, "pending", c.Attributes[0].TargetValue)

	// Nothing was committed.
	rev := e.visible(t, "MAIN", conceptID("c1"))
	assert.Equal(t, "pending", rev.Props["status"])

	// The reverse direction reports the mirrored conflict.
	reverse, err := e.engine.PrepareMerge("MAIN", "MAIN/task").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, FailedWithConflicts, reverse.Status)
	require.Len(t, reverse.Conflicts, 1)
	require.Len(t, reverse.Conflicts[0].Attributes, 1)
	assert.Equal(t, "pending", reverse.Conflicts[0].Attributes[0].SourceValue)
	assert.Equal(t, "retired", reverse.Conflicts[0].Attributes[0].TargetValue)
}

func TestMergeIdenticalChangesResolve(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.commit(t, "MAIN", revision.Put(concept("c1", map[string]string{"status": "active"})))
	_, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)

	e.commit(t, "MAIN/task", revision.Put(concept("c1", map[string]string{"status": "retired"})))
	e.commit(t, "MAIN", revision.Put(concept("c1", map[string]string{"status": "retired"})))

	result, err := e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed, result.Status)
	assert.Nil(t, result.Commit, "identical changes need no merge commit")
}

func TestMergeDeletedWhileChanged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.commit(t, "MAIN", revision.Put(concept("c1", map[string]string{"status": "active"})))
	_, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)

	e.commit(t, "MAIN/task", revision.Put(concept("c1", map[string]string{"status": "retired"})))
	e.commit(t, "MAIN", revision.Delete(conceptID("c1")))

	result, err := e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, FailedWithConflicts, result.Status)
	require.Len(t, result.Conflicts, 1)

	c := result.Conflicts[0]
	assert.Equal(t, DeletedWhileChanged, c.Type)
	require.Len(t, c.Attributes, 1)
	assert.Equal(t, "status", c.Attributes[0].Property)
	assert.Equal(t, "active", c.Attributes[0].OldValue)
	assert.Equal(t, "retired", c.Attributes[0].SourceValue)
	assert.Empty(t, c.Attributes[0].TargetValue)
}

func TestMergeConflictsAreSymmetric(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.commit(t, "MAIN", revision.Put(concept("c1", map[string]string{"status": "active"})))
	_, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)

	e.commit(t, "MAIN/task", revision.Delete(conceptID("c1")))
	e.commit(t, "MAIN", revision.Put(concept("c1", map[string]string{"status": "retired"})))

	result, err := e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, FailedWithConflicts, result.Status)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, DeletedWhileChanged, result.Conflicts[0].Type)
	assert.Equal(t, conceptID("c1"), result.Conflicts[0].Object)
}

func TestMergeCausesMissingReference(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.commit(t, "MAIN", revision.Put(concept("parent", nil)))
	_, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)

	e.commit(t, "MAIN/task", revision.Put(&revision.Revision{
		Object: conceptID("child"),
		Refs:   map[string]revision.ObjectID{"parent": conceptID("parent")},
	}))
	e.commit(t, "MAIN", revision.Delete(conceptID("parent")))

	result, err := e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, FailedWithConflicts, result.Status)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, CausesMissingReference, result.Conflicts[0].Type)
	// The deleted object is the conflict subject.
	assert.Equal(t, conceptID("parent"), result.Conflicts[0].Object)
}

func TestMergeHasMissingReference(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.commit(t, "MAIN", revision.Put(concept("parent", nil)))
	_, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)

	e.commit(t, "MAIN/task", revision.Delete(conceptID("parent")))
	e.commit(t, "MAIN", revision.Put(&revision.Revision{
		Object: conceptID("child"),
		Refs:   map[string]revision.ObjectID{"parent": conceptID("parent")},
	}))

	result, err := e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, FailedWithConflicts, result.Status)
	require.Len(t, result.Conflicts, 1)

	c := result.Conflicts[0]
	assert.Equal(t, HasMissingReference, c.Type)
	assert.Equal(t, conceptID("child"), c.Object)
	require.Len(t, c.Attributes, 1)
	assert.Equal(t, "parent", c.Attributes[0].Property)
	assert.Equal(t, conceptID("parent").String(), c.Attributes[0].TargetValue)
}

func TestMergeBlockedByHeldLock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)
	e.commit(t, "MAIN/task", revision.Put(concept("c1", nil)))

	holder := oplock.Context{UserID: "bob", Description: "long running export"}
	require.NoError(t, e.locks.Lock(ctx, holder, oplock.Immediate,
		oplock.BranchTarget{RepositoryID: "snomed", BranchPath: "MAIN"}))

	_, err = e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	var acq *oplock.AcquireError
	require.ErrorAs(t, err, &acq)

	require.NoError(t, e.locks.Unlock(holder, oplock.BranchTarget{RepositoryID: "snomed", BranchPath: "MAIN"}))
	result, err := e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed, result.Status)
}

func TestRebaseReplaysOwnChanges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.commit(t, "MAIN", revision.Put(concept("c1", map[string]string{"status": "active"})))
	old, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)

	e.commit(t, "MAIN/task", revision.Put(concept("c2", nil)))
	e.commit(t, "MAIN", revision.Put(concept("c3", nil)))

	result, err := e.engine.PrepareRebase("MAIN", "MAIN/task").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, Completed, result.Status)
	require.NotNil(t, result.Commit)
	assert.False(t, result.Commit.Squash)
	assert.Equal(t, "Rebase branch 'MAIN/task' on 'MAIN'", result.Commit.Comment)

	// Fresh branch instance on the parent's current head.
	rebased, err := e.registry.Get("MAIN/task")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, rebased.ID)
	assert.Greater(t, rebased.BaseTimestamp, old.BaseTimestamp)

	// The rebased branch sees both the parent's new commit and its own.
	assert.NotNil(t, e.visible(t, "MAIN/task", conceptID("c2")))
	assert.NotNil(t, e.visible(t, "MAIN/task", conceptID("c3")))

	// The parent remains untouched by the replay.
	assert.Nil(t, e.visible(t, "MAIN", conceptID("c2")))

	state, err := e.registry.CompareState("MAIN/task")
	require.NoError(t, err)
	assert.Equal(t, branch.Forward, state)
}

func TestRebaseWithoutOwnChanges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)
	e.commit(t, "MAIN", revision.Put(concept("c1", nil)))

	result, err := e.engine.PrepareRebase("MAIN", "MAIN/task").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, Completed, result.Status)
	assert.Nil(t, result.Commit)

	assert.NotNil(t, e.visible(t, "MAIN/task", conceptID("c1")))
	state, err := e.registry.CompareState("MAIN/task")
	require.NoError(t, err)
	assert.Equal(t, branch.UpToDate, state)
}

func TestRebaseNoopWhenParentUnchanged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	old, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)

	result, err := e.engine.PrepareRebase("MAIN", "MAIN/task").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed, result.Status)

	// No new branch instance was created.
	current, err := e.registry.Get("MAIN/task")
	require.NoError(t, err)
	assert.Equal(t, old.ID, current.ID)
}

func TestRebaseRequiresDirectChild(t *testing.T) {
	e := newEnv(t)

	_, err := e.registry.Create("MAIN", "a", nil)
	require.NoError(t, err)
	_, err = e.registry.Create("MAIN/a", "b", nil)
	require.NoError(t, err)

	_, err = e.engine.PrepareRebase("MAIN", "MAIN/a/b").WithAuthor("alice").Execute(context.Background())
	var badReq *branch.BadRequestError
	require.ErrorAs(t, err, &badReq)
}

func TestRebaseConflict(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.commit(t, "MAIN", revision.Put(concept("c1", map[string]string{"status": "active"})))
	old, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)

	e.commit(t, "MAIN/task", revision.Put(concept("c1", map[string]string{"status": "retired"})))
	e.commit(t, "MAIN", revision.Put(concept("c1", map[string]string{"status": "pending"})))

	result, err := e.engine.PrepareRebase("MAIN", "MAIN/task").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, FailedWithConflicts, result.Status)

	// A conflicted rebase must not replace the branch instance.
	current, err := e.registry.Get("MAIN/task")
	require.NoError(t, err)
	assert.Equal(t, old.ID, current.ID)
}

func TestMergeNotifiesCommit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var notified []*commitlog.Commit
	e.engine.SetNotifier(func(c *commitlog.Commit) {
		notified = append(notified, c)
	})

	_, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)
	e.commit(t, "MAIN/task", revision.Put(concept("c1", nil)))

	result, err := e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, Completed, result.Status)
	require.Len(t, notified, 1)
	assert.Equal(t, result.Commit.ID, notified[0].ID)

	// A no-op merge produces no notification.
	notified = nil
	_, err = e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	assert.Empty(t, notified)
}

func TestMergeReleasesLocks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.registry.Create("MAIN", "task", nil)
	require.NoError(t, err)
	e.commit(t, "MAIN/task", revision.Put(concept("c1", nil)))

	_, err = e.engine.PrepareMerge("MAIN/task", "MAIN").WithAuthor("alice").Execute(ctx)
	require.NoError(t, err)
	assert.Empty(t, e.locks.Locks())
}
