package branch

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graftdb/graft/internal/clock"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(NewMemoryStore(), clock.New(), nil)
	require.NoError(t, err)
	return r
}

func TestInitCreatesMain(t *testing.T) {
	r := newTestRegistry(t)

	main, err := r.Get(MainPath)
	require.NoError(t, err)
	assert.True(t, main.IsMain())
	assert.Equal(t, main.BaseTimestamp, main.HeadTimestamp)
	require.Len(t, main.Segments, 1)
	assert.Equal(t, main.ID, main.Segments[0].BranchID)
}

func TestInitIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	clk := clock.New()

	r1, err := NewRegistry(store, clk, nil)
	require.NoError(t, err)
	main1, err := r1.Get(MainPath)
	require.NoError(t, err)

	// A second registry over the same store must not replace MAIN.
	r2, err := NewRegistry(store, clk, nil)
	require.NoError(t, err)
	main2, err := r2.Get(MainPath)
	require.NoError(t, err)
	assert.Equal(t, main1.ID, main2.ID)
}

func TestCreate(t *testing.T) {
	r := newTestRegistry(t)

	b, err := r.Create(MainPath, "feature", Metadata{"owner": "alice"})
	require.NoError(t, err)
	assert.Equal(t, "MAIN/feature", b.Path)
	assert.Equal(t, MainPath, b.ParentPath)
	assert.Equal(t, "alice", b.Metadata["owner"])
	assert.Equal(t, b.BaseTimestamp, b.HeadTimestamp)

	main, err := r.Get(MainPath)
	require.NoError(t, err)
	assert.Greater(t, b.BaseTimestamp, main.HeadTimestamp)

	// Inherited prefix capped at the child base plus an empty own segment.
	require.Len(t, b.Segments, 2)
	assert.Equal(t, main.ID, b.Segments[0].BranchID)
	assert.Equal(t, b.BaseTimestamp, b.Segments[0].End)
	assert.Equal(t, b.ID, b.Segments[1].BranchID)
	assert.Equal(t, b.Segments[1].Start, b.Segments[1].End)
}

func TestCreateValidation(t *testing.T) {
	r := newTestRegistry(t)

	var badReq *BadRequestError
	_, err := r.Create(MainPath, "", nil)
	require.ErrorAs(t, err, &badReq)
	_, err = r.Create(MainPath, "a/b", nil)
	require.ErrorAs(t, err, &badReq)

	var notFound *NotFoundError
	_, err = r.Create("MAIN/missing", "x", nil)
	require.ErrorAs(t, err, &notFound)
}

func TestCreateExisting(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.Create(MainPath, "feature", nil)
	require.NoError(t, err)

	_, err = r.Create(MainPath, "feature", nil)
	var exists *AlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, first.ID, exists.Existing.ID)
}

func TestCreateConcurrentIdenticalRequestsConverge(t *testing.T) {
	r := newTestRegistry(t)

	const n = 16
	results := make([]*Branch, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Create(MainPath, "hotfix", nil)
		}(i)
	}
	wg.Wait()

	// Every goroutine either created the branch, converged on it inside the
	// creation lock, or saw AlreadyExists from the pre-check. All successes
	// must name the same instance.
	var winner *Branch
	for i := 0; i < n; i++ {
		switch {
		case errs[i] == nil:
			if winner == nil {
				winner = results[i]
			}
			assert.Equal(t, winner.ID, results[i].ID)
		default:
			var exists *AlreadyExistsError
			require.ErrorAs(t, errs[i], &exists)
		}
	}
	require.NotNil(t, winner)

	stored, err := r.Get("MAIN/hotfix")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, stored.ID)
}

func TestCreateUnderDeletedParent(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create(MainPath, "a", nil)
	require.NoError(t, err)
	require.NoError(t, r.Delete("MAIN/a"))

	var badReq *BadRequestError
	_, err = r.Create("MAIN/a", "b", nil)
	require.ErrorAs(t, err, &badReq)
}

func TestDelete(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create(MainPath, "a", nil)
	require.NoError(t, err)
	_, err = r.Create("MAIN/a", "b", nil)
	require.NoError(t, err)

	var cleaned []string
	r.SetCleanup(func(path string) error {
		cleaned = append(cleaned, path)
		return nil
	})

	require.NoError(t, r.Delete("MAIN/a"))

	// Children go first, then the branch itself.
	assert.Equal(t, []string{"MAIN/a/b", "MAIN/a"}, cleaned)

	for _, path := range []string{"MAIN/a", "MAIN/a/b"} {
		b, err := r.Get(path)
		require.NoError(t, err)
		assert.True(t, b.Deleted, path)
	}
}

func TestDeleteMainRejected(t *testing.T) {
	r := newTestRegistry(t)

	var badReq *BadRequestError
	require.ErrorAs(t, r.Delete(MainPath), &badReq)
}

func TestDeleteSurvivesCleanupFailure(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create(MainPath, "a", nil)
	require.NoError(t, err)

	r.SetCleanup(func(string) error { return errors.New("boom") })
	require.NoError(t, r.Delete("MAIN/a"))

	b, err := r.Get("MAIN/a")
	require.NoError(t, err)
	assert.True(t, b.Deleted)
}

func TestReopen(t *testing.T) {
	r := newTestRegistry(t)

	old, err := r.Create(MainPath, "feature", Metadata{"owner": "bob"})
	require.NoError(t, err)
	require.NoError(t, r.Delete("MAIN/feature"))

	reopened, err := r.Reopen("MAIN/feature")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, reopened.ID)
	assert.Equal(t, old.Path, reopened.Path)
	assert.Equal(t, "bob", reopened.Metadata["owner"])
	assert.False(t, reopened.Deleted)
	assert.Greater(t, reopened.BaseTimestamp, old.BaseTimestamp)
}

func TestReopenLiveBranchRejected(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create(MainPath, "feature", nil)
	require.NoError(t, err)

	var badReq *BadRequestError
	_, err = r.Reopen("MAIN/feature")
	require.ErrorAs(t, err, &badReq)
}

func TestUpdateMetadata(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create(MainPath, "feature", Metadata{"k": "v"})
	require.NoError(t, err)

	changed, err := r.UpdateMetadata("MAIN/feature", Metadata{"k": "v"})
	require.NoError(t, err)
	assert.False(t, changed, "identical metadata must be a no-op")

	changed, err = r.UpdateMetadata("MAIN/feature", Metadata{"k": "w"})
	require.NoError(t, err)
	assert.True(t, changed)

	b, err := r.Get("MAIN/feature")
	require.NoError(t, err)
	assert.Equal(t, "w", b.Metadata["k"])
}

func TestUpdateNameAliases(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create(MainPath, "feature", nil)
	require.NoError(t, err)

	changed, err := r.UpdateNameAliases("MAIN/feature", []string{"f1"})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.UpdateNameAliases("MAIN/feature", []string{"f1"})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestAdvance(t *testing.T) {
	r := newTestRegistry(t)
	clk := clock.New()

	b, err := r.Create(MainPath, "feature", nil)
	require.NoError(t, err)

	ts := clk.Issue()
	if ts <= b.HeadTimestamp {
		ts = b.HeadTimestamp + 1
	}
	advanced, err := r.Advance("MAIN/feature", ts)
	require.NoError(t, err)
	assert.Equal(t, ts, advanced.HeadTimestamp)
	assert.True(t, advanced.Segments.Contains(advanced.ID, ts))

	_, err = r.Advance("MAIN/feature", ts)
	require.Error(t, err, "re-recording the same timestamp must fail")
}

func TestChangeListeners(t *testing.T) {
	r := newTestRegistry(t)

	var mu sync.Mutex
	var events []string
	r.AddChangeListener(func(path string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, path)
	})

	_, err := r.Create(MainPath, "feature", nil)
	require.NoError(t, err)
	require.NoError(t, r.Delete("MAIN/feature"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"MAIN/feature", "MAIN/feature"}, events)
}

func TestCompareStateMatrix(t *testing.T) {
	r := newTestRegistry(t)
	clk := clock.New()

	commit := func(path string) {
		t.Helper()
		b, err := r.Get(path)
		require.NoError(t, err)
		ts := clk.Issue()
		if ts <= b.HeadTimestamp {
			ts = b.HeadTimestamp + 1
		}
		_, err = r.Advance(path, ts)
		require.NoError(t, err)
	}

	_, err := r.Create(MainPath, "feature", nil)
	require.NoError(t, err)

	state, err := r.CompareState("MAIN/feature")
	require.NoError(t, err)
	assert.Equal(t, UpToDate, state)

	commit("MAIN/feature")
	state, err = r.CompareState("MAIN/feature")
	require.NoError(t, err)
	assert.Equal(t, Forward, state)

	commit(MainPath)
	state, err = r.CompareState("MAIN/feature")
	require.NoError(t, err)
	assert.Equal(t, Diverged, state)

	_, err = r.Create(MainPath, "observer", nil)
	require.NoError(t, err)
	commit(MainPath)
	state, err = r.CompareState("MAIN/observer")
	require.NoError(t, err)
	assert.Equal(t, Behind, state)

	state, err = r.CompareState(MainPath)
	require.NoError(t, err)
	assert.Equal(t, UpToDate, state)
}

func TestCompareStateStaleAfterParentRecreate(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create(MainPath, "parent", nil)
	require.NoError(t, err)
	_, err = r.Create("MAIN/parent", "child", nil)
	require.NoError(t, err)

	// Replace the parent instance: the child's inherited prefix now points
	// at a branch id absent from the new parent chain.
	_, err = r.Recreate("MAIN/parent")
	require.NoError(t, err)

	state, err := r.CompareState("MAIN/parent/child")
	require.NoError(t, err)
	assert.Equal(t, Stale, state)
}
