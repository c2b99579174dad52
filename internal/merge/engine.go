// Package merge implements branch merge and rebase: three-way comparison of
// two branches against their last common point, conflict detection and
// classification, and the commit that applies the outcome.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/graftdb/graft/internal/branch"
	"github.com/graftdb/graft/internal/clock"
	"github.com/graftdb/graft/internal/commitlog"
	"github.com/graftdb/graft/internal/oplock"
	"github.com/graftdb/graft/internal/revision"
	"github.com/graftdb/graft/internal/segment"
)

// Status is the outcome of a merge or rebase attempt.
type Status string

const (
	Completed           Status = "COMPLETED"
	Failed              Status = "FAILED"
	FailedWithConflicts Status = "FAILED_WITH_CONFLICTS"
)

// Merge is the reportable outcome of one merge or rebase.
type Merge struct {
	Source    string            `json:"source"`
	Target    string            `json:"target"`
	Status    Status            `json:"status"`
	Conflicts []MergeConflict   `json:"conflicts,omitempty"`
	Commit    *commitlog.Commit `json:"commit,omitempty"`
	APIError  error             `json:"-"`
}

// Notifier receives every successful merge and rebase commit. The commit is
// already applied when the notifier runs; its failures are its own concern.
type Notifier func(c *commitlog.Commit)

// Engine runs merges and rebases against one repository.
type Engine struct {
	repositoryID string
	registry     *branch.Registry
	revisions    revision.Store
	commits      commitlog.Store
	clock        clock.Source
	locks        *oplock.Manager
	log          *slog.Logger
	notifier     Notifier
}

// NewEngine wires a merge engine over the repository's services.
func NewEngine(repositoryID string, registry *branch.Registry, revisions revision.Store, commits commitlog.Store, clk clock.Source, locks *oplock.Manager, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		repositoryID: repositoryID,
		registry:     registry,
		revisions:    revisions,
		commits:      commits,
		clock:        clk,
		locks:        locks,
		log:          log,
	}
}

// SetNotifier installs the commit notification hook.
func (e *Engine) SetNotifier(fn Notifier) { e.notifier = fn }

// Operation is a configured merge or rebase, built with Prepare* and run
// with Execute.
type Operation struct {
	e         *Engine
	source    string
	target    string
	rebase    bool
	author    string
	message   string
	processor ConflictProcessor
	parent    string
	timeout   time.Duration
}

// PrepareMerge sets up squashing the changes of source into target.
func (e *Engine) PrepareMerge(source, target string) *Operation {
	return &Operation{
		e:         e,
		source:    source,
		target:    target,
		processor: DefaultProcessor{},
		timeout:   oplock.Immediate,
	}
}

// PrepareRebase sets up replaying target's own changes onto the current
// state of source, target's parent.
func (e *Engine) PrepareRebase(source, target string) *Operation {
	op := e.PrepareMerge(source, target)
	op.rebase = true
	return op
}

// WithAuthor sets the committing user. The author also identifies the lock
// holder.
func (op *Operation) WithAuthor(author string) *Operation {
	op.author = author
	return op
}

// WithMessage overrides the default commit message.
func (op *Operation) WithMessage(message string) *Operation {
	op.message = message
	return op
}

// WithConflictProcessor installs a domain-specific conflict processor.
func (op *Operation) WithConflictProcessor(p ConflictProcessor) *Operation {
	op.processor = p
	return op
}

// WithParentLockDescription marks this operation as nested inside an
// operation already holding the branch locks, making the lock request
// compatible with the outer hold.
func (op *Operation) WithParentLockDescription(desc string) *Operation {
	op.parent = desc
	return op
}

// WithLockTimeout bounds the wait for the branch locks. The default fails
// immediately when a branch is locked.
func (op *Operation) WithLockTimeout(d time.Duration) *Operation {
	op.timeout = d
	return op
}

func (op *Operation) description() string {
	if op.rebase {
		return fmt.Sprintf("rebase branch '%s' on '%s'", op.target, op.source)
	}
	return fmt.Sprintf("merge branch '%s' into '%s'", op.source, op.target)
}

func (op *Operation) commitMessage() string {
	if op.message != "" {
		return op.message
	}
	if op.rebase {
		return fmt.Sprintf("Rebase branch '%s' on '%s'", op.target, op.source)
	}
	return fmt.Sprintf("Merge branch '%s' into '%s'", op.source, op.target)
}

// Execute runs the operation. Conflicts and commit-phase failures are
// reported in the Merge result; precondition violations and lock failures
// are returned as errors.
func (op *Operation) Execute(ctx context.Context) (*Merge, error) {
	if op.source == op.target {
		return nil, branch.BadRequestf("cannot merge branch %q onto itself", op.source)
	}
	source, err := op.e.registry.Get(op.source)
	if err != nil {
		return nil, err
	}
	target, err := op.e.registry.Get(op.target)
	if err != nil {
		return nil, err
	}
	if source.Deleted {
		return nil, branch.BadRequestf("source branch %q is deleted", op.source)
	}
	if target.Deleted {
		return nil, branch.BadRequestf("target branch %q is deleted", op.target)
	}
	if op.rebase && target.ParentPath != source.Path {
		return nil, branch.BadRequestf("branch %q is not a direct child of %q", op.target, op.source)
	}

	lctx := oplock.Context{
		UserID:            op.author,
		Description:       op.description(),
		ParentDescription: op.parent,
	}
	lockTargets := []oplock.Target{
		oplock.BranchTarget{RepositoryID: op.e.repositoryID, BranchPath: source.Path},
		oplock.BranchTarget{RepositoryID: op.e.repositoryID, BranchPath: target.Path},
	}
	if err := op.e.locks.Lock(ctx, lctx, op.timeout, lockTargets...); err != nil {
		return nil, err
	}
	defer func() {
		if err := op.e.locks.Unlock(lctx, lockTargets...); err != nil {
			op.e.log.Warn("unlock after merge failed", "error", err)
		}
	}()

	// Re-read under the lock: the pre-lock reads may be stale.
	if source, err = op.e.registry.Get(op.source); err != nil {
		return nil, err
	}
	if target, err = op.e.registry.Get(op.target); err != nil {
		return nil, err
	}

	result := &Merge{Source: op.source, Target: op.target}

	base := source.Segments.LastCommonPoint(target.Segments)
	sourceChanges, err := op.e.revisions.Compare(source.Ref(), base)
	if err != nil {
		return op.fail(result, err), nil
	}
	targetChanges, err := op.e.revisions.Compare(target.Ref(), base)
	if err != nil {
		return op.fail(result, err), nil
	}

	if op.noop(source, target, sourceChanges) {
		result.Status = Completed
		return result, nil
	}

	if conflicts := findConflicts(op.processor, sourceChanges, targetChanges); len(conflicts) > 0 {
		result.Status = FailedWithConflicts
		result.Conflicts = Classify(conflicts)
		return result, nil
	}

	var commit *commitlog.Commit
	if op.rebase {
		commit, err = op.applyRebase(source, target, sourceChanges, targetChanges)
	} else {
		commit, err = op.applyMerge(source, target, sourceChanges, targetChanges)
	}
	if err != nil {
		return op.fail(result, err), nil
	}
	result.Status = Completed
	result.Commit = commit
	if commit != nil && op.e.notifier != nil {
		op.e.notifier(commit)
	}
	return result, nil
}

// noop reports whether there is nothing to do: for a merge, a source with no
// new changes; for a rebase, a parent that did not move and was not
// replaced.
func (op *Operation) noop(source, target *branch.Branch, sourceChanges *revision.ChangeSet) bool {
	if !sourceChanges.Empty() {
		return false
	}
	if !op.rebase {
		return true
	}
	return source.HeadTimestamp <= target.BaseTimestamp &&
		source.Segments.CoversAll(target.Segments.Inherited(target.ID))
}

func (op *Operation) fail(result *Merge, err error) *Merge {
	op.e.log.Error("merge failed", "source", op.source, "target", op.target, "error", err)
	result.Status = Failed
	result.APIError = err
	return result
}

// applyMerge commits the source's changes onto the target as one squashed
// commit.
func (op *Operation) applyMerge(source, target *branch.Branch, sourceChanges, targetChanges *revision.ChangeSet) (*commitlog.Commit, error) {
	p := buildPlan(op.processor, sourceChanges, targetChanges)
	if p.empty() {
		return nil, nil
	}
	ts := op.e.clock.Issue()
	staged, err := p.stage(op.e.revisions, target.Ref())
	if err != nil {
		return nil, err
	}
	if err := op.e.revisions.Commit(target.ID, ts, staged); err != nil {
		return nil, err
	}
	if _, err := op.e.registry.Advance(target.Path, ts); err != nil {
		return nil, err
	}
	commit := commitlog.New(target.Path, ts, op.author, op.commitMessage())
	commit.MergeSource = &segment.Point{BranchID: source.ID, Timestamp: source.HeadTimestamp}
	commit.Squash = true
	if err := op.e.commits.Put(commit); err != nil {
		return nil, err
	}
	return commit, nil
}

// applyRebase replaces the target with a fresh instance on the source's
// current head and replays the target's own changes as one commit.
func (op *Operation) applyRebase(source, target *branch.Branch, sourceChanges, targetChanges *revision.ChangeSet) (*commitlog.Commit, error) {
	p := buildPlan(op.processor, targetChanges, sourceChanges)
	recreated, err := op.e.registry.Recreate(target.Path)
	if err != nil {
		return nil, err
	}
	if p.empty() {
		return nil, nil
	}
	ts := op.e.clock.Issue()
	staged, err := p.stage(op.e.revisions, recreated.Ref())
	if err != nil {
		return nil, err
	}
	if err := op.e.revisions.Commit(recreated.ID, ts, staged); err != nil {
		return nil, err
	}
	if _, err := op.e.registry.Advance(recreated.Path, ts); err != nil {
		return nil, err
	}
	commit := commitlog.New(recreated.Path, ts, op.author, op.commitMessage())
	commit.MergeSource = &segment.Point{BranchID: target.ID, Timestamp: target.HeadTimestamp}
	if err := op.e.commits.Put(commit); err != nil {
		return nil, err
	}
	return commit, nil
}
