package merge

import (
	"github.com/graftdb/graft/internal/revision"
	"github.com/graftdb/graft/internal/segment"
)

// findConflicts compares the two sides' change sets and collects every raw
// conflict between them.
func findConflicts(proc ConflictProcessor, source, target *revision.ChangeSet) []Conflict {
	var out []Conflict

	for id, sc := range source.Changed {
		if tc, ok := target.Changed[id]; ok {
			if _, _, attrs := proc.ChangedInSourceAndTarget(id, sc, tc); len(attrs) > 0 {
				out = append(out, ChangedInSourceAndTarget{ID: id, Attributes: attrs})
			}
		}
		if _, ok := target.Deleted[id]; ok && !proc.DetachedWhileChanged(id, sc) {
			out = append(out, ChangedInSourceAndDetachedInTarget{ID: id, Changes: sc.Props})
		}
	}
	for id, tc := range target.Changed {
		if _, ok := source.Deleted[id]; ok && !proc.DetachedWhileChanged(id, tc) {
			out = append(out, ChangedInTargetAndDetachedInSource{ID: id, Changes: tc.Props})
		}
	}

	for id, srev := range source.Created {
		if trev, ok := target.Created[id]; ok {
			if _, attrs := proc.AddedInSourceAndTarget(id, srev, trev); len(attrs) > 0 {
				out = append(out, AddedInSourceAndTarget{ID: id, Attributes: attrs})
			}
		}
		for ref, refID := range srev.Refs {
			if _, ok := target.Deleted[refID]; ok {
				out = append(out, AddedInSourceAndDetachedInTarget{ID: id, Reference: ref, Detached: refID})
			}
		}
	}
	for id, trev := range target.Created {
		for ref, refID := range trev.Refs {
			if _, ok := source.Deleted[refID]; ok {
				out = append(out, AddedInTargetAndDetachedInSource{ID: id, Reference: ref, Detached: refID})
			}
		}
	}
	return out
}

// plannedChange carries the diffs still to apply onto the current visible
// version of one object.
type plannedChange struct {
	id    revision.ObjectID
	props []revision.PropertyDiff
	refs  []revision.ReferenceDiff
}

// plan is the conflict-free set of writes one side contributes to the other.
type plan struct {
	creates []*revision.Revision
	deletes []revision.ObjectID
	changes []plannedChange
}

func (p plan) empty() bool {
	return len(p.creates) == 0 && len(p.deletes) == 0 && len(p.changes) == 0
}

// buildPlan folds the apply side's change set against the other side's into
// concrete writes. Both-sided overlaps must already have passed conflict
// detection; the processor re-decides them here to drop the agreed parts.
func buildPlan(proc ConflictProcessor, apply, other *revision.ChangeSet) plan {
	var p plan

	for id, rev := range apply.Created {
		if orev, ok := other.Created[id]; ok {
			if rev.Equal(orev) {
				continue
			}
			if resolution, _ := proc.AddedInSourceAndTarget(id, rev, orev); resolution != nil {
				p.creates = append(p.creates, resolution)
			}
			continue
		}
		p.creates = append(p.creates, rev.Clone())
	}

	for id := range apply.Deleted {
		if _, ok := other.Deleted[id]; ok {
			continue
		}
		p.deletes = append(p.deletes, id)
	}

	for id, ch := range apply.Changed {
		if _, ok := other.Deleted[id]; ok {
			// The processor let the deletion win.
			continue
		}
		if och, ok := other.Changed[id]; ok {
			props, refs, _ := proc.ChangedInSourceAndTarget(id, ch, och)
			if len(props) == 0 && len(refs) == 0 {
				continue
			}
			p.changes = append(p.changes, plannedChange{id: id, props: props, refs: refs})
			continue
		}
		p.changes = append(p.changes, plannedChange{id: id, props: ch.Props, refs: ch.Refs})
	}
	return p
}

// stage resolves the plan against the view it will be committed on.
func (p plan) stage(store revision.Store, view segment.Chain) ([]revision.Staged, error) {
	staged := make([]revision.Staged, 0, len(p.creates)+len(p.deletes)+len(p.changes))
	for _, rev := range p.creates {
		staged = append(staged, revision.Put(rev))
	}
	for _, id := range p.deletes {
		staged = append(staged, revision.Delete(id))
	}
	for _, ch := range p.changes {
		current, err := store.VisibleAt(view, ch.id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			// Deleted on the view meanwhile; nothing to change.
			continue
		}
		staged = append(staged, revision.Put(applyDiffs(current, ch.props, ch.refs)))
	}
	return staged, nil
}

// applyDiffs produces a new revision with the diffs applied on top of base.
func applyDiffs(base *revision.Revision, props []revision.PropertyDiff, refs []revision.ReferenceDiff) *revision.Revision {
	out := base.Clone()
	for _, d := range props {
		if d.To == "" {
			delete(out.Props, d.Property)
			continue
		}
		if out.Props == nil {
			out.Props = make(map[string]string)
		}
		out.Props[d.Property] = d.To
	}
	for _, d := range refs {
		if d.To.IsNil() {
			delete(out.Refs, d.Reference)
			continue
		}
		if out.Refs == nil {
			out.Refs = make(map[string]revision.ObjectID)
		}
		out.Refs[d.Reference] = d.To
	}
	return out
}
