package merge

import (
	"fmt"

	"github.com/graftdb/graft/internal/revision"
)

// Conflict is a raw, low-level conflict found while comparing the two sides
// of a merge. The closed set of variants is folded into user-facing
// MergeConflict values by Classify.
type Conflict interface {
	Object() revision.ObjectID
	conflict()
}

// ChangedInSourceAndTarget reports an object changed on both sides with at
// least one property or reference changed to different values.
type ChangedInSourceAndTarget struct {
	ID         revision.ObjectID
	Attributes []ConflictingAttribute
}

func (c ChangedInSourceAndTarget) Object() revision.ObjectID { return c.ID }
func (c ChangedInSourceAndTarget) conflict()                 {}

// ChangedInSourceAndDetachedInTarget reports an object changed on the source
// side but deleted on the target side. Changes carries the source-side
// property transitions for reporting.
type ChangedInSourceAndDetachedInTarget struct {
	ID      revision.ObjectID
	Changes []revision.PropertyDiff
}

func (c ChangedInSourceAndDetachedInTarget) Object() revision.ObjectID { return c.ID }
func (c ChangedInSourceAndDetachedInTarget) conflict()                 {}

// ChangedInTargetAndDetachedInSource reports an object changed on the target
// side but deleted on the source side.
type ChangedInTargetAndDetachedInSource struct {
	ID      revision.ObjectID
	Changes []revision.PropertyDiff
}

func (c ChangedInTargetAndDetachedInSource) Object() revision.ObjectID { return c.ID }
func (c ChangedInTargetAndDetachedInSource) conflict()                 {}

// AddedInSourceAndTarget reports an object created on both sides with
// different content.
type AddedInSourceAndTarget struct {
	ID         revision.ObjectID
	Attributes []ConflictingAttribute
}

func (c AddedInSourceAndTarget) Object() revision.ObjectID { return c.ID }
func (c AddedInSourceAndTarget) conflict()                 {}

// AddedInSourceAndDetachedInTarget reports an object created on the source
// side referencing an object the target side deleted.
type AddedInSourceAndDetachedInTarget struct {
	ID        revision.ObjectID
	Reference string
	Detached  revision.ObjectID
}

func (c AddedInSourceAndDetachedInTarget) Object() revision.ObjectID { return c.ID }
func (c AddedInSourceAndDetachedInTarget) conflict()                 {}

// AddedInTargetAndDetachedInSource reports an object created on the target
// side referencing an object the source side deleted.
type AddedInTargetAndDetachedInSource struct {
	ID        revision.ObjectID
	Reference string
	Detached  revision.ObjectID
}

func (c AddedInTargetAndDetachedInSource) Object() revision.ObjectID { return c.ID }
func (c AddedInTargetAndDetachedInSource) conflict()                 {}

// ConflictingAttribute is one property or reference both sides set to
// different values.
type ConflictingAttribute struct {
	Property    string `json:"property"`
	SourceValue string `json:"sourceValue"`
	TargetValue string `json:"targetValue"`
	OldValue    string `json:"oldValue,omitempty"`
}

func (a ConflictingAttribute) String() string {
	return fmt.Sprintf("%s: %q vs %q", a.Property, a.SourceValue, a.TargetValue)
}

// ConflictProcessor decides leaf-level outcomes when both sides touched the
// same object. Implementations can auto-resolve domain-specific cases; the
// default keeps identical changes and flags everything else.
type ConflictProcessor interface {
	// ChangedInSourceAndTarget returns the source diffs that should still be
	// applied on top of the target's version, and the attributes that remain
	// in conflict.
	ChangedInSourceAndTarget(id revision.ObjectID, source, target revision.ObjectChange) (resolved []revision.PropertyDiff, resolvedRefs []revision.ReferenceDiff, conflicts []ConflictingAttribute)

	// AddedInSourceAndTarget decides whether two independently created
	// revisions of the same object can be reconciled. A nil resolution with
	// no conflicts keeps the target's revision.
	AddedInSourceAndTarget(id revision.ObjectID, source, target *revision.Revision) (resolution *revision.Revision, conflicts []ConflictingAttribute)

	// DetachedWhileChanged reports whether the deletion wins over the change
	// without raising a conflict.
	DetachedWhileChanged(id revision.ObjectID, change revision.ObjectChange) bool
}

// DefaultProcessor implements the standard conflict rules: changes to
// different properties merge, identical new values merge, differing new
// values conflict, and deletions never silently win over changes.
type DefaultProcessor struct{}

func (DefaultProcessor) ChangedInSourceAndTarget(id revision.ObjectID, source, target revision.ObjectChange) ([]revision.PropertyDiff, []revision.ReferenceDiff, []ConflictingAttribute) {
	targetProps := make(map[string]revision.PropertyDiff, len(target.Props))
	for _, d := range target.Props {
		targetProps[d.Property] = d
	}
	targetRefs := make(map[string]revision.ReferenceDiff, len(target.Refs))
	for _, d := range target.Refs {
		targetRefs[d.Reference] = d
	}

	var resolved []revision.PropertyDiff
	var conflicts []ConflictingAttribute
	for _, d := range source.Props {
		other, touched := targetProps[d.Property]
		switch {
		case !touched:
			resolved = append(resolved, d)
		case other.To == d.To:
			// Both sides agree on the new value.
		default:
			conflicts = append(conflicts, ConflictingAttribute{
				Property:    d.Property,
				SourceValue: d.To,
				TargetValue: other.To,
				OldValue:    d.From,
			})
		}
	}

	var resolvedRefs []revision.ReferenceDiff
	for _, d := range source.Refs {
		other, touched := targetRefs[d.Reference]
		switch {
		case !touched:
			resolvedRefs = append(resolvedRefs, d)
		case other.To == d.To:
		default:
			conflicts = append(conflicts, ConflictingAttribute{
				Property:    d.Reference,
				SourceValue: d.To.String(),
				TargetValue: other.To.String(),
				OldValue:    d.From.String(),
			})
		}
	}
	return resolved, resolvedRefs, conflicts
}

func (DefaultProcessor) AddedInSourceAndTarget(id revision.ObjectID, source, target *revision.Revision) (*revision.Revision, []ConflictingAttribute) {
	if source.Equal(target) {
		return nil, nil
	}
	props, refs := revision.Diff(target, source)
	conflicts := make([]ConflictingAttribute, 0, len(props)+len(refs))
	for _, d := range props {
		conflicts = append(conflicts, ConflictingAttribute{Property: d.Property, SourceValue: d.To, TargetValue: d.From})
	}
	for _, d := range refs {
		conflicts = append(conflicts, ConflictingAttribute{Property: d.Reference, SourceValue: d.To.String(), TargetValue: d.From.String()})
	}
	return nil, conflicts
}

func (DefaultProcessor) DetachedWhileChanged(id revision.ObjectID, change revision.ObjectChange) bool {
	return false
}
