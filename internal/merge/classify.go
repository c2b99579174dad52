package merge

import (
	"fmt"
	"sort"

	"github.com/graftdb/graft/internal/revision"
)

// ConflictType is the user-facing category of a merge conflict.
type ConflictType string

const (
	// ConflictingChange covers objects changed or created on both sides
	// with incompatible values.
	ConflictingChange ConflictType = "CONFLICTING_CHANGE"
	// DeletedWhileChanged covers objects one side changed and the other
	// side deleted.
	DeletedWhileChanged ConflictType = "DELETED_WHILE_CHANGED"
	// CausesMissingReference covers new source objects whose references the
	// target side deleted.
	CausesMissingReference ConflictType = "CAUSES_MISSING_REFERENCE"
	// HasMissingReference covers new target objects whose references the
	// source side deleted.
	HasMissingReference ConflictType = "HAS_MISSING_REFERENCE"
)

// MergeConflict is one classified, reportable conflict.
type MergeConflict struct {
	Object     revision.ObjectID      `json:"object"`
	Type       ConflictType           `json:"type"`
	Attributes []ConflictingAttribute `json:"attributes,omitempty"`
	Message    string                 `json:"message"`
}

// Classify folds raw conflicts into user-facing merge conflicts, sorted by
// object id for stable reporting.
func Classify(conflicts []Conflict) []MergeConflict {
	out := make([]MergeConflict, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, classifyOne(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Object != out[j].Object {
			return out[i].Object.String() < out[j].Object.String()
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func classifyOne(c Conflict) MergeConflict {
	switch c := c.(type) {
	case ChangedInSourceAndTarget:
		return MergeConflict{
			Object:     c.ID,
			Type:       ConflictingChange,
			Attributes: c.Attributes,
			Message:    fmt.Sprintf("%s changed on both sides with conflicting values", c.ID),
		}
	case AddedInSourceAndTarget:
		return MergeConflict{
			Object:     c.ID,
			Type:       ConflictingChange,
			Attributes: c.Attributes,
			Message:    fmt.Sprintf("%s created on both sides with different content", c.ID),
		}
	case ChangedInSourceAndDetachedInTarget:
		attrs := make([]ConflictingAttribute, 0, len(c.Changes))
		for _, d := range c.Changes {
			attrs = append(attrs, ConflictingAttribute{Property: d.Property, OldValue: d.From, SourceValue: d.To})
		}
		return MergeConflict{
			Object:     c.ID,
			Type:       DeletedWhileChanged,
			Attributes: attrs,
			Message:    fmt.Sprintf("%s changed on the source but deleted on the target", c.ID),
		}
	case ChangedInTargetAndDetachedInSource:
		attrs := make([]ConflictingAttribute, 0, len(c.Changes))
		for _, d := range c.Changes {
			attrs = append(attrs, ConflictingAttribute{Property: d.Property, OldValue: d.From, TargetValue: d.To})
		}
		return MergeConflict{
			Object:     c.ID,
			Type:       DeletedWhileChanged,
			Attributes: attrs,
			Message:    fmt.Sprintf("%s changed on the target but deleted on the source", c.ID),
		}
	case AddedInSourceAndDetachedInTarget:
		// The deleted object is the conflict subject; the new object would
		// dangle without it.
		return MergeConflict{
			Object:  c.Detached,
			Type:    CausesMissingReference,
			Message: fmt.Sprintf("%s was deleted on the target but %s still references it via %q", c.Detached, c.ID, c.Reference),
		}
	case AddedInTargetAndDetachedInSource:
		return MergeConflict{
			Object: c.ID,
			Type:   HasMissingReference,
			Attributes: []ConflictingAttribute{{
				Property:    c.Reference,
				TargetValue: c.Detached.String(),
			}},
			Message: fmt.Sprintf("%s references %s via %q, which was deleted on the source", c.ID, c.Detached, c.Reference),
		}
	default:
		return MergeConflict{
			Object:  c.Object(),
			Type:    ConflictingChange,
			Message: fmt.Sprintf("%s has an unclassified conflict", c.Object()),
		}
	}
}
