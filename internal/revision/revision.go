// Package revision stores versioned objects addressed by branch segments.
//
// An object is identified by an ObjectID and carries flat properties plus
// named references to other objects. Every commit writes a new immutable
// version tagged with the committing branch's id and the commit timestamp;
// reads resolve the latest version visible on a segment chain.
package revision

import (
	"fmt"
	"sort"
)

// ObjectID identifies a versioned object across all branches.
type ObjectID struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (o ObjectID) String() string { return o.Type + "/" + o.ID }

// IsNil reports whether the id is the zero value.
func (o ObjectID) IsNil() bool { return o.Type == "" && o.ID == "" }

// Revision is one immutable version of an object.
type Revision struct {
	Object ObjectID            `json:"object"`
	Props  map[string]string   `json:"props,omitempty"`
	Refs   map[string]ObjectID `json:"refs,omitempty"`
}

// Clone returns an independently mutable copy.
func (r *Revision) Clone() *Revision {
	if r == nil {
		return nil
	}
	out := &Revision{Object: r.Object}
	if r.Props != nil {
		out.Props = make(map[string]string, len(r.Props))
		for k, v := range r.Props {
			out.Props[k] = v
		}
	}
	if r.Refs != nil {
		out.Refs = make(map[string]ObjectID, len(r.Refs))
		for k, v := range r.Refs {
			out.Refs[k] = v
		}
	}
	return out
}

// Equal reports whether two revisions carry the same content.
func (r *Revision) Equal(o *Revision) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Object != o.Object || len(r.Props) != len(o.Props) || len(r.Refs) != len(o.Refs) {
		return false
	}
	for k, v := range r.Props {
		if o.Props[k] != v {
			return false
		}
	}
	for k, v := range r.Refs {
		if o.Refs[k] != v {
			return false
		}
	}
	return true
}

// PropertyDiff records one property transition between two versions.
type PropertyDiff struct {
	Property string `json:"property"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// ReferenceDiff records one reference transition between two versions.
type ReferenceDiff struct {
	Reference string   `json:"reference"`
	From      ObjectID `json:"from"`
	To        ObjectID `json:"to"`
}

// ObjectChange is the delta of one changed object.
type ObjectChange struct {
	Before *Revision
	After  *Revision
	Props  []PropertyDiff
	Refs   []ReferenceDiff
}

// ChangeSet is the set of object-level changes visible on a chain since a
// point in logical time.
type ChangeSet struct {
	Created map[ObjectID]*Revision
	Changed map[ObjectID]ObjectChange
	Deleted map[ObjectID]*Revision
}

// Empty reports whether the set carries no changes.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Created) == 0 && len(cs.Changed) == 0 && len(cs.Deleted) == 0
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{
		Created: make(map[ObjectID]*Revision),
		Changed: make(map[ObjectID]ObjectChange),
		Deleted: make(map[ObjectID]*Revision),
	}
}

// Diff computes the property and reference transitions from before to after.
func Diff(before, after *Revision) ([]PropertyDiff, []ReferenceDiff) {
	var props []PropertyDiff
	seen := make(map[string]struct{}, len(before.Props))
	for k, from := range before.Props {
		seen[k] = struct{}{}
		if to, ok := after.Props[k]; !ok {
			props = append(props, PropertyDiff{Property: k, From: from})
		} else if to != from {
			props = append(props, PropertyDiff{Property: k, From: from, To: to})
		}
	}
	for k, to := range after.Props {
		if _, ok := seen[k]; !ok {
			props = append(props, PropertyDiff{Property: k, To: to})
		}
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Property < props[j].Property })

	var refs []ReferenceDiff
	seenRefs := make(map[string]struct{}, len(before.Refs))
	for k, from := range before.Refs {
		seenRefs[k] = struct{}{}
		if to, ok := after.Refs[k]; !ok {
			refs = append(refs, ReferenceDiff{Reference: k, From: from})
		} else if to != from {
			refs = append(refs, ReferenceDiff{Reference: k, From: from, To: to})
		}
	}
	for k, to := range after.Refs {
		if _, ok := seenRefs[k]; !ok {
			refs = append(refs, ReferenceDiff{Reference: k, To: to})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Reference < refs[j].Reference })
	return props, refs
}

// Staged is one pending write inside a commit: a new revision, or a deletion
// when Revision is nil.
type Staged struct {
	Object   ObjectID
	Revision *Revision
}

// Delete stages the removal of an object.
func Delete(id ObjectID) Staged { return Staged{Object: id} }

// Put stages a new revision of an object.
func Put(r *Revision) Staged { return Staged{Object: r.Object, Revision: r} }

func (s Staged) validate() error {
	if s.Object.IsNil() {
		return fmt.Errorf("staged change without object id")
	}
	if s.Revision != nil && s.Revision.Object != s.Object {
		return fmt.Errorf("staged revision id %s does not match %s", s.Revision.Object, s.Object)
	}
	return nil
}
