// Package branch implements the branch registry: creation, lookup, deletion,
// reopening and metadata updates of branches, plus the derived branch-state
// calculation against the parent branch.
package branch

import (
	"fmt"
	"strings"

	"github.com/graftdb/graft/internal/segment"
)

// MainPath is the distinguished root branch. It has no parent and cannot be
// deleted.
const MainPath = "MAIN"

// Separator joins parent paths and branch names.
const Separator = "/"

// State describes a branch's relationship to its parent. It is derived from
// segments, never stored authoritatively.
type State string

const (
	UpToDate State = "UP_TO_DATE"
	Forward  State = "FORWARD"
	Behind   State = "BEHIND"
	Diverged State = "DIVERGED"
	Stale    State = "STALE"
)

// Metadata is an open property bag attached to a branch.
type Metadata map[string]string

// Equal reports whether two metadata bags hold the same entries.
func (m Metadata) Equal(o Metadata) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Branch is one line of revisions descending from a parent at a fixed base
// point. Branch documents are immutable values: mutations write a new
// document through the Store.
type Branch struct {
	ID            int64         `json:"id"`
	Path          string        `json:"path"`
	ParentPath    string        `json:"parentPath"`
	Name          string        `json:"name"`
	BaseTimestamp int64         `json:"baseTimestamp"`
	HeadTimestamp int64         `json:"headTimestamp"`
	Segments      segment.Chain `json:"segments"`
	Metadata      Metadata      `json:"metadata,omitempty"`
	NameAliases   []string      `json:"nameAliases,omitempty"`
	Deleted       bool          `json:"deleted,omitempty"`
}

// IsMain reports whether this is the root branch.
func (b *Branch) IsMain() bool { return b.Path == MainPath }

// Ref returns the branch's visibility chain for reads and diffs.
func (b *Branch) Ref() segment.Chain { return b.Segments }

// clone returns a deep copy safe for independent mutation.
func (b *Branch) clone() *Branch {
	out := *b
	out.Segments = b.Segments.Clone()
	out.Metadata = b.Metadata.Clone()
	out.NameAliases = append([]string(nil), b.NameAliases...)
	return &out
}

// JoinPath builds the absolute path of a child branch.
func JoinPath(parentPath, name string) string {
	return parentPath + Separator + name
}

// SplitPath returns the parent path and name of an absolute branch path.
func SplitPath(path string) (parent, name string) {
	i := strings.LastIndex(path, Separator)
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// NotFoundError reports a missing branch.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("branch %q not found", e.Path)
}

// AlreadyExistsError reports a live branch occupying the requested path. It
// carries the existing branch so racing creators can converge on it.
type AlreadyExistsError struct {
	Existing *Branch
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("branch %q already exists", e.Existing.Path)
}

// BadRequestError reports a caller-side invariant violation. Never retried.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return e.Reason }

// BadRequestf builds a BadRequestError.
func BadRequestf(format string, args ...any) *BadRequestError {
	return &BadRequestError{Reason: fmt.Sprintf(format, args...)}
}
