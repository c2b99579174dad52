// Package segment models the logical-time address space of branches.
//
// Every branch owns a monotonically increasing timeline. A Segment is a
// half-open interval [Start, End) of that timeline for which one branch's
// own edits are authoritative. A branch's full visibility is a Chain: the
// inherited prefix of ancestor segments up to the branch's base, followed
// by the branch's own trailing segment(s).
package segment

import "fmt"

// Segment is a half-open logical-time interval [Start, End) on the timeline
// of the branch identified by BranchID.
type Segment struct {
	BranchID int64 `json:"branchId"`
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
}

// Contains reports whether a commit made on branchID at timestamp ts is
// addressed by this segment.
func (s Segment) Contains(branchID, ts int64) bool {
	return s.BranchID == branchID && s.Start <= ts && ts < s.End
}

func (s Segment) String() string {
	return fmt.Sprintf("%d[%d,%d)", s.BranchID, s.Start, s.End)
}

// Point identifies a single commit address: a timestamp on a branch timeline.
type Point struct {
	BranchID  int64 `json:"branchId"`
	Timestamp int64 `json:"timestamp"`
}

// Chain is a branch's ordered segment sequence: sorted by Start and
// non-overlapping. The final segment is the branch's own; everything before
// it is inherited from ancestors.
type Chain []Segment

// Clone returns a copy that can be mutated independently.
func (c Chain) Clone() Chain {
	out := make(Chain, len(c))
	copy(out, c)
	return out
}

// Last returns the trailing (own) segment. Panics on an empty chain: a
// persisted branch always carries at least its own segment.
func (c Chain) Last() Segment {
	return c[len(c)-1]
}

// Contains reports whether the commit (branchID, ts) is visible on this
// chain.
func (c Chain) Contains(branchID, ts int64) bool {
	for _, s := range c {
		if s.Contains(branchID, ts) {
			return true
		}
	}
	return false
}

// Extend grows the own trailing segment so that a commit at ts is addressed
// by it. The commit timestamp must be at or past the current end.
func (c Chain) Extend(ts int64) (Chain, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("extend empty chain")
	}
	last := c.Last()
	if ts < last.End {
		return nil, fmt.Errorf("commit timestamp %d behind segment end %d", ts, last.End)
	}
	out := c.Clone()
	out[len(out)-1].End = ts + 1
	return out, nil
}

// Append adds a new own segment. The new segment must start where the chain
// currently ends.
func (c Chain) Append(s Segment) (Chain, error) {
	if len(c) > 0 {
		if end := c.Last().End; s.Start < end {
			return nil, fmt.Errorf("segment start %d behind chain end %d", s.Start, end)
		}
	}
	if s.End < s.Start {
		return nil, fmt.Errorf("segment end %d before start %d", s.End, s.Start)
	}
	out := c.Clone()
	return append(out, s), nil
}

// CapAt returns the chain with its own trailing segment ending at end, ready
// to serve as the inherited prefix of a child branch based at end. The
// parent timeline stays addressable up to the branch point, no matter how
// far the parent's recorded head had advanced.
func (c Chain) CapAt(end int64) Chain {
	out := c.Clone()
	if len(out) > 0 {
		out[len(out)-1].End = end
	}
	return out
}

// LastCommonPoint returns the greatest timestamp up to which both chains
// address the same commits: the base of a three-way diff between the two
// branches.
func (c Chain) LastCommonPoint(o Chain) int64 {
	var last int64
	n := len(c)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		a, b := c[i], o[i]
		if a.BranchID != b.BranchID || a.Start != b.Start {
			break
		}
		if a.End == b.End {
			last = a.End
			continue
		}
		if a.End < b.End {
			last = a.End
		} else {
			last = b.End
		}
		break
	}
	return last
}

// Covers reports whether s is addressed by this chain, treating the chain's
// trailing segment as open-ended: a live branch's own segment stays
// authoritative from its start onward until it is capped for a child, so a
// child's capped copy may extend past the parent's recorded end.
func (c Chain) Covers(s Segment) bool {
	for i, os := range c {
		if os.BranchID != s.BranchID || os.Start > s.Start {
			continue
		}
		if s.End <= os.End || i == len(c)-1 {
			return true
		}
	}
	return false
}

// CoversAll reports whether every segment of o is covered per Covers.
func (c Chain) CoversAll(o Chain) bool {
	for _, s := range o {
		if !c.Covers(s) {
			return false
		}
	}
	return true
}

// Inherited returns the prefix of segments not owned by ownBranchID.
func (c Chain) Inherited(ownBranchID int64) Chain {
	out := make(Chain, 0, len(c))
	for _, s := range c {
		if s.BranchID != ownBranchID {
			out = append(out, s)
		}
	}
	return out
}

// Difference returns the portions of this chain's intervals that are not
// covered by o, preserving order.
func (c Chain) Difference(o Chain) Chain {
	var out Chain
	for _, s := range c {
		remaining := []Segment{s}
		for _, os := range o {
			if os.BranchID != s.BranchID {
				continue
			}
			var next []Segment
			for _, r := range remaining {
				next = append(next, subtract(r, os)...)
			}
			remaining = next
		}
		out = append(out, remaining...)
	}
	return out
}

// subtract removes the overlap of o from s, yielding zero, one or two
// leftover intervals.
func subtract(s, o Segment) []Segment {
	if o.End <= s.Start || s.End <= o.Start {
		return []Segment{s}
	}
	var out []Segment
	if s.Start < o.Start {
		out = append(out, Segment{BranchID: s.BranchID, Start: s.Start, End: o.Start})
	}
	if o.End < s.End {
		out = append(out, Segment{BranchID: s.BranchID, Start: o.End, End: s.End})
	}
	return out
}
