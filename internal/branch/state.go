package branch

// Compare derives the state of b relative to its parent.
//
// A branch whose inherited prefix is no longer addressed by the parent's
// current chain sits on abandoned history (the parent instance was replaced)
// and is STALE regardless of commit activity. Otherwise the state follows
// from which side committed since the branch's base.
func Compare(b, parent *Branch) State {
	if b.IsMain() {
		return UpToDate
	}
	if !parent.Segments.CoversAll(b.Segments.Inherited(b.ID)) {
		return Stale
	}
	branchAhead := b.HeadTimestamp > b.BaseTimestamp
	parentAhead := parent.HeadTimestamp > b.BaseTimestamp
	switch {
	case branchAhead && parentAhead:
		return Diverged
	case branchAhead:
		return Forward
	case parentAhead:
		return Behind
	default:
		return UpToDate
	}
}

// CompareState resolves the parent through the registry and derives the
// branch state.
func (r *Registry) CompareState(path string) (State, error) {
	b, err := r.Get(path)
	if err != nil {
		return "", err
	}
	if b.IsMain() {
		return UpToDate, nil
	}
	parent, err := r.Get(b.ParentPath)
	if err != nil {
		return "", err
	}
	return Compare(b, parent), nil
}
