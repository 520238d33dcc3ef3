package settlement

// Guard rejects edits that were not based on the latest committed revision.
// Stores call Check inside their compare-and-swap critical section, so the
// revision it inspects is the one the mutation will be applied to.
type Guard struct{}

// Check returns a terminal state error when current is agreed and a conflict
// error when expected does not match the stored token.
func (Guard) Check(current *Settlement, expected uint64) error {
	if current.Status.IsTerminal() {
		return terminalError(current.SettlementID)
	}
	if current.LastSeen != expected {
		return ConflictError(expected, current.LastSeen)
	}
	return nil
}

// Mutation transforms a copy of the current revision in place. Returning an
// error aborts the swap and leaves the stored record untouched.
type Mutation func(s *Settlement) error

// Next runs the guard and the mutation against a private copy of current and
// returns the revision to commit, with its token advanced.
func (g Guard) Next(current *Settlement, expected uint64, mutate Mutation) (*Settlement, error) {
	if err := g.Check(current, expected); err != nil {
		return nil, err
	}
	next := current.clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.SettlementID = current.SettlementID
	next.LastSeen = current.LastSeen + 1
	return next, nil
}
