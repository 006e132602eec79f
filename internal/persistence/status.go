package persistence

import "fmt"

var statusTransitions = map[ClassStatus][]ClassStatus{
	StatusActive:   {StatusActive, StatusInactive},
	StatusInactive: {StatusInactive},
}

// CanTransition reports whether a class may move from one status to another
// outside of administrative edits.
func CanTransition(from, to ClassStatus) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition when the move is not permitted.
func CheckTransition(from, to ClassStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, from, to)
	}
	return nil
}
