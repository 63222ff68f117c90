package incident

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is matched by every rejected status change.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotFound is returned by operator actions on unknown incidents.
	ErrNotFound = errors.New("incident not found")

	// ErrClosed is returned when mutating a terminal incident.
	ErrClosed = errors.New("incident is closed")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// Is lets errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
