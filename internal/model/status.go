package model

import "fmt"

// Status describes where a work item is in its lifecycle. The string values
// are persisted verbatim in the processing_status column.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusComplete, StatusFailed}

// transitions maps a status to the statuses reachable from it in one step.
// Terminal statuses have no entry.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusComplete, StatusFailed},
	StatusProcessing: {StatusComplete, StatusFailed},
}

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// CanTransition reports whether to is reachable from s in one step.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a *TransitionError when moving from -> to is not
// allowed. Re-applying the current status is never allowed, including a
// terminal status; stores rely on that to keep duplicate deliveries inert.
func CheckTransition(from, to Status) error {
	if !to.Valid() || !from.CanTransition(to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// ValidateUpdate checks a requested status write against the current status
// and returns the violations payload to persist. Payloads are only accepted
// together with a terminal status.
func ValidateUpdate(current, next Status, violations Violations) (Violations, error) {
	if err := CheckTransition(current, next); err != nil {
		return nil, err
	}
	if !next.Terminal() {
		if len(violations) > 0 {
			return nil, NewValidationError("violations", "only accepted with a terminal status")
		}
		return Violations{}, nil
	}
	return violations.Clone(), nil
}
