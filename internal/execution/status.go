// Package execution validates and applies background execution status
// transitions. Every status write goes through a compare-and-swap conditional
// update guarded by the row's version column; unconditional writes to status
// or version are forbidden everywhere else.
package execution

import "fmt"

// Status is a background execution lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusCompleted       Status = "COMPLETED"
	StatusCompletedSilent Status = "COMPLETED_SILENT"
	StatusFailed          Status = "FAILED"
	StatusRetrying        Status = "RETRYING"
	StatusCancelled       Status = "CANCELLED"
)

// transitions is the explicit adjacency table. Terminal states have no
// outgoing edges; an absent key means no transition is ever allowed from it.
var transitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning:  {StatusCompleted, StatusCompletedSilent, StatusFailed, StatusCancelled, StatusRetrying},
	StatusRetrying: {StatusRunning, StatusFailed, StatusCancelled},
}

var terminal = map[Status]bool{
	StatusCompleted:       true,
	StatusCompletedSilent: true,
	StatusFailed:          true,
	StatusCancelled:       true,
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool { return terminal[s] }

// CanTransition reports whether from -> to is a valid edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status value.
func Valid(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusCompletedSilent,
		StatusFailed, StatusRetrying, StatusCancelled:
		return true
	}
	return false
}

// OptimisticLockError is returned when a caller supplied an explicit expected
// version and the row had moved on before the write.
type OptimisticLockError struct {
	ExecutionID int64
	Expected    int64
	Actual      int64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("execution %d version conflict: expected %d, actual %d", e.ExecutionID, e.Expected, e.Actual)
}

// StateError is a user-facing rejection of a cancel or delete request,
// naming the execution's current state. The API layer maps it to a 400.
type StateError struct {
	ExecutionID int64
	Current     Status
	Op          string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s execution %d in state %s", e.Op, e.ExecutionID, e.Current)
}
