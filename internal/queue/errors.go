package queue

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTaskNotFound is matched by errors.Is when an operation references a
// task id that does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrInvalidStateTransition is matched by errors.Is when a guarded state
// update finds the row in a state the transition does not allow. The row is
// left untouched.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// QueueError wraps store and transaction failures so callers can tell
// infrastructure faults apart from domain errors.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

func queueErr(op string, err error) error {
	return &QueueError{Op: op, Err: err}
}

// IsQueueError reports whether err is an infrastructure failure from the
// queue rather than a domain error.
func IsQueueError(err error) bool {
	var qe *QueueError
	return errors.As(err, &qe)
}

// TaskNotFoundError reports which id was missing.
type TaskNotFoundError struct {
	ID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

func (e *TaskNotFoundError) Is(target error) bool {
	return target == ErrTaskNotFound
}

// StateTransitionError reports the state a task was actually in alongside
// the states the operation would have accepted.
type StateTransitionError struct {
	ID       string
	Current  TaskState
	Expected []TaskState
}

func (e *StateTransitionError) Error() string {
	names := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		names[i] = s.String()
	}
	return fmt.Sprintf("task %s is %s, expected %s", e.ID, e.Current, strings.Join(names, " or "))
}

func (e *StateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}
