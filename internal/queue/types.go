package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TaskState represents where a task sits in its lifecycle. The numeric
// values are wire-visible: clients filter by them and rows persist them.
type TaskState int

const (
	// StateDiscarded is for tasks that have errored enough times that
	// they're no longer eligible to be retried. Manual intervention is
	// required for them to be tried again.
	StateDiscarded TaskState = -101
	// StateCancelled is for tasks manually cancelled by user request.
	StateCancelled TaskState = -100
	// StatePending is for tasks waiting to be claimed by a worker once
	// their schedule_at has passed.
	StatePending TaskState = 0
	// StateProcessing is for tasks actively leased by a worker.
	StateProcessing TaskState = 1
	// StateCompleted is for tasks that have successfully run to completion.
	StateCompleted TaskState = 100
	// StateRetryable is for tasks that have errored but will be retried.
	StateRetryable TaskState = 101
)

var stateNames = map[TaskState]string{
	StateDiscarded:  "discarded",
	StateCancelled:  "cancelled",
	StatePending:    "pending",
	StateProcessing: "processing",
	StateCompleted:  "completed",
	StateRetryable:  "retryable",
}

var stateDescriptions = map[TaskState]string{
	StateDiscarded:  "Tasks that have errored too many times and require manual intervention",
	StateCancelled:  "Tasks that have been manually cancelled by user request",
	StatePending:    "Tasks waiting for external action before they can be processed",
	StateProcessing: "Tasks that are currently being processed",
	StateCompleted:  "Tasks that have successfully completed",
	StateRetryable:  "Tasks that have failed but will be retried automatically",
}

func (s TaskState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("taskstate(%d)", int(s))
}

// IsTerminal reports whether a task in this state will never be worked again
// without manual intervention.
func (s TaskState) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateDiscarded
}

// Valid reports whether s is one of the defined states.
func (s TaskState) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// StateInfo is the wire representation of a state for listings.
type StateInfo struct {
	Name        string `json:"name"`
	Value       int    `json:"value"`
	Description string `json:"description"`
}

// Metadata returns the name, value and description of the state.
func (s TaskState) Metadata() StateInfo {
	return StateInfo{
		Name:        s.String(),
		Value:       int(s),
		Description: stateDescriptions[s],
	}
}

// States returns all defined states in ascending value order.
func States() []TaskState {
	return []TaskState{
		StateDiscarded,
		StateCancelled,
		StatePending,
		StateProcessing,
		StateCompleted,
		StateRetryable,
	}
}

// ParseState resolves a state from its name (case-insensitive) or its
// numeric value.
func ParseState(s string) (TaskState, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty task state")
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		state := TaskState(n)
		if !state.Valid() {
			return 0, fmt.Errorf("unknown task state value: %d", n)
		}
		return state, nil
	}
	lower := strings.ToLower(trimmed)
	for state, name := range stateNames {
		if name == lower {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown task state: %q", s)
}

// TaskItem is one unit of synthesis work within a task. The request payload
// is opaque to the queue; the worker interprets it and writes the produced
// audio back into ResponseURL as an inline data URL before the task is
// marked complete.
type TaskItem struct {
	Request     json.RawMessage `json:"request"`
	ResponseURL string          `json:"response_url"`
}

// Task is a unit of queued work carrying one or more synthesis items.
// Timestamps are epoch milliseconds; AttemptedAt and FinalizedAt are nil
// until first set.
type Task struct {
	ID             string     `json:"id"`
	State          TaskState  `json:"state"`
	ScheduleAt     int64      `json:"schedule_at"`
	AttemptCount   int        `json:"attempt_count"`
	AttemptedAt    *int64     `json:"attempted_at,omitempty"`
	AttemptedError []string   `json:"attempted_error"`
	FinalizedAt    *int64     `json:"finalized_at,omitempty"`
	Items          []TaskItem `json:"items"`
	ItemCount      int        `json:"item_count"`
	CreatedAt      int64      `json:"created_at"`
	UpdatedAt      int64      `json:"updated_at"`
}

// Clone returns a deep copy so a worker can mutate items without sharing
// slices with other goroutines.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.AttemptedAt != nil {
		v := *t.AttemptedAt
		c.AttemptedAt = &v
	}
	if t.FinalizedAt != nil {
		v := *t.FinalizedAt
		c.FinalizedAt = &v
	}
	c.AttemptedError = append([]string(nil), t.AttemptedError...)
	c.Items = make([]TaskItem, len(t.Items))
	for i, item := range t.Items {
		c.Items[i] = TaskItem{
			Request:     append(json.RawMessage(nil), item.Request...),
			ResponseURL: item.ResponseURL,
		}
	}
	return &c
}
