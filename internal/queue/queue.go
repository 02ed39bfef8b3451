package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/lyrebird/internal/db"
	"github.com/getsentry/sentry-go"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// TaskQueue is the surface workers and the HTTP adapter consume. *Queue is
// the production implementation; tests substitute stubs.
type TaskQueue interface {
	Enqueue(ctx context.Context, tasks []*Task) ([]string, error)
	Dequeue(ctx context.Context, size int) ([]*Task, error)
	Retry(ctx context.Context, size int, visibilityTimeout time.Duration, maxAttempts int) ([]*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkComplete(ctx context.Context, task *Task) (*Task, error)
	MarkRetry(ctx context.Context, id, errMsg string) (*Task, error)
	MarkCancelled(ctx context.Context, id string) (*Task, error)
	MarkDiscarded(ctx context.Context, id string) (*Task, error)
	Resume(ctx context.Context, id string) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, limit int, cursor int64) ([]*Task, int64, error)
	ListTasksByState(ctx context.Context, state TaskState, limit int, cursor int64) ([]*Task, int64, error)
}

// Queue owns the task state machine. Every mutation runs as a guarded
// statement or short transaction against the store, so any number of
// concurrent workers can share one Queue without extra locking.
type Queue struct {
	dbq *db.DbQueue
	cfg Config
}

// New creates a queue over the given store.
func New(dbq *db.DbQueue, cfg Config) *Queue {
	return &Queue{dbq: dbq, cfg: cfg}
}

// Config returns the queue's tuning.
func (q *Queue) Config() Config {
	return q.cfg
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Enqueue normalises and bulk-inserts tasks, returning the ids present
// after commit. Tasks without an id get a fresh ULID; schedule_at of zero
// means runnable immediately. Rows whose explicit id already exists are
// skipped, which makes re-submission idempotent.
func (q *Queue) Enqueue(ctx context.Context, tasks []*Task) ([]string, error) {
	if len(tasks) == 0 {
		return []string{}, nil
	}

	span := sentry.StartSpan(ctx, "queue.enqueue")
	defer span.Finish()

	now := nowMillis()
	rows := make([]db.TaskRow, 0, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			task.ID = ulid.Make().String()
		}
		task.State = StatePending
		task.CreatedAt = now
		task.UpdatedAt = now
		if task.ScheduleAt == 0 {
			task.ScheduleAt = now
		}
		task.ItemCount = len(task.Items)

		row, err := taskToRow(task)
		if err != nil {
			return nil, queueErr("enqueue", err)
		}
		rows = append(rows, *row)
	}

	// Insert in store-sized chunks so one oversized submission doesn't
	// turn into a single giant transaction.
	ids := make([]string, 0, len(rows))
	for start := 0; start < len(rows); start += q.cfg.BatchSize {
		end := min(start+q.cfg.BatchSize, len(rows))
		batch, err := q.dbq.InsertTasks(ctx, rows[start:end])
		if err != nil {
			return nil, queueErr("enqueue", err)
		}
		ids = append(ids, batch...)
	}

	log.Info().Int("count", len(ids)).Msg("Enqueued tasks")
	return ids, nil
}

// Dequeue atomically claims up to size runnable PENDING tasks, oldest
// first, moving them to PROCESSING. Safe under concurrent callers: each row
// is returned to exactly one of them. size <= 0 returns empty without
// touching the store.
func (q *Queue) Dequeue(ctx context.Context, size int) ([]*Task, error) {
	if size <= 0 {
		return nil, nil
	}

	span := sentry.StartSpan(ctx, "queue.dequeue")
	defer span.Finish()

	rows, err := q.dbq.ClaimPending(ctx, size, int(StatePending), int(StateProcessing), nowMillis())
	if err != nil {
		return nil, queueErr("dequeue", err)
	}
	return rowsToTasks(rows)
}

// Retry runs one reaper pass: due RETRYABLE tasks and PROCESSING tasks
// whose lease outlived visibilityTimeout get their attempt_count bumped and
// are either rescheduled as PENDING with exponential backoff or moved to
// DISCARDED once the new count reaches maxAttempts. Returns the post-update
// rows.
func (q *Queue) Retry(ctx context.Context, size int, visibilityTimeout time.Duration, maxAttempts int) ([]*Task, error) {
	if size <= 0 {
		return nil, nil
	}

	span := sentry.StartSpan(ctx, "queue.retry")
	defer span.Finish()

	now := nowMillis()
	rows, err := q.dbq.SweepForRetry(ctx, db.SweepOptions{
		Size:        size,
		Now:         now,
		StaleCutoff: now - visibilityTimeout.Milliseconds(),
		MaxAttempts: maxAttempts,
		BaseDelayMS: float64(q.cfg.RetryBaseDelay.Milliseconds()),
		Multiplier:  q.cfg.RetryBackoffMultiplier,
		MaxDelayMS:  q.cfg.MaxRetryDelay.Milliseconds(),
		Pending:     int(StatePending),
		Processing:  int(StateProcessing),
		Retryable:   int(StateRetryable),
		Discarded:   int(StateDiscarded),
	})
	if err != nil {
		return nil, queueErr("retry", err)
	}

	tasks, err := rowsToTasks(rows)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.State == StateDiscarded {
			log.Warn().
				Str("task_id", task.ID).
				Int("attempts", task.AttemptCount).
				Msg("Auto-discarded task after exhausting attempts")
		} else {
			log.Debug().
				Str("task_id", task.ID).
				Int64("retry_in_ms", task.ScheduleAt-now).
				Msg("Scheduled task retry")
		}
	}
	return tasks, nil
}

// Claim moves one PENDING task to PROCESSING. The retry worker uses this to
// take ownership of tasks its own sweep just made runnable, with the same
// guarded update Dequeue applies in bulk.
func (q *Queue) Claim(ctx context.Context, id string) (*Task, error) {
	return q.transition(ctx, "queue.claim", id, StateProcessing, StatePending, db.StateChange{})
}

// MarkComplete transitions a PROCESSING task to COMPLETED, persisting the
// caller's items (now carrying response URLs) in the same transaction as
// the state change.
func (q *Queue) MarkComplete(ctx context.Context, task *Task) (*Task, error) {
	itemsJSON, err := json.Marshal(task.Items)
	if err != nil {
		return nil, queueErr("mark_complete", err)
	}
	items := string(itemsJSON)
	updated, err := q.transition(ctx, "queue.mark_complete", task.ID, StateCompleted, StateProcessing, db.StateChange{
		Finalize:  true,
		Items:     &items,
		ItemCount: len(task.Items),
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("task_id", task.ID).Int("items", len(task.Items)).Msg("Marked task complete")
	return updated, nil
}

// MarkRetry transitions a PROCESSING task to RETRYABLE, appending errMsg to
// its error log. It deliberately leaves attempt_count and schedule_at
// alone: the reaper owns the counting rule so stale-lease reclamation and
// explicit failures are counted identically.
func (q *Queue) MarkRetry(ctx context.Context, id, errMsg string) (*Task, error) {
	span := sentry.StartSpan(ctx, "queue.mark_retry")
	defer span.Finish()

	current, err := q.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	appended, jsonErr := json.Marshal(append(current.AttemptedError, errMsg))
	if jsonErr != nil {
		return nil, queueErr("mark_retry", jsonErr)
	}

	updated, err := q.transition(ctx, "", id, StateRetryable, StateProcessing, db.StateChange{
		AppendedError: string(appended),
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("task_id", id).Str("error", errMsg).Msg("Marked task for retry")
	return updated, nil
}

// MarkCancelled transitions a PENDING task to CANCELLED.
func (q *Queue) MarkCancelled(ctx context.Context, id string) (*Task, error) {
	return q.transition(ctx, "queue.mark_cancelled", id, StateCancelled, StatePending, db.StateChange{Finalize: true})
}

// MarkDiscarded transitions a PROCESSING task to DISCARDED.
func (q *Queue) MarkDiscarded(ctx context.Context, id string) (*Task, error) {
	return q.transition(ctx, "queue.mark_discarded", id, StateDiscarded, StateProcessing, db.StateChange{Finalize: true})
}

// Resume transitions a DISCARDED task back to PENDING with schedule_at
// reset to now, so the next dequeue can pick it up immediately.
func (q *Queue) Resume(ctx context.Context, id string) (*Task, error) {
	return q.transition(ctx, "queue.resume", id, StatePending, StateDiscarded, db.StateChange{ResetSchedule: true})
}

// transition is the shared guarded single-row state update. A span name of
// "" means the caller already opened one.
func (q *Queue) transition(ctx context.Context, spanOp, id string, to, expected TaskState, change db.StateChange) (*Task, error) {
	if spanOp != "" {
		span := sentry.StartSpan(ctx, spanOp)
		defer span.Finish()
	}

	row, err := q.dbq.UpdateTaskState(ctx, id, int(to), int(expected), nowMillis(), change)
	if err != nil {
		return nil, q.mapError(fmt.Sprintf("transition to %s", to), id, expected, err)
	}
	return rowToTask(row)
}

// mapError translates store errors into the queue's taxonomy.
func (q *Queue) mapError(op, id string, expected TaskState, err error) error {
	var conflict *db.StateConflictError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return &TaskNotFoundError{ID: id}
	case errors.As(err, &conflict):
		return &StateTransitionError{ID: id, Current: TaskState(conflict.Current), Expected: []TaskState{expected}}
	default:
		return queueErr(op, err)
	}
}

// GetTask fetches one task by id.
func (q *Queue) GetTask(ctx context.Context, id string) (*Task, error) {
	row, err := q.dbq.GetTask(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &TaskNotFoundError{ID: id}
	}
	if err != nil {
		return nil, queueErr("get_task", err)
	}
	return rowToTask(row)
}

// ListTasks pages over all tasks in creation order. cursor is the
// created_at of the last row of the previous page (0 for the first). The
// returned cursor is 0 when the page came back short.
func (q *Queue) ListTasks(ctx context.Context, limit int, cursor int64) ([]*Task, int64, error) {
	if err := validateLimit(limit); err != nil {
		return nil, 0, err
	}
	rows, err := q.dbq.ListTasks(ctx, limit, cursor)
	if err != nil {
		return nil, 0, queueErr("list_tasks", err)
	}
	return pageResult(rows, limit)
}

// ListTasksByState pages over tasks in one state.
func (q *Queue) ListTasksByState(ctx context.Context, state TaskState, limit int, cursor int64) ([]*Task, int64, error) {
	if err := validateLimit(limit); err != nil {
		return nil, 0, err
	}
	if !state.Valid() {
		return nil, 0, fmt.Errorf("unknown task state value: %d", int(state))
	}
	rows, err := q.dbq.ListTasksByState(ctx, int(state), limit, cursor)
	if err != nil {
		return nil, 0, queueErr("list_tasks_by_state", err)
	}
	return pageResult(rows, limit)
}

// CountsByState returns task totals per state, for operational summaries.
func (q *Queue) CountsByState(ctx context.Context) (map[TaskState]int64, error) {
	raw, err := q.dbq.CountTasksByState(ctx)
	if err != nil {
		return nil, queueErr("count_by_state", err)
	}
	counts := make(map[TaskState]int64, len(raw))
	for state, count := range raw {
		counts[TaskState(state)] = count
	}
	return counts, nil
}

func validateLimit(limit int) error {
	if limit < 1 || limit > 100 {
		return fmt.Errorf("limit must be between 1 and 100, got %d", limit)
	}
	return nil
}

func pageResult(rows []db.TaskRow, limit int) ([]*Task, int64, error) {
	tasks, err := rowsToTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	var next int64
	if len(tasks) == limit {
		next = tasks[len(tasks)-1].CreatedAt
	}
	return tasks, next, nil
}

// taskToRow serialises the task's JSON columns for storage.
func taskToRow(task *Task) (*db.TaskRow, error) {
	itemsJSON, err := json.Marshal(task.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise items: %w", err)
	}
	errs := task.AttemptedError
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise attempted errors: %w", err)
	}

	row := &db.TaskRow{
		ID:             task.ID,
		State:          int(task.State),
		ScheduleAt:     task.ScheduleAt,
		AttemptCount:   task.AttemptCount,
		AttemptedError: string(errorsJSON),
		Items:          string(itemsJSON),
		ItemCount:      task.ItemCount,
		CreatedAt:      task.CreatedAt,
		UpdatedAt:      task.UpdatedAt,
	}
	if task.AttemptedAt != nil {
		row.AttemptedAt = sql.NullInt64{Int64: *task.AttemptedAt, Valid: true}
	}
	if task.FinalizedAt != nil {
		row.FinalizedAt = sql.NullInt64{Int64: *task.FinalizedAt, Valid: true}
	}
	return row, nil
}

func rowToTask(row *db.TaskRow) (*Task, error) {
	task := &Task{
		ID:           row.ID,
		State:        TaskState(row.State),
		ScheduleAt:   row.ScheduleAt,
		AttemptCount: row.AttemptCount,
		ItemCount:    row.ItemCount,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	if row.AttemptedAt.Valid {
		v := row.AttemptedAt.Int64
		task.AttemptedAt = &v
	}
	if row.FinalizedAt.Valid {
		v := row.FinalizedAt.Int64
		task.FinalizedAt = &v
	}
	if err := json.Unmarshal([]byte(row.Items), &task.Items); err != nil {
		return nil, queueErr("decode items", err)
	}
	if err := json.Unmarshal([]byte(row.AttemptedError), &task.AttemptedError); err != nil {
		return nil, queueErr("decode attempted errors", err)
	}
	return task, nil
}

func rowsToTasks(rows []db.TaskRow) ([]*Task, error) {
	tasks := make([]*Task, 0, len(rows))
	for i := range rows {
		task, err := rowToTask(&rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
