package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// taskColumns is the canonical column list used by every statement that
// returns task rows, so scanning stays in one order everywhere.
const taskColumns = "id, state, schedule_at, attempt_count, attempted_at, attempted_error, finalized_at, items, item_count, created_at, updated_at"

// TaskRow is the persisted shape of a task. Items and AttemptedError carry
// JSON text; the queue layer owns the decoded model.
type TaskRow struct {
	ID             string
	State          int
	ScheduleAt     int64
	AttemptCount   int
	AttemptedAt    sql.NullInt64
	AttemptedError string
	FinalizedAt    sql.NullInt64
	Items          string
	ItemCount      int
	CreatedAt      int64
	UpdatedAt      int64
}

// StateConflictError reports a guarded update that found the row in a state
// the transition does not accept. The row is left untouched.
type StateConflictError struct {
	ID      string
	Current int
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("task %s is in state %d", e.ID, e.Current)
}

// DbQueue holds the SQL for all task mutations. Callers get atomicity from
// single guarded statements or from Execute transactions; no application
// locks are involved.
type DbQueue struct {
	db *sql.DB
}

// NewDbQueue creates a task queue over the given database connection
func NewDbQueue(db *sql.DB) *DbQueue {
	return &DbQueue{db: db}
}

// Execute runs a database operation in a transaction
func (q *DbQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// InsertTasks bulk-inserts rows in one transaction. Rows whose id already
// exists are skipped, and the returned ids are the ones actually present
// after commit, so enqueueing the same explicit ids twice is idempotent.
func (q *DbQueue) InsertTasks(ctx context.Context, rows []TaskRow) ([]string, error) {
	if len(rows) == 0 {
		return []string{}, nil
	}

	ids := make([]string, 0, len(rows))
	err := q.Execute(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		attempted := make([]string, 0, len(rows))
		for _, row := range rows {
			_, err := stmt.ExecContext(ctx,
				row.ID, row.State, row.ScheduleAt, row.AttemptCount,
				row.AttemptedAt, row.AttemptedError, row.FinalizedAt,
				row.Items, row.ItemCount, row.CreatedAt, row.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert task %s: %w", row.ID, err)
			}
			attempted = append(attempted, row.ID)
		}

		// Report which of the attempted ids exist after the conflict
		// handling above.
		result, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks WHERE id = ANY($1::text[]) ORDER BY id
		`, pq.Array(attempted))
		if err != nil {
			return fmt.Errorf("failed to confirm inserted tasks: %w", err)
		}
		defer result.Close()

		for result.Next() {
			var id string
			if err := result.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan task id: %w", err)
			}
			ids = append(ids, id)
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ClaimPending atomically moves up to size runnable PENDING rows to
// PROCESSING and returns them, oldest first. The state predicate is
// re-checked in the UPDATE so concurrent claimers each receive disjoint
// rows; SKIP LOCKED keeps them from queuing on each other.
func (q *DbQueue) ClaimPending(ctx context.Context, size int, pending, processing int, now int64) ([]TaskRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		WITH selected_tasks AS (
			SELECT id FROM tasks
			WHERE state = $1 AND schedule_at <= $3
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks SET
			state = $2,
			updated_at = $3
		WHERE id IN (SELECT id FROM selected_tasks)
			AND state = $1
		RETURNING `+taskColumns+`
	`, pending, processing, now, size)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending tasks: %w", err)
	}
	defer rows.Close()

	return scanTaskRows(rows)
}

// SweepOptions parameterises a retry sweep.
type SweepOptions struct {
	Size        int
	Now         int64 // epoch millis
	StaleCutoff int64 // epoch millis; PROCESSING rows older than this are reaped
	MaxAttempts int
	BaseDelayMS float64
	Multiplier  float64
	MaxDelayMS  int64
	Pending     int
	Processing  int
	Retryable   int
	Discarded   int
}

// SweepForRetry runs the reaper pass as a single guarded statement: it
// selects RETRYABLE rows that are due plus PROCESSING rows whose lease
// expired, bumps attempt_count, and either reschedules them as PENDING with
// capped exponential backoff or discards them once attempts run out. The
// eligibility predicate is replicated in the UPDATE's WHERE clause so two
// reapers cannot double-count the same row.
func (q *DbQueue) SweepForRetry(ctx context.Context, opts SweepOptions) ([]TaskRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		WITH selected_tasks AS (
			SELECT id FROM tasks
			WHERE (
				(state = $1 AND schedule_at <= $3) OR
				(state = $2 AND schedule_at < $4)
			)
			AND attempt_count < $5
			ORDER BY created_at ASC
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks SET
			state = CASE
				WHEN attempt_count + 1 >= $5 THEN $7
				ELSE $8
			END,
			schedule_at = CASE
				WHEN attempt_count + 1 >= $5 THEN schedule_at
				ELSE $3 + LEAST($9::bigint, ($10::float8 * POWER($11::float8, attempt_count))::bigint)
			END,
			finalized_at = CASE
				WHEN attempt_count + 1 >= $5 THEN $3
				ELSE finalized_at
			END,
			attempt_count = attempt_count + 1,
			attempted_at = $3,
			updated_at = $3
		WHERE id IN (SELECT id FROM selected_tasks)
		AND (
			(state = $1 AND schedule_at <= $3) OR
			(state = $2 AND schedule_at < $4)
		)
		RETURNING `+taskColumns+`
	`, opts.Retryable, opts.Processing, opts.Now, opts.StaleCutoff,
		opts.MaxAttempts, opts.Size, opts.Discarded, opts.Pending,
		opts.MaxDelayMS, opts.BaseDelayMS, opts.Multiplier)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep tasks for retry: %w", err)
	}
	defer rows.Close()

	return scanTaskRows(rows)
}

// StateChange describes the optional mutations that ride along with a
// guarded state transition.
type StateChange struct {
	Finalize      bool    // set finalized_at = now
	ResetSchedule bool    // set schedule_at = now
	Items         *string // replace items JSON (and item_count stays caller-maintained)
	ItemCount     int     // only written when Items is non-nil
	AppendedError string  // replacement attempted_error JSON, written when non-empty
}

// UpdateTaskState performs a guarded single-row transition. The current row
// is read under FOR UPDATE inside one transaction, validated against
// expected, then updated. Returns sql.ErrNoRows when the id is missing and
// *StateConflictError when the row is in the wrong state.
func (q *DbQueue) UpdateTaskState(ctx context.Context, id string, to, expected int, now int64, change StateChange) (*TaskRow, error) {
	var updated TaskRow
	err := q.Execute(ctx, func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(ctx, `
			SELECT state FROM tasks WHERE id = $1 FOR UPDATE
		`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return fmt.Errorf("failed to read task state: %w", err)
		}
		if current != expected {
			return &StateConflictError{ID: id, Current: current}
		}

		query := `UPDATE tasks SET state = $1, updated_at = $2`
		args := []interface{}{to, now}
		if change.Finalize {
			args = append(args, now)
			query += fmt.Sprintf(", finalized_at = $%d", len(args))
		}
		if change.ResetSchedule {
			args = append(args, now)
			query += fmt.Sprintf(", schedule_at = $%d", len(args))
		}
		if change.Items != nil {
			args = append(args, *change.Items)
			query += fmt.Sprintf(", items = $%d", len(args))
			args = append(args, change.ItemCount)
			query += fmt.Sprintf(", item_count = $%d", len(args))
		}
		if change.AppendedError != "" {
			args = append(args, change.AppendedError)
			query += fmt.Sprintf(", attempted_error = $%d", len(args))
		}
		args = append(args, id, expected)
		query += fmt.Sprintf(" WHERE id = $%d AND state = $%d RETURNING %s", len(args)-1, len(args), taskColumns)

		row := tx.QueryRowContext(ctx, query, args...)
		if err := scanTaskRow(row, &updated); err != nil {
			return fmt.Errorf("failed to update task state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// GetTask fetches one row by id, returning sql.ErrNoRows when missing.
func (q *DbQueue) GetTask(ctx context.Context, id string) (*TaskRow, error) {
	var row TaskRow
	err := scanTaskRow(q.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = $1
	`, id), &row)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &row, nil
}

// ListTasks pages over all tasks in creation order. The cursor is the
// created_at of the last row from the previous page (0 for the first page);
// id breaks ties so the order is stable.
func (q *DbQueue) ListTasks(ctx context.Context, limit int, cursor int64) ([]TaskRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE created_at >= $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return scanTaskRows(rows)
}

// ListTasksByState pages over tasks in one state, in creation order.
func (q *DbQueue) ListTasksByState(ctx context.Context, state int, limit int, cursor int64) ([]TaskRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state = $1 AND created_at >= $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, state, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by state: %w", err)
	}
	defer rows.Close()

	return scanTaskRows(rows)
}

// CountTasksByState returns row counts keyed by state value.
func (q *DbQueue) CountTasksByState(ctx context.Context) (map[int]int64, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM tasks GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var state int
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRow(r rowScanner, row *TaskRow) error {
	return r.Scan(
		&row.ID, &row.State, &row.ScheduleAt, &row.AttemptCount,
		&row.AttemptedAt, &row.AttemptedError, &row.FinalizedAt,
		&row.Items, &row.ItemCount, &row.CreatedAt, &row.UpdatedAt,
	)
}

func scanTaskRows(rows *sql.Rows) ([]TaskRow, error) {
	var result []TaskRow
	for rows.Next() {
		var row TaskRow
		if err := scanTaskRow(rows, &row); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
