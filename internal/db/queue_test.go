package db

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockQueue(t *testing.T) (*DbQueue, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewDbQueue(mockDB), mock
}

func taskRowColumns() []string {
	return []string{
		"id", "state", "schedule_at", "attempt_count", "attempted_at",
		"attempted_error", "finalized_at", "items", "item_count",
		"created_at", "updated_at",
	}
}

func addTaskRow(rows *sqlmock.Rows, id string, state int, scheduleAt int64, attempts int) *sqlmock.Rows {
	return rows.AddRow(id, state, scheduleAt, attempts, nil, "[]", nil, "[]", 0, int64(1000), int64(1000))
}

func TestExecuteCommitsOnSuccess(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := q.Execute(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE tasks SET state = 1")
		return err
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRollsBackOnError(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := q.Execute(context.Background(), func(tx *sql.Tx) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTasksReturnsSurvivingIDs(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO tasks")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0)) // duplicate id skipped
	mock.ExpectQuery("SELECT id FROM tasks WHERE id = ANY").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("task-a").AddRow("task-b"))
	mock.ExpectCommit()

	ids, err := q.InsertTasks(context.Background(), []TaskRow{
		{ID: "task-a", AttemptedError: "[]", Items: "[]"},
		{ID: "task-b", AttemptedError: "[]", Items: "[]"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"task-a", "task-b"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTasksEmptySkipsDatabase(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	ids, err := q.InsertTasks(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingMovesRowsToProcessing(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	rows := sqlmock.NewRows(taskRowColumns())
	addTaskRow(rows, "task-1", 1, 900, 0)
	addTaskRow(rows, "task-2", 1, 950, 0)

	mock.ExpectQuery(regexp.QuoteMeta("WITH selected_tasks AS")).
		WithArgs(0, 1, int64(1000), 5).
		WillReturnRows(rows)

	claimed, err := q.ClaimPending(context.Background(), 5, 0, 1, 1000)

	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "task-1", claimed[0].ID)
	assert.Equal(t, 1, claimed[0].State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingEmptyQueue(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	mock.ExpectQuery(regexp.QuoteMeta("WITH selected_tasks AS")).
		WillReturnRows(sqlmock.NewRows(taskRowColumns()))

	claimed, err := q.ClaimPending(context.Background(), 5, 0, 1, 1000)

	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestSweepForRetryReturnsUpdatedRows(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	rows := sqlmock.NewRows(taskRowColumns())
	addTaskRow(rows, "rescheduled", 0, 61000, 1) // back to PENDING with backoff
	addTaskRow(rows, "discarded", -101, 500, 3)  // out of attempts

	opts := SweepOptions{
		Size:        10,
		Now:         1000,
		StaleCutoff: -3599000,
		MaxAttempts: 3,
		BaseDelayMS: 60000,
		Multiplier:  2.0,
		MaxDelayMS:  3600000,
		Pending:     0,
		Processing:  1,
		Retryable:   101,
		Discarded:   -101,
	}

	mock.ExpectQuery(regexp.QuoteMeta("WITH selected_tasks AS")).
		WithArgs(101, 1, int64(1000), int64(-3599000), 3, 10, -101, 0,
			int64(3600000), float64(60000), 2.0).
		WillReturnRows(rows)

	swept, err := q.SweepForRetry(context.Background(), opts)

	require.NoError(t, err)
	require.Len(t, swept, 2)
	assert.Equal(t, 0, swept[0].State)
	assert.Equal(t, -101, swept[1].State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskState(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		q, mock := newMockQueue(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM tasks WHERE id = $1 FOR UPDATE")).
			WithArgs("task-1").
			WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(1))
		updated := sqlmock.NewRows(taskRowColumns())
		addTaskRow(updated, "task-1", 100, 900, 1)
		mock.ExpectQuery("UPDATE tasks SET state").
			WillReturnRows(updated)
		mock.ExpectCommit()

		row, err := q.UpdateTaskState(context.Background(), "task-1", 100, 1, 2000, StateChange{Finalize: true})

		require.NoError(t, err)
		assert.Equal(t, "task-1", row.ID)
		assert.Equal(t, 100, row.State)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not_found", func(t *testing.T) {
		t.Parallel()
		q, mock := newMockQueue(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM tasks WHERE id = $1 FOR UPDATE")).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := q.UpdateTaskState(context.Background(), "missing", 100, 1, 2000, StateChange{})

		assert.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("state_conflict", func(t *testing.T) {
		t.Parallel()
		q, mock := newMockQueue(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM tasks WHERE id = $1 FOR UPDATE")).
			WithArgs("task-1").
			WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(100))
		mock.ExpectRollback()

		_, err := q.UpdateTaskState(context.Background(), "task-1", 100, 1, 2000, StateChange{})

		var conflict *StateConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "task-1", conflict.ID)
		assert.Equal(t, 100, conflict.Current)
	})
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		q, mock := newMockQueue(t)

		rows := sqlmock.NewRows(taskRowColumns())
		addTaskRow(rows, "task-1", 0, 900, 0)
		mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
			WithArgs("task-1").
			WillReturnRows(rows)

		row, err := q.GetTask(context.Background(), "task-1")

		require.NoError(t, err)
		assert.Equal(t, "task-1", row.ID)
	})

	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		q, mock := newMockQueue(t)

		mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := q.GetTask(context.Background(), "missing")

		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestListTasksUsesCreatedAtCursor(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	rows := sqlmock.NewRows(taskRowColumns())
	addTaskRow(rows, "task-1", 0, 900, 0)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE created_at >= $1")).
		WithArgs(int64(500), 20).
		WillReturnRows(rows)

	result, err := q.ListTasks(context.Background(), 20, 500)

	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasksByState(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	rows := sqlmock.NewRows(taskRowColumns())
	addTaskRow(rows, "task-1", 101, 900, 1)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE state = $1 AND created_at >= $2")).
		WithArgs(101, int64(0), 20).
		WillReturnRows(rows)

	result, err := q.ListTasksByState(context.Background(), 101, 20, 0)

	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, 101, result[0].State)
}

func TestCountTasksByState(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, COUNT(*) FROM tasks GROUP BY state")).
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).
			AddRow(0, 4).
			AddRow(100, 10))

	counts, err := q.CountTasksByState(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[0])
	assert.Equal(t, int64(10), counts[100])
}
