// Package mocks provides testify mock implementations of the interfaces the
// HTTP handlers consume.
package mocks

import (
	"context"
	"encoding/json"

	"github.com/Harvey-AU/lyrebird/internal/queue"
	"github.com/stretchr/testify/mock"
)

// TaskStore mocks the read-side queue surface.
type TaskStore struct {
	mock.Mock
}

func (m *TaskStore) GetTask(ctx context.Context, id string) (*queue.Task, error) {
	args := m.Called(ctx, id)
	if task := args.Get(0); task != nil {
		return task.(*queue.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TaskStore) ListTasks(ctx context.Context, limit int, cursor int64) ([]*queue.Task, int64, error) {
	args := m.Called(ctx, limit, cursor)
	if tasks := args.Get(0); tasks != nil {
		return tasks.([]*queue.Task), args.Get(1).(int64), args.Error(2)
	}
	return nil, args.Get(1).(int64), args.Error(2)
}

func (m *TaskStore) ListTasksByState(ctx context.Context, state queue.TaskState, limit int, cursor int64) ([]*queue.Task, int64, error) {
	args := m.Called(ctx, state, limit, cursor)
	if tasks := args.Get(0); tasks != nil {
		return tasks.([]*queue.Task), args.Get(1).(int64), args.Error(2)
	}
	return nil, args.Get(1).(int64), args.Error(2)
}

// TaskPublisher mocks the enqueue surface.
type TaskPublisher struct {
	mock.Mock
}

func (m *TaskPublisher) Publish(ctx context.Context, requests []json.RawMessage) ([]string, error) {
	args := m.Called(ctx, requests)
	if ids := args.Get(0); ids != nil {
		return ids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}
