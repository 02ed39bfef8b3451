package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Publisher is the enqueue-side API. It wraps a batch of synthesis requests
// into a single task so the items are processed, retried and finalised as
// one unit.
type Publisher struct {
	queue TaskQueue
}

// NewPublisher creates a publisher over the given queue.
func NewPublisher(q TaskQueue) *Publisher {
	return &Publisher{queue: q}
}

// Publish enqueues one task carrying all the given requests and returns the
// ids of the tasks that were inserted. Duplicate submissions (same minted
// id) are absorbed by the store, so the returned slice may be empty.
func (p *Publisher) Publish(ctx context.Context, requests []json.RawMessage) ([]string, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("no synthesis requests to publish")
	}

	items := make([]TaskItem, len(requests))
	for i, req := range requests {
		items[i] = TaskItem{Request: req}
	}

	ids, err := p.queue.Enqueue(ctx, []*Task{{Items: items}})
	if err != nil {
		return nil, fmt.Errorf("failed to publish task: %w", err)
	}

	log.Info().
		Strs("task_ids", ids).
		Int("items", len(items)).
		Msg("Published synthesis task")
	return ids, nil
}
