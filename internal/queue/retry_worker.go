package queue

import (
	"context"
	"sync"
	"time"

	"github.com/Harvey-AU/lyrebird/internal/alerts"
	"github.com/Harvey-AU/lyrebird/internal/tts"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RetryWorker reclaims tasks the primary path lost track of. Each cycle it
// sweeps RETRYABLE tasks whose backoff has elapsed together with PROCESSING
// tasks whose lease exceeded the visibility timeout, then immediately claims
// and processes the ones the sweep made runnable. Tasks that exhaust their
// attempts are discarded and reported through the alert notifier.
type RetryWorker struct {
	queue    TaskQueue
	cfg      RetryWorkerConfig
	proc     taskProcessor
	notifier alerts.Notifier
	workerID string
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRetryWorker creates a retry worker sharing the primary worker's
// synthesis pipeline.
func NewRetryWorker(q TaskQueue, engine tts.Engine, cfg RetryWorkerConfig, itemTimeout time.Duration, notifier alerts.Notifier) *RetryWorker {
	workerID := "retry-" + uuid.New().String()[:8]
	if notifier == nil {
		notifier = alerts.NopNotifier{}
	}
	return &RetryWorker{
		queue:    q,
		cfg:      cfg,
		notifier: notifier,
		workerID: workerID,
		stopCh:   make(chan struct{}),
		proc: taskProcessor{
			queue:       q,
			engine:      engine,
			itemTimeout: itemTimeout,
			workerID:    workerID,
		},
	}
}

// Start launches the sweep loop.
func (w *RetryWorker) Start(ctx context.Context) {
	log.Info().
		Str("worker_id", w.workerID).
		Int("batch_size", w.cfg.BatchSize).
		Dur("poll_delay", w.cfg.PollDelay).
		Dur("visibility_timeout", w.cfg.VisibilityTimeout).
		Int("max_attempts", w.cfg.MaxAttempts).
		Msg("Starting retry worker")

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals shutdown and waits for the current cycle to finish.
func (w *RetryWorker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	log.Info().Str("worker_id", w.workerID).Msg("Retry worker stopped")
}

func (w *RetryWorker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		swept, err := w.queue.Retry(ctx, w.cfg.BatchSize, w.cfg.VisibilityTimeout, w.cfg.MaxAttempts)
		if err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Str("worker_id", w.workerID).Msg("Retry sweep failed, backing off")
			if !w.wait(ctx, errorLoopBackoff) {
				return
			}
			continue
		}

		runnable := w.handleSwept(ctx, swept)
		if len(runnable) > 0 {
			w.proc.processBatch(ctx, runnable)
			continue
		}

		if !w.wait(ctx, w.cfg.PollDelay) {
			return
		}
	}
}

// handleSwept reports discarded tasks and claims the immediately runnable
// ones, returning the claimed set ready for processing.
func (w *RetryWorker) handleSwept(ctx context.Context, swept []*Task) []*Task {
	now := nowMillis()
	runnable := make([]*Task, 0, len(swept))

	for _, task := range swept {
		switch {
		case task.State == StateDiscarded:
			log.Warn().
				Str("task_id", task.ID).
				Int("attempts", task.AttemptCount).
				Msg("Task exhausted retries, discarded")
			if err := w.notifier.TaskDiscarded(ctx, discardAlert(task)); err != nil {
				log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to send discard alert")
			}

		case task.State == StatePending && task.ScheduleAt <= now:
			claimed, err := w.queue.Claim(ctx, task.ID)
			if err != nil {
				// Another worker beat us to it, or the task moved on.
				log.Debug().Err(err).Str("task_id", task.ID).Msg("Swept task claimed elsewhere")
				continue
			}
			runnable = append(runnable, claimed)
		}
		// Future-scheduled PENDING rows wait for their backoff to elapse.
	}
	return runnable
}

// discardAlert flattens a discarded task into the alert payload.
func discardAlert(task *Task) alerts.DiscardedTask {
	alert := alerts.DiscardedTask{
		ID:        task.ID,
		Attempts:  task.AttemptCount,
		ItemCount: task.ItemCount,
	}
	if n := len(task.AttemptedError); n > 0 {
		alert.LastError = task.AttemptedError[n-1]
	}
	if task.FinalizedAt != nil {
		alert.DiscardedAt = time.UnixMilli(*task.FinalizedAt)
	}
	return alert
}

// wait sleeps for d, returning false when shutdown was signalled.
func (w *RetryWorker) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
