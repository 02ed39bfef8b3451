package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Harvey-AU/lyrebird/internal/observability"
	"github.com/Harvey-AU/lyrebird/internal/tts"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// errorLoopBackoff is how long a worker pauses after an infrastructure
// failure in its loop body, so a dead database doesn't turn into a tight
// error loop.
const errorLoopBackoff = 5 * time.Second

// taskProcessor is the per-task synthesis pipeline both workers share:
// items run sequentially within a task, each under its own deadline, and
// the produced audio is written back into the item's response URL before
// the task is finalised.
type taskProcessor struct {
	queue       TaskQueue
	engine      tts.Engine
	itemTimeout time.Duration
	workerID    string
}

// processBatch fans tasks out concurrently and waits for all of them.
// Per-task failures are translated into state transitions, never returned.
func (p *taskProcessor) processBatch(ctx context.Context, tasks []*Task) {
	g, ctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error {
			p.processTask(ctx, task)
			return nil
		})
	}
	g.Wait()
}

// processTask synthesises every item of one PROCESSING task, then marks it
// COMPLETED or RETRYABLE. Partial progress is discarded on failure; the
// retry re-synthesises all items.
func (p *taskProcessor) processTask(ctx context.Context, task *Task) {
	ctx, span := observability.StartTaskSpan(ctx, observability.TaskSpanInfo{
		TaskID:    task.ID,
		WorkerID:  p.workerID,
		Attempt:   task.AttemptCount,
		ItemCount: len(task.Items),
	})
	defer span.End()

	start := time.Now()
	err := p.synthesizeItems(ctx, task)

	status := "completed"
	if err != nil {
		status = "retryable"
		log.Warn().
			Err(err).
			Str("task_id", task.ID).
			Str("worker_id", p.workerID).
			Msg("Task synthesis failed, marking for retry")
		if _, markErr := p.queue.MarkRetry(ctx, task.ID, err.Error()); markErr != nil {
			status = "error"
			sentry.CaptureException(markErr)
			log.Error().Err(markErr).Str("task_id", task.ID).Msg("Failed to mark task for retry")
		}
	} else {
		if _, markErr := p.queue.MarkComplete(ctx, task); markErr != nil {
			status = "error"
			sentry.CaptureException(markErr)
			log.Error().Err(markErr).Str("task_id", task.ID).Msg("Failed to mark task complete")
		} else {
			log.Info().
				Str("task_id", task.ID).
				Str("worker_id", p.workerID).
				Int("items", len(task.Items)).
				Msg("Completed task")
		}
	}

	observability.RecordTask(ctx, observability.TaskMetrics{
		Status:   status,
		Duration: time.Since(start),
	})
}

// synthesizeItems runs the items in order, rewriting each response URL with
// the produced audio. The first failure aborts the task.
func (p *taskProcessor) synthesizeItems(ctx context.Context, task *Task) error {
	for i := range task.Items {
		item := &task.Items[i]

		var req tts.Request
		if err := json.Unmarshal(item.Request, &req); err != nil {
			return fmt.Errorf("item %d: invalid synthesis request: %w", i, err)
		}

		itemCtx, cancel := context.WithTimeout(ctx, p.itemTimeout)
		start := time.Now()
		result, err := p.engine.Synthesize(itemCtx, req)
		cancel()

		observability.RecordSynthesis(ctx, req.VoiceID, time.Since(start), err == nil)
		if err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		item.ResponseURL = result.DataURL()
	}
	return nil
}

// PrimaryWorker drains PENDING tasks: it polls Dequeue, fans each batch out
// through the shared processor, and sleeps between empty polls. A
// LISTEN/NOTIFY subscription wakes it early when new tasks arrive.
type PrimaryWorker struct {
	queue    TaskQueue
	cfg      PrimaryWorkerConfig
	proc     taskProcessor
	workerID string
	connStr  string // empty disables the notification listener
	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPrimaryWorker creates a primary worker. connStr enables the
// PostgreSQL notification listener when non-empty.
func NewPrimaryWorker(q TaskQueue, engine tts.Engine, cfg PrimaryWorkerConfig, itemTimeout time.Duration, connStr string) *PrimaryWorker {
	workerID := "primary-" + uuid.New().String()[:8]
	return &PrimaryWorker{
		queue:    q,
		cfg:      cfg,
		workerID: workerID,
		connStr:  connStr,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		proc: taskProcessor{
			queue:       q,
			engine:      engine,
			itemTimeout: itemTimeout,
			workerID:    workerID,
		},
	}
}

// Start launches the worker loop and, when configured, the notification
// listener.
func (w *PrimaryWorker) Start(ctx context.Context) {
	log.Info().
		Str("worker_id", w.workerID).
		Int("batch_size", w.cfg.BatchSize).
		Dur("poll_delay", w.cfg.PollDelay).
		Msg("Starting primary worker")

	w.wg.Add(1)
	go w.run(ctx)

	if w.connStr != "" {
		w.wg.Add(1)
		go w.listenForNotifications(ctx)
	}
}

// Stop signals shutdown and waits for in-flight processing to finish. New
// items are not started; anything mid-synthesis completes cooperatively.
func (w *PrimaryWorker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	log.Info().Str("worker_id", w.workerID).Msg("Primary worker stopped")
}

func (w *PrimaryWorker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		tasks, err := w.queue.Dequeue(ctx, w.cfg.BatchSize)
		if err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Str("worker_id", w.workerID).Msg("Dequeue failed, backing off")
			if !w.wait(ctx, errorLoopBackoff) {
				return
			}
			continue
		}

		if len(tasks) == 0 {
			if !w.wait(ctx, w.cfg.PollDelay) {
				return
			}
			continue
		}

		w.proc.processBatch(ctx, tasks)
	}
}

// wait sleeps for d, returning early (true) on a new-task notification and
// false when shutdown was signalled.
func (w *PrimaryWorker) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.notifyCh:
		return true
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// listenForNotifications subscribes to the new_tasks channel so an idle
// worker wakes as soon as an enqueue commits instead of waiting out the
// poll delay.
func (w *PrimaryWorker) listenForNotifications(ctx context.Context) {
	defer w.wg.Done()

	listener := pq.NewListener(w.connStr,
		10*time.Second, // min reconnect interval
		time.Minute,    // max reconnect interval
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("Task notification listener error")
			}
		})
	defer listener.Close()

	if err := listener.Listen("new_tasks"); err != nil {
		log.Error().Err(err).Msg("Failed to listen for task notifications")
		return
	}

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Connection dropped; pq reconnects internally.
				log.Warn().Msg("Task notification connection lost")
				continue
			}
			select {
			case w.notifyCh <- struct{}{}:
			default:
				// Notification already pending.
			}
		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				log.Error().Err(err).Msg("Task notification ping failed")
			}
		}
	}
}
