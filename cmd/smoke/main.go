// Command smoke pushes a handful of synthesis tasks through a running
// queue and waits for the workers to drain them. It exercises the full
// enqueue, claim, synthesise, finalise path against a real database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/Harvey-AU/lyrebird/internal/db"
	"github.com/Harvey-AU/lyrebird/internal/queue"
	"github.com/Harvey-AU/lyrebird/internal/tts"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	godotenv.Load(".env.local", ".env")
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	taskCount := flag.Int("tasks", 3, "number of tasks to enqueue")
	itemsPerTask := flag.Int("items", 2, "synthesis items per task")
	timeout := flag.Duration("timeout", 2*time.Minute, "how long to wait for the queue to drain")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pgDB, err := db.InitFromEnvWithRetry(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pgDB.Close()

	queueConfig, err := queue.ConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid queue configuration")
	}
	taskQueue := queue.New(db.NewDbQueue(pgDB.GetDB()), queueConfig)
	publisher := queue.NewPublisher(taskQueue)

	voices := []string{"kokoro.af_heart", "kokoro.am_adam", "kokoro.bf_emma"}

	published := make(map[string]struct{})
	for i := 0; i < *taskCount; i++ {
		requests := make([]json.RawMessage, *itemsPerTask)
		for j := range requests {
			payload, err := json.Marshal(tts.Request{
				Text:    "Smoke test sentence for queue verification.",
				VoiceID: voices[(i+j)%len(voices)],
			})
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to build synthesis request")
			}
			requests[j] = payload
		}

		ids, err := publisher.Publish(ctx, requests)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to publish task")
		}
		for _, id := range ids {
			published[id] = struct{}{}
		}
	}

	log.Info().Int("tasks", len(published)).Msg("Tasks published, waiting for workers to drain them")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Fatal().Msg("Timed out waiting for queue to drain")
		case <-ticker.C:
		}

		remaining := 0
		for id := range published {
			task, err := taskQueue.GetTask(ctx, id)
			if err != nil {
				log.Fatal().Err(err).Str("task_id", id).Msg("Failed to fetch task")
			}
			if !task.State.IsTerminal() {
				remaining++
				continue
			}
			if task.State != queue.StateCompleted {
				log.Fatal().
					Str("task_id", id).
					Stringer("state", task.State).
					Msg("Task finished in unexpected state")
			}
		}

		counts, err := taskQueue.CountsByState(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to count tasks")
		}
		log.Info().
			Int("remaining", remaining).
			Int64("pending", counts[queue.StatePending]).
			Int64("processing", counts[queue.StateProcessing]).
			Int64("retryable", counts[queue.StateRetryable]).
			Msg("Queue progress")

		if remaining == 0 {
			log.Info().Msg("All tasks completed")
			return
		}
	}
}
