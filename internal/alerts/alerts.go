// Package alerts delivers operational notifications for queue events that
// need a human, currently tasks discarded after exhausting their retries.
package alerts

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// DiscardedTask carries the facts worth paging about when a task is dropped.
type DiscardedTask struct {
	ID          string
	Attempts    int
	ItemCount   int
	LastError   string
	DiscardedAt time.Time
}

// Notifier receives queue alerts. Implementations must be safe for
// concurrent use.
type Notifier interface {
	TaskDiscarded(ctx context.Context, task DiscardedTask) error
}

// NopNotifier drops all alerts. Used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) TaskDiscarded(ctx context.Context, task DiscardedTask) error {
	return nil
}

// SlackNotifier posts alerts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
}

// NewSlackNotifier creates a notifier for the given webhook URL.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL}
}

// FromEnv returns a SlackNotifier when SLACK_WEBHOOK_URL is set, otherwise
// a NopNotifier.
func FromEnv() Notifier {
	url := os.Getenv("SLACK_WEBHOOK_URL")
	if url == "" {
		log.Debug().Msg("SLACK_WEBHOOK_URL not set, task discard alerts disabled")
		return NopNotifier{}
	}
	return NewSlackNotifier(url)
}

// TaskDiscarded posts a discard alert. Failures are returned, not retried;
// alerting is best-effort.
func (n *SlackNotifier) TaskDiscarded(ctx context.Context, task DiscardedTask) error {
	lastError := task.LastError
	if lastError == "" {
		lastError = "(none recorded)"
	}

	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":warning: Task discarded after %d attempts", task.Attempts),
		Attachments: []slack.Attachment{
			{
				Color: "danger",
				Fields: []slack.AttachmentField{
					{Title: "Task ID", Value: task.ID, Short: true},
					{Title: "Items", Value: fmt.Sprintf("%d", task.ItemCount), Short: true},
					{Title: "Attempts", Value: fmt.Sprintf("%d", task.Attempts), Short: true},
					{Title: "Discarded at", Value: task.DiscardedAt.UTC().Format(time.RFC3339), Short: true},
					{Title: "Last error", Value: lastError},
				},
			},
		},
	}

	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		return fmt.Errorf("failed to post discard alert: %w", err)
	}
	return nil
}
