package notification

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
)

// SlackAlerter posts watchdog findings (stuck queue items) to a Slack
// incoming webhook. A nil or unconfigured alerter is
// a no-op so deployments without Slack lose nothing but the ping.
type SlackAlerter struct {
	webhookURL string
	log        *logrus.Entry

	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

func NewSlackAlerter(webhookURL string, log *logrus.Entry) *SlackAlerter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SlackAlerter{
		webhookURL: webhookURL,
		log:        log,
		post:       slack.PostWebhookContext,
	}
}

// StuckItems raises one message summarizing every stalled queue item.
func (a *SlackAlerter) StuckItems(ctx context.Context, items []domain.QueueItem) error {
	if a == nil || a.webhookURL == "" || len(items) == 0 {
		return nil
	}
	text := fmt.Sprintf("scheduler watchdog: %d queue item(s) have not moved", len(items))
	limit := len(items)
	if limit > 10 {
		limit = 10
	}
	for _, item := range items[:limit] {
		text += fmt.Sprintf("\n- #%d %s/%s (bucket %s, priority %d)",
			item.ID, item.Codebase, item.Campaign, item.Bucket, item.Priority)
	}
	if len(items) > limit {
		text += fmt.Sprintf("\n... and %d more", len(items)-limit)
	}
	err := a.post(ctx, a.webhookURL, &slack.WebhookMessage{Text: text})
	if err != nil {
		a.log.WithError(err).Warn("failed to post stuck-item alert")
	}
	return err
}
