package report

import (
	"context"
	"fmt"

	"github.com/dunamismax/studioqueue/internal/webhook"
)

const EventJobFailed = "job.failed"

type sender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type WebhookReporter struct {
	client   sender
	endpoint string
}

func NewWebhookReporter(client *webhook.Client, endpoint string) *WebhookReporter {
	return &WebhookReporter{client: client, endpoint: endpoint}
}

func (r *WebhookReporter) Report(ctx context.Context, f Failure) error {
	if err := r.client.Send(ctx, r.endpoint, EventJobFailed, f); err != nil {
		return fmt.Errorf("webhook report: %w", err)
	}
	return nil
}
