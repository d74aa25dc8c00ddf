// Package slack posts offline chat notifications to a Slack incoming webhook.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/hiredrive/internal/models"
	"github.com/zulandar/hiredrive/internal/notify"
)

// maxRetries is the max number of retries for rate-limited webhook posts.
const maxRetries = 3

// postFunc matches slackapi.PostWebhookContext, enabling test mocks.
type postFunc func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error

// Notifier implements notify.Notifier for a Slack incoming webhook.
type Notifier struct {
	url  string
	post postFunc
	// baseBackoff is used when Slack does not send Retry-After.
	baseBackoff time.Duration
}

var _ notify.Notifier = (*Notifier)(nil)

// New creates a Notifier posting to webhookURL.
func New(webhookURL string) (*Notifier, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack: webhook url is required")
	}
	return &Notifier{
		url:         webhookURL,
		post:        slackapi.PostWebhookContext,
		baseBackoff: time.Second,
	}, nil
}

// Notify posts msg to the webhook.
func (n *Notifier) Notify(ctx context.Context, msg models.Message) error {
	payload := &slackapi.WebhookMessage{
		Text: notify.Format(msg),
		Attachments: []slackapi.Attachment{{
			Color: senderColor(msg.SenderType),
			Fields: []slackapi.AttachmentField{
				{Title: "Booking", Value: msg.BookingID, Short: true},
				{Title: "Sender", Value: msg.SenderType, Short: true},
			},
		}},
	}
	err := n.retryOnRateLimit(ctx, func() error {
		return n.post(ctx, n.url, payload)
	})
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	return nil
}

func senderColor(senderType string) string {
	if senderType == models.SenderDriver {
		return "#2eb886"
	}
	return "#439fe0"
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, honoring RetryAfter when present.
func (n *Notifier) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * n.baseBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
