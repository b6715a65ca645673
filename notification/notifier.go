package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	extErrors "github.com/pkg/errors"
)

// Notifier delivers a message to the sales team
type Notifier interface {
	Notify(ctx context.Context, slackMemberID, message string) error
}

// SlackNotifierOptions contains the configuration for a SlackNotifier
type SlackNotifierOptions struct {
	WebhookURL string
	HTTPClient *http.Client
}

// SlackNotifier posts messages to a Slack incoming webhook, mentioning
// the sales rep when a member id is present
type SlackNotifier struct {
	SlackNotifierOptions
}

// NewSlackNotifier returns a webhook-backed Notifier
func NewSlackNotifier(option SlackNotifierOptions) (*SlackNotifier, error) {
	if len(option.WebhookURL) == 0 {
		return nil, fmt.Errorf("empty WebhookURL is invalid")
	}
	if option.HTTPClient == nil {
		option.HTTPClient = &http.Client{
			Timeout: time.Second * 10,
		}
	}
	return &SlackNotifier{
		SlackNotifierOptions: option,
	}, nil
}

// Notify posts the message to the configured webhook
func (n *SlackNotifier) Notify(ctx context.Context, slackMemberID, message string) error {
	text := message
	if len(slackMemberID) > 0 {
		text = fmt.Sprintf("<@%s> %s", slackMemberID, message)
	}
	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{
		Text: text,
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode notification")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return extErrors.Wrap(err, "Cannot build notification request")
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := n.HTTPClient.Do(req)
	if err != nil {
		return extErrors.Wrap(err, "Cannot deliver notification")
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return fmt.Errorf("notification webhook returned status %d", res.StatusCode)
	}
	return nil
}
