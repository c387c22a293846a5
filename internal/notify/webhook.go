package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
)

// HTTPDoer abstracts the HTTP client so tests can substitute it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookNotifier posts messages as JSON. The text field makes the body
// acceptable to Slack-compatible incoming webhooks.
type WebhookNotifier struct {
	url    string
	client HTTPDoer
}

type webhookBody struct {
	Text       string   `json:"text"`
	Channel    string   `json:"channel,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string, client HTTPDoer) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

// Notify posts the message once. Notifications are not retried.
func (n *WebhookNotifier) Notify(ctx context.Context, channel string, recipients []string, message string) error {
	body, err := json.Marshal(webhookBody{Text: message, Channel: channel, Recipients: recipients})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// NewChannel builds the notifier for a configured channel kind.
func NewChannel(kind, url string, logger *logging.Logger) (core.Notifier, error) {
	switch kind {
	case core.ChannelLog, "":
		return NewLogNotifier(logger), nil
	case core.ChannelWebhook:
		if url == "" {
			return nil, fmt.Errorf("webhook channel requires a url")
		}
		return NewWebhookNotifier(url, nil), nil
	}
	return nil, fmt.Errorf("unknown notification channel kind %q", kind)
}
