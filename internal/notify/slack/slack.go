// Package slack sends delivery failure notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/alertmail/internal/delivery"
)

const (
	maxErrorLen      = 2000
	maxRecipientsLen = 1000
	httpTimeout      = 10 * time.Second
)

// Notifier posts failed deliveries to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts a delivery failure to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, f *delivery.Failure) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(f))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "delivery failure posted to slack", "delivery_id", f.DeliveryID)
	return nil
}

func buildMessage(f *delivery.Failure) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(f),
			{"type": "divider"},
			fieldsBlock(f),
			{"type": "divider"},
			errorBlock(f),
			{"type": "divider"},
			contextBlock(f),
		},
	}
}

func headerBlock(f *delivery.Failure) map[string]any {
	title := f.Subject
	if title == "" {
		title = f.FileName
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("\U0001f534 Delivery Failed: %s", title), // red circle
		},
	}
}

func fieldsBlock(f *delivery.Failure) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*File:* %s", f.FileName),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Recipients:* %s", truncate(strings.Join(f.Recipients, ", "), maxRecipientsLen)),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func errorBlock(f *delivery.Failure) map[string]any {
	text := truncate(f.Error, maxErrorLen)
	if text == "" {
		text = "_No error detail._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Error*\n\n```%s```", text),
		},
	}
}

func contextBlock(f *delivery.Failure) map[string]any {
	ts := f.At
	if ts.IsZero() {
		ts = time.Now()
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("alertmail • delivery %s • %s", f.DeliveryID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
