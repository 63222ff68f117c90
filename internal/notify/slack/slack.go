// Package slack sends incident alerts to Slack via incoming webhooks.
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
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/roadwatch/internal/compose"
	"github.com/linnemanlabs/roadwatch/internal/dispatch"
	"github.com/linnemanlabs/roadwatch/internal/incident"
)

const (
	maxTextLen  = 3000
	httpTimeout = 10 * time.Second
)

// Notifier posts alerts to one Slack webhook. The webhook is bound to a
// Slack channel, so the recipient id only labels the delivery.
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

// Send posts an alert to the configured webhook. Rate limiting and server
// errors are transient; other non-2xx answers are permanent.
func (n *Notifier) Send(ctx context.Context, recipient string, p dispatch.Payload) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(p))
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("slack: marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("slack: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return dispatch.Transient(fmt.Errorf("slack: post webhook: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		n.logger.Info(ctx, "slack alert delivered", "incident_id", p.IncidentID, "recipient", recipient, "language", p.Language)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	return classify(resp.StatusCode, err)
}

func classify(status int, err error) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return dispatch.Transient(err)
	}
	return dispatch.Permanent(err)
}

func buildMessage(p dispatch.Payload) map[string]any {
	blocks := []map[string]any{
		headerBlock(p),
		{"type": "divider"},
		textBlock(p),
	}
	if p.Location != nil {
		blocks = append(blocks, mapBlock(p.Location))
	}
	blocks = append(blocks, contextBlock(p))

	return map[string]any{
		"text":   headline(p.Text),
		"blocks": blocks,
	}
}

func headerBlock(p dispatch.Payload) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(headline(p.Text), 150),
		},
	}
}

func textBlock(p dispatch.Payload) map[string]any {
	_, rest, _ := strings.Cut(p.Text, "\n")
	if rest == "" {
		rest = "_No details available._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate(rest, maxTextLen),
		},
	}
}

func mapBlock(loc *incident.Location) map[string]any {
	return map[string]any{
		"type": "actions",
		"elements": []map[string]any{{
			"type": "button",
			"text": map[string]any{"type": "plain_text", "text": "Open map"},
			"url":  compose.MapURL(loc),
		}},
	}
}

func contextBlock(p dispatch.Payload) map[string]any {
	text := fmt.Sprintf("roadwatch • incident %s • %s • %s", p.IncidentID, p.Severity, p.Language)
	if p.Fallback {
		text += " (untranslated)"
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

// headline is the first line of the rendered alert.
func headline(text string) string {
	first, _, _ := strings.Cut(text, "\n")
	return first
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
