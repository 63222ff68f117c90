// Package telegram delivers incident alerts through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/roadwatch/internal/dispatch"
)

const (
	DefaultBaseURL = "https://api.telegram.org"
	httpTimeout    = 15 * time.Second
	maxMessageLen  = 4096
)

// Notifier sends HTML formatted alerts to Telegram chats. Recipients are
// chat ids. When a payload carries coordinates the chat also gets a location
// pin, once per incident.
type Notifier struct {
	baseURL  string
	token    string
	client   *http.Client
	logger   log.Logger
	pinMaps  bool
	pinnedMu sync.Mutex
	pinned   map[string]bool // incident|chat
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithBaseURL overrides the Bot API endpoint.
func WithBaseURL(u string) Option {
	return func(n *Notifier) { n.baseURL = strings.TrimRight(u, "/") }
}

// WithLocationPins toggles sendLocation after each alert.
func WithLocationPins(on bool) Option {
	return func(n *Notifier) { n.pinMaps = on }
}

// New creates a Notifier for the bot identified by token.
func New(token string, logger log.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	n := &Notifier{
		baseURL: DefaultBaseURL,
		token:   token,
		client:  &http.Client{Timeout: httpTimeout},
		logger:  logger,
		pinMaps: true,
		pinned:  make(map[string]bool),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send delivers p to chatID. A failed location pin is logged but does not
// fail the delivery, since the alert text already arrived.
func (n *Notifier) Send(ctx context.Context, chatID string, p dispatch.Payload) error {
	err := n.call(ctx, "sendMessage", map[string]any{
		"chat_id":                  chatID,
		"text":                     render(p.Text),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return err
	}

	if n.pinMaps && p.Location != nil && n.claimPin(p.IncidentID, chatID) {
		perr := n.call(ctx, "sendLocation", map[string]any{
			"chat_id":   chatID,
			"latitude":  p.Location.Lat,
			"longitude": p.Location.Lon,
		})
		if perr != nil {
			n.releasePin(p.IncidentID, chatID)
			n.logger.Warn(ctx, "telegram location pin failed", "incident_id", p.IncidentID, "chat_id", chatID, "err", perr)
		}
	}
	return nil
}

func (n *Notifier) claimPin(incidentID, chatID string) bool {
	n.pinnedMu.Lock()
	defer n.pinnedMu.Unlock()
	k := incidentID + "|" + chatID
	if n.pinned[k] {
		return false
	}
	n.pinned[k] = true
	return true
}

func (n *Notifier) releasePin(incidentID, chatID string) {
	n.pinnedMu.Lock()
	delete(n.pinned, incidentID+"|"+chatID)
	n.pinnedMu.Unlock()
}

func (n *Notifier) call(ctx context.Context, method string, params map[string]any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("telegram: marshal %s: %w", method, err))
	}

	url := fmt.Sprintf("%s/bot%s/%s", n.baseURL, n.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("telegram: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: baseURL is from trusted config
	if err != nil {
		// the token is part of the URL; never surface it
		return dispatch.Transient(fmt.Errorf("telegram: %s: %s", method, redact(err.Error(), n.token)))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ar apiResponse
	_ = json.Unmarshal(raw, &ar)
	if resp.StatusCode == http.StatusOK && ar.OK {
		return nil
	}

	desc := ar.Description
	if desc == "" {
		desc = strings.TrimSpace(string(raw))
	}
	err = fmt.Errorf("telegram: %s returned %d: %s", method, resp.StatusCode, desc)
	if ar.Parameters.RetryAfter > 0 {
		err = fmt.Errorf("%w (retry after %ds)", err, ar.Parameters.RetryAfter)
	}
	return classify(resp.StatusCode, err)
}

func classify(status int, err error) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return dispatch.Transient(err)
	}
	return dispatch.Permanent(err)
}

// render escapes the alert for HTML parse mode and bolds the headline.
func render(text string) string {
	head, rest, _ := strings.Cut(text, "\n")
	out := "<b>" + html.EscapeString(head) + "</b>"
	if rest != "" {
		out += "\n\n" + html.EscapeString(rest)
	}
	if len(out) > maxMessageLen {
		out = out[:maxMessageLen]
		for len(out) > 0 && !strings.HasSuffix(out, "\n") {
			out = out[:len(out)-1]
		}
	}
	return out
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "<redacted>")
}
