// Package natsbus publishes incident alerts as JSON events on NATS subjects,
// for downstream consumers such as dispatch consoles and SMS gateways.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/roadwatch/internal/dispatch"
)

// Publisher is the subset of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// Event is the message body published for each delivery.
type Event struct {
	IncidentID string    `json:"incident_id"`
	Language   string    `json:"language"`
	Severity   string    `json:"severity"`
	Text       string    `json:"text"`
	Fallback   bool      `json:"fallback,omitempty"`
	Lat        *float64  `json:"lat,omitempty"`
	Lon        *float64  `json:"lon,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// Notifier publishes to the subject named by the recipient id.
type Notifier struct {
	pub    Publisher
	logger log.Logger
	now    func() time.Time
}

// New creates a Notifier.
func New(pub Publisher, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{pub: pub, logger: logger, now: time.Now}
}

// Send publishes p to subject and waits for the server to acknowledge the
// flush, so a returned nil means the broker has the message.
func (n *Notifier) Send(ctx context.Context, subject string, p dispatch.Payload) error {
	data, err := json.Marshal(n.event(p))
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("natsbus: marshal event: %w", err))
	}
	if err := n.pub.Publish(subject, data); err != nil {
		return classify(fmt.Errorf("natsbus: publish %s: %w", subject, err))
	}
	if err := n.pub.FlushWithContext(ctx); err != nil {
		return classify(fmt.Errorf("natsbus: flush %s: %w", subject, err))
	}
	n.logger.Info(ctx, "nats alert published", "incident_id", p.IncidentID, "subject", subject, "language", p.Language)
	return nil
}

func (n *Notifier) event(p dispatch.Payload) Event {
	ev := Event{
		IncidentID: p.IncidentID,
		Language:   p.Language,
		Severity:   string(p.Severity),
		Text:       p.Text,
		Fallback:   p.Fallback,
		SentAt:     n.now().UTC(),
	}
	if p.Location != nil {
		lat, lon := p.Location.Lat, p.Location.Lon
		ev.Lat, ev.Lon = &lat, &lon
	}
	return ev
}

func classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrInvalidConnection):
		return dispatch.Permanent(err)
	default:
		return dispatch.Transient(err)
	}
}

// Config holds connection settings.
type Config struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// Connect dials NATS with reconnect handling that logs state changes.
func Connect(cfg Config, logger log.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = log.Nop()
	}
	ctx := context.Background()
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(ctx, "nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return conn, nil
}
