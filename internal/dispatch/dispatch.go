// Package dispatch fans composed alerts out to every recipient of every
// channel in a round. Each (recipient, language) pair is one AlertAttempt,
// retried with exponential backoff while failures are transient, and every
// attempt ends in a terminal status before the round returns.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/roadwatch/internal/compose"
	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// Payload is what a Notifier delivers.
type Payload struct {
	IncidentID string
	Language   string
	Text       string
	Severity   incident.Severity
	Location   *incident.Location
	Fallback   bool // Text is the untranslated canonical message
}

// Notifier delivers a payload to one recipient. Errors should be wrapped
// with Transient or Permanent.
type Notifier interface {
	Send(ctx context.Context, recipient string, p Payload) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, recipient string, p Payload) error

// Send calls f.
func (f NotifierFunc) Send(ctx context.Context, recipient string, p Payload) error {
	return f(ctx, recipient, p)
}

// Channel is a named notifier with its recipients.
type Channel struct {
	Name       string
	Notifier   Notifier
	Recipients []Recipient
}

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64 // randomization factor in [0,1]
	AttemptTimeout  time.Duration
}

// DefaultRetryPolicy returns the stock policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
		AttemptTimeout:  10 * time.Second,
	}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry max attempts %d must be >= 1", p.MaxAttempts))
	}
	if p.InitialInterval <= 0 || p.MaxInterval < p.InitialInterval {
		errs = append(errs, fmt.Errorf("retry intervals %v..%v invalid", p.InitialInterval, p.MaxInterval))
	}
	if p.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry multiplier %v must be >= 1", p.Multiplier))
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry jitter %v must be in [0,1]", p.Jitter))
	}
	if p.AttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("attempt timeout %v must be > 0", p.AttemptTimeout))
	}
	return errors.Join(errs...)
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Config controls the dispatcher.
type Config struct {
	Retry   RetryPolicy
	Workers int
}

// Round is one alert round for an incident.
type Round struct {
	Incident *incident.Incident
	Messages []compose.Rendered
	Failed   []compose.Failure // languages that could not be rendered
	Channels []Channel
}

// ChannelResult summarizes one channel of a round.
type ChannelResult struct {
	Sent   int
	Failed int
	SentAt time.Time // earliest successful delivery
}

// Delivered reports whether at least one recipient received the alert.
func (c ChannelResult) Delivered() bool { return c.Sent > 0 }

// Result is the outcome of a completed round. Attempts are in channel,
// recipient, language order.
type Result struct {
	Attempts []incident.AlertAttempt
	Channels map[string]ChannelResult
	Duration time.Duration
}

// Dispatcher runs rounds on a bounded worker pool.
type Dispatcher struct {
	cfg    Config
	logger log.Logger
	now    func() time.Time
}

// New creates a Dispatcher.
func New(cfg Config, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Dispatcher{cfg: cfg, logger: logger, now: time.Now}
}

type job struct {
	channel   Channel
	recipient Recipient
	msg       *compose.Rendered
	missing   string // set when no message matched the recipient
}

// Dispatch runs the round to completion and returns one terminal attempt per
// job. Individual failures never fail the round.
func (d *Dispatcher) Dispatch(ctx context.Context, r Round) Result {
	start := d.now()
	jobs := plan(r)
	attempts := make([]incident.AlertAttempt, len(jobs))

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for i, j := range jobs {
		g.Go(func() error {
			attempts[i] = d.run(ctx, r.Incident, j)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Attempts: attempts, Channels: make(map[string]ChannelResult, len(r.Channels))}
	for _, ch := range r.Channels {
		res.Channels[ch.Name] = ChannelResult{}
	}
	for _, a := range attempts {
		cr := res.Channels[a.Channel]
		switch a.Status {
		case incident.AttemptSent:
			cr.Sent++
			if a.SentAt != nil && (cr.SentAt.IsZero() || a.SentAt.Before(cr.SentAt)) {
				cr.SentAt = *a.SentAt
			}
		default:
			cr.Failed++
		}
		res.Channels[a.Channel] = cr
	}
	res.Duration = d.now().Sub(start)
	return res
}

// plan expands a round into jobs. A recipient none of whose languages could
// be rendered still gets a job so the miss is recorded.
func plan(r Round) []job {
	var jobs []job
	for _, ch := range r.Channels {
		for _, rcpt := range ch.Recipients {
			matched := false
			for i := range r.Messages {
				if rcpt.Accepts(r.Messages[i].Language) {
					jobs = append(jobs, job{channel: ch, recipient: rcpt, msg: &r.Messages[i]})
					matched = true
				}
			}
			if !matched {
				jobs = append(jobs, job{channel: ch, recipient: rcpt, missing: missingReason(rcpt, r.Failed)})
			}
		}
	}
	return jobs
}

func missingReason(rcpt Recipient, failed []compose.Failure) string {
	for _, f := range failed {
		if rcpt.Accepts(f.Language) {
			return f.Note()
		}
	}
	return "no message in recipient languages"
}

func (d *Dispatcher) run(ctx context.Context, inc *incident.Incident, j job) incident.AlertAttempt {
	a := incident.AlertAttempt{
		ID:         incident.NewID(),
		IncidentID: inc.ID,
		Channel:    j.channel.Name,
		Recipient:  j.recipient.ID,
		Severity:   inc.Severity,
		Status:     incident.AttemptPending,
		CreatedAt:  d.now(),
	}
	if j.msg == nil {
		a.Status = incident.AttemptFailed
		a.LastError = j.missing
		return a
	}
	a.Language = j.msg.Language

	L := d.logger.With("incident_id", inc.ID, "channel", a.Channel, "recipient", a.Recipient, "language", a.Language)
	p := Payload{
		IncidentID: inc.ID,
		Language:   j.msg.Language,
		Text:       j.msg.Text,
		Severity:   inc.Severity,
		Location:   inc.Location,
		Fallback:   j.msg.Fallback,
	}

	policy := d.cfg.Retry
	op := func() (struct{}, error) {
		a.AttemptCount++
		actx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		defer cancel()

		err := j.channel.Notifier.Send(actx, j.recipient.ID, p)
		switch {
		case err == nil:
			return struct{}{}, nil
		case IsPermanent(err):
			return struct{}{}, backoff.Permanent(err)
		case errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return struct{}{}, Transient(fmt.Errorf("attempt timed out after %v: %w", policy.AttemptTimeout, err))
		default:
			return struct{}{}, err
		}
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			L.Warn(ctx, "alert delivery failed, retrying", "attempt", a.AttemptCount, "wait", wait, "err", err)
		}),
	)
	if err != nil {
		a.Status = incident.AttemptFailed
		a.LastError = err.Error()
		L.Error(ctx, err, "alert delivery failed", "attempts", a.AttemptCount, "permanent", IsPermanent(err))
		return a
	}

	sentAt := d.now()
	a.Status = incident.AttemptSent
	a.SentAt = &sentAt
	return a
}
