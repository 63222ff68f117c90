package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// ActorOperator is used when an operator action names no actor.
const ActorOperator = "operator"

// ErrEmptyNote rejects a note without text.
var ErrEmptyNote = errors.New("note text is required")

// change mutates an incident under its cluster lock and reports whether the
// result should trigger an alert.
type change func(inc *incident.Incident, actor string, now time.Time) (trigger bool, err error)

// Confirm moves a pending incident to confirmed and alerts.
func (o *Orchestrator) Confirm(ctx context.Context, id, actor string) (*incident.Incident, error) {
	return o.act(ctx, id, "confirm", actor, func(inc *incident.Incident, actor string, now time.Time) (bool, error) {
		prev := inc.Severity
		if err := inc.Transition(incident.StatusConfirmed, now, actor); err != nil {
			return false, err
		}
		// a critical incident moves straight on to critical
		incident.Evaluate(inc, prev, o.cfg.ConfirmAbove, now)
		return true, nil
	})
}

// MarkFalseAlarm dismisses a pending incident.
func (o *Orchestrator) MarkFalseAlarm(ctx context.Context, id, actor string) (*incident.Incident, error) {
	return o.act(ctx, id, "false_alarm", actor, func(inc *incident.Incident, actor string, now time.Time) (bool, error) {
		return false, inc.Transition(incident.StatusFalseAlarm, now, actor)
	})
}

// Escalate moves a confirmed incident to critical, raises its severity to
// critical and alerts.
func (o *Orchestrator) Escalate(ctx context.Context, id, actor string) (*incident.Incident, error) {
	return o.act(ctx, id, "escalate", actor, func(inc *incident.Incident, actor string, now time.Time) (bool, error) {
		if err := inc.Transition(incident.StatusCritical, now, actor); err != nil {
			return false, err
		}
		inc.Escalate(incident.SeverityCritical)
		return true, nil
	})
}

// Resolve closes any open incident.
func (o *Orchestrator) Resolve(ctx context.Context, id, actor string) (*incident.Incident, error) {
	return o.act(ctx, id, "resolve", actor, func(inc *incident.Incident, actor string, now time.Time) (bool, error) {
		return false, inc.Transition(incident.StatusResolved, now, actor)
	})
}

// Reclassify sets the severity explicitly, the only way to lower it. Raising
// the severity of an alerting incident alerts again.
func (o *Orchestrator) Reclassify(ctx context.Context, id, actor string, sev incident.Severity) (*incident.Incident, error) {
	if !sev.Valid() {
		return nil, fmt.Errorf("unknown severity %q", sev)
	}
	return o.act(ctx, id, "reclassify", actor, func(inc *incident.Incident, actor string, now time.Time) (bool, error) {
		if inc.Status.Terminal() {
			return false, incident.ErrClosed
		}
		prev := inc.Severity
		if sev == prev {
			return false, nil
		}
		inc.Severity = sev
		inc.AddNote(now, actor, fmt.Sprintf("severity %s -> %s", prev, sev))
		ev := incident.Evaluate(inc, prev, o.cfg.ConfirmAbove, now)
		return ev.Trigger, nil
	})
}

// AddNote appends an audit note. Allowed on closed incidents too.
func (o *Orchestrator) AddNote(ctx context.Context, id, actor, text string) (*incident.Incident, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyNote
	}
	return o.act(ctx, id, "note", actor, func(inc *incident.Incident, actor string, now time.Time) (bool, error) {
		inc.AddNote(now, actor, text)
		return false, nil
	})
}

func (o *Orchestrator) act(ctx context.Context, id, action, actor string, fn change) (*incident.Incident, error) {
	if !o.enter() {
		return nil, ErrShuttingDown
	}
	defer o.wg.Done()

	if actor == "" {
		actor = ActorOperator
	}

	var (
		from    incident.Status
		trigger bool
	)
	inc, err := o.dedup.Mutate(ctx, id, func(cur *incident.Incident) error {
		from = cur.Status
		t, err := fn(cur, actor, o.now())
		trigger = t
		return err
	})
	if err != nil {
		return nil, err
	}

	if inc.Status != from {
		o.hooks.transitions([]incident.Status{inc.Status})
		if from == incident.StatusPending && inc.Status.Alerting() {
			o.startGeo(ctx, inc)
		}
	}
	o.logger.Info(ctx, "operator action applied",
		"incident_id", inc.ID,
		"action", action,
		"actor", actor,
		"status", inc.Status,
		"severity", inc.Severity,
	)
	if trigger && inc.Status.Alerting() {
		o.trigger(ctx, inc, action)
	}
	return inc, nil
}
