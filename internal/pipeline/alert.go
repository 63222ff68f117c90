package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/roadwatch/internal/cooldown"
	"github.com/linnemanlabs/roadwatch/internal/dispatch"
	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// Geo outcomes reported to OnGeo.
const (
	GeoResolved    = "resolved"
	GeoUnavailable = "unavailable"
)

type reservation struct {
	channel  dispatch.Channel
	ticket   *cooldown.Ticket
	severity incident.Severity
}

// trigger reserves every channel that passes the cooldown gate and starts a
// background round for them. Denied channels are recorded as suppressed
// attempts. Reservations happen before trigger returns so a later frame for
// the same cluster always sees them. Caller holds a wg slot.
func (o *Orchestrator) trigger(ctx context.Context, inc *incident.Incident, reason string) bool {
	L := o.logger.With("incident_id", inc.ID, "cluster_key", inc.ClusterKey)
	now := o.now()

	var (
		reserved   []reservation
		suppressed []incident.AlertAttempt
	)
	for _, ch := range o.channels {
		t, dec := o.gate.Reserve(cooldown.Key{Cluster: inc.ClusterKey, Channel: ch.Name}, inc.Severity, now)
		if !dec.Allowed {
			o.hooks.suppressed(ch.Name, dec.Reason)
			suppressed = append(suppressed, suppressedAttempts(inc, ch, dec.Reason, now)...)
			L.Info(ctx, "alert suppressed", "channel", ch.Name, "reason", dec.Reason, "severity", inc.Severity)
			continue
		}
		reserved = append(reserved, reservation{channel: ch, ticket: t, severity: inc.Severity})
	}

	if len(suppressed) > 0 {
		if err := o.store.AppendAttempts(ctx, suppressed); err != nil {
			L.Error(ctx, err, "failed to record suppressed attempts")
		}
	}
	if len(reserved) == 0 {
		return false
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runRound(context.WithoutCancel(ctx), inc.ID, reason, reserved)
	}()
	return true
}

// suppressedAttempts records one suppressed attempt per recipient. Language is
// empty because nothing was composed.
func suppressedAttempts(inc *incident.Incident, ch dispatch.Channel, reason string, now time.Time) []incident.AlertAttempt {
	out := make([]incident.AlertAttempt, 0, len(ch.Recipients))
	for _, r := range ch.Recipients {
		out = append(out, incident.AlertAttempt{
			ID:         incident.NewID(),
			IncidentID: inc.ID,
			Channel:    ch.Name,
			Recipient:  r.ID,
			Severity:   inc.Severity,
			Status:     incident.AttemptSuppressedCooldown,
			LastError:  reason,
			CreatedAt:  now,
		})
	}
	return out
}

// runRound composes and dispatches one alert round, then settles the
// cooldown reservations: committed for channels where someone received the
// alert, aborted otherwise.
func (o *Orchestrator) runRound(ctx context.Context, id, reason string, reserved []reservation) {
	L := o.logger.With("incident_id", id, "reason", reason)
	ctx, span := tracer.Start(ctx, "pipeline.alert_round", trace.WithAttributes(
		attribute.String("roadwatch.incident.id", id),
		attribute.String("roadwatch.alert.reason", reason),
		attribute.Int("roadwatch.alert.channels", len(reserved)),
	))
	defer span.End()

	// whatever happens, never leave a reservation in flight
	defer func() {
		for _, r := range reserved {
			o.gate.Abort(r.ticket)
		}
		if p := recover(); p != nil {
			L.Error(ctx, fmt.Errorf("panic: %v", p), "alert round panicked")
		}
	}()

	o.awaitGeo(ctx, id)

	inc, err := o.Get(ctx, id)
	if err != nil {
		L.Error(ctx, err, "failed to load incident for alert round")
		return
	}

	composed := o.composer.Compose(ctx, inc, o.cfg.Languages)
	for _, f := range composed.Failed {
		o.hooks.translationFailure(f.Language)
	}

	channels := make([]dispatch.Channel, len(reserved))
	for i, r := range reserved {
		channels[i] = r.channel
	}
	res := o.dispatcher.Dispatch(ctx, dispatch.Round{
		Incident: inc,
		Messages: composed.Messages,
		Failed:   composed.Failed,
		Channels: channels,
	})

	delivered := make(map[string]reservation)
	sentAt := make(map[string]time.Time)
	for _, r := range reserved {
		cr := res.Channels[r.channel.Name]
		if cr.Delivered() {
			o.gate.Commit(r.ticket, cr.SentAt)
			delivered[r.channel.Name] = r
			sentAt[r.channel.Name] = cr.SentAt
		} else {
			o.gate.Abort(r.ticket)
		}
		o.hooks.round(r.channel.Name, cr.Delivered(), res.Duration)
		L.Info(ctx, "alert round settled",
			"channel", r.channel.Name,
			"sent", cr.Sent,
			"failed", cr.Failed,
			"delivered", cr.Delivered(),
		)
	}
	for _, a := range res.Attempts {
		o.hooks.attempt(a.Channel, a.Status)
	}

	if err := o.store.AppendAttempts(ctx, res.Attempts); err != nil {
		L.Error(ctx, err, "failed to record alert attempts")
	}

	if len(delivered) == 0 && len(composed.Failed) == 0 {
		return
	}
	_, err = o.dedup.Mutate(ctx, id, func(cur *incident.Incident) error {
		for name, r := range delivered {
			cur.RecordAlert(name, sentAt[name], r.severity)
		}
		now := o.now()
		for _, f := range composed.Failed {
			cur.AddNote(now, incident.ActorSystem, f.Note())
		}
		return nil
	})
	if err != nil {
		L.Error(ctx, err, "failed to record alert on incident")
	}
	span.SetAttributes(attribute.Int("roadwatch.alert.attempts", len(res.Attempts)))
}

// startGeo resolves the incident address in the background, at most once at
// a time per incident. Caller holds a wg slot.
func (o *Orchestrator) startGeo(ctx context.Context, inc *incident.Incident) {
	if o.geo == nil || inc.Location == nil || inc.ResolvedAddress != nil {
		return
	}
	done := make(chan struct{})
	if _, loaded := o.geoPending.LoadOrStore(inc.ID, done); loaded {
		return
	}

	id, loc := inc.ID, *inc.Location
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.geoPending.Delete(id)
		defer close(done)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), geoTimeout)
		defer cancel()
		o.resolveAddress(ctx, id, loc)
	}()
}

func (o *Orchestrator) resolveAddress(ctx context.Context, id string, loc incident.Location) {
	L := o.logger.With("incident_id", id)
	addr, err := o.geo.Resolve(ctx, loc.Lat, loc.Lon)
	if err != nil {
		o.hooks.geo(GeoUnavailable)
		L.Warn(ctx, "address resolution failed", "err", err)
		return
	}
	_, err = o.dedup.Mutate(ctx, id, func(cur *incident.Incident) error {
		if cur.Status.Terminal() {
			return incident.ErrClosed
		}
		cur.ResolvedAddress = addr
		return nil
	})
	if err != nil {
		L.Warn(ctx, "address not stored", "err", err)
		return
	}
	o.hooks.geo(GeoResolved)
	L.Info(ctx, "address resolved", "address", addr.Formatted)
}

// awaitGeo blocks until a pending lookup for id finishes or the geo wait
// elapses. Alerts go out without an address rather than late.
func (o *Orchestrator) awaitGeo(ctx context.Context, id string) {
	v, ok := o.geoPending.Load(id)
	if !ok || o.cfg.GeoWait <= 0 {
		return
	}
	t := time.NewTimer(o.cfg.GeoWait)
	defer t.Stop()
	select {
	case <-v.(chan struct{}):
	case <-t.C:
	case <-ctx.Done():
	}
}
