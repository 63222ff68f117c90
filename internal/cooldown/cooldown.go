// Package cooldown decides whether an alert may go out on a channel for a
// cluster of incidents. A decision is a reservation: callers Reserve, dispatch,
// then Commit once at least one recipient on the channel succeeded, or Abort so
// the next trigger is allowed straight away.
package cooldown

import (
	"sync"
	"time"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// DefaultWindow is the minimum spacing between two alerts for the same key
// without a severity increase.
const DefaultWindow = 300 * time.Second

// Decision reasons.
const (
	ReasonFirst     = "first_alert"
	ReasonEscalated = "severity_increase"
	ReasonElapsed   = "cooldown_elapsed"
	ReasonCooldown  = "cooldown"
	ReasonInFlight  = "in_flight"
)

// Key identifies one cooldown slot.
type Key struct {
	Cluster string
	Channel string
}

// Decision is the result of a Reserve.
type Decision struct {
	Allowed bool
	Reason  string
}

// State is a read-only view of a slot.
type State struct {
	Sent       bool
	LastSentAt time.Time
	Severity   incident.Severity
	InFlight   int
}

type slot struct {
	mu          sync.Mutex
	sent        bool
	lastSentAt  time.Time
	sentSev     incident.Severity
	inFlight    int
	inFlightSev incident.Severity
}

// Ticket is an allowed reservation. It must be passed to exactly one of
// Commit or Abort; later calls are no-ops.
type Ticket struct {
	key      Key
	severity incident.Severity
	slot     *slot
	done     bool // guarded by slot.mu
}

// Key returns the slot the ticket reserves.
func (t *Ticket) Key() Key { return t.key }

// Gate holds process-wide cooldown state. Each key has its own lock so
// unrelated clusters never contend.
type Gate struct {
	window time.Duration
	slots  sync.Map // Key -> *slot
}

// New creates a Gate. A non-positive window uses DefaultWindow.
func New(window time.Duration) *Gate {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Gate{window: window}
}

// Window returns the configured cooldown.
func (g *Gate) Window() time.Duration { return g.window }

func (g *Gate) slot(k Key) *slot {
	if s, ok := g.slots.Load(k); ok {
		return s.(*slot)
	}
	s, _ := g.slots.LoadOrStore(k, &slot{})
	return s.(*slot)
}

// Reserve checks and claims the slot for k in one step. A trigger passes when
// nothing was sent yet, when sev is above the last sent severity, or when the
// window has elapsed. While another reservation is in flight only a strictly
// higher severity passes.
func (g *Gate) Reserve(k Key, sev incident.Severity, now time.Time) (*Ticket, Decision) {
	s := g.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight > 0 && !sev.Above(s.inFlightSev) {
		return nil, Decision{Reason: ReasonInFlight}
	}

	var reason string
	switch {
	case !s.sent:
		reason = ReasonFirst
	case sev.Above(s.sentSev):
		reason = ReasonEscalated
	case now.Sub(s.lastSentAt) >= g.window:
		reason = ReasonElapsed
	default:
		return nil, Decision{Reason: ReasonCooldown}
	}

	s.inFlight++
	if sev.Above(s.inFlightSev) {
		s.inFlightSev = sev
	}
	return &Ticket{key: k, severity: sev, slot: s}, Decision{Allowed: true, Reason: reason}
}

// Commit records a successful send at sentAt and releases the reservation.
func (g *Gate) Commit(t *Ticket, sentAt time.Time) {
	if t == nil {
		return
	}
	s := t.slot
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	s.sent = true
	if sentAt.After(s.lastSentAt) {
		s.lastSentAt = sentAt
	}
	if t.severity.Above(s.sentSev) {
		s.sentSev = t.severity
	}
	s.release()
}

// Abort releases the reservation without touching the cooldown.
func (g *Gate) Abort(t *Ticket) {
	if t == nil {
		return
	}
	s := t.slot
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	s.release()
}

func (s *slot) release() {
	s.inFlight--
	if s.inFlight <= 0 {
		s.inFlight = 0
		s.inFlightSev = ""
	}
}

// Seed restores a previously sent alert, typically from persisted incidents
// on startup. Older data than what the gate already holds is ignored.
func (g *Gate) Seed(k Key, lastSentAt time.Time, sev incident.Severity) {
	s := g.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = true
	if lastSentAt.After(s.lastSentAt) {
		s.lastSentAt = lastSentAt
	}
	if sev.Above(s.sentSev) {
		s.sentSev = sev
	}
}

// SeedIncident seeds every channel recorded on inc.
func (g *Gate) SeedIncident(inc *incident.Incident) {
	for ch, at := range inc.LastAlertAt {
		g.Seed(Key{Cluster: inc.ClusterKey, Channel: ch}, at, inc.AlertedSeverity[ch])
	}
}

// Get returns the state of k.
func (g *Gate) Get(k Key) (State, bool) {
	v, ok := g.slots.Load(k)
	if !ok {
		return State{}, false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Sent: s.sent, LastSentAt: s.lastSentAt, Severity: s.sentSev, InFlight: s.inFlight}, true
}
