package cooldown

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

var (
	t0  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key = Key{Cluster: "g:1:2", Channel: "telegram"}
)

func TestReserve_FirstThenCooldown(t *testing.T) {
	t.Parallel()

	g := New(5 * time.Minute)

	tk, d := g.Reserve(key, incident.SeverityHigh, t0)
	if !d.Allowed || d.Reason != ReasonFirst {
		t.Fatalf("first decision = %+v, want allowed first_alert", d)
	}
	g.Commit(tk, t0)

	_, d = g.Reserve(key, incident.SeverityHigh, t0.Add(time.Minute))
	if d.Allowed || d.Reason != ReasonCooldown {
		t.Errorf("decision within window = %+v, want denied cooldown", d)
	}

	_, d = g.Reserve(key, incident.SeverityMedium, t0.Add(2*time.Minute))
	if d.Allowed {
		t.Errorf("lower severity within window allowed: %+v", d)
	}

	tk, d = g.Reserve(key, incident.SeverityHigh, t0.Add(5*time.Minute))
	if !d.Allowed || d.Reason != ReasonElapsed {
		t.Errorf("decision at window boundary = %+v, want allowed cooldown_elapsed", d)
	}
	g.Commit(tk, t0.Add(5*time.Minute))

	st, ok := g.Get(key)
	if !ok || !st.Sent || !st.LastSentAt.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("state = %+v, want sent at +5m", st)
	}
}

func TestReserve_EscalationBypassesCooldown(t *testing.T) {
	t.Parallel()

	g := New(5 * time.Minute)
	tk, _ := g.Reserve(key, incident.SeverityMedium, t0)
	g.Commit(tk, t0)

	tk, d := g.Reserve(key, incident.SeverityCritical, t0.Add(10*time.Second))
	if !d.Allowed || d.Reason != ReasonEscalated {
		t.Fatalf("decision = %+v, want allowed severity_increase", d)
	}
	g.Commit(tk, t0.Add(10*time.Second))

	_, d = g.Reserve(key, incident.SeverityCritical, t0.Add(20*time.Second))
	if d.Allowed {
		t.Errorf("repeat critical within window allowed: %+v", d)
	}
	st, _ := g.Get(key)
	if st.Severity != incident.SeverityCritical {
		t.Errorf("Severity = %q, want critical", st.Severity)
	}
}

func TestAbort_LeavesCooldownUntouched(t *testing.T) {
	t.Parallel()

	g := New(5 * time.Minute)
	tk, _ := g.Reserve(key, incident.SeverityHigh, t0)
	g.Abort(tk)

	st, _ := g.Get(key)
	if st.Sent || st.InFlight != 0 {
		t.Errorf("state after abort = %+v, want untouched", st)
	}

	_, d := g.Reserve(key, incident.SeverityHigh, t0.Add(time.Second))
	if !d.Allowed || d.Reason != ReasonFirst {
		t.Errorf("decision after abort = %+v, want allowed first_alert", d)
	}
}

func TestReserve_InFlight(t *testing.T) {
	t.Parallel()

	g := New(time.Minute)
	tk, _ := g.Reserve(key, incident.SeverityHigh, t0)

	_, d := g.Reserve(key, incident.SeverityHigh, t0)
	if d.Allowed || d.Reason != ReasonInFlight {
		t.Errorf("decision = %+v, want denied in_flight", d)
	}

	esc, d := g.Reserve(key, incident.SeverityCritical, t0)
	if !d.Allowed {
		t.Fatalf("escalation while in flight denied: %+v", d)
	}

	g.Commit(tk, t0)
	g.Commit(esc, t0.Add(time.Second))
	st, _ := g.Get(key)
	if st.InFlight != 0 || st.Severity != incident.SeverityCritical {
		t.Errorf("state = %+v, want idle critical", st)
	}
}

func TestTicket_SettledOnce(t *testing.T) {
	t.Parallel()

	g := New(time.Minute)
	tk, _ := g.Reserve(key, incident.SeverityLow, t0)
	other, _ := g.Reserve(Key{Cluster: key.Cluster, Channel: "slack"}, incident.SeverityLow, t0)

	g.Commit(tk, t0)
	g.Abort(tk)
	g.Commit(tk, t0.Add(time.Hour))
	g.Commit(nil, t0)
	g.Abort(nil)

	st, _ := g.Get(key)
	if !st.LastSentAt.Equal(t0) || st.InFlight != 0 {
		t.Errorf("state = %+v, want sent at t0 and idle", st)
	}
	if st, _ := g.Get(other.Key()); st.InFlight != 1 {
		t.Errorf("slack InFlight = %d, want 1", st.InFlight)
	}
}

func TestReserve_ChannelsIndependent(t *testing.T) {
	t.Parallel()

	g := New(time.Minute)
	tk, _ := g.Reserve(key, incident.SeverityHigh, t0)
	g.Commit(tk, t0)

	_, d := g.Reserve(Key{Cluster: key.Cluster, Channel: "slack"}, incident.SeverityHigh, t0)
	if !d.Allowed {
		t.Errorf("other channel denied: %+v", d)
	}
	_, d = g.Reserve(Key{Cluster: "g:9:9", Channel: key.Channel}, incident.SeverityHigh, t0)
	if !d.Allowed {
		t.Errorf("other cluster denied: %+v", d)
	}
}

func TestReserve_ConcurrentTriggersOneWinner(t *testing.T) {
	t.Parallel()

	g := New(time.Minute)
	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
		start   = make(chan struct{})
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tk, d := g.Reserve(key, incident.SeverityHigh, t0)
			if d.Allowed {
				allowed.Add(1)
				g.Commit(tk, t0)
			}
		}()
	}
	close(start)
	wg.Wait()

	if allowed.Load() != 1 {
		t.Errorf("allowed = %d, want 1", allowed.Load())
	}
}

func TestSeedIncident(t *testing.T) {
	t.Parallel()

	g := New(5 * time.Minute)
	inc := &incident.Incident{ClusterKey: "g:1:2"}
	inc.RecordAlert("telegram", t0, incident.SeverityHigh)
	g.SeedIncident(inc)

	_, d := g.Reserve(key, incident.SeverityHigh, t0.Add(time.Minute))
	if d.Allowed {
		t.Errorf("seeded slot allowed inside window: %+v", d)
	}
	_, d = g.Reserve(key, incident.SeverityCritical, t0.Add(time.Minute))
	if !d.Allowed {
		t.Errorf("escalation over seeded slot denied: %+v", d)
	}

	// older seeds never rewind the slot
	g.Seed(key, t0.Add(-time.Hour), incident.SeverityLow)
	st, _ := g.Get(key)
	if !st.LastSentAt.Equal(t0) || st.Severity != incident.SeverityHigh {
		t.Errorf("state = %+v, want t0/high", st)
	}
}

func TestNew_DefaultWindow(t *testing.T) {
	t.Parallel()

	if got := New(0).Window(); got != DefaultWindow {
		t.Errorf("Window = %v, want %v", got, DefaultWindow)
	}
	if _, ok := New(0).Get(key); ok {
		t.Error("Get on empty gate reported a slot")
	}
}
