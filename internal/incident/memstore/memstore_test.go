package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStore_PutAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc := &incident.Incident{ID: "i-1", ClusterKey: "g:1:2", Status: incident.StatusPending}
	if err := s.Put(ctx, inc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "i-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected incident to be found")
	}
	if got.ClusterKey != "g:1:2" {
		t.Errorf("ClusterKey = %q, want %q", got.ClusterKey, "g:1:2")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc := &incident.Incident{ID: "i-1", Status: incident.StatusPending, Evidence: []incident.EvidenceRef{{FrameIndex: 1}}}
	if err := s.Put(ctx, inc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// mutate the caller's value after Put
	inc.Status = incident.StatusResolved
	inc.Evidence[0].FrameIndex = 99

	got, _, _ := s.Get(ctx, "i-1")
	if got.Status != incident.StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, incident.StatusPending)
	}
	if got.Evidence[0].FrameIndex != 1 {
		t.Errorf("FrameIndex = %d, want 1", got.Evidence[0].FrameIndex)
	}

	// mutate the returned value
	got.Confidence = 0.99
	again, _, _ := s.Get(ctx, "i-1")
	if again.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", again.Confidence)
	}
}

func TestStore_FindOpenByCluster(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for _, inc := range []*incident.Incident{
		{ID: "old", ClusterKey: "g:1:1", Status: incident.StatusPending, UpdatedAt: t0},
		{ID: "new", ClusterKey: "g:1:1", Status: incident.StatusConfirmed, UpdatedAt: t0.Add(time.Minute)},
		{ID: "closed", ClusterKey: "g:1:1", Status: incident.StatusResolved, UpdatedAt: t0.Add(time.Hour)},
		{ID: "other", ClusterKey: "g:2:2", Status: incident.StatusPending, UpdatedAt: t0.Add(time.Hour)},
	} {
		if err := s.Put(ctx, inc); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, ok, err := s.FindOpenByCluster(ctx, "g:1:1")
	if err != nil {
		t.Fatalf("FindOpenByCluster: %v", err)
	}
	if !ok {
		t.Fatal("expected open incident")
	}
	if got.ID != "new" {
		t.Errorf("ID = %q, want %q", got.ID, "new")
	}

	_, ok, _ = s.FindOpenByCluster(ctx, "g:9:9")
	if ok {
		t.Error("expected ok=false for unknown cluster")
	}
}

func TestStore_ListOpen(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, &incident.Incident{ID: "b", Status: incident.StatusConfirmed, CreatedAt: t0.Add(time.Second)})
	_ = s.Put(ctx, &incident.Incident{ID: "a", Status: incident.StatusPending, CreatedAt: t0})
	_ = s.Put(ctx, &incident.Incident{ID: "c", Status: incident.StatusFalseAlarm, CreatedAt: t0})

	open, err := s.ListOpen(ctx)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("len = %d, want 2", len(open))
	}
	if open[0].ID != "a" || open[1].ID != "b" {
		t.Errorf("order = [%s %s], want [a b]", open[0].ID, open[1].ID)
	}
}

func TestStore_Attempts(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	err := s.AppendAttempts(ctx, []incident.AlertAttempt{
		{ID: "a1", IncidentID: "i-1", Status: incident.AttemptSent},
		{ID: "a2", IncidentID: "i-2", Status: incident.AttemptFailed},
		{ID: "a3", IncidentID: "i-1", Status: incident.AttemptSuppressedCooldown},
	})
	if err != nil {
		t.Fatalf("AppendAttempts: %v", err)
	}

	got, err := s.ListAttempts(ctx, "i-1")
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "a1" || got[1].ID != "a3" {
		t.Errorf("ids = [%s %s], want [a1 a3]", got[0].ID, got[1].ID)
	}

	none, _ := s.ListAttempts(ctx, "missing")
	if len(none) != 0 {
		t.Errorf("len = %d, want 0", len(none))
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("i-%d", n)
			_ = s.Put(ctx, &incident.Incident{ID: id, ClusterKey: "g:0:0", Status: incident.StatusPending})
			_, _, _ = s.Get(ctx, id)
			_, _, _ = s.FindOpenByCluster(ctx, "g:0:0")
			_ = s.AppendAttempts(ctx, []incident.AlertAttempt{{IncidentID: id}})
		}(i)
	}
	wg.Wait()

	open, _ := s.ListOpen(ctx)
	if len(open) != 50 {
		t.Errorf("open = %d, want 50", len(open))
	}
}
