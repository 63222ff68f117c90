package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/roadwatch/internal/incident"
	"github.com/linnemanlabs/roadwatch/internal/scoring"
)

func TestRun_ProcessesQueueAndSurvivesPanics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx := context.Background()
	if err := h.o.Enqueue(ctx, Frame{SourceID: "boom"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	for i := range 3 {
		if err := h.o.Enqueue(ctx, frame(0.6, int64(i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- h.o.Run(ctx) }()

	eventually(t, "queue processed", func() bool {
		return h.frames.get(FrameAccepted) == 3 && h.frames.get(FrameError) == 1
	})
	if err := h.o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	if h.o.QueueDepth() != 0 {
		t.Errorf("QueueDepth = %d, want 0", h.o.QueueDepth())
	}
}

func TestEnqueue_BlocksWhenFullUntilContextDone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *Config, _ *Components) { cfg.QueueSize = 1 })

	if err := h.o.Enqueue(context.Background(), frame(0.6, 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.o.Enqueue(ctx, frame(0.6, 2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Enqueue on full queue = %v, want DeadlineExceeded", err)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.o.Run(ctx) }()
	cancel()

	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// gatedScorer blocks its first call until release is closed.
type gatedScorer struct {
	Scorer
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedScorer) Score(sourceID string, frameIndex int64, dets []incident.Detection) scoring.Assessment {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.Scorer.Score(sourceID, frameIndex, dets)
}

func TestEnqueue_AcceptedFramesSurviveShutdown(t *testing.T) {
	t.Parallel()
	gate := &gatedScorer{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, func(cfg *Config, c *Components) {
		cfg.QueueSize = 1
		gate.Scorer = c.Scorer
		c.Scorer = gate
	})

	ctx := context.Background()
	runErr := make(chan error, 1)
	go func() { runErr <- h.o.Run(ctx) }()

	if err := h.o.Enqueue(ctx, frame(0.3, 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-gate.started
	if err := h.o.Enqueue(ctx, frame(0.3, 2)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// queue is full and the consumer is parked, so this one waits
	blocked := make(chan error, 1)
	go func() { blocked <- h.o.Enqueue(ctx, frame(0.3, 3)) }()

	shutdown := make(chan error, 1)
	go func() { shutdown <- h.o.Shutdown(ctx) }()
	eventually(t, "shutdown started", func() bool {
		h.o.mu.Lock()
		defer h.o.mu.Unlock()
		return h.o.stopped
	})
	close(gate.release)

	if err := <-shutdown; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-runErr; err != nil {
		t.Errorf("Run = %v, want nil", err)
	}

	accepted := 2
	switch err := <-blocked; {
	case err == nil:
		accepted++
	case !errors.Is(err, ErrShuttingDown):
		t.Errorf("blocked Enqueue = %v, want nil or ErrShuttingDown", err)
	}
	if got := h.frames.get(FrameBelowThreshold); got != accepted {
		t.Errorf("processed frames = %d, want %d accepted by Enqueue", got, accepted)
	}
	if h.o.QueueDepth() != 0 {
		t.Errorf("QueueDepth = %d, want 0", h.o.QueueDepth())
	}
}
