package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/roadwatch/internal/compose"
	"github.com/linnemanlabs/roadwatch/internal/cooldown"
	"github.com/linnemanlabs/roadwatch/internal/dedup"
	"github.com/linnemanlabs/roadwatch/internal/dispatch"
	"github.com/linnemanlabs/roadwatch/internal/geo"
	"github.com/linnemanlabs/roadwatch/internal/incident"
	"github.com/linnemanlabs/roadwatch/internal/scoring"
)

var tracer = otel.Tracer("github.com/linnemanlabs/roadwatch/internal/pipeline")

// ErrShuttingDown is returned once Shutdown has been called.
var ErrShuttingDown = errors.New("pipeline is shutting down")

// Skip reasons reported in SubmitResult.Reason.
const (
	ReasonBelowThreshold = "below_threshold"
	ReasonDuplicate      = "duplicate_frame"
)

const (
	DefaultConfirmAbove = 0.75
	DefaultGeoWait      = 1500 * time.Millisecond
	DefaultQueueSize    = 256

	geoTimeout = 10 * time.Second
)

// Detector produces detections for a frame that arrives without them.
type Detector interface {
	Detect(ctx context.Context, f Frame) ([]incident.Detection, error)
}

// Scorer rates a frame's detections. *scoring.Scorer implements it.
type Scorer interface {
	Score(sourceID string, frameIndex int64, dets []incident.Detection) scoring.Assessment
}

// Frame is one video frame from a source, with or without detections.
type Frame struct {
	SourceID   string               `json:"source_id"`
	FrameIndex int64                `json:"frame_index"`
	Timestamp  time.Time            `json:"timestamp"`
	Location   *incident.Location   `json:"location,omitempty"`
	Detections []incident.Detection `json:"detections,omitempty"`
	Image      []byte               `json:"image,omitempty"` // handed to the Detector when Detections is empty
}

// Validate checks the fields a producer controls.
func (f *Frame) Validate() error {
	var errs []error
	if strings.TrimSpace(f.SourceID) == "" {
		errs = append(errs, errors.New("source_id is required"))
	}
	if f.FrameIndex < 0 {
		errs = append(errs, errors.New("frame_index must be >= 0"))
	}
	if l := f.Location; l != nil {
		if l.Lat < -90 || l.Lat > 90 || l.Lon < -180 || l.Lon > 180 {
			errs = append(errs, fmt.Errorf("location %v,%v out of range", l.Lat, l.Lon))
		}
	}
	return errors.Join(errs...)
}

// SubmitResult describes what happened to a submitted frame.
type SubmitResult struct {
	IncidentID string            `json:"incident_id,omitempty"`
	Skipped    bool              `json:"skipped,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Created    bool              `json:"created,omitempty"`
	Status     incident.Status   `json:"status,omitempty"`
	Severity   incident.Severity `json:"severity,omitempty"`
	Score      float64           `json:"score"`
	Alerting   bool              `json:"alerting,omitempty"` // an alert round was started
}

// Config holds orchestration tunables.
type Config struct {
	ConfirmAbove float64
	GeoWait      time.Duration // how long a round waits for a pending address
	QueueSize    int
	Languages    []string // empty uses the composer's set
}

// DefaultConfig returns the stock orchestration settings.
func DefaultConfig() Config {
	return Config{
		ConfirmAbove: DefaultConfirmAbove,
		GeoWait:      DefaultGeoWait,
		QueueSize:    DefaultQueueSize,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.ConfirmAbove < 0 || c.ConfirmAbove > 1 {
		errs = append(errs, fmt.Errorf("confirm threshold %v out of range (must be 0..1)", c.ConfirmAbove))
	}
	if c.GeoWait < 0 {
		errs = append(errs, fmt.Errorf("geo wait %v must be >= 0", c.GeoWait))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue size %d must be >= 1", c.QueueSize))
	}
	return errors.Join(errs...)
}

// Components are the stages the orchestrator drives. Geo, Detector and Hooks
// are optional.
type Components struct {
	Scorer     Scorer
	Dedup      *dedup.Deduplicator
	Gate       *cooldown.Gate
	Composer   *compose.Composer
	Dispatcher *dispatch.Dispatcher
	Store      incident.Store
	Channels   []dispatch.Channel
	Geo        geo.Resolver
	Detector   Detector
	Hooks      Hooks
	Now        func() time.Time
}

// Orchestrator runs the pipeline. Safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	scorer     Scorer
	dedup      *dedup.Deduplicator
	gate       *cooldown.Gate
	composer   *compose.Composer
	dispatcher *dispatch.Dispatcher
	store      incident.Store
	channels   []dispatch.Channel
	geo        geo.Resolver
	detector   Detector
	hooks      Hooks
	now        func() time.Time
	logger     log.Logger

	queue   chan Frame
	closing chan struct{}

	// wg counts submits, operator actions, queue consumers, alert rounds and
	// geo lookups. New work only joins while stopped is false.
	mu        sync.Mutex
	stopped   bool
	wg        sync.WaitGroup
	enqueuers sync.WaitGroup // Enqueue calls between the stopped check and the send

	geoPending sync.Map // incident id -> chan struct{}
}

// New creates an Orchestrator. It panics when a required component is nil.
func New(cfg Config, c Components, logger log.Logger) *Orchestrator {
	switch {
	case c.Scorer == nil:
		panic(xerrors.New("pipeline: scorer is required"))
	case c.Dedup == nil:
		panic(xerrors.New("pipeline: deduplicator is required"))
	case c.Gate == nil:
		panic(xerrors.New("pipeline: cooldown gate is required"))
	case c.Composer == nil:
		panic(xerrors.New("pipeline: composer is required"))
	case c.Dispatcher == nil:
		panic(xerrors.New("pipeline: dispatcher is required"))
	case c.Store == nil:
		panic(xerrors.New("pipeline: store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Orchestrator{
		cfg:        cfg,
		scorer:     c.Scorer,
		dedup:      c.Dedup,
		gate:       c.Gate,
		composer:   c.Composer,
		dispatcher: c.Dispatcher,
		store:      c.Store,
		channels:   c.Channels,
		geo:        c.Geo,
		detector:   c.Detector,
		hooks:      c.Hooks,
		now:        c.Now,
		logger:     logger,
		queue:      make(chan Frame, cfg.QueueSize),
		closing:    make(chan struct{}),
	}
}

// enter registers one unit of work, failing once shutdown has begun. Every
// successful enter must be paired with o.wg.Done.
func (o *Orchestrator) enter() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return false
	}
	o.wg.Add(1)
	return true
}

// Rehydrate rebuilds the open-incident index and the cooldown gate from the
// store. Call once before accepting frames.
func (o *Orchestrator) Rehydrate(ctx context.Context) (int, error) {
	open, err := o.dedup.Rehydrate(ctx)
	if err != nil {
		return 0, err
	}
	for _, inc := range open {
		o.gate.SeedIncident(inc)
	}
	return len(open), nil
}

// Submit runs one frame through the pipeline. Frames below the acceptance
// threshold and frames already merged into an open incident come back
// Skipped with no side effects. A triggered alert round
// continues after Submit returns.
func (o *Orchestrator) Submit(ctx context.Context, f Frame) (*SubmitResult, error) {
	if !o.enter() {
		return nil, ErrShuttingDown
	}
	defer o.wg.Done()
	return o.handle(ctx, f)
}

func (o *Orchestrator) handle(ctx context.Context, f Frame) (*SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.submit", trace.WithAttributes(
		attribute.String("roadwatch.source_id", f.SourceID),
		attribute.Int64("roadwatch.frame_index", f.FrameIndex),
	))
	defer span.End()

	res, err := o.process(ctx, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.hooks.frame(FrameError)
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("roadwatch.skipped", res.Skipped),
		attribute.Float64("roadwatch.score", res.Score),
	)
	if res.IncidentID != "" {
		span.SetAttributes(attribute.String("roadwatch.incident.id", res.IncidentID))
	}
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, f Frame) (*SubmitResult, error) {
	dets := f.Detections
	if len(dets) == 0 && o.detector != nil {
		d, err := o.detector.Detect(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("detect: %w", err)
		}
		dets = d
	}

	as := o.scorer.Score(f.SourceID, f.FrameIndex, dets)
	if !as.Accepted {
		o.hooks.frame(FrameBelowThreshold)
		return &SubmitResult{Skipped: true, Reason: ReasonBelowThreshold, Score: as.Score}, nil
	}

	c := incident.Candidate{
		SourceID:   f.SourceID,
		FrameIndex: f.FrameIndex,
		Timestamp:  f.Timestamp,
		Location:   f.Location,
		Objects:    dets,
		Score:      as.Score,
		Severity:   as.Severity,
	}

	var ev incident.Evaluation
	out, err := o.dedup.Merge(ctx, c, func(inc *incident.Incident, _ bool, prev incident.Severity) {
		ev = incident.Evaluate(inc, prev, o.cfg.ConfirmAbove, inc.UpdatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("merge candidate: %w", err)
	}
	inc := out.Incident

	if out.Duplicate {
		o.hooks.frame(FrameDuplicate)
		o.logger.Info(ctx, "duplicate frame ignored",
			"incident_id", inc.ID,
			"source_id", f.SourceID,
			"frame_index", f.FrameIndex,
		)
		return &SubmitResult{
			IncidentID: inc.ID,
			Skipped:    true,
			Reason:     ReasonDuplicate,
			Status:     inc.Status,
			Severity:   inc.Severity,
			Score:      as.Score,
		}, nil
	}

	if out.Created {
		o.hooks.created()
		o.logger.Info(ctx, "incident opened",
			"incident_id", inc.ID,
			"cluster_key", inc.ClusterKey,
			"source_id", inc.SourceID,
			"severity", inc.Severity,
		)
	}
	o.hooks.transitions(ev.Entered)
	if slices.Contains(ev.Entered, incident.StatusConfirmed) {
		o.startGeo(ctx, inc)
	}

	res := &SubmitResult{
		IncidentID: inc.ID,
		Created:    out.Created,
		Status:     inc.Status,
		Severity:   inc.Severity,
		Score:      as.Score,
	}
	if ev.Trigger {
		res.Alerting = o.trigger(ctx, inc, ev.Reason)
	}
	o.hooks.frame(FrameAccepted)
	return res, nil
}

// Get returns an incident by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*incident.Incident, error) {
	inc, found, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	if !found {
		return nil, incident.ErrNotFound
	}
	return inc, nil
}

// Attempts returns the recorded alert attempts for an incident.
func (o *Orchestrator) Attempts(ctx context.Context, id string) ([]incident.AlertAttempt, error) {
	if _, err := o.Get(ctx, id); err != nil {
		return nil, err
	}
	attempts, err := o.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return attempts, nil
}

// Shutdown stops accepting frames and operator actions, then waits for
// queued frames, alert rounds and address lookups to finish or for ctx to
// expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.closing)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight work: %w", ctx.Err())
	}
}
