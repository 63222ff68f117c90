// Package dedup maps scored candidates onto open incidents. It owns incident
// identity: at most one open incident per cluster key within the merge
// window, with all read-modify-write sequences serialized per cluster key.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// Config controls clustering and merging.
type Config struct {
	CellMeters   float64
	MergeWindow  time.Duration
	SourceWindow time.Duration
	MaxEvidence  int
}

// DefaultConfig returns the stock clustering parameters.
func DefaultConfig() Config {
	return Config{
		CellMeters:   50,
		MergeWindow:  10 * time.Second,
		SourceWindow: 5 * time.Second,
		MaxEvidence:  256,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.CellMeters <= 0 {
		errs = append(errs, fmt.Errorf("dedup cell size %v must be > 0", c.CellMeters))
	}
	if c.MergeWindow <= 0 {
		errs = append(errs, fmt.Errorf("dedup merge window %v must be > 0", c.MergeWindow))
	}
	if c.SourceWindow <= 0 {
		errs = append(errs, fmt.Errorf("dedup source window %v must be > 0", c.SourceWindow))
	}
	if c.MaxEvidence <= 0 {
		errs = append(errs, fmt.Errorf("dedup max evidence %d must be > 0", c.MaxEvidence))
	}
	return errors.Join(errs...)
}

// Evolve runs under the cluster lock after a candidate has been merged and
// before the incident is persisted. prev is the severity before the merge.
type Evolve func(inc *incident.Incident, created bool, prev incident.Severity)

// Outcome describes what Merge did. A Duplicate outcome changed nothing: the
// frame was already part of the incident's evidence.
type Outcome struct {
	Incident     *incident.Incident
	Created      bool
	Duplicate    bool
	PrevSeverity incident.Severity
}

// Deduplicator keeps an index of open incidents in front of an incident.Store.
type Deduplicator struct {
	store incident.Store
	cfg   Config
	locks *keyLock
	now   func() time.Time

	mu   sync.RWMutex
	open map[string]*incident.Incident // cluster key -> newest open incident
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) { d.now = now }
}

// New creates a Deduplicator backed by store.
func New(store incident.Store, cfg Config, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		store: store,
		cfg:   cfg,
		locks: newKeyLock(),
		now:   time.Now,
		open:  make(map[string]*incident.Incident),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Rehydrate loads open incidents from the store into the index and returns
// them so other process-scoped state can be rebuilt.
func (d *Deduplicator) Rehydrate(ctx context.Context) ([]*incident.Incident, error) {
	open, err := d.store.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open incidents: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, inc := range open {
		cur, ok := d.open[inc.ClusterKey]
		if !ok || inc.UpdatedAt.After(cur.UpdatedAt) {
			d.open[inc.ClusterKey] = inc.Clone()
		}
	}
	return open, nil
}

// Merge folds a candidate into the matching open incident or creates a new
// pending one, then runs evolve and persists the result.
func (d *Deduplicator) Merge(ctx context.Context, c incident.Candidate, evolve Evolve) (*Outcome, error) {
	if c.Location == nil {
		return d.mergeUnlocated(ctx, c, evolve)
	}

	key := ClusterKey(c.Location, c.SourceID, d.cfg.CellMeters)
	unlock := d.locks.Lock(key)
	defer unlock()

	now := d.now()
	target, err := d.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if target != nil && now.Sub(target.UpdatedAt) > d.cfg.MergeWindow {
		target = nil
	}
	return d.apply(ctx, key, target, c, now, evolve)
}

// mergeUnlocated attaches to the most recent open incident from the same
// source within the source window. Lock order is always source key then grid
// key; located merges only ever take a grid key.
func (d *Deduplicator) mergeUnlocated(ctx context.Context, c incident.Candidate, evolve Evolve) (*Outcome, error) {
	srcKey := SourceKey(c.SourceID)
	unlock := d.locks.Lock(srcKey)
	defer unlock()

	now := d.now()
	target := d.recentFromSource(c.SourceID, now)

	if target != nil && target.ClusterKey != srcKey {
		out, err := d.mergeIntoGrid(ctx, target.ClusterKey, target.ID, c, now, evolve)
		if out != nil || err != nil {
			return out, err
		}
		target = nil
	}

	if target == nil {
		existing, err := d.lookup(ctx, srcKey)
		if err != nil {
			return nil, err
		}
		if existing != nil && now.Sub(existing.UpdatedAt) <= d.cfg.SourceWindow {
			target = existing
		}
	}
	return d.apply(ctx, srcKey, target, c, now, evolve)
}

// mergeIntoGrid merges an unlocated candidate into a located incident. It
// returns a nil Outcome when the incident is no longer the current open one
// for its key or has aged out of the source window.
func (d *Deduplicator) mergeIntoGrid(ctx context.Context, key, id string, c incident.Candidate, now time.Time, evolve Evolve) (*Outcome, error) {
	unlock := d.locks.Lock(key)
	defer unlock()

	d.mu.RLock()
	cur := d.open[key]
	d.mu.RUnlock()
	if cur == nil || cur.ID != id || now.Sub(cur.UpdatedAt) > d.cfg.SourceWindow {
		return nil, nil
	}
	return d.apply(ctx, key, cur.Clone(), c, now, evolve)
}

func (d *Deduplicator) recentFromSource(sourceID string, now time.Time) *incident.Incident {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var best *incident.Incident
	for _, inc := range d.open {
		if inc.SourceID != sourceID || now.Sub(inc.UpdatedAt) > d.cfg.SourceWindow {
			continue
		}
		if best == nil || inc.UpdatedAt.After(best.UpdatedAt) {
			best = inc
		}
	}
	return best.Clone()
}

// lookup returns a copy of the open incident for key, consulting the store
// on an index miss. Caller holds the key lock.
func (d *Deduplicator) lookup(ctx context.Context, key string) (*incident.Incident, error) {
	d.mu.RLock()
	inc, ok := d.open[key]
	d.mu.RUnlock()
	if ok {
		return inc.Clone(), nil
	}

	inc, found, err := d.store.FindOpenByCluster(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find open incident: %w", err)
	}
	if !found {
		return nil, nil
	}
	d.index(inc)
	return inc, nil
}

// apply merges c into target (or a new incident when target is nil),
// evolves, persists and indexes. Caller holds the lock for key.
func (d *Deduplicator) apply(ctx context.Context, key string, target *incident.Incident, c incident.Candidate, now time.Time, evolve Evolve) (*Outcome, error) {
	if target != nil && target.HasEvidence(c.SourceID, c.FrameIndex) {
		return &Outcome{Incident: target, Duplicate: true, PrevSeverity: target.Severity}, nil
	}

	created := target == nil
	inc := target
	if created {
		inc = &incident.Incident{
			ID:         incident.NewID(),
			SourceID:   c.SourceID,
			ClusterKey: key,
			CreatedAt:  now,
			Location:   c.Location,
			Severity:   c.Severity,
			Status:     incident.StatusPending,
		}
		if inc.Location != nil {
			loc := *c.Location
			inc.Location = &loc
		}
	}
	prev := inc.Severity

	if c.Score > inc.Confidence {
		inc.Confidence = c.Score
	}
	inc.Escalate(c.Severity)

	ts := c.Timestamp
	if ts.IsZero() {
		ts = now
	}
	inc.Evidence = append(inc.Evidence, incident.EvidenceRef{
		SourceID:   c.SourceID,
		FrameIndex: c.FrameIndex,
		Timestamp:  ts,
		Score:      c.Score,
	})
	if over := len(inc.Evidence) - d.cfg.MaxEvidence; d.cfg.MaxEvidence > 0 && over > 0 {
		inc.Evidence = append([]incident.EvidenceRef(nil), inc.Evidence[over:]...)
	}
	inc.EvidenceCount++
	inc.UpdatedAt = now

	if evolve != nil {
		evolve(inc, created, prev)
	}

	if err := d.store.Put(ctx, inc); err != nil {
		return nil, fmt.Errorf("persist incident: %w", err)
	}
	d.index(inc)

	return &Outcome{Incident: inc.Clone(), Created: created, PrevSeverity: prev}, nil
}

// Mutate applies fn to the incident with the given id under its cluster lock
// and persists the result. fn errors abort without persisting.
func (d *Deduplicator) Mutate(ctx context.Context, id string, fn func(inc *incident.Incident) error) (*incident.Incident, error) {
	inc, found, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	if !found {
		return nil, incident.ErrNotFound
	}

	unlock := d.locks.Lock(inc.ClusterKey)
	defer unlock()

	// prefer the indexed copy, it is never older than the store
	d.mu.RLock()
	if cur, ok := d.open[inc.ClusterKey]; ok && cur.ID == id {
		inc = cur.Clone()
	}
	d.mu.RUnlock()

	if err := fn(inc); err != nil {
		return nil, err
	}
	if err := d.store.Put(ctx, inc); err != nil {
		return nil, fmt.Errorf("persist incident: %w", err)
	}
	d.refresh(inc)
	return inc.Clone(), nil
}

// index records inc as the open incident for its key, or drops it once terminal.
func (d *Deduplicator) index(inc *incident.Incident) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inc.Status.Terminal() {
		if cur, ok := d.open[inc.ClusterKey]; ok && cur.ID == inc.ID {
			delete(d.open, inc.ClusterKey)
		}
		return
	}
	d.open[inc.ClusterKey] = inc.Clone()
}

// refresh updates the index after an operator change. A superseded incident
// never displaces the current one for its key.
func (d *Deduplicator) refresh(inc *incident.Incident) {
	d.mu.Lock()
	cur, ok := d.open[inc.ClusterKey]
	d.mu.Unlock()
	if !ok || cur.ID == inc.ID {
		d.index(inc)
	}
}

// OpenCount returns the number of indexed open incidents.
func (d *Deduplicator) OpenCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.open)
}
