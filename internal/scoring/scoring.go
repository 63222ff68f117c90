// Package scoring turns a frame's raw detections into an accident-likelihood
// score and severity estimate.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// Indicator names reported in Assessment.Indicators.
const (
	IndicatorOverlap    = "vehicle_overlap"
	IndicatorClose      = "vehicles_close"
	IndicatorPerson     = "person_near_vehicle"
	IndicatorStationary = "stationary_vehicle"
)

var vehicleClasses = map[string]bool{
	"car":        true,
	"motorcycle": true,
	"bus":        true,
	"truck":      true,
	"bicycle":    true,
}

// Config holds the scoring weights and thresholds. All values are in [0,1].
type Config struct {
	AcceptThreshold float64
	MediumAt        float64
	HighAt          float64
	CriticalAt      float64
	OverlapIoU      float64
	MotionIoU       float64
	WeightOverlap   float64
	WeightClose     float64
	WeightPerson    float64
	WeightMotion    float64
}

// DefaultConfig returns the stock weights.
func DefaultConfig() Config {
	return Config{
		AcceptThreshold: 0.5,
		MediumAt:        0.6,
		HighAt:          0.75,
		CriticalAt:      0.9,
		OverlapIoU:      0.1,
		MotionIoU:       0.8,
		WeightOverlap:   0.5,
		WeightClose:     0.3,
		WeightPerson:    0.6,
		WeightMotion:    0.1,
	}
}

// Validate checks ranges, threshold ordering and that a person near a vehicle
// outweighs every vehicle-only indicator.
func (c Config) Validate() error {
	var errs []error
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"accept threshold", c.AcceptThreshold},
		{"medium threshold", c.MediumAt},
		{"high threshold", c.HighAt},
		{"critical threshold", c.CriticalAt},
		{"overlap iou", c.OverlapIoU},
		{"motion iou", c.MotionIoU},
		{"overlap weight", c.WeightOverlap},
		{"close weight", c.WeightClose},
		{"person weight", c.WeightPerson},
		{"motion weight", c.WeightMotion},
	} {
		if math.IsNaN(f.v) || f.v < 0 || f.v > 1 {
			errs = append(errs, fmt.Errorf("scoring %s %v out of range (must be 0..1)", f.name, f.v))
		}
	}
	if c.MediumAt > c.HighAt || c.HighAt > c.CriticalAt {
		errs = append(errs, fmt.Errorf("scoring severity thresholds must be ordered medium <= high <= critical (got %v, %v, %v)",
			c.MediumAt, c.HighAt, c.CriticalAt))
	}
	if c.WeightPerson <= math.Max(c.WeightOverlap, c.WeightClose) {
		errs = append(errs, fmt.Errorf("scoring person weight %v must exceed the overlap and close weights (%v, %v)",
			c.WeightPerson, c.WeightOverlap, c.WeightClose))
	}
	return errors.Join(errs...)
}

// Severity maps a score onto the four levels. A score equal to a threshold
// takes the higher level.
func (c Config) Severity(score float64) incident.Severity {
	switch {
	case score >= c.CriticalAt:
		return incident.SeverityCritical
	case score >= c.HighAt:
		return incident.SeverityHigh
	case score >= c.MediumAt:
		return incident.SeverityMedium
	default:
		return incident.SeverityLow
	}
}

// Assessment is the scorer's verdict for one frame.
type Assessment struct {
	Score      float64
	Severity   incident.Severity
	Accepted   bool
	Indicators []string
}

// Scorer scores frames. It remembers the newest frame's vehicles per source
// for the stationary-vehicle heuristic and is safe for concurrent use.
type Scorer struct {
	cfg Config

	mu   sync.Mutex
	prev map[string]history // source ID -> newest frame seen
}

type history struct {
	index int64
	boxes []incident.BoundingBox
}

// New creates a Scorer.
func New(cfg Config) *Scorer {
	return &Scorer{
		cfg:  cfg,
		prev: make(map[string]history),
	}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Score evaluates one frame. Malformed detections are clamped, never rejected.
// Motion history only advances on a frame newer than any seen for the
// source. A replayed or late frame is scored without it.
func (s *Scorer) Score(sourceID string, frameIndex int64, dets []incident.Detection) Assessment {
	clean := make([]incident.Detection, len(dets))
	for i, d := range dets {
		clean[i] = sanitize(d)
	}

	var vehicles, persons []incident.Detection
	for _, d := range clean {
		switch {
		case vehicleClasses[d.Class]:
			vehicles = append(vehicles, d)
		case d.Class == "person":
			persons = append(persons, d)
		}
	}

	boxes := make([]incident.BoundingBox, len(vehicles))
	for i, v := range vehicles {
		boxes[i] = v.Box
	}
	var prev []incident.BoundingBox
	s.mu.Lock()
	h, known := s.prev[sourceID]
	if !known || frameIndex > h.index {
		prev = h.boxes
		s.prev[sourceID] = history{index: frameIndex, boxes: boxes}
	}
	s.mu.Unlock()

	var (
		score      float64
		indicators []string
		seen       = make(map[string]bool)
	)
	mark := func(name string, contrib float64) {
		if contrib <= 0 {
			return
		}
		score += contrib
		if !seen[name] {
			seen[name] = true
			indicators = append(indicators, name)
		}
	}

	for i := 0; i < len(vehicles); i++ {
		for j := i + 1; j < len(vehicles); j++ {
			a, b := vehicles[i], vehicles[j]
			conf := (a.Confidence + b.Confidence) / 2
			if iou := IoU(a.Box, b.Box); iou > s.cfg.OverlapIoU {
				mark(IndicatorOverlap, s.cfg.WeightOverlap*math.Min(iou*2, 1)*conf)
			} else if centerDistance(a.Box, b.Box) < 1.5*(side(a.Box)+side(b.Box))/2 {
				mark(IndicatorClose, s.cfg.WeightClose*conf)
			}
		}
	}

	for _, p := range persons {
		for _, v := range vehicles {
			if centerDistance(p.Box, v.Box) < 2*side(v.Box) {
				mark(IndicatorPerson, s.cfg.WeightPerson*(p.Confidence+v.Confidence)/2)
			}
		}
	}

	if score > 0 && stationary(boxes, prev, s.cfg.MotionIoU) {
		mark(IndicatorStationary, s.cfg.WeightMotion)
	}

	score = clamp01(score)
	return Assessment{
		Score:      score,
		Severity:   s.cfg.Severity(score),
		Accepted:   score >= s.cfg.AcceptThreshold,
		Indicators: indicators,
	}
}

// Assess wraps a score computed elsewhere, applying the same acceptance and
// severity rules.
func (s *Scorer) Assess(score float64) Assessment {
	score = clamp01(score)
	return Assessment{
		Score:    score,
		Severity: s.cfg.Severity(score),
		Accepted: score >= s.cfg.AcceptThreshold,
	}
}

// Forget drops the motion history for a source.
func (s *Scorer) Forget(sourceID string) {
	s.mu.Lock()
	delete(s.prev, sourceID)
	s.mu.Unlock()
}

// IoU returns the intersection-over-union of two boxes.
func IoU(a, b incident.BoundingBox) float64 {
	ix := math.Max(0, math.Min(a.X2, b.X2)-math.Max(a.X1, b.X1))
	iy := math.Max(0, math.Min(a.Y2, b.Y2)-math.Max(a.Y1, b.Y1))
	inter := ix * iy
	union := area(a) + area(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func stationary(cur, prev []incident.BoundingBox, threshold float64) bool {
	for _, c := range cur {
		for _, p := range prev {
			if IoU(c, p) >= threshold {
				return true
			}
		}
	}
	return false
}

func sanitize(d incident.Detection) incident.Detection {
	d.Class = strings.ToLower(strings.TrimSpace(d.Class))
	d.Confidence = clamp01(d.Confidence)
	b := d.Box
	for _, p := range []*float64{&b.X1, &b.Y1, &b.X2, &b.Y2} {
		if math.IsNaN(*p) || math.IsInf(*p, 0) || *p < 0 {
			*p = 0
		}
	}
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	d.Box = b
	return d
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func area(b incident.BoundingBox) float64 {
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

func side(b incident.BoundingBox) float64 {
	return math.Max(b.X2-b.X1, b.Y2-b.Y1)
}

func centerDistance(a, b incident.BoundingBox) float64 {
	ax, ay := (a.X1+a.X2)/2, (a.Y1+a.Y2)/2
	bx, by := (b.X1+b.X2)/2, (b.Y1+b.Y2)/2
	return math.Hypot(ax-bx, ay-by)
}
