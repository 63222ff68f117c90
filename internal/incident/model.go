package incident

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity is the estimated seriousness of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Above reports whether s is strictly more severe than o.
func (s Severity) Above(o Severity) bool {
	return s.Rank() > o.Rank()
}

// Valid reports whether s is one of the four known levels.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity converts a case-insensitive name into a Severity.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusPending means detected, awaiting confirmation
	StatusPending Status = "pending"

	// StatusConfirmed means confidence crossed the confirmation threshold or an operator confirmed it
	StatusConfirmed Status = "confirmed"

	// StatusCritical means confirmed and recalculated or escalated to critical
	StatusCritical Status = "critical"

	// StatusFalseAlarm means dismissed by an operator (terminal)
	StatusFalseAlarm Status = "false_alarm"

	// StatusResolved means closed by an operator (terminal)
	StatusResolved Status = "resolved"
)

// Terminal reports whether no further status changes are allowed.
func (s Status) Terminal() bool {
	return s == StatusFalseAlarm || s == StatusResolved
}

// Alerting reports whether incidents in this status are eligible for alerts.
func (s Status) Alerting() bool {
	return s == StatusConfirmed || s == StatusCritical
}

// Location is a WGS84 coordinate.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Address is a reverse-geocoded location.
type Address struct {
	DisplayName string `json:"display_name,omitempty"`
	Road        string `json:"road,omitempty"`
	Suburb      string `json:"suburb,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	Country     string `json:"country,omitempty"`
	Postcode    string `json:"postcode,omitempty"`
	Formatted   string `json:"formatted"`
}

// BoundingBox is an axis-aligned box in pixel coordinates.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one object reported by the detector for a frame.
type Detection struct {
	Class      string      `json:"class"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

// Candidate is a scored frame, the unit the deduplicator consumes.
// It lives for a single pipeline pass.
type Candidate struct {
	SourceID   string      `json:"source_id"`
	FrameIndex int64       `json:"frame_index"`
	Timestamp  time.Time   `json:"timestamp"`
	Location   *Location   `json:"location,omitempty"`
	Objects    []Detection `json:"objects,omitempty"`
	Score      float64     `json:"score"`
	Severity   Severity    `json:"severity"`
}

// EvidenceRef points back at a candidate that contributed to an incident.
type EvidenceRef struct {
	SourceID   string    `json:"source_id"`
	FrameIndex int64     `json:"frame_index"`
	Timestamp  time.Time `json:"timestamp"`
	Score      float64   `json:"score"`
}

// Note is an audit trail entry.
type Note struct {
	At    time.Time `json:"at"`
	Actor string    `json:"actor"`
	Text  string    `json:"text"`
}

// Incident is the durable record of one real-world event.
type Incident struct {
	ID              string               `json:"id"`
	SourceID        string               `json:"source_id"`
	ClusterKey      string               `json:"cluster_key"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	Location        *Location            `json:"location,omitempty"`
	ResolvedAddress *Address             `json:"resolved_address,omitempty"`
	Severity        Severity             `json:"severity"`
	Status          Status               `json:"status"`
	Confidence      float64              `json:"confidence"`
	Evidence        []EvidenceRef        `json:"evidence"`
	EvidenceCount   int                  `json:"evidence_count"`
	LastAlertAt     map[string]time.Time `json:"last_alert_at,omitempty"`
	AlertedSeverity map[string]Severity  `json:"alerted_severity,omitempty"`
	Notes           []Note               `json:"notes,omitempty"`
}

// Clone returns a deep copy so callers never share slices or maps with a store or index.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	cp := *i
	if i.Location != nil {
		loc := *i.Location
		cp.Location = &loc
	}
	if i.ResolvedAddress != nil {
		addr := *i.ResolvedAddress
		cp.ResolvedAddress = &addr
	}
	cp.Evidence = slices.Clone(i.Evidence)
	cp.Notes = slices.Clone(i.Notes)
	cp.LastAlertAt = maps.Clone(i.LastAlertAt)
	cp.AlertedSeverity = maps.Clone(i.AlertedSeverity)
	return &cp
}

// AddNote appends an audit entry. Allowed in every status, terminal included.
// UpdatedAt is left alone so notes never extend the merge window.
func (i *Incident) AddNote(at time.Time, actor, text string) {
	i.Notes = append(i.Notes, Note{At: at, Actor: actor, Text: text})
}

// HasEvidence reports whether the frame is among the retained evidence.
func (i *Incident) HasEvidence(sourceID string, frameIndex int64) bool {
	return slices.ContainsFunc(i.Evidence, func(e EvidenceRef) bool {
		return e.SourceID == sourceID && e.FrameIndex == frameIndex
	})
}

// RecordAlert stamps a successful alert round for a channel.
func (i *Incident) RecordAlert(channel string, at time.Time, sev Severity) {
	if i.LastAlertAt == nil {
		i.LastAlertAt = make(map[string]time.Time)
	}
	if i.AlertedSeverity == nil {
		i.AlertedSeverity = make(map[string]Severity)
	}
	i.LastAlertAt[channel] = at
	i.AlertedSeverity[channel] = sev
}

// AttemptStatus tracks an alert attempt.
type AttemptStatus string

const (
	AttemptPending            AttemptStatus = "pending"
	AttemptSent               AttemptStatus = "sent"
	AttemptFailed             AttemptStatus = "failed"
	AttemptSuppressedCooldown AttemptStatus = "suppressed_cooldown"
)

// Terminal reports whether the attempt will not change again.
func (s AttemptStatus) Terminal() bool {
	return s != AttemptPending
}

// AlertAttempt records one dispatch try for (incident, language, recipient)
// on a channel. Append-only once terminal.
type AlertAttempt struct {
	ID           string        `json:"id"`
	IncidentID   string        `json:"incident_id"`
	Channel      string        `json:"channel"`
	Recipient    string        `json:"recipient"`
	Language     string        `json:"language"`
	Severity     Severity      `json:"severity"`
	Status       AttemptStatus `json:"status"`
	AttemptCount int           `json:"attempt_count"`
	LastError    string        `json:"last_error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	SentAt       *time.Time    `json:"sent_at,omitempty"`
}

// NewID returns a new sortable unique identifier.
func NewID() string {
	return ulid.Make().String()
}
