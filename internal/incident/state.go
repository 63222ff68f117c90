package incident

import (
	"fmt"
	"slices"
	"time"
)

// ActorSystem marks changes made by the pipeline rather than an operator.
const ActorSystem = "system"

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusFalseAlarm, StatusResolved},
	StatusConfirmed: {StatusCritical, StatusResolved},
	StatusCritical:  {StatusResolved},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Transition moves the incident to a new status and records an audit note.
// On error the incident is left unchanged.
func (i *Incident) Transition(to Status, at time.Time, actor string) error {
	if !CanTransition(i.Status, to) {
		return &TransitionError{From: i.Status, To: to}
	}
	from := i.Status
	i.Status = to
	i.UpdatedAt = at
	i.AddNote(at, actor, fmt.Sprintf("status %s -> %s", from, to))
	return nil
}

// Escalate raises severity, never lowering it. Returns whether it changed.
func (i *Incident) Escalate(sev Severity) bool {
	if !sev.Above(i.Severity) {
		return false
	}
	i.Severity = sev
	return true
}

// Trigger reasons reported by Evaluate.
const (
	ReasonConfirmed        = "confirmed"
	ReasonCritical         = "critical"
	ReasonSeverityIncrease = "severity_increase"
)

// Evaluation is the outcome of re-evaluating an incident after an update.
type Evaluation struct {
	Entered []Status
	Trigger bool
	Reason  string
}

// Evaluate applies the automatic transitions: pending becomes confirmed once
// confidence exceeds confirmAbove, and confirmed becomes critical when the
// severity is critical. prev is the severity before the update being
// evaluated. Entering confirmed or critical triggers an alert, as does a
// severity increase on an incident that is already alerting.
func Evaluate(inc *Incident, prev Severity, confirmAbove float64, at time.Time) Evaluation {
	var ev Evaluation

	if inc.Status == StatusPending && inc.Confidence > confirmAbove {
		if err := inc.Transition(StatusConfirmed, at, ActorSystem); err == nil {
			ev.Entered = append(ev.Entered, StatusConfirmed)
			ev.Trigger = true
			ev.Reason = ReasonConfirmed
		}
	}

	if inc.Status == StatusConfirmed && inc.Severity == SeverityCritical {
		if err := inc.Transition(StatusCritical, at, ActorSystem); err == nil {
			ev.Entered = append(ev.Entered, StatusCritical)
			ev.Trigger = true
			ev.Reason = ReasonCritical
		}
	}

	if !ev.Trigger && inc.Status.Alerting() && inc.Severity.Above(prev) {
		ev.Trigger = true
		ev.Reason = ReasonSeverityIncrease
	}

	return ev
}
