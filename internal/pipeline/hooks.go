package pipeline

import (
	"time"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// Frame outcomes reported to OnFrame.
const (
	FrameAccepted       = "accepted"
	FrameBelowThreshold = "below_threshold"
	FrameDuplicate      = "duplicate"
	FrameError          = "error"
)

// Hooks receives pipeline events, typically to record metrics. Nil fields are
// skipped.
type Hooks struct {
	OnFrame              func(outcome string)
	OnIncidentCreated    func()
	OnTransition         func(to incident.Status)
	OnRound              func(channel string, delivered bool, duration time.Duration)
	OnAttempt            func(channel string, status incident.AttemptStatus)
	OnSuppressed         func(channel, reason string)
	OnTranslationFailure func(language string)
	OnGeo                func(outcome string)
	OnQueueDepth         func(depth int)
}

func (h Hooks) frame(outcome string) {
	if h.OnFrame != nil {
		h.OnFrame(outcome)
	}
}

func (h Hooks) created() {
	if h.OnIncidentCreated != nil {
		h.OnIncidentCreated()
	}
}

func (h Hooks) transitions(entered []incident.Status) {
	if h.OnTransition == nil {
		return
	}
	for _, s := range entered {
		h.OnTransition(s)
	}
}

func (h Hooks) round(channel string, delivered bool, d time.Duration) {
	if h.OnRound != nil {
		h.OnRound(channel, delivered, d)
	}
}

func (h Hooks) attempt(channel string, status incident.AttemptStatus) {
	if h.OnAttempt != nil {
		h.OnAttempt(channel, status)
	}
}

func (h Hooks) suppressed(channel, reason string) {
	if h.OnSuppressed != nil {
		h.OnSuppressed(channel, reason)
	}
}

func (h Hooks) translationFailure(lang string) {
	if h.OnTranslationFailure != nil {
		h.OnTranslationFailure(lang)
	}
}

func (h Hooks) geo(outcome string) {
	if h.OnGeo != nil {
		h.OnGeo(outcome)
	}
}

func (h Hooks) queueDepth(n int) {
	if h.OnQueueDepth != nil {
		h.OnQueueDepth(n)
	}
}
