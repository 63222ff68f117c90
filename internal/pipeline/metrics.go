package pipeline

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// Metrics holds Prometheus metrics for the pipeline.
type Metrics struct {
	FramesTotal         *prometheus.CounterVec
	IncidentsTotal      prometheus.Counter
	TransitionsTotal    *prometheus.CounterVec
	RoundsTotal         *prometheus.CounterVec
	RoundDuration       *prometheus.HistogramVec
	AttemptsTotal       *prometheus.CounterVec
	SuppressedTotal     *prometheus.CounterVec
	TranslationFailures *prometheus.CounterVec
	GeoResolutionsTotal *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_frames_total",
			Help: "Frames processed by outcome.",
		}, []string{"outcome"}),
		IncidentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadwatch_incidents_created_total",
			Help: "Incidents opened.",
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_incident_transitions_total",
			Help: "Incident status transitions by target status.",
		}, []string{"status"}),
		RoundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_alert_rounds_total",
			Help: "Alert rounds by channel and whether any recipient received the alert.",
		}, []string{"channel", "delivered"}),
		RoundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roadwatch_alert_round_duration_seconds",
			Help:    "Dispatch duration of alert rounds in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"channel"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_alert_attempts_total",
			Help: "Terminal alert attempts by channel and status.",
		}, []string{"channel", "status"}),
		SuppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_alerts_suppressed_total",
			Help: "Channel alerts held back by the cooldown gate, by reason.",
		}, []string{"channel", "reason"}),
		TranslationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_translation_failures_total",
			Help: "Failed translations by language.",
		}, []string{"language"}),
		GeoResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_geo_resolutions_total",
			Help: "Reverse geocoding lookups by outcome.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roadwatch_frame_queue_depth",
			Help: "Frames waiting in the pipeline queue.",
		}),
	}

	reg.MustRegister(
		m.FramesTotal,
		m.IncidentsTotal,
		m.TransitionsTotal,
		m.RoundsTotal,
		m.RoundDuration,
		m.AttemptsTotal,
		m.SuppressedTotal,
		m.TranslationFailures,
		m.GeoResolutionsTotal,
		m.QueueDepth,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnFrame: func(outcome string) {
			m.FramesTotal.WithLabelValues(outcome).Inc()
		},
		OnIncidentCreated: func() {
			m.IncidentsTotal.Inc()
		},
		OnTransition: func(to incident.Status) {
			m.TransitionsTotal.WithLabelValues(string(to)).Inc()
		},
		OnRound: func(channel string, delivered bool, d time.Duration) {
			m.RoundsTotal.WithLabelValues(channel, strconv.FormatBool(delivered)).Inc()
			m.RoundDuration.WithLabelValues(channel).Observe(d.Seconds())
		},
		OnAttempt: func(channel string, status incident.AttemptStatus) {
			m.AttemptsTotal.WithLabelValues(channel, string(status)).Inc()
		},
		OnSuppressed: func(channel, reason string) {
			m.SuppressedTotal.WithLabelValues(channel, reason).Inc()
		},
		OnTranslationFailure: func(lang string) {
			m.TranslationFailures.WithLabelValues(lang).Inc()
		},
		OnGeo: func(outcome string) {
			m.GeoResolutionsTotal.WithLabelValues(outcome).Inc()
		},
		OnQueueDepth: func(n int) {
			m.QueueDepth.Set(float64(n))
		},
	}
}
