// Package metrics exposes Prometheus instrumentation and per-phase
// generation statistics for the pipeline.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline's Prometheus collectors. One instance is
// shared process-wide and registered against a single registry.
type Metrics struct {
	PhaseDuration   *prometheus.HistogramVec
	PhaseRetries    *prometheus.CounterVec
	PhaseFallbacks  *prometheus.CounterVec
	SessionsTotal   *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	FeedbackPending prometheus.Gauge
	ImageCacheHits  prometheus.Counter
	ImageTasksTotal *prometheus.CounterVec
	QueueDepth      prometheus.Gauge

	mu    sync.Mutex
	phase map[int]*PhaseStats
}

// PhaseStats is the mutex-guarded aggregate for one phase.
type PhaseStats struct {
	Executions    int64   `json:"executions"`
	Fallbacks     int64   `json:"fallbacks"`
	Retries       int64   `json:"retries"`
	TotalMillis   int64   `json:"total_ms"`
	QualitySum    float64 `json:"-"`
	QualitySample int64   `json:"-"`
}

// AvgQuality returns the running mean quality, or 0 with no samples.
func (s *PhaseStats) AvgQuality() float64 {
	if s.QualitySample == 0 {
		return 0
	}
	return s.QualitySum / float64(s.QualitySample)
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storyforge",
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of phase executions.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"phase"}),
		PhaseRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyforge",
			Name:      "phase_retries_total",
			Help:      "Transient-failure retries per phase.",
		}, []string{"phase"}),
		PhaseFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyforge",
			Name:      "phase_fallbacks_total",
			Help:      "Executions that completed via the deterministic fallback.",
		}, []string{"phase"}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyforge",
			Name:      "sessions_total",
			Help:      "Sessions reaching a terminal status.",
		}, []string{"status"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storyforge",
			Name:      "active_sessions",
			Help:      "Sessions currently being driven.",
		}),
		FeedbackPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storyforge",
			Name:      "feedback_pending",
			Help:      "Sessions suspended on the HITL gate.",
		}),
		ImageCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storyforge",
			Name:      "image_cache_hits_total",
			Help:      "Fan-out tasks served from the content-addressed cache.",
		}),
		ImageTasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyforge",
			Name:      "image_tasks_total",
			Help:      "Fan-out image tasks by outcome.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storyforge",
			Name:      "queue_depth",
			Help:      "Sessions waiting in the queued status.",
		}),
		phase: make(map[int]*PhaseStats),
	}

	reg.MustRegister(
		m.PhaseDuration, m.PhaseRetries, m.PhaseFallbacks, m.SessionsTotal,
		m.ActiveSessions, m.FeedbackPending, m.ImageCacheHits, m.ImageTasksTotal,
		m.QueueDepth,
	)
	return m
}

// ObservePhase records one completed phase execution.
func (m *Metrics) ObservePhase(phase int, d time.Duration, quality float64, aiAssisted bool, retries int) {
	label := strconv.Itoa(phase)
	m.PhaseDuration.WithLabelValues(label).Observe(d.Seconds())
	if retries > 0 {
		m.PhaseRetries.WithLabelValues(label).Add(float64(retries))
	}
	if !aiAssisted {
		m.PhaseFallbacks.WithLabelValues(label).Inc()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.phase[phase]
	if s == nil {
		s = &PhaseStats{}
		m.phase[phase] = s
	}
	s.Executions++
	s.Retries += int64(retries)
	s.TotalMillis += d.Milliseconds()
	if !aiAssisted {
		s.Fallbacks++
	}
	s.QualitySum += quality
	s.QualitySample++
}

// SessionFinished records a terminal session transition.
func (m *Metrics) SessionFinished(status string) {
	m.SessionsTotal.WithLabelValues(status).Inc()
}

// PhaseSnapshot returns a copy of the per-phase aggregates.
func (m *Metrics) PhaseSnapshot() map[int]PhaseStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]PhaseStats, len(m.phase))
	for phase, s := range m.phase {
		out[phase] = *s
	}
	return out
}
