package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the exam recorder.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	acquisitionsTotal      prometheus.Counter
	streamRecoveriesTotal  prometheus.Counter
	sessionsCompletedTotal prometheus.Counter
	sessionErrorsTotal     prometheus.Counter
	activeRecordings       prometheus.Gauge
	videoReady             prometheus.Gauge
	audioReady             prometheus.Gauge
	errorsTotal            prometheus.Counter
}

// New creates and registers Prometheus metrics for the exam recorder.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exam_requests_total",
		Help: "Total number of HTTP requests received",
	})
	acquisitionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exam_device_acquisitions_total",
		Help: "Total number of device stream acquisition attempts",
	})
	streamRecoveriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exam_stream_recoveries_total",
		Help: "Total number of automatic stream re-acquisitions after a track ended",
	})
	sessionsCompletedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exam_sessions_completed_total",
		Help: "Total number of recording sessions that produced a clip",
	})
	sessionErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exam_session_errors_total",
		Help: "Total number of recording sessions that ended in an error state",
	})
	activeRecordings := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "exam_active_recordings",
		Help: "Number of recording sessions currently capturing (0 or 1)",
	})
	videoReady := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "exam_video_ready",
		Help: "Whether a live video track is currently available (0 or 1)",
	})
	audioReady := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "exam_audio_ready",
		Help: "Whether a live audio track is currently available (0 or 1)",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exam_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		acquisitionsTotal,
		streamRecoveriesTotal,
		sessionsCompletedTotal,
		sessionErrorsTotal,
		activeRecordings,
		videoReady,
		audioReady,
		errorsTotal,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		acquisitionsTotal:      acquisitionsTotal,
		streamRecoveriesTotal:  streamRecoveriesTotal,
		sessionsCompletedTotal: sessionsCompletedTotal,
		sessionErrorsTotal:     sessionErrorsTotal,
		activeRecordings:       activeRecordings,
		videoReady:             videoReady,
		audioReady:             audioReady,
		errorsTotal:            errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncAcquisitions increments the device acquisition counter.
func (m *Metrics) IncAcquisitions() {
	m.acquisitionsTotal.Inc()
}

// IncStreamRecoveries increments the automatic stream recovery counter.
func (m *Metrics) IncStreamRecoveries() {
	m.streamRecoveriesTotal.Inc()
}

// IncSessionsCompleted increments the completed sessions counter.
func (m *Metrics) IncSessionsCompleted() {
	m.sessionsCompletedTotal.Inc()
}

// IncSessionErrors increments the session error counter.
func (m *Metrics) IncSessionErrors() {
	m.sessionErrorsTotal.Inc()
}

// SetActiveRecordings sets the active recordings gauge.
func (m *Metrics) SetActiveRecordings(n int) {
	m.activeRecordings.Set(float64(n))
}

// SetStreamReadiness sets the video and audio readiness gauges.
func (m *Metrics) SetStreamReadiness(video, audio bool) {
	m.videoReady.Set(boolGauge(video))
	m.audioReady.Set(boolGauge(audio))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. stream readiness).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
