// Package metrics exports update session counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"openenterprise/otaengine/update"
)

// Observer implements update.Observer on a Prometheus registry.
type Observer struct {
	active    *prometheus.GaugeVec
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// New registers the update metrics with reg.
func New(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ota_active_sessions",
			Help: "Update sessions currently receiving",
		}, []string{"kind"}),
		started: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_sessions_started_total",
			Help: "Update sessions started",
		}, []string{"kind"}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_sessions_completed_total",
			Help: "Update sessions that committed an image",
		}, []string{"kind"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_sessions_failed_total",
			Help: "Update sessions that failed, by reason",
		}, []string{"kind", "reason"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_bytes_written_total",
			Help: "Image bytes accepted by sinks",
		}, []string{"kind"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ota_session_duration_seconds",
			Help:    "Time from first chunk to completion or failure",
			Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind", "outcome"}),
	}
}

var _ update.Observer = (*Observer)(nil)

func (o *Observer) SessionStarted(kind update.Kind) {
	o.started.WithLabelValues(kind.String()).Inc()
	o.active.WithLabelValues(kind.String()).Inc()
}

func (o *Observer) BytesWritten(kind update.Kind, n int) {
	o.bytes.WithLabelValues(kind.String()).Add(float64(n))
}

func (o *Observer) SessionCompleted(kind update.Kind, elapsed time.Duration) {
	o.completed.WithLabelValues(kind.String()).Inc()
	o.active.WithLabelValues(kind.String()).Dec()
	o.duration.WithLabelValues(kind.String(), "completed").Observe(elapsed.Seconds())
}

func (o *Observer) SessionFailed(kind update.Kind, reason string, elapsed time.Duration) {
	o.failed.WithLabelValues(kind.String(), reason).Inc()
	o.active.WithLabelValues(kind.String()).Dec()
	o.duration.WithLabelValues(kind.String(), "failed").Observe(elapsed.Seconds())
}
