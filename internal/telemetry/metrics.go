package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RestoreBuckets spans cache hits (a few ms) to slow validation round trips.
var RestoreBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics translates events into Prometheus series.
type Metrics struct {
	restores       *prometheus.CounterVec
	restoreLatency *prometheus.HistogramVec
	syncWrites     *prometheus.CounterVec
}

// NewMetrics registers the tenantsync collectors on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		restores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantsync_restores_total",
				Help: "Context restore outcomes",
			},
			[]string{"outcome", "variant", "source", "reason"},
		),
		restoreLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantsync_restore_duration_seconds",
				Help:    "Latency of successful context restores",
				Buckets: RestoreBuckets,
			},
			[]string{"variant", "source"},
		),
		syncWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantsync_sync_writes_total",
				Help: "Last-context write-back attempts",
			},
			[]string{"status"},
		),
	}
	reg.MustRegister(m.restores, m.restoreLatency, m.syncWrites)
	return m
}

func (m *Metrics) Track(_ context.Context, event Event) {
	if m == nil {
		return
	}
	switch event.Name {
	case EventRestoreSkipped:
		m.restores.WithLabelValues("skipped", event.String(PropVariant), "", event.String(PropReason)).Inc()
	case EventRestoreFailure:
		m.restores.WithLabelValues("failure", event.String(PropVariant), event.String(PropSource), event.String(PropReason)).Inc()
	case EventRestoreSuccess:
		m.restores.WithLabelValues("success", event.String(PropVariant), event.String(PropSource), "").Inc()
		if latency, ok := event.Properties[PropLatency].(time.Duration); ok {
			m.restoreLatency.WithLabelValues(event.String(PropVariant), event.String(PropSource)).Observe(latency.Seconds())
		}
	case EventSyncWrite:
		m.syncWrites.WithLabelValues(event.String(PropStatus)).Inc()
	}
}
