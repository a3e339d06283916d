package syncd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the daemon's prometheus instrumentation.
type Metrics struct {
	Events        *prometheus.CounterVec
	Flushes       *prometheus.CounterVec
	Reconnects    prometheus.Counter
	PendingWrites prometheus.Gauge
	WarmState     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fpmsyncd_events_total",
			Help: "Feed and kernel events dispatched, by message kind.",
		}, []string{"kind"}),
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fpmsyncd_flushes_total",
			Help: "Write pipeline flushes, by trigger.",
		}, []string{"trigger"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "fpmsyncd_reconnects_total",
			Help: "Feed sessions established.",
		}),
		PendingWrites: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fpmsyncd_pending_writes",
			Help: "Writes buffered in the pipeline after the last flush decision.",
		}),
		WarmState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fpmsyncd_warm_restart_state",
			Help: "Warm-restart progress (0 disabled, 1 initialized, 2 restored, 3 reconciled).",
		}),
	}
}
