package extension

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the controller's Prometheus collectors.
type Metrics struct {
	loaded             prometheus.Gauge
	active             prometheus.Gauge
	loads              *prometheus.CounterVec
	activations        *prometheus.CounterVec
	activationDuration prometheus.Histogram
	deactivations      *prometheus.CounterVec
	dispatches         *prometheus.CounterVec
}

// NewMetrics creates collectors registered with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		loaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "exthost",
			Subsystem: "extensions",
			Name:      "loaded",
			Help:      "Number of loaded extensions",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "exthost",
			Subsystem: "extensions",
			Name:      "active",
			Help:      "Number of active extensions",
		}),
		loads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exthost",
			Subsystem: "extensions",
			Name:      "loads_total",
			Help:      "Extension load attempts by result",
		}, []string{"result"}),
		activations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exthost",
			Subsystem: "extensions",
			Name:      "activations_total",
			Help:      "Extension activation attempts by result",
		}, []string{"result"}),
		activationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exthost",
			Subsystem: "extensions",
			Name:      "activation_duration_seconds",
			Help:      "Time spent activating an extension, including dependencies",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		deactivations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exthost",
			Subsystem: "extensions",
			Name:      "deactivations_total",
			Help:      "Extension deactivations by result",
		}, []string{"result"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exthost",
			Subsystem: "activation",
			Name:      "dispatches_total",
			Help:      "Activation events dispatched, by event kind",
		}, []string{"kind"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
