package control

import (
	"net/http"

	"github.com/patchbay-audio/patchbay/rt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the engine's Prometheus collectors. Every engine has its own
// registry, so several engines can live in one process.
type Metrics struct {
	reg *prometheus.Registry

	xruns         prometheus.Counter
	crashes       prometheus.Counter
	recompiles    prometheus.Counter
	droppedEvents prometheus.Counter
	actions       *prometheus.CounterVec
	undoDepth     prometheus.Gauge
	nodes         prometheus.Gauge
	compile       *prometheus.HistogramVec
}

func newMetrics(r *rt.Runtime) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		reg: reg,
		xruns: f.NewCounter(prometheus.CounterOpts{
			Name: "patchbay_xruns_total",
			Help: "Number of buffer under- or overruns reported by the backend",
		}),
		crashes: f.NewCounter(prometheus.CounterOpts{
			Name: "patchbay_node_crashes_total",
			Help: "Number of nodes isolated after their plugin failed",
		}),
		recompiles: f.NewCounter(prometheus.CounterOpts{
			Name: "patchbay_graph_recompiles_total",
			Help: "Number of compiled graphs published to the real-time thread",
		}),
		droppedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "patchbay_events_dropped_total",
			Help: "Number of engine events nobody was listening for",
		}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patchbay_actions_total",
			Help: "Number of dispatched, undone and redone actions",
		}, []string{"op", "result"}),
		undoDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "patchbay_undo_depth",
			Help: "Number of actions that can be undone",
		}),
		nodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "patchbay_nodes",
			Help: "Number of nodes in the live graph",
		}),
		compile: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patchbay_compile_duration_seconds",
			Help:    "Time spent validating and compiling a graph",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"reason"}),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "patchbay_dsp_load",
		Help: "Time spent rendering the last block relative to its duration",
	}, r.Load)
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "patchbay_notifications_dropped_total",
		Help: "Number of real-time notifications lost to a full queue",
	}, func() float64 { return float64(r.DroppedNotifications()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "patchbay_cycles_total",
		Help: "Number of processing cycles run",
	}, func() float64 { return float64(r.Cycles()) })
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) action(op string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.actions.WithLabelValues(op, result).Inc()
}
