// Package metrics holds the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tablock"

// Result labels.
const (
	ResultOK        = "ok"
	ResultGone      = "gone"
	ResultForbidden = "forbidden"
	ResultError     = "error"
	ResultSkipped   = "skipped"
)

// Metrics is the set of engine collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	trackedTabs prometheus.Gauge
	reopens     *prometheus.CounterVec
	injections  *prometheus.CounterVec
	sweeps      prometheus.Counter
	pruned      prometheus.Counter
	commands    *prometheus.CounterVec
}

// New registers the collectors on reg. Registering twice on the same
// registerer panics, as promauto does.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		trackedTabs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_tabs",
			Help:      "Number of tabs currently locked",
		}),
		reopens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reopens_total",
			Help:      "Locked tabs reopened after being closed, by result",
		}, []string{"result"}),
		injections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_injections_total",
			Help:      "Guard script injections, by result",
		}, []string{"result"}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed periodic sweeps",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_tabs_total",
			Help:      "Tracked tabs dropped because the browser no longer has them",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Lock and unlock commands received, by action",
		}, []string{"action"}),
	}
}

func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.trackedTabs.Set(float64(n))
}

func (m *Metrics) Reopen(result string) {
	if m == nil {
		return
	}
	m.reopens.WithLabelValues(result).Inc()
}

func (m *Metrics) Injection(result string) {
	if m == nil {
		return
	}
	m.injections.WithLabelValues(result).Inc()
}

func (m *Metrics) Sweep() {
	if m == nil {
		return
	}
	m.sweeps.Inc()
}

func (m *Metrics) Pruned() {
	if m == nil {
		return
	}
	m.pruned.Inc()
}

func (m *Metrics) Command(action string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(action).Inc()
}
