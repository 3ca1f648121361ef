// Package metrics exposes Prometheus collectors for the automation engine.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kanban_ai"

// Metrics reports automation activity. A nil *Metrics is a valid no-op.
type Metrics struct {
	matches    *prometheus.CounterVec
	denials    *prometheus.CounterVec
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	skipped    prometheus.Counter
	running    prometheus.Gauge
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry. It is
// created once so repeated engine construction does not panic on duplicate
// registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew registers a fresh set of collectors with reg, reusing collectors
// that are already registered under the same name. Other registration
// errors panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		matches: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "trigger_matches_total",
			Help:      "Instructions whose trigger condition matched, by trigger type.",
		}, []string{"trigger"})),
		denials: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "safeguard_denials_total",
			Help:      "Matched instructions denied by a safeguard, by reason.",
		}, []string{"reason"})),
		executions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "executions_total",
			Help:      "Completed instruction executions by action and outcome.",
		}, []string{"action", "outcome"})),
		duration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of instruction executions.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"action"})),
		skipped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "cards_skipped_total",
			Help:      "Cards skipped by modify runs because they were already processed.",
		})),
		running: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "running_instructions",
			Help:      "Instructions currently executing.",
		})),
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// IncMatch counts a trigger match.
func (m *Metrics) IncMatch(trigger string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(trigger).Inc()
}

// IncDenial counts a safeguard denial.
func (m *Metrics) IncDenial(reason string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(reason).Inc()
}

// ObserveExecution records one finished execution.
func (m *Metrics) ObserveExecution(action string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.executions.WithLabelValues(action, outcome).Inc()
	m.duration.WithLabelValues(action).Observe(d.Seconds())
}

// AddSkipped counts cards skipped by a modify run.
func (m *Metrics) AddSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.skipped.Add(float64(n))
}

// IncRunning marks an instruction as executing.
func (m *Metrics) IncRunning() {
	if m == nil {
		return
	}
	m.running.Inc()
}

// DecRunning marks an execution as finished.
func (m *Metrics) DecRunning() {
	if m == nil {
		return
	}
	m.running.Dec()
}
