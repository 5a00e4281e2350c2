// Package metrics exposes Unicorn's operational counters as
// Prometheus collectors.
//
// Grounded on the teacher's root-package Metrics struct (atomic
// counters for ReadOps/WriteOps/.../LatencyBuckets, one field per
// operational concern): the same "one counter per concern" shape is
// kept, but the concerns are Unicorn's own (messages dispatched,
// driver spawns, hook fires, unknown IRQs) and the counters themselves
// are backed by github.com/prometheus/client_golang instead of raw
// atomics, so they compose with a standard /metrics scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns every Prometheus collector Unicorn exposes.
type Metrics struct {
	MessagesDispatched *prometheus.CounterVec
	DispatchErrors     *prometheus.CounterVec
	DriversSpawned     prometheus.Counter
	DriverSpawnErrors  prometheus.Counter
	HooksFired         *prometheus.CounterVec
	UnknownIRQs        prometheus.Counter
	LogicDevices       prometheus.Gauge
	DispatchLatency    prometheus.Histogram
}

// New constructs every collector and registers them all against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unicorn",
			Name:      "messages_dispatched_total",
			Help:      "Number of IPC messages dispatched, by method name.",
		}, []string{"method"}),
		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unicorn",
			Name:      "dispatch_errors_total",
			Help:      "Number of IPC messages that produced an error reply, by error code.",
		}, []string{"code"}),
		DriversSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unicorn",
			Name:      "drivers_spawned_total",
			Help:      "Number of driver processes successfully launched.",
		}),
		DriverSpawnErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unicorn",
			Name:      "driver_spawn_errors_total",
			Help:      "Number of driver processes that failed to launch.",
		}),
		HooksFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unicorn",
			Name:      "hooks_fired_total",
			Help:      "Number of hook notifications delivered, by hook name.",
		}, []string{"name"}),
		UnknownIRQs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unicorn",
			Name:      "unknown_irqs_total",
			Help:      "Number of IRQs that arrived with no registered handler.",
		}),
		LogicDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "unicorn",
			Name:      "logic_devices",
			Help:      "Current number of registered logical devices.",
		}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "unicorn",
			Name:      "dispatch_latency_seconds",
			Help:      "Time spent dispatching one IPC message end to end.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 8),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesDispatched,
			m.DispatchErrors,
			m.DriversSpawned,
			m.DriverSpawnErrors,
			m.HooksFired,
			m.UnknownIRQs,
			m.LogicDevices,
			m.DispatchLatency,
		)
	}
	return m
}
