package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamnexus"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	encoderStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "starts_total",
			Help:      "Number of successful encoder spawns.",
		}, []string{"kind"},
	)
	encoderStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "stops_total",
			Help:      "Number of requested encoder stops.",
		}, []string{"kind"},
	)
	encoderExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "exits_total",
			Help:      "Encoder exits by reason (normal, killed, crashed).",
		}, []string{"kind", "reason"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "spawn_failures_total",
			Help:      "Number of encoder spawn failures.",
		}, []string{"kind"},
	)
	activeEncoders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "active",
			Help:      "Encoders currently running in this instance.",
		},
	)
	schedulerTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Number of scheduler sweeps.",
		},
	)
	schedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a scheduler sweep.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	schedulerActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "actions_total",
			Help:      "Scheduler start/stop actions by result.",
		}, []string{"action", "result"},
	)
	rotationSwitches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rotation",
			Name:      "item_switches_total",
			Help:      "Number of rotation item switches.",
		},
	)
	statusWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "status_write_failures_total",
			Help:      "Status writes that failed after all retries.",
		},
	)
	bootResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "boot",
			Name:      "stale_live_resets_total",
			Help:      "Streams reset from live to offline at boot.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		encoderStarts, encoderStops, encoderExits, spawnFailures, activeEncoders,
		schedulerTicks, schedulerTickDuration, schedulerActions,
		rotationSwitches, statusWriteFailures, bootResets,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(kind string) {
	if regOK.Load() {
		encoderStarts.WithLabelValues(kind).Inc()
	}
}
func IncStop(kind string) {
	if regOK.Load() {
		encoderStops.WithLabelValues(kind).Inc()
	}
}
func IncExit(kind, reason string) {
	if regOK.Load() {
		encoderExits.WithLabelValues(kind, reason).Inc()
	}
}
func IncSpawnFailure(kind string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(kind).Inc()
	}
}
func SetActive(n int) {
	if regOK.Load() {
		activeEncoders.Set(float64(n))
	}
}

func ObserveSchedulerTick(seconds float64) {
	if regOK.Load() {
		schedulerTicks.Inc()
		schedulerTickDuration.Observe(seconds)
	}
}
func IncSchedulerAction(action, result string) {
	if regOK.Load() {
		schedulerActions.WithLabelValues(action, result).Inc()
	}
}

func IncRotationSwitch() {
	if regOK.Load() {
		rotationSwitches.Inc()
	}
}

func IncStatusWriteFailure() {
	if regOK.Load() {
		statusWriteFailures.Inc()
	}
}

func AddBootResets(n int) {
	if regOK.Load() && n > 0 {
		bootResets.Add(float64(n))
	}
}
