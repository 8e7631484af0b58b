package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	unitStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "unit",
			Name:      "starts_total",
			Help:      "Number of start operations accepted per unit.",
		}, []string{"unit"},
	)
	unitStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "unit",
			Name:      "stops_total",
			Help:      "Number of stop operations accepted per unit.",
		}, []string{"unit"},
	)
	unitStartLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "unit",
			Name:      "start_limit_hits_total",
			Help:      "Number of starts refused by the start rate limit.",
		}, []string{"unit"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "unit",
			Name:      "state_transitions_total",
			Help:      "Number of active state transitions between different unit states.",
		}, []string{"unit", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "unitd",
			Subsystem: "unit",
			Name:      "current_state",
			Help:      "Current active state of units (1 = in this state, 0 = not).",
		}, []string{"unit", "state"},
	)
	unitsLoaded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "unitd",
			Subsystem: "unit",
			Name:      "loaded",
			Help:      "Number of loaded units per unit type.",
		}, []string{"type"},
	)

	reliCommits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "reliability",
			Name:      "commits_total",
			Help:      "Number of successful history commits.",
		},
	)
	reliFlips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "reliability",
			Name:      "generation_switches_total",
			Help:      "Number of history generation switches, by the generation made current.",
		}, []string{"generation"},
	)
	reliRecoverSteps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "unitd",
			Subsystem: "reliability",
			Name:      "recover_step_seconds",
			Help:      "Duration of each recovery step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"},
	)
	reliCompensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitd",
			Subsystem: "reliability",
			Name:      "compensations_total",
			Help:      "Number of recoveries that found an interrupted operation, by frame kind.",
		}, []string{"frame"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		unitStarts, unitStops, unitStartLimitHits, stateTransitions, currentStates, unitsLoaded,
		reliCommits, reliFlips, reliRecoverSteps, reliCompensations,
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(unit string) {
	if regOK.Load() {
		unitStarts.WithLabelValues(unit).Inc()
	}
}

func IncStop(unit string) {
	if regOK.Load() {
		unitStops.WithLabelValues(unit).Inc()
	}
}

func IncStartLimitHit(unit string) {
	if regOK.Load() {
		unitStartLimitHits.WithLabelValues(unit).Inc()
	}
}

func RecordStateTransition(unit, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(unit, from, to).Inc()
	}
}

// SetCurrentState moves unit's current_state gauge from one state to another.
func SetCurrentState(unit, from, to string) {
	if regOK.Load() {
		currentStates.WithLabelValues(unit, from).Set(0)
		currentStates.WithLabelValues(unit, to).Set(1)
	}
}

func SetLoaded(unitType string, n int) {
	if regOK.Load() {
		unitsLoaded.WithLabelValues(unitType).Set(float64(n))
	}
}

func IncCommit() {
	if regOK.Load() {
		reliCommits.Inc()
	}
}

func IncGenerationFlip(generation string) {
	if regOK.Load() {
		reliFlips.WithLabelValues(generation).Inc()
	}
}

func ObserveRecoverStep(step string, seconds float64) {
	if regOK.Load() {
		reliRecoverSteps.WithLabelValues(step).Observe(seconds)
	}
}

func IncCompensation(frame string) {
	if regOK.Load() {
		reliCompensations.WithLabelValues(frame).Inc()
	}
}
