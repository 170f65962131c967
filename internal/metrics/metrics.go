package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loykin/ollamad/internal/state"
)

const namespace = "ollamad"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server starts.",
		}, []string{"name"},
	)
	serverRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "restarts_total",
			Help:      "Number of restarts, requested or automatic.",
		}, []string{"name"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	unexpectedExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "unexpected_exits_total",
			Help:      "Number of times the server exited without a stop request.",
		}, []string{"name"},
	)
	startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "start_failures_total",
			Help:      "Number of failed starts by error kind.",
		}, []string{"name", "kind"},
	)
	startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "start_duration_seconds",
			Help:      "Time from start request to running.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	inputCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "input_commands_total",
			Help:      "Number of input lines sent to the server by result.",
		}, []string{"name", "result"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different supervisor states.",
		}, []string{"name", "from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	scheduledRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "restarts_total",
			Help:      "Number of scheduled restarts by result (ok, error, skipped).",
		}, []string{"name", "result"},
	)
	nextScheduledRestart = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "next_restart_timestamp_seconds",
			Help:      "Unix time of the next scheduled restart.",
		}, []string{"name"},
	)

	resourceGauges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resources",
			Name:      "value",
			Help:      "Latest resource sample; the resource label names the reading.",
		}, []string{"name", "resource"},
	)
)

// Resource label values.
const (
	ResSystemMemory  = "system_memory_used_bytes"
	ResSystemSwap    = "system_swap_used_bytes"
	ResProcessCPU    = "process_cpu_percent"
	ResProcessMemory = "process_memory_used_bytes"
	ResStorage       = "storage_used_bytes"
	ResConnections   = "active_connections"
	ResTokens        = "tokens_generated"
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, serverRestarts, serverStops, unexpectedExits, startFailures,
		startDuration, inputCommands, stateTransitions, currentStates, resourceGauges,
		scheduledRestarts, nextScheduledRestart,
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		serverRestarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		serverStops.WithLabelValues(name).Inc()
	}
}
func IncUnexpectedExit(name string) {
	if regOK.Load() {
		unexpectedExits.WithLabelValues(name).Inc()
	}
}
func IncStartFailure(name, kind string) {
	if regOK.Load() {
		startFailures.WithLabelValues(name, kind).Inc()
	}
}
func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		startDuration.WithLabelValues(name).Observe(seconds)
	}
}
func IncInput(name string, ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		inputCommands.WithLabelValues(name, result).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func IncScheduledRestart(name, result string) {
	if regOK.Load() {
		scheduledRestarts.WithLabelValues(name, result).Inc()
	}
}

func SetNextScheduledRestart(name string, unix float64) {
	if regOK.Load() {
		nextScheduledRestart.WithLabelValues(name).Set(unix)
	}
}

// ObserveResources exports a stats snapshot. Unavailable readings are removed
// rather than reported as a sentinel.
func ObserveResources(name string, st state.ResourceStats) {
	if !regOK.Load() {
		return
	}
	setOrDelete(name, ResSystemMemory, float64(st.SystemMemoryUsed))
	setOrDelete(name, ResSystemSwap, float64(st.SystemSwapUsed))
	setOrDelete(name, ResProcessCPU, st.ProcessCPUPercent)
	setOrDelete(name, ResProcessMemory, float64(st.ProcessMemoryUsed))
	setOrDelete(name, ResStorage, float64(st.StorageUsed))
	setOrDelete(name, ResConnections, float64(st.ActiveConnections))
	resourceGauges.WithLabelValues(name, ResTokens).Set(float64(st.TokensGenerated))
}

func setOrDelete(name, res string, v float64) {
	if v < 0 {
		resourceGauges.DeleteLabelValues(name, res)
		return
	}
	resourceGauges.WithLabelValues(name, res).Set(v)
}
