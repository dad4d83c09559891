package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	entryRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procman",
		Name:      "entry_running",
		Help:      "Whether an entry is currently Running (1) or not (0).",
	}, []string{"id"})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procman",
		Name:      "transitions_total",
		Help:      "Lifecycle transitions recorded per entry and target state.",
	}, []string{"id", "state"})

	restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procman",
		Name:      "restarts_total",
		Help:      "Automatic restarts initiated for each entry.",
	}, []string{"id"})

	logLines = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procman",
		Name:      "log_lines_total",
		Help:      "Output lines buffered per entry and source.",
	}, []string{"id", "source"})

	logDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procman",
		Name:      "log_dropped_total",
		Help:      "Live lines a slow subscriber missed, per entry.",
	}, []string{"id"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procman",
		Name:      "build_info",
		Help:      "Build metadata for the running procman binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(entryRunning, transitions, restarts, logLines, logDropped, buildInfo)
}

// Registry returns the Prometheus registry containing all procman metrics.
func Registry() *prometheus.Registry {
	return registry
}

// RecordTransition counts a move of id into state and keeps the running gauge
// in step.
func RecordTransition(id, state string) {
	if id == "" {
		return
	}
	transitions.WithLabelValues(id, state).Inc()
	value := 0.0
	if state == "Running" {
		value = 1
	}
	entryRunning.WithLabelValues(id).Set(value)
}

// IncrementRestart counts one automatic restart of id.
func IncrementRestart(id string) {
	if id == "" {
		return
	}
	restarts.WithLabelValues(id).Inc()
}

// ObserveLogLine counts a buffered line.
func ObserveLogLine(id, source string) {
	if id == "" {
		return
	}
	logLines.WithLabelValues(id, source).Inc()
}

// ObserveLogDropped counts a line lost by a slow subscriber.
func ObserveLogDropped(id string) {
	if id == "" {
		return
	}
	logDropped.WithLabelValues(id).Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetEntry clears every series of a removed entry.
func ResetEntry(id string) {
	if id == "" {
		return
	}
	entryRunning.DeleteLabelValues(id)
	restarts.DeleteLabelValues(id)
	logDropped.DeleteLabelValues(id)
	transitions.DeletePartialMatch(prometheus.Labels{"id": id})
	logLines.DeletePartialMatch(prometheus.Labels{"id": id})
}
