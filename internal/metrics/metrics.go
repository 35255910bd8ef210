// Package metrics provides Prometheus metrics for monitoring pagepilot.
package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by command and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagepilot_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"command", "status"},
	)

	// RequestDuration tracks request duration by command.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagepilot_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"command"},
	)

	BrowserPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagepilot_browser_pool_size",
			Help: "Configured browser pool size",
		},
	)

	BrowserPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagepilot_browser_pool_available",
			Help: "Available browsers in pool",
		},
	)

	BrowserPoolAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagepilot_browser_pool_acquired_total",
			Help: "Total browser acquisitions from pool",
		},
	)

	BrowserPoolRecycled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagepilot_browser_pool_recycled_total",
			Help: "Total browsers recycled",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagepilot_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// ScriptOutcomes counts finished automation runs by script and status.
	ScriptOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagepilot_script_outcomes_total",
			Help: "Automation runs by script and terminal status",
		},
		[]string{"script", "status"},
	)

	// ScriptAttempts observes how many attempts a run took.
	ScriptAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagepilot_script_attempts",
			Help:    "Attempts per automation run",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 35, 51, 100},
		},
		[]string{"script"},
	)

	AlertsRaised = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagepilot_alerts_raised_total",
			Help: "Alerts raised on pages after a visibility change",
		},
	)

	// RulesReloads counts rule reloads by source and result.
	RulesReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagepilot_rules_reloads_total",
			Help: "Rule reloads by source and result",
		},
		[]string{"source", "success"},
	)

	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagepilot_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagepilot_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagepilot_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagepilot_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		BrowserPoolSize,
		BrowserPoolAvailable,
		BrowserPoolAcquired,
		BrowserPoolRecycled,
		ActiveSessions,
		ScriptOutcomes,
		ScriptAttempts,
		AlertsRaised,
		RulesReloads,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector periodically updates memory metrics until stopCh closes.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed request.
func RecordRequest(command, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(command, status).Inc()
	RequestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordScriptOutcome records a finished automation run.
func RecordScriptOutcome(script, status string, attempts int, alerted bool) {
	ScriptOutcomes.WithLabelValues(script, status).Inc()
	ScriptAttempts.WithLabelValues(script).Observe(float64(attempts))
	if alerted {
		AlertsRaised.Inc()
	}
}

// RecordRulesReload records a rules reload from source.
func RecordRulesReload(source string, success bool) {
	RulesReloads.WithLabelValues(source, strconv.FormatBool(success)).Inc()
}

// UpdatePoolMetrics updates browser pool gauges.
func UpdatePoolMetrics(size, available int) {
	BrowserPoolSize.Set(float64(size))
	BrowserPoolAvailable.Set(float64(available))
}

// UpdateSessionMetrics updates session count metric.
func UpdateSessionMetrics(count int) {
	ActiveSessions.Set(float64(count))
}
