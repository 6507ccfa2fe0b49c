package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "atp"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of dev target spawns.",
		}, []string{"id"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of manual dev target stops.",
		}, []string{"id"},
	)
	processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Number of observed dev target exits by result.",
		}, []string{"id", "result"},
	)
	processRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "running",
			Help:      "1 while the dev target is registered as running.",
		}, []string{"id"},
	)
	processCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of the dev target process tree.",
		}, []string{"id"},
	)
	processRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the dev target process tree.",
		}, []string{"id"},
	)
	cloudEnsure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "ensure_total",
			Help:      "Ensure operations by resource kind and result (exists, created, error).",
		}, []string{"kind", "result"},
	)
	cloudScanChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "scan_checks_total",
			Help:      "Status scan check results.",
		}, []string{"type", "status"},
	)
	moduleSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "sync_total",
			Help:      "Module sync runs by result.",
		}, []string{"result"},
	)
	moduleChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "sync_changes_total",
			Help:      "Manifest entries added or removed by module sync.",
		}, []string{"op"},
	)
	jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_total",
			Help:      "Submitted jobs by kind and result.",
		}, []string{"kind", "result"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job wall time by kind.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStops, processExits, processRunning, processCPU, processRSS,
		cloudEnsure, cloudScanChecks, moduleSyncs, moduleChanges, jobs, jobDuration,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register succeeds.

func IncStart(id string) {
	if regOK.Load() {
		processStarts.WithLabelValues(id).Inc()
		processRunning.WithLabelValues(id).Set(1)
	}
}

func IncStop(id string) {
	if regOK.Load() {
		processStops.WithLabelValues(id).Inc()
		processRunning.WithLabelValues(id).Set(0)
	}
}

func IncExit(id string, success bool) {
	if regOK.Load() {
		processExits.WithLabelValues(id, resultLabel(success)).Inc()
		processRunning.WithLabelValues(id).Set(0)
	}
}

func SetProcessUsage(id string, cpuPercent float64, rssBytes uint64) {
	if regOK.Load() {
		processCPU.WithLabelValues(id).Set(cpuPercent)
		processRSS.WithLabelValues(id).Set(float64(rssBytes))
	}
}

func IncEnsure(kind, result string) {
	if regOK.Load() {
		cloudEnsure.WithLabelValues(kind, result).Inc()
	}
}

func IncScanCheck(typ, status string) {
	if regOK.Load() {
		cloudScanChecks.WithLabelValues(typ, status).Inc()
	}
}

func IncModuleSync(success bool) {
	if regOK.Load() {
		moduleSyncs.WithLabelValues(resultLabel(success)).Inc()
	}
}

func AddModuleChanges(op string, n int) {
	if regOK.Load() && n > 0 {
		moduleChanges.WithLabelValues(op).Add(float64(n))
	}
}

func ObserveJob(kind string, success bool, seconds float64) {
	if regOK.Load() {
		jobs.WithLabelValues(kind, resultLabel(success)).Inc()
		jobDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
