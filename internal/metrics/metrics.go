// Package metrics collects Prometheus telemetry for runs, instructions,
// artifact transfers and enclaves.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "enclave"

// Collector owns a private registry. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	runsTotal           *prometheus.CounterVec
	runDuration         *prometheus.HistogramVec
	instructionsTotal   *prometheus.CounterVec
	instructionDuration *prometheus.HistogramVec
	transferBytes       *prometheus.CounterVec
	transferFailures    *prometheus.CounterVec
	enclaves            prometheus.Gauge
	httpRequests        *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "total",
			Help:      "Total number of finished Starlark runs",
		},
		[]string{"result"},
	)

	c.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Time from the start of interpretation to the end of execution",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5m
		},
		[]string{"result"},
	)

	c.instructionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instruction",
			Name:      "total",
			Help:      "Total number of processed instructions",
		},
		[]string{"instruction", "outcome"},
	)

	c.instructionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "instruction",
			Name:      "duration_seconds",
			Help:      "Time taken to execute an instruction",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18), // 1ms to ~2m
		},
		[]string{"instruction"},
	)

	c.transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Total number of payload bytes moved by chunked transfers",
		},
		[]string{"direction"},
	)

	c.transferFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "failures_total",
			Help:      "Total number of aborted chunked transfers",
		},
		[]string{"direction"},
	)

	c.enclaves = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "enclaves",
			Help:      "Current number of enclaves",
		},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of handled HTTP requests",
		},
		[]string{"route", "code"},
	)

	c.registry.MustRegister(
		c.runsTotal,
		c.runDuration,
		c.instructionsTotal,
		c.instructionDuration,
		c.transferBytes,
		c.transferFailures,
		c.enclaves,
		c.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (c *Collector) RecordRun(success bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(result(success)).Inc()
	c.runDuration.WithLabelValues(result(success)).Observe(duration.Seconds())
}

// RecordInstruction counts an instruction. outcome is executed, skipped or failed.
func (c *Collector) RecordInstruction(instruction string, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.instructionsTotal.WithLabelValues(instruction, outcome).Inc()
	if outcome != "skipped" {
		c.instructionDuration.WithLabelValues(instruction).Observe(duration.Seconds())
	}
}

// RecordTransfer counts a finished transfer. direction is upload or download.
func (c *Collector) RecordTransfer(direction string, bytes int, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.transferFailures.WithLabelValues(direction).Inc()
		return
	}
	c.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (c *Collector) RecordEnclaves(count int) {
	if c == nil {
		return
	}
	c.enclaves.Set(float64(count))
}

func (c *Collector) RecordHTTPRequest(route string, code int) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
