// Package metrics defines the Prometheus collectors shared by relay components.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wasm_relay"

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeMiss     = "miss"
	OutcomeFallback = "fallback"
	OutcomeStopped  = "stopped"
	OutcomeEmpty    = "empty"
)

// Transport label values.
const (
	TransportSocket  = "socket"
	TransportNetwork = "network"
)

type Metrics struct {
	scans              *prometheus.CounterVec
	scanDuration       prometheus.Histogram
	transportAttempts  *prometheus.CounterVec
	rediscoveries      prometheus.Counter
	bridgeCalls        *prometheus.CounterVec
	transfers          *prometheus.CounterVec
	transferBytes      prometheus.Counter
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "locator",
			Name:      "scans_total",
			Help:      "Bundle scans by result.",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "locator",
			Name:      "scan_duration_seconds",
			Help:      "Time spent walking the scan root.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		transportAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "attempts_total",
			Help:      "Transport attempts by transport and outcome.",
		}, []string{"transport", "outcome"}),
		rediscoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "rediscoveries_total",
			Help:      "Locator re-invocations after a failed socket connect.",
		}),
		bridgeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Host bridge calls by outcome.",
		}, []string{"outcome"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "transfers_total",
			Help:      "Intra-engine transfers by outcome.",
		}, []string{"outcome"}),
		transferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Bytes copied between modules.",
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invoke",
			Name:      "invocations_total",
			Help:      "Engine invocations by mode and outcome.",
		}, []string{"mode", "outcome"}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "invoke",
			Name:      "duration_seconds",
			Help:      "Engine invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.scans,
			m.scanDuration,
			m.transportAttempts,
			m.rediscoveries,
			m.bridgeCalls,
			m.transfers,
			m.transferBytes,
			m.invocations,
			m.invocationDuration,
		)
	}
	return m
}

func (m *Metrics) ObserveScan(found bool, d time.Duration) {
	if m == nil {
		return
	}
	result := OutcomeMiss
	if found {
		result = OutcomeOK
	}
	m.scans.WithLabelValues(result).Inc()
	m.scanDuration.Observe(d.Seconds())
}

func (m *Metrics) TransportAttempt(transport, outcome string) {
	if m == nil {
		return
	}
	m.transportAttempts.WithLabelValues(transport, outcome).Inc()
}

func (m *Metrics) Rediscovery() {
	if m == nil {
		return
	}
	m.rediscoveries.Inc()
}

func (m *Metrics) BridgeCall(outcome string) {
	if m == nil {
		return
	}
	m.bridgeCalls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transfer(outcome string, n int) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(outcome).Inc()
	if n > 0 {
		m.transferBytes.Add(float64(n))
	}
}

func (m *Metrics) Invocation(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(mode, outcome).Inc()
	m.invocationDuration.WithLabelValues(mode).Observe(d.Seconds())
}
