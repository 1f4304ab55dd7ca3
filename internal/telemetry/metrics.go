package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records chain, hop and capability counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	chains             *prometheus.CounterVec
	hops               *prometheus.CounterVec
	capabilityCalls    *prometheus.CounterVec
	capabilityDuration *prometheus.HistogramVec
	chainDuration      prometheus.Histogram
}

// NewMetrics registers the quizchain collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		chains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quizchain",
			Name:      "chains_total",
			Help:      "Finished chains by stop reason.",
		}, []string{"reason"}),
		hops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quizchain",
			Name:      "hops_total",
			Help:      "Solved hops by outcome.",
		}, []string{"outcome"}),
		capabilityCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quizchain",
			Name:      "capability_calls_total",
			Help:      "Capability invocations by name and success.",
		}, []string{"capability", "success"}),
		capabilityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quizchain",
			Name:      "capability_duration_seconds",
			Help:      "Capability invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"capability"}),
		chainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quizchain",
			Name:      "chain_duration_seconds",
			Help:      "Wall-clock duration of whole chains.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 240, 300},
		}),
	}
	for _, c := range []prometheus.Collector{m.chains, m.hops, m.capabilityCalls, m.capabilityDuration, m.chainDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveCapability implements capability.Observer.
func (m *Metrics) ObserveCapability(name string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.capabilityCalls.WithLabelValues(name, strconv.FormatBool(success)).Inc()
	m.capabilityDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// ObserveHop counts one hop by outcome (correct, incorrect, no_submission, failed).
func (m *Metrics) ObserveHop(outcome string) {
	if m == nil {
		return
	}
	m.hops.WithLabelValues(outcome).Inc()
}

// ObserveChain counts a finished chain.
func (m *Metrics) ObserveChain(reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.chains.WithLabelValues(reason).Inc()
	m.chainDuration.Observe(elapsed.Seconds())
}
