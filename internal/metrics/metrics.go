// Package metrics holds the process-wide Prometheus registry. It is the
// only truly global mutable in the pipeline: registration is idempotent
// (a second registration with the same name returns the existing
// collector) and tests can swap in a fresh registry between cases.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry

	// Executor/adapter metrics.
	submitTotal      *prometheus.CounterVec
	latencySeconds   *prometheus.HistogramVec
	throttleTotal    *prometheus.CounterVec
	currentRateLimit prometheus.Gauge

	// Pipeline counters.
	corruptRows        prometheus.Counter
	contractViolations prometheus.Counter
	deadletterTotal    prometheus.Counter
	sinkRetries        prometheus.Counter
	signalsEmitted     *prometheus.CounterVec
	gapSeconds         *prometheus.CounterVec
)

func init() {
	reset()
}

// reset builds a fresh registry and re-registers every collector.
// Callers hold mu.
func reset() {
	registry = prometheus.NewRegistry()

	submitTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_submit_total",
		Help: "Order submissions by result and reason",
	}, []string{"result", "reason"})).(*prometheus.CounterVec)

	latencySeconds = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "executor_latency_seconds",
		Help:    "Order submission latency by result",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	}, []string{"result"})).(*prometheus.HistogramVec)

	throttleTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_throttle_total",
		Help: "Submissions dropped by the token bucket, by reason",
	}, []string{"reason"})).(*prometheus.CounterVec)

	currentRateLimit = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "executor_current_rate_limit",
		Help: "Configured place-order rate limit in requests per second",
	})).(prometheus.Gauge)

	corruptRows = register(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_corrupt_rows_total",
		Help: "Unparsable source rows dropped by the reader",
	})).(prometheus.Counter)

	contractViolations = register(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_contract_violations_total",
		Help: "Signals rejected by the hard contract check",
	})).(prometheus.Counter)

	deadletterTotal = register(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sink_deadletter_total",
		Help: "Signals routed to the deadletter log after retry exhaustion",
	})).(prometheus.Counter)

	sinkRetries = register(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sink_write_retries_total",
		Help: "Sink write attempts retried with backoff",
	})).(prometheus.Counter)

	signalsEmitted = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_emitted_total",
		Help: "Signals emitted by confirm outcome and decision code",
	}, []string{"confirm", "code"})).(*prometheus.CounterVec)

	gapSeconds = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aligner_gap_seconds_total",
		Help: "Gap seconds fabricated from last-known-good values",
	}, []string{"symbol"})).(*prometheus.CounterVec)
}

// register registers c, returning the already-registered collector when
// one with the same descriptor exists. Double-init never panics.
func register(c prometheus.Collector) prometheus.Collector {
	if err := registry.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		// Anything else is a programming error in metric construction.
		panic(err)
	}
	return c
}

// Registry exposes the active registry for the monitor HTTP handler.
func Registry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// Snapshot flattens every counter and gauge into name{labels} -> value
// for the run manifest. Histograms contribute their sample count.
func Snapshot() map[string]float64 {
	mu.Lock()
	reg := registry
	mu.Unlock()

	out := make(map[string]float64)
	families, err := reg.Gather()
	if err != nil {
		return out
	}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			name := fam.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				name += "{"
				for i, l := range labels {
					if i > 0 {
						name += ","
					}
					name += l.GetName() + "=" + l.GetValue()
				}
				name += "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[name] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[name] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

// ResetForTest replaces the registry so tests do not leak counters
// across cases.
func ResetForTest() {
	mu.Lock()
	defer mu.Unlock()
	reset()
}

// SubmitTotal increments executor_submit_total{result,reason}.
func SubmitTotal(result, reason string) {
	mu.Lock()
	defer mu.Unlock()
	submitTotal.WithLabelValues(result, reason).Inc()
}

// ObserveSubmitLatency records executor_latency_seconds{result}.
func ObserveSubmitLatency(result string, seconds float64) {
	mu.Lock()
	defer mu.Unlock()
	latencySeconds.WithLabelValues(result).Observe(seconds)
}

// ThrottleTotal increments executor_throttle_total{reason}.
func ThrottleTotal(reason string) {
	mu.Lock()
	defer mu.Unlock()
	throttleTotal.WithLabelValues(reason).Inc()
}

// SetCurrentRateLimit sets executor_current_rate_limit.
func SetCurrentRateLimit(rps float64) {
	mu.Lock()
	defer mu.Unlock()
	currentRateLimit.Set(rps)
}

// CorruptRow increments the dropped-row counter.
func CorruptRow() {
	mu.Lock()
	defer mu.Unlock()
	corruptRows.Inc()
}

// ContractViolation increments the hard-contract counter.
func ContractViolation() {
	mu.Lock()
	defer mu.Unlock()
	contractViolations.Inc()
}

// Deadletter increments sink_deadletter_total.
func Deadletter() {
	mu.Lock()
	defer mu.Unlock()
	deadletterTotal.Inc()
}

// SinkRetry increments sink_write_retries_total.
func SinkRetry() {
	mu.Lock()
	defer mu.Unlock()
	sinkRetries.Inc()
}

// SignalEmitted increments signal_emitted_total{confirm,code}.
func SignalEmitted(confirm bool, code string) {
	mu.Lock()
	defer mu.Unlock()
	label := "false"
	if confirm {
		label = "true"
	}
	signalsEmitted.WithLabelValues(label, code).Inc()
}

// GapSecond increments aligner_gap_seconds_total{symbol}.
func GapSecond(symbol string) {
	mu.Lock()
	defer mu.Unlock()
	gapSeconds.WithLabelValues(symbol).Inc()
}
