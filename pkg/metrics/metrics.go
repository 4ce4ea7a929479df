// Copyright 2026 aptguard
//
// Prometheus instrumentation for the APT transport: acquire outcomes,
// confirms-vs-required at verification time, and withheld-buffer sizes.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels the terminal state of one acquire.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeAborted   Outcome = "aborted"
	OutcomeBypassed  Outcome = "bypassed"
	OutcomeNoVerify  Outcome = "no_verify"
)

// Registry bundles every metric this package exports. The zero value is
// not usable; construct with NewRegistry.
type Registry struct {
	AcquiresTotal     *prometheus.CounterVec
	ConfirmsVsRequired prometheus.Histogram
	WithheldBytes     prometheus.Histogram
}

// NewRegistry registers and returns the metric set under reg. Passing
// prometheus.NewRegistry() isolates metrics for tests; passing
// prometheus.DefaultRegisterer wires into the process-wide default.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		AcquiresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aptguard",
			Name:      "acquires_total",
			Help:      "Total APT acquires handled, partitioned by outcome.",
		}, []string{"outcome"}),
		ConfirmsVsRequired: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aptguard",
			Name:      "confirms_vs_required",
			Help:      "Ratio of confirming domains to the required threshold at verification time.",
			Buckets:   []float64{0, 0.25, 0.5, 0.75, 1, 1.5, 2, 3},
		}),
		WithheldBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aptguard",
			Name:      "withheld_buffer_bytes",
			Help:      "Logical size in bytes of the withhold buffer (committed prefix plus withheld tail) at finalize time.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}),
	}
}

// ObserveAcquire records one acquire's terminal outcome.
func (r *Registry) ObserveAcquire(outcome Outcome) {
	r.AcquiresTotal.WithLabelValues(string(outcome)).Inc()
}

// ObserveThreshold records the confirms/required ratio. A zero
// requiredThreshold is treated as always-satisfied (ratio 1), matching
// the verifier's own bypass semantics.
func (r *Registry) ObserveThreshold(confirms, requiredThreshold int) {
	if requiredThreshold <= 0 {
		r.ConfirmsVsRequired.Observe(1)
		return
	}
	r.ConfirmsVsRequired.Observe(float64(confirms) / float64(requiredThreshold))
}

// ObserveWithheldBytes records the logical size of a withhold buffer: the
// committed prefix plus the withheld tail.
func (r *Registry) ObserveWithheldBytes(n int64) {
	r.WithheldBytes.Observe(float64(n))
}
