package synthesis

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	synthesisAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_synthesis_attempts_total",
			Help: "Synthesis attempts by namespace and outcome.",
		},
		[]string{"namespace", "outcome"},
	)

	synthesisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tessera_synthesis_duration_seconds",
			Help:    "Wall-clock duration of synthesis attempts.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"namespace"},
	)

	synthesisTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_synthesis_tokens_total",
			Help: "Estimated tokens consumed by synthesis, by direction.",
		},
		[]string{"namespace", "direction"},
	)

	synthesisCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_synthesis_cost_total",
			Help: "Accumulated synthesis cost in the model's pricing currency.",
		},
		[]string{"namespace", "model"},
	)

	synthesisThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_synthesis_throttled_total",
			Help: "Synthesis requests rejected by the rate limiter or quota manager.",
		},
		[]string{"namespace", "reason"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		synthesisAttempts,
		synthesisDuration,
		synthesisTokens,
		synthesisCost,
		synthesisThrottled,
	)
}

// RecordThrottled counts a synthesis request turned away before reaching the
// model.
func RecordThrottled(namespace, reason string) {
	synthesisThrottled.WithLabelValues(namespace, reason).Inc()
}

func recordSynthesisAttempt(namespace string, success bool, usage Usage) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	synthesisAttempts.WithLabelValues(namespace, outcome).Inc()
	synthesisDuration.WithLabelValues(namespace).Observe(usage.Duration.Seconds())
	synthesisTokens.WithLabelValues(namespace, "input").Add(float64(usage.InputTokens))
	synthesisTokens.WithLabelValues(namespace, "output").Add(float64(usage.OutputTokens))
	synthesisCost.WithLabelValues(namespace, usage.Model).Add(usage.Cost)
}
