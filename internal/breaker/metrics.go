package breaker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Metrics publishes the per-breaker operator-visibility surface C10's
// health reporting needs: current state, call volume split by outcome,
// consecutive failures, and call latency. Failure rate, success rate,
// calls/sec, and average duration are all derivable from call_duration's
// histogram buckets/_sum/_count and calls_total at query time rather than
// tracked as separate gauges here.
type Metrics struct {
	state               *prometheus.GaugeVec
	callsTotal          *prometheus.CounterVec
	consecutiveFailures *prometheus.GaugeVec
	callDuration        *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		state: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tasker",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per named breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker"}),
		callsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasker",
			Subsystem: "breaker",
			Name:      "calls_total",
			Help:      "Calls executed through a named breaker, split by outcome.",
		}, []string{"breaker", "outcome"}),
		consecutiveFailures: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tasker",
			Subsystem: "breaker",
			Name:      "consecutive_failures",
			Help:      "Current consecutive failure count per named breaker.",
		}, []string{"breaker"}),
		callDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tasker",
			Subsystem: "breaker",
			Name:      "call_duration_seconds",
			Help:      "Duration of calls executed through a named breaker.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"breaker"}),
	}
}

func (m *Metrics) ObserveStateChange(name string, to gobreaker.State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(name).Set(float64(to))
}

// ObserveCall records one completed call's outcome and duration, plus the
// breaker's consecutive-failure count immediately after it.
func (m *Metrics) ObserveCall(name string, success bool, duration time.Duration, consecutiveFailures uint32) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.callsTotal.WithLabelValues(name, outcome).Inc()
	m.callDuration.WithLabelValues(name).Observe(duration.Seconds())
	m.consecutiveFailures.WithLabelValues(name).Set(float64(consecutiveFailures))
}
