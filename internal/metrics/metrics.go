// Package metrics exports sync engine metrics to Prometheus.
//
// # Metrics
//
//   - stepsync_sync_rounds_total{trigger,result}
//   - stepsync_sync_round_duration_seconds{trigger}
//   - stepsync_sync_conflicts_total
//   - stepsync_outbox_depth
//   - stepsync_breaker_state (0 closed, 1 open, 2 half-open)
//   - stepsync_breaker_transitions_total{from,to}
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/stepsync/internal/breaker"
)

const namespace = "stepsync"

// Recorder holds the engine's Prometheus metrics. It implements
// engine.Recorder, and BreakerStateChanged can be passed to
// breaker.WithStateListener.
type Recorder struct {
	// RoundsTotal counts sync rounds.
	// Labels: trigger (save, periodic, online, resolve),
	// result (synced, conflict, skipped, deferred, error)
	RoundsTotal *prometheus.CounterVec

	// RoundDuration measures round wall time, network retries included.
	RoundDuration *prometheus.HistogramVec

	// ConflictsTotal counts conflict descriptors received.
	ConflictsTotal prometheus.Counter

	// OutboxDepth is the number of entries awaiting a confirmed sync.
	OutboxDepth prometheus.Gauge

	// BreakerState is the circuit breaker state.
	BreakerState prometheus.Gauge

	// BreakerTransitions counts breaker state changes.
	BreakerTransitions *prometheus.CounterVec
}

// New creates a Recorder registered with reg. A nil reg registers with the
// Prometheus default registry.
//
// Panics if reg already holds these metrics.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Recorder{
		RoundsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "rounds_total",
				Help:      "Total sync rounds by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		RoundDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "round_duration_seconds",
				Help:      "Sync round duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
			},
			[]string{"trigger"},
		),
		ConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Total conflict descriptors returned by the remote",
		}),
		OutboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Outbox entries awaiting a confirmed sync",
		}),
		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}),
		BreakerTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"from", "to"},
		),
	}
}

// ObserveRound records one finished round.
func (r *Recorder) ObserveRound(trigger, result string, d time.Duration) {
	r.RoundsTotal.WithLabelValues(trigger, result).Inc()
	r.RoundDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// SetOutboxDepth records the current outbox size.
func (r *Recorder) SetOutboxDepth(n int) {
	r.OutboxDepth.Set(float64(n))
}

// AddConflicts counts received conflict descriptors.
func (r *Recorder) AddConflicts(n int) {
	r.ConflictsTotal.Add(float64(n))
}

// BreakerStateChanged records a breaker transition.
func (r *Recorder) BreakerStateChanged(from, to breaker.State) {
	r.BreakerState.Set(float64(to))
	r.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// Handler serves the metrics gathered by g. A nil g serves the default
// registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
