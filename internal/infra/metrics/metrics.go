// Package metrics exposes Prometheus counters for the cycle scheduler and payouts.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler skip reasons.
const (
	SkipLocked  = "in_process_lock"
	SkipClaimed = "claimed_elsewhere"
)

// Payout results.
const (
	PayoutSent   = "sent"
	PayoutFailed = "failed"
)

// Metrics is safe to use before Register and on a nil receiver; counters are
// only touched once registered.
type Metrics struct {
	cyclesProcessed   *prometheus.CounterVec
	schedulerBatches  prometheus.Counter
	schedulerSkipped  *prometheus.CounterVec
	schedulerErrors   prometheus.Counter
	payouts           *prometheus.CounterVec
	stalledCubesFound prometheus.Counter

	registerOnce sync.Once
}

func New() *Metrics {
	return &Metrics{}
}

// Register registers the counters with registry. Nil registry is a no-op and
// repeated calls are ignored.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}

	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.cyclesProcessed = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cube_cycles_processed_total",
			Help: "Total number of processCycle calls by outcome",
		}, []string{"outcome"})

		m.schedulerBatches = factory.NewCounter(prometheus.CounterOpts{
			Name: "cube_scheduler_batches_total",
			Help: "Total number of scheduler batches run",
		})

		m.schedulerSkipped = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cube_scheduler_skipped_total",
			Help: "Total number of due cubes skipped by the scheduler",
		}, []string{"reason"})

		m.schedulerErrors = factory.NewCounter(prometheus.CounterOpts{
			Name: "cube_scheduler_errors_total",
			Help: "Total number of cubes whose processing failed inside a batch",
		})

		m.payouts = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cube_payouts_total",
			Help: "Total number of payout attempts by result",
		}, []string{"result"})

		m.stalledCubesFound = factory.NewCounter(prometheus.CounterOpts{
			Name: "cube_stalled_cycles_found_total",
			Help: "Total number of stalled cubes seen by the stall check",
		})
	})
}

func (m *Metrics) IncCycleOutcome(outcome string) {
	if m != nil && m.cyclesProcessed != nil {
		m.cyclesProcessed.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncBatch() {
	if m != nil && m.schedulerBatches != nil {
		m.schedulerBatches.Inc()
	}
}

func (m *Metrics) IncSkipped(reason string) {
	if m != nil && m.schedulerSkipped != nil {
		m.schedulerSkipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncSchedulerError() {
	if m != nil && m.schedulerErrors != nil {
		m.schedulerErrors.Inc()
	}
}

func (m *Metrics) IncPayout(result string) {
	if m != nil && m.payouts != nil {
		m.payouts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) AddStalled(n int) {
	if m != nil && m.stalledCubesFound != nil && n > 0 {
		m.stalledCubesFound.Add(float64(n))
	}
}
