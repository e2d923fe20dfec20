package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ServiceMetrics aggregates the prometheus collectors for the negotiation and
// receipt subsystems.
type ServiceMetrics struct {
	negotiationsCreated prometheus.Counter
	transitions         *prometheus.CounterVec
	receiptsAppended    prometheus.Counter
	chainBreaks         prometheus.Counter
	enforcementMisses   *prometheus.CounterVec
	schedulerRuns       *prometheus.CounterVec
	schedulerFailures   *prometheus.CounterVec
	lockContention      *prometheus.CounterVec
}

var (
	serviceOnce     sync.Once
	serviceRegistry *ServiceMetrics
)

// Service returns the process-wide metrics registry, registering collectors
// on first use.
func Service() *ServiceMetrics {
	serviceOnce.Do(func() {
		serviceRegistry = &ServiceMetrics{
			negotiationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mnemosyne_negotiations_created_total",
				Help: "Count of negotiations created.",
			}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mnemosyne_negotiation_transitions_total",
				Help: "Count of negotiation state transitions by target state.",
			}, []string{"state"}),
			receiptsAppended: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mnemosyne_receipts_appended_total",
				Help: "Count of receipts appended across all user chains.",
			}),
			chainBreaks: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mnemosyne_receipt_chain_breaks_total",
				Help: "Count of hash-link mismatches found during chain verification.",
			}),
			enforcementMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mnemosyne_receipt_enforcement_misses_total",
				Help: "Count of state-changing requests that completed without a receipt.",
			}, []string{"mode"}),
			schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mnemosyne_scheduler_runs_total",
				Help: "Count of scheduler job executions by job name.",
			}, []string{"job"}),
			schedulerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mnemosyne_scheduler_failures_total",
				Help: "Count of failed scheduler job executions by job name.",
			}, []string{"job"}),
			lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mnemosyne_scheduler_lock_contention_total",
				Help: "Count of lock acquisitions skipped because another instance held the lock.",
			}, []string{"job"}),
		}
		prometheus.MustRegister(
			serviceRegistry.negotiationsCreated,
			serviceRegistry.transitions,
			serviceRegistry.receiptsAppended,
			serviceRegistry.chainBreaks,
			serviceRegistry.enforcementMisses,
			serviceRegistry.schedulerRuns,
			serviceRegistry.schedulerFailures,
			serviceRegistry.lockContention,
		)
	})
	return serviceRegistry
}

// ObserveNegotiationCreated increments the negotiation creation counter.
func (m *ServiceMetrics) ObserveNegotiationCreated() {
	if m == nil {
		return
	}
	m.negotiationsCreated.Inc()
}

// ObserveTransition records a state transition.
func (m *ServiceMetrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	if state == "" {
		state = "unknown"
	}
	m.transitions.WithLabelValues(state).Inc()
}

// ObserveReceiptAppended increments the receipt counter.
func (m *ServiceMetrics) ObserveReceiptAppended() {
	if m == nil {
		return
	}
	m.receiptsAppended.Inc()
}

// ObserveChainBreak records a hash-link mismatch discovered during
// verification.
func (m *ServiceMetrics) ObserveChainBreak() {
	if m == nil {
		return
	}
	m.chainBreaks.Inc()
}

// ObserveEnforcementMiss records a state-changing request that produced no
// receipt, labelled by enforcement mode.
func (m *ServiceMetrics) ObserveEnforcementMiss(mode string) {
	if m == nil {
		return
	}
	if mode == "" {
		mode = "lenient"
	}
	m.enforcementMisses.WithLabelValues(mode).Inc()
}

// ObserveSchedulerRun records one job execution.
func (m *ServiceMetrics) ObserveSchedulerRun(job string) {
	if m == nil {
		return
	}
	m.schedulerRuns.WithLabelValues(job).Inc()
}

// ObserveSchedulerFailure records one failed job execution.
func (m *ServiceMetrics) ObserveSchedulerFailure(job string) {
	if m == nil {
		return
	}
	m.schedulerFailures.WithLabelValues(job).Inc()
}

// ObserveLockContention records a skipped run due to lock contention.
func (m *ServiceMetrics) ObserveLockContention(job string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(job).Inc()
}
