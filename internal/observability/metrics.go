package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce             sync.Once
	httpDurationHistogram    *prometheus.HistogramVec
	withdrawalRequestCounter *prometheus.CounterVec
	escrowCreditedCounter    prometheus.Counter
	payoutProcessedCounter   prometheus.Counter
	payoutFailureCounter     prometheus.Counter
	anonymityGateCounter     prometheus.Counter
	queueDepthGauge          *prometheus.GaugeVec
	ledgerImbalanceCounter   *prometheus.CounterVec
	idempotencyCounter       *prometheus.CounterVec
	workerRunCounter         *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		withdrawalRequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "withdrawal_requests_total",
			Help: "Withdrawal request outcomes",
		}, []string{"outcome"})

		escrowCreditedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_credited_zatoshis_total",
			Help: "Total zatoshis credited to source escrow balances",
		})

		payoutProcessedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payout_entries_completed_total",
			Help: "Queue entries paid out on chain",
		})

		payoutFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payout_entries_failed_total",
			Help: "Queue entries that failed during execution",
		})

		anonymityGateCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payout_anonymity_gate_skips_total",
			Help: "Worker cycles skipped because the due pool was too small",
		})

		queueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "withdrawal_queue_depth",
			Help: "Queue entries by status",
		}, []string{"status"})

		ledgerImbalanceCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ledger_imbalance_total",
			Help: "Times a source's escrow invariants diverged",
		}, []string{"source_id"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			withdrawalRequestCounter,
			escrowCreditedCounter,
			payoutProcessedCounter,
			payoutFailureCounter,
			anonymityGateCounter,
			queueDepthGauge,
			ledgerImbalanceCounter,
			idempotencyCounter,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementWithdrawalRequest(outcome string) {
	if withdrawalRequestCounter == nil {
		return
	}
	withdrawalRequestCounter.WithLabelValues(outcome).Inc()
}

func AddEscrowCredited(zatoshis int64) {
	if escrowCreditedCounter == nil {
		return
	}
	escrowCreditedCounter.Add(float64(zatoshis))
}

func AddPayoutEntriesProcessed(n int) {
	if payoutProcessedCounter == nil {
		return
	}
	payoutProcessedCounter.Add(float64(n))
}

func IncrementPayoutEntryFailure() {
	if payoutFailureCounter == nil {
		return
	}
	payoutFailureCounter.Inc()
}

func IncrementAnonymityGateSkip() {
	if anonymityGateCounter == nil {
		return
	}
	anonymityGateCounter.Inc()
}

func SetQueueDepth(status string, depth int64) {
	if queueDepthGauge == nil {
		return
	}
	queueDepthGauge.WithLabelValues(status).Set(float64(depth))
}

func IncrementLedgerImbalance(sourceID string) {
	if ledgerImbalanceCounter == nil {
		return
	}
	ledgerImbalanceCounter.WithLabelValues(sourceID).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
