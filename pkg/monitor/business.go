package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BusinessMetrics 充提结算业务指标
type BusinessMetrics struct {
	DepositsRegisteredTotal prometheus.Counter
	DepositsMatchedTotal    prometheus.Counter
	DepositCreditedAmount   prometheus.Counter
	DepositsExpiredTotal    prometheus.Counter
	ConfirmationsUpdated    prometheus.Counter
	WithdrawalsTotal        *prometheus.CounterVec // result: sent, requeued, retry, failed, completed
	RefundsTotal            *prometheus.CounterVec // reason: timeout, retries_exhausted, reverted
	NonceIssuedTotal        prometheus.Counter
	NonceSourceDegraded     *prometheus.CounterVec // source: shared, chain, lock
	ScannedHeight           prometheus.Gauge
	TaskDuration            *prometheus.HistogramVec
	TaskErrorsTotal         *prometheus.CounterVec
}

// Business 进程内唯一实例; 未注册时也可以安全计数 (测试场景)
var Business = newBusinessMetrics()

var registerOnce sync.Once

func newBusinessMetrics() *BusinessMetrics {
	return &BusinessMetrics{
		DepositsRegisteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_deposits_registered_total",
			Help: "Deposit intents registered with a unique amount",
		}),
		DepositsMatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_deposits_matched_total",
			Help: "On-chain transfers matched to an open deposit",
		}),
		DepositCreditedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_deposit_credited_amount_total",
			Help: "Sum of game balance credited by matched deposits",
		}),
		DepositsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_deposits_expired_total",
			Help: "Deposits expired without a matching transfer",
		}),
		ConfirmationsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_confirmations_updated_total",
			Help: "Confirmation count updates written for matched deposits",
		}),
		WithdrawalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_withdrawals_total",
			Help: "Withdrawal processing outcomes",
		}, []string{"result"}),
		RefundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_refunds_total",
			Help: "Balance refunds for failed withdrawals",
		}, []string{"reason"}),
		NonceIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_nonce_issued_total",
			Help: "Nonces handed out by the coordinator",
		}),
		NonceSourceDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_nonce_source_degraded_total",
			Help: "Nonce reconciliations that ran without one of their sources",
		}, []string{"source"}),
		ScannedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_scanned_block_height",
			Help: "Last block fully processed by the deposit watcher",
		}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_task_duration_seconds",
			Help:    "Duration of periodic task ticks",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		TaskErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_task_errors_total",
			Help: "Periodic task ticks that returned an error",
		}, []string{"task"}),
	}
}

// InitBusinessMetrics 注册业务指标到默认 Registry，可重复调用
func InitBusinessMetrics() {
	registerOnce.Do(func() {
		b := Business
		prometheus.MustRegister(
			b.DepositsRegisteredTotal,
			b.DepositsMatchedTotal,
			b.DepositCreditedAmount,
			b.DepositsExpiredTotal,
			b.ConfirmationsUpdated,
			b.WithdrawalsTotal,
			b.RefundsTotal,
			b.NonceIssuedTotal,
			b.NonceSourceDegraded,
			b.ScannedHeight,
			b.TaskDuration,
			b.TaskErrorsTotal,
		)
	})
}
