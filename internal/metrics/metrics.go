package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactai",
		Name:      "commands_total",
		Help:      "Inbound commands by kind, response status and delivery (fresh or duplicate).",
	}, []string{"command", "status", "delivery"})

	commandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transactai",
		Name:      "command_duration_seconds",
		Help:      "Time spent executing a command, replays excluded.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})

	ledgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactai",
		Subsystem: "ledger",
		Name:      "entries_total",
		Help:      "Ledger entries appended by reason.",
	}, []string{"reason"})

	escrowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactai",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Escrows entering each state.",
	}, []string{"state"})

	deposits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactai",
		Subsystem: "reconciler",
		Name:      "deposit_observations_total",
		Help:      "Deposit observations by outcome.",
	}, []string{"outcome"})

	withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactai",
		Subsystem: "reconciler",
		Name:      "withdrawals_total",
		Help:      "Withdrawals entering each status.",
	}, []string{"status"})

	outboxDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactai",
		Subsystem: "outbox",
		Name:      "deliveries_total",
		Help:      "Outbound envelope delivery attempts by result.",
	}, []string{"result"})
)

func ObserveCommand(command, status, delivery string) {
	commandsTotal.WithLabelValues(command, status, delivery).Inc()
}

func ObserveCommandLatency(command string, d time.Duration) {
	commandLatency.WithLabelValues(command).Observe(d.Seconds())
}

func LedgerEntry(reason string) {
	ledgerMutations.WithLabelValues(reason).Inc()
}

func EscrowTransition(state string) {
	escrowTransitions.WithLabelValues(state).Inc()
}

func DepositObserved(outcome string) {
	deposits.WithLabelValues(outcome).Inc()
}

func WithdrawalStatus(status string) {
	withdrawals.WithLabelValues(status).Inc()
}

func OutboxDelivery(result string) {
	outboxDeliveries.WithLabelValues(result).Inc()
}
