package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		ledgerMovementsTotal,
		ledgerAmountTotal,
		deliveriesTotal,
		settlementsTotal,
	)
}

var (
	ledgerMovementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_movements_total",
			Help: "Ledger movements by direction and whether they were applied or deduplicated.",
		},
		[]string{"direction", "result"},
	)

	ledgerAmountTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_amount_micro_total",
			Help: "Sum of applied ledger movement amounts in micro-credits, by direction.",
		},
		[]string{"direction"},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Result deliveries by channel outcome.",
		},
		[]string{"outcome"},
	)

	settlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Deliver-then-charge settlements by trigger (callback, sweeper) and outcome.",
		},
		[]string{"trigger", "outcome"},
	)
)

func IncLedgerMovement(direction string, applied bool, amount int64) {
	result := "duplicate"
	if applied {
		result = "applied"
		ledgerAmountTotal.WithLabelValues(norm(direction)).Add(float64(amount))
	}
	ledgerMovementsTotal.WithLabelValues(norm(direction), result).Inc()
}

func IncDelivery(outcome string) {
	deliveriesTotal.WithLabelValues(norm(outcome)).Inc()
}

func IncSettlement(trigger, outcome string) {
	settlementsTotal.WithLabelValues(norm(trigger), norm(outcome)).Inc()
}
