package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts every clearinghouse operation by outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_operations_total",
		Help: "Clearinghouse operations by result",
	}, []string{"operation", "result"})

	// OperationDuration tracks end-to-end operation latency.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_operation_duration_seconds",
		Help:    "Clearinghouse operation latency",
		Buckets: []float64{0.000025, 0.0001, 0.00025, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}, []string{"operation"})

	// LiquidationsTotal counts completed position liquidations.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Position liquidations completed",
	}, []string{"market_id"})

	// BadDebtSettled accumulates settlement debt absorbed by the
	// insurance fund.
	BadDebtSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_bad_debt_settled_total",
		Help: "Settlement-asset bad debt absorbed by the insurance fund",
	})

	// InsuranceCapacity exposes the fund's current absorption capacity.
	InsuranceCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_insurance_fund_capacity",
		Help: "Insurance fund capacity in settlement units",
	})

	// PersistErrors counts persistence failures by stage.
	PersistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_persist_errors_total",
		Help: "Persistence errors",
	}, []string{"stage"})

	// PersistedEvents counts rows written to the operation log.
	PersistedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_persist_events_written_total",
		Help: "Events written to Postgres",
	})

	// QueryRequests counts read-API requests.
	QueryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_query_requests_total",
		Help: "Read API requests",
	}, []string{"endpoint", "status"})
)

// ObserveOperation records one operation's outcome and latency. Call it
// deferred with the operation start time and the named error result.
func ObserveOperation(operation string, start time.Time, err *error) {
	result := "ok"
	if err != nil && *err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(operation, result).Inc()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
