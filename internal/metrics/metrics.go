package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the service's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "profit",
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome.",
		},
		[]string{"outcome"},
	)

	settlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "profit",
			Name:      "settlement_duration_seconds",
			Help:      "Duration of settlement attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
	)

	lastSettledHour = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "profit",
			Name:      "last_settled_hour",
			Help:      "Unix time of the latest settled hour per portfolio.",
		},
		[]string{"portfolio_id"},
	)

	pendingSettlements = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "profit",
			Name:      "pending_settlements",
			Help:      "Portfolio hours flagged as settlement pending after the latest scheduler run.",
		},
	)

	valuationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "profit",
			Name:      "valuation_attempts_total",
			Help:      "Asset valuation calls by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		settlements,
		settlementDuration,
		lastSettledHour,
		pendingSettlements,
		valuationAttempts,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordSettlement counts one settlement attempt. outcome is one of
// settled, deferred, rejected or failed.
func RecordSettlement(outcome string, d time.Duration) {
	settlements.WithLabelValues(outcome).Inc()
	settlementDuration.Observe(d.Seconds())
}

func RecordSettledHour(portfolioID uint, hour time.Time) {
	lastSettledHour.WithLabelValues(strconv.FormatUint(uint64(portfolioID), 10)).Set(float64(hour.Unix()))
}

func SetPendingSettlements(n int) {
	pendingSettlements.Set(float64(n))
}

// RecordValuationAttempt counts one provider call; result is ok, retry or error.
func RecordValuationAttempt(result string) {
	valuationAttempts.WithLabelValues(result).Inc()
}
