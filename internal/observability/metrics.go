package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "code"},
	)
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	purchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mysterybox_purchases_total",
			Help: "Box purchases by result (success, replayed, insufficient_funds, box_not_found, conflict, error).",
		},
		[]string{"result"},
	)
	rewardsAwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mysterybox_rewards_awarded_total",
			Help: "Committed rewards by box and award outcome.",
		},
		[]string{"box_id", "outcome"},
	)
	tableFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mysterybox_reward_table_fallback_total",
			Help: "Draws that matched no cumulative bucket and fell back to the last tier.",
		},
		[]string{"box_id"},
	)
	purchaseRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mysterybox_purchase_retries_total",
			Help: "Purchase transactions retried after a storage conflict.",
		},
	)
	purchaseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mysterybox_purchase_duration_seconds",
			Help:    "End-to-end duration of a purchase, retries included.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)

// RecordPurchase counts one finished purchase call.
func RecordPurchase(result string, elapsed time.Duration) {
	purchasesTotal.WithLabelValues(result).Inc()
	purchaseDuration.Observe(elapsed.Seconds())
}

// RecordReward counts one committed award.
func RecordReward(boxID, outcome string) {
	rewardsAwardedTotal.WithLabelValues(boxID, outcome).Inc()
}

// RecordTableFallback counts a draw that used the last-tier fallback.
func RecordTableFallback(boxID string) {
	tableFallbackTotal.WithLabelValues(boxID).Inc()
}

// RecordPurchaseRetry counts one retried purchase transaction.
func RecordPurchaseRetry() {
	purchaseRetriesTotal.Inc()
}

// NewMetricsMiddleware Creates HTTP middleware for collecting Prometheus metrics.
func NewMetricsMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				duration := time.Since(start)
				// Route pattern keeps box and account ids out of the label set.
				path := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					path = rctx.RoutePattern()
				}

				httpRequestDuration.WithLabelValues(serviceName, r.Method, path).Observe(duration.Seconds())
				httpRequestsTotal.WithLabelValues(serviceName, r.Method, path, strconv.Itoa(ww.Status())).Inc()
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
