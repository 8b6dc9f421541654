package observability

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsweep_requests_total",
		Help: "The total number of outbound mail API requests",
	}, []string{"operation"}) // operation: list, delete_batch, delete_one

	RateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsweep_rate_limit_hits_total",
		Help: "The total number of throttling responses received",
	})

	MessagesDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsweep_messages_deleted_total",
		Help: "The total number of messages successfully deleted",
	}, []string{"category"})

	MessagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsweep_messages_failed_total",
		Help: "The total number of messages that could not be deleted",
	}, []string{"category"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailsweep_run_duration_seconds",
		Help:    "Duration of cleanup runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"category"})
)

// NewLogger creates a new structured logger.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
