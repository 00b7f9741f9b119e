// Package metrics exposes Prometheus instrumentation for dispatch batches.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/bulkmail/internal/dispatch"
)

var (
	SendAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkmail_send_attempts_total",
		Help: "Total number of transport calls grouped by result",
	}, []string{"transport", "result"})
	Recipients = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkmail_recipients_total",
		Help: "Total number of recipients resolved, by terminal status and failure kind",
	}, []string{"status", "kind"})
	CredentialsTripped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bulkmail_credentials_tripped_total",
		Help: "Total number of credentials removed from rotation after an auth failure",
	})
	Batches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkmail_batches_total",
		Help: "Total number of dispatch requests grouped by result (completed, partial, failed, rejected)",
	}, []string{"result"})
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulkmail_batch_duration_seconds",
		Help:    "Wall time spent dispatching a batch",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	LoginAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkmail_login_attempts_total",
		Help: "Total number of login checks grouped by result (ok, denied, throttled)",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(SendAttempts)
	prometheus.MustRegister(Recipients)
	prometheus.MustRegister(CredentialsTripped)
	prometheus.MustRegister(Batches)
	prometheus.MustRegister(BatchDuration)
	prometheus.MustRegister(LoginAttempts)
}

// RecordAttempt counts one transport call.
func RecordAttempt(transportName string, o dispatch.Outcome) {
	result := "success"
	if !o.Succeeded() {
		result = string(o.Kind)
	}
	SendAttempts.WithLabelValues(transportName, result).Inc()
}

// RecordOutcome counts one terminal recipient state.
func RecordOutcome(o dispatch.Outcome) {
	Recipients.WithLabelValues(o.Status.String(), string(o.Kind)).Inc()
}

// BatchResult names a finished batch for the batches counter.
func BatchResult(sent, total int) string {
	switch {
	case sent == total:
		return "completed"
	case sent == 0:
		return "failed"
	default:
		return "partial"
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
