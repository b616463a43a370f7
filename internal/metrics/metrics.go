package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for jobs, credential issuance, mail delivery and the gate.
var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradaccess_jobs_total",
			Help: "Background jobs that reached a terminal status",
		},
		[]string{"type", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gradaccess_job_duration_seconds",
			Help:    "Wall time of background jobs",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"type"},
	)

	CredentialsGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gradaccess_credentials_generated_total",
			Help: "Primary credentials issued by the batch generator",
		},
	)

	CredentialFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gradaccess_credential_failures_total",
			Help: "Credential issuance units that failed and were skipped",
		},
	)

	DeliverySent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradaccess_delivery_sent_total",
			Help: "Messages delivered, by source",
		},
		[]string{"source"},
	)

	DeliveryFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradaccess_delivery_failed_total",
			Help: "Messages dropped after exhausting retries, by source",
		},
		[]string{"source"},
	)

	DeliveryRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradaccess_delivery_retried_total",
			Help: "Failed sends pushed to the retry queue, by source",
		},
		[]string{"source"},
	)

	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradaccess_scans_total",
			Help: "Gate scans by outcome",
		},
		[]string{"outcome"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gradaccess_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
	)
)

var once sync.Once

// Register registers all Prometheus metrics. Safe to call more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(JobsTotal)
		prometheus.MustRegister(JobDuration)
		prometheus.MustRegister(CredentialsGenerated)
		prometheus.MustRegister(CredentialFailures)
		prometheus.MustRegister(DeliverySent)
		prometheus.MustRegister(DeliveryFailed)
		prometheus.MustRegister(DeliveryRetried)
		prometheus.MustRegister(ScansTotal)
		prometheus.MustRegister(RateLimited)
	})
}
