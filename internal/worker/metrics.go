package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "c4audit_worker_jobs_total",
		Help: "Audit jobs finished by this worker, by outcome (done, skipped, failed, interrupted)",
	}, []string{"outcome"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "c4audit_worker_job_duration_seconds",
		Help:    "Wall time of one audit job from acquire to done or failed",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	stagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "c4audit_worker_stages_total",
		Help: "Pipeline stages entered, by stage",
	}, []string{"stage"})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "c4audit_worker_jobs_in_flight",
		Help: "Audit jobs currently being processed",
	})

	staleJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "c4audit_worker_stale_jobs_total",
		Help: "Running jobs without heartbeat that were requeued or failed",
	}, []string{"action"})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "c4audit_worker_uploads_total",
		Help: "Artifact uploads to object storage, by kind and result",
	}, []string{"kind", "result"})
)

func recordJob(outcome string, seconds float64) {
	if outcome == "" {
		outcome = "unknown"
	}
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDuration.Observe(seconds)
}

func recordUpload(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	uploadsTotal.WithLabelValues(kind, result).Inc()
}
