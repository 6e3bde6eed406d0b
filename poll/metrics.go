package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	automationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autodm_automation_runs_total",
		Help: "Automation passes by status",
	}, []string{"status"})

	commentResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autodm_comments_total",
		Help: "Evaluated comments by result",
	}, []string{"result"})

	commentFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autodm_comment_fetch_failures_total",
		Help: "Comment fetches that failed after retries",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autodm_run_duration_seconds",
		Help:    "Wall time of a full automation run",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
