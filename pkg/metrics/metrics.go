package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Polling metrics
	PollCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jervis_poll_cycles_total",
			Help: "Total number of central poller iterations",
		},
	)

	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jervis_polls_total",
			Help: "Total number of per-connection polls by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	PollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jervis_poll_duration_seconds",
			Help:    "Per-connection poll duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ArtifactsStaged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jervis_artifacts_staged_total",
			Help: "Staged artifact upserts by source and outcome (created, updated, skipped)",
		},
		[]string{"source", "outcome"},
	)

	// Staging state gauges, refreshed by the collector loop
	ArtifactsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jervis_artifacts_by_state",
			Help: "Staged artifacts by source collection and state",
		},
		[]string{"source", "state"},
	)

	// Indexing metrics
	ArtifactsIndexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jervis_artifacts_indexed_total",
			Help: "Artifacts fully indexed by source",
		},
		[]string{"source"},
	)

	ArtifactsIndexFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jervis_artifacts_index_failed_total",
			Help: "Artifacts that failed indexing by source",
		},
		[]string{"source"},
	)

	ChunksWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jervis_chunks_written_total",
			Help: "Chunks written to the search store by collection",
		},
		[]string{"collection"},
	)

	IndexingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jervis_indexing_duration_seconds",
			Help:    "Per-artifact indexing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"source"},
	)

	// Task engine metrics
	TasksByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jervis_tasks_by_state",
			Help: "Background tasks by state",
		},
		[]string{"state"},
	)

	TasksQualified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jervis_tasks_qualified_total",
			Help: "Qualification outcomes (done, gpu, retry, error)",
		},
		[]string{"outcome"},
	)

	TasksExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jervis_tasks_executed_total",
			Help: "Execution loop outcomes (done, user_task, error, interrupted)",
		},
		[]string{"outcome"},
	)

	TaskQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jervis_task_queue_depth",
			Help: "Claimable tasks by processing mode",
		},
		[]string{"mode"},
	)

	// LLM metrics
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jervis_llm_requests_total",
			Help: "LLM calls by model, kind and outcome",
		},
		[]string{"model", "kind", "outcome"},
	)

	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jervis_llm_request_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600},
		},
		[]string{"model", "kind"},
	)

	// Link safety metrics
	LinkVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jervis_link_verdicts_total",
			Help: "Link qualifier verdicts by result and tier",
		},
		[]string{"verdict", "tier"},
	)

	// Rate limiter metrics
	RateLimitWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jervis_rate_limit_waits_total",
			Help: "Token acquisitions that had to wait, by domain",
		},
		[]string{"domain"},
	)

	RateLimitPenalties = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jervis_rate_limit_penalties_total",
			Help: "Rate halvings triggered by upstream 429s, by domain",
		},
		[]string{"domain"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PollCyclesTotal)
	prometheus.MustRegister(PollsTotal)
	prometheus.MustRegister(PollDuration)
	prometheus.MustRegister(ArtifactsStaged)
	prometheus.MustRegister(ArtifactsByState)
	prometheus.MustRegister(ArtifactsIndexed)
	prometheus.MustRegister(ArtifactsIndexFailed)
	prometheus.MustRegister(ChunksWritten)
	prometheus.MustRegister(IndexingDuration)
	prometheus.MustRegister(TasksByState)
	prometheus.MustRegister(TasksQualified)
	prometheus.MustRegister(TasksExecuted)
	prometheus.MustRegister(TaskQueueDepth)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(LinkVerdicts)
	prometheus.MustRegister(RateLimitWaits)
	prometheus.MustRegister(RateLimitPenalties)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration and reports it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given observer.
func (t *Timer) ObserveDuration(obs prometheus.Observer) {
	obs.Observe(time.Since(t.start).Seconds())
}
