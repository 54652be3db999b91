// Package metrics holds the engine's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
)

var (
	// Ingress
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merlin_engine_events_received_total",
			Help: "Webhook and API events received, by source and result",
		},
		[]string{"source", "result"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merlin_engine_rate_limit_hits_total",
			Help: "Requests rejected by the ingress rate limiter",
		},
		[]string{"source"},
	)

	// Pipeline runs
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merlin_engine_events_processed_total",
			Help: "Pipeline runs finished, by source and final event status",
		},
		[]string{"source", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "merlin_engine_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"pipeline"},
	)

	JobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merlin_engine_job_outcomes_total",
			Help: "Job outcomes by pipeline, job and status",
		},
		[]string{"pipeline", "job", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "merlin_engine_job_duration_seconds",
			Help:    "Duration of individual jobs in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// Workflow
	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "merlin_engine_impact_analysis_duration_seconds",
			Help:    "Duration of impact analyses in seconds, by outcome",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	ProposalsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merlin_engine_proposals_created_total",
			Help: "Change proposals created, by severity",
		},
		[]string{"severity"},
	)

	ProposalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merlin_engine_proposal_decisions_total",
			Help: "Change proposal status changes made by reviewers or expiry",
		},
		[]string{"status"},
	)
)

// Observer feeds the collectors from the pipeline, orchestrator and
// proposal service hooks.
type Observer struct{}

func (Observer) ObserveJob(pipelineName, job string, status pipeline.Status, d time.Duration) {
	JobOutcomes.WithLabelValues(pipelineName, job, string(status)).Inc()
	JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (Observer) ObserveAnalysis(outcome string, d time.Duration) {
	AnalysisDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (Observer) ProposalCreated(severity models.Severity) {
	ProposalsCreated.WithLabelValues(string(severity)).Inc()
}

func (Observer) ProposalDecided(status models.ProposalStatus) {
	ProposalDecisions.WithLabelValues(string(status)).Inc()
}

// ObserveRun records a finished pipeline run.
func ObserveRun(s pipeline.RunSummary) {
	EventsProcessed.WithLabelValues(s.SourceType, string(s.Status)).Inc()
	if s.Pipeline != "" {
		RunDuration.WithLabelValues(s.Pipeline).Observe(s.Duration.Seconds())
	}
}

func (Observer) ObserveRun(s pipeline.RunSummary) {
	ObserveRun(s)
}
