package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
)

func TestObserver(t *testing.T) {
	var o Observer

	before := testutil.ToFloat64(JobOutcomes.WithLabelValues("jira_webhook", "jira_issue_sync", "failed"))
	o.ObserveJob("jira_webhook", "jira_issue_sync", pipeline.StatusFailed, 20*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(JobOutcomes.WithLabelValues("jira_webhook", "jira_issue_sync", "failed")))

	before = testutil.ToFloat64(ProposalsCreated.WithLabelValues("high"))
	o.ProposalCreated(models.SeverityHigh)
	assert.Equal(t, before+1, testutil.ToFloat64(ProposalsCreated.WithLabelValues("high")))

	before = testutil.ToFloat64(ProposalDecisions.WithLabelValues("expired"))
	o.ProposalDecided(models.ProposalExpired)
	assert.Equal(t, before+1, testutil.ToFloat64(ProposalDecisions.WithLabelValues("expired")))
}

func TestObserveRun(t *testing.T) {
	before := testutil.ToFloat64(EventsProcessed.WithLabelValues("zoom", "completed"))
	ObserveRun(pipeline.RunSummary{SourceType: "zoom", Pipeline: "zoom_meeting", Status: models.EventCompleted, Duration: time.Second})
	assert.Equal(t, before+1, testutil.ToFloat64(EventsProcessed.WithLabelValues("zoom", "completed")))
}
