package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/merlinhq/merlin/engine/internal/pipeline"
)

// JobWorkflow is the workflow job name.
const JobWorkflow = "workflow_orchestrator"

// WorkflowJob runs the orchestrator for the canvas of the first work item
// the run produced.
type WorkflowJob struct {
	Orchestrator *Orchestrator

	// Trigger renders the analyzed information from the run context.
	Trigger func(*pipeline.Context) Trigger

	// EventTypes limits the job to these event types.
	EventTypes []string
}

func NewWorkflowJob(o *Orchestrator, trigger func(*pipeline.Context) Trigger, eventTypes ...string) *WorkflowJob {
	return &WorkflowJob{Orchestrator: o, Trigger: trigger, EventTypes: eventTypes}
}

func (j *WorkflowJob) Name() string { return JobWorkflow }

func (j *WorkflowJob) ShouldRun(pc *pipeline.Context) bool {
	return slices.Contains(j.EventTypes, pc.Event.EventType)
}

func (j *WorkflowJob) Execute(ctx context.Context, pc *pipeline.Context) pipeline.Outcome {
	if len(pc.WorkItems) == 0 {
		return pipeline.Skip("no work item to analyze")
	}
	w := pc.WorkItems[0]
	if w.CanvasID == nil || *w.CanvasID == "" {
		return pipeline.Skip("work item has no canvas")
	}

	trigger := j.Trigger(pc)
	if trigger.Text == "" {
		return pipeline.Skip("no trigger content")
	}

	out, err := j.Orchestrator.ProcessCanvas(ctx, pc.Store, pc.Event, *w.CanvasID, trigger)
	if err != nil {
		return pipeline.Fail(err)
	}
	if out.ProjectsAnalyzed == 0 {
		return pipeline.Skip("no active projects on canvas")
	}

	total := out.TotalProposals()
	return pipeline.Complete(
		fmt.Sprintf("created %d proposals across %d projects", total, out.ProjectsAnalyzed),
		map[string]any{
			"total_proposals":   total,
			"projects_analyzed": out.ProjectsAnalyzed,
		},
	)
}
