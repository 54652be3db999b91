package messaging

// Subjects follow {domain}.{action}.{resource}.
const (
	// SubjectEngineDispatchEvents carries event record IDs awaiting a pipeline run.
	SubjectEngineDispatchEvents = "engine.dispatch.events"

	// SubjectEngineProcessedEvents carries a run summary after each pipeline run.
	SubjectEngineProcessedEvents = "engine.processed.events"

	// SubjectWorkflowDecidedProposals is suffixed with the new status on every
	// reviewer decision or expiry.
	SubjectWorkflowDecidedProposals = "workflow.decided.proposals"
)

// QueueEngineWorkers is the queue group shared by engine replicas.
const QueueEngineWorkers = "engine-workers"

// DispatchSubject returns the per-source dispatch subject, e.g. engine.dispatch.events.jira.
func DispatchSubject(sourceType string) string {
	if sourceType == "" {
		return SubjectEngineDispatchEvents
	}
	return SubjectEngineDispatchEvents + "." + sourceType
}
