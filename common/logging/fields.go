package logging

import "log/slog"

// Field names shared by every component so log queries stay uniform.
const (
	FieldService    = "service"
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldTenantID   = "tenant_id"
	FieldEventID    = "event_id"
	FieldSourceType = "source_type"
	FieldEventType  = "event_type"
	FieldJob        = "job"
	FieldPipeline   = "pipeline"
	FieldProjectID  = "project_id"
	FieldArtifactID = "artifact_id"
	FieldProposalID = "proposal_id"
	FieldWorkItemID = "work_item_id"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Component tags a logger with the emitting component.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// TenantID returns a slog attribute for the tenant.
func TenantID(id string) slog.Attr {
	return slog.String(FieldTenantID, id)
}

// EventID returns a slog attribute for an event record ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// SourceType returns a slog attribute for the integration that produced an event.
func SourceType(source string) slog.Attr {
	return slog.String(FieldSourceType, source)
}

// EventType returns a slog attribute for the source-specific event type.
func EventType(eventType string) slog.Attr {
	return slog.String(FieldEventType, eventType)
}

// Job returns a slog attribute for a pipeline job name.
func Job(name string) slog.Attr {
	return slog.String(FieldJob, name)
}

// Pipeline returns a slog attribute for a pipeline name.
func Pipeline(name string) slog.Attr {
	return slog.String(FieldPipeline, name)
}

// ProjectID returns a slog attribute for a project ID.
func ProjectID(id string) slog.Attr {
	return slog.String(FieldProjectID, id)
}

// ArtifactID returns a slog attribute for an artifact ID.
func ArtifactID(id string) slog.Attr {
	return slog.String(FieldArtifactID, id)
}

// ProposalID returns a slog attribute for a change proposal ID.
func ProposalID(id string) slog.Attr {
	return slog.String(FieldProposalID, id)
}

// WorkItemID returns a slog attribute for a work item ID.
func WorkItemID(id string) slog.Attr {
	return slog.String(FieldWorkItemID, id)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error. A nil error yields an empty value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
