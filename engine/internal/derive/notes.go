package derive

import (
	"fmt"
	"strings"
	"time"

	"github.com/merlinhq/merlin/engine/internal/pipeline"
)

// NotesHeader carries the meeting facts printed above the extraction.
type NotesHeader struct {
	Topic        string
	Date         *time.Time
	Duration     int
	Participants []string
	Source       string
}

// FormatMeetingNotes renders an extraction as a markdown document.
func FormatMeetingNotes(h NotesHeader, ex Extraction) string {
	var b strings.Builder

	topic := h.Topic
	if topic == "" {
		topic = "Meeting"
	}
	date := "Unknown"
	if h.Date != nil && !h.Date.IsZero() {
		date = h.Date.Format("January 02, 2006")
	}
	duration := "Unknown"
	if h.Duration > 0 {
		duration = fmt.Sprintf("%d", h.Duration)
	}
	participants := "Unknown"
	if len(h.Participants) > 0 {
		participants = strings.Join(h.Participants, ", ")
	}
	summary := ex.Summary
	if summary == "" {
		summary = "No summary available"
	}

	fmt.Fprintf(&b, "# %s\n\n", topic)
	fmt.Fprintf(&b, "**Date:** %s\n", date)
	fmt.Fprintf(&b, "**Duration:** %s minutes\n", duration)
	fmt.Fprintf(&b, "**Participants:** %s\n\n", participants)
	fmt.Fprintf(&b, "## Summary\n%s\n\n", summary)

	b.WriteString("## Key Discussion Points\n")
	writeList(&b, ex.KeyPoints, "No key points identified")

	b.WriteString("\n## Action Items\n")
	if len(ex.ActionItems) == 0 {
		b.WriteString("- No action items identified\n")
	}
	for _, item := range ex.ActionItems {
		b.WriteString(formatActionItem(item))
		b.WriteString("\n")
	}

	b.WriteString("\n## Decisions Made\n")
	writeList(&b, ex.Decisions, "No decisions recorded")

	source := h.Source
	if source == "" {
		source = "meeting"
	}
	fmt.Fprintf(&b, "\n---\n*Notes automatically generated from %s recording*\n", source)
	return b.String()
}

func formatActionItem(item pipeline.ActionItem) string {
	assignee := item.Assignee
	if assignee == "" {
		assignee = "unassigned"
	}
	line := fmt.Sprintf("- [ ] **%s** - @%s", item.Task, assignee)
	if item.DueDate != "" {
		line += fmt.Sprintf(" (Due: %s)", item.DueDate)
	}
	return line
}

func writeList(b *strings.Builder, items []string, empty string) {
	if len(items) == 0 {
		fmt.Fprintf(b, "- %s\n", empty)
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
