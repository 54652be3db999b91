// Package derive turns free text (transcripts, chat messages) into notes,
// action items and canvas nodes.
package derive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/merlinhq/merlin/engine/internal/llm"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
)

// MaxTranscriptChars bounds the transcript text sent to the backend.
const MaxTranscriptChars = 50000

// ErrExtraction is returned when the backend reply cannot be decoded.
var ErrExtraction = errors.New("extraction reply malformed")

// Extraction is the structured content pulled out of a transcript.
type Extraction struct {
	Summary     string                `json:"summary"`
	KeyPoints   []string              `json:"key_points"`
	ActionItems []pipeline.ActionItem `json:"action_items"`
	Decisions   []string              `json:"decisions"`
}

// Extractor derives an Extraction from a transcript.
type Extractor interface {
	Extract(ctx context.Context, transcript, topic string, participants []string) (Extraction, error)
}

// ChatExtractor implements Extractor on a chat completion backend.
type ChatExtractor struct {
	client llm.Client
}

func NewChatExtractor(client llm.Client) *ChatExtractor {
	return &ChatExtractor{client: client}
}

func (e *ChatExtractor) Extract(ctx context.Context, transcript, topic string, participants []string) (Extraction, error) {
	resp, err := e.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: extractionPrompt(transcript, topic, participants)}},
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("extract: %w", err)
	}
	return DecodeExtraction(resp.Content)
}

// DecodeExtraction parses a backend reply, tolerating surrounding prose and
// code fences.
func DecodeExtraction(content string) (Extraction, error) {
	raw, ok := llm.ExtractJSON(content)
	if !ok {
		return Extraction{}, fmt.Errorf("%w: no json object", ErrExtraction)
	}
	var ex Extraction
	if err := json.Unmarshal([]byte(raw), &ex); err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return ex, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func extractionPrompt(transcript, topic string, participants []string) string {
	if topic == "" {
		topic = "Meeting"
	}
	var b strings.Builder
	b.WriteString(`You are analyzing a meeting transcript. Extract the following information:

1. **Summary**: A 2-3 sentence overview of what was discussed.

2. **Key Points**: The main topics and important points discussed (list of strings).

3. **Action Items**: Tasks that were assigned or need to be done. For each:
   - task: What needs to be done
   - assignee: Who is responsible (or "unassigned" if unclear)
   - due_date: When it's due (or null if not specified)
   - priority: high/medium/low based on urgency discussed

4. **Decisions**: Important decisions that were made (list of strings).

Return your response as valid JSON in this exact format:
{
  "summary": "string",
  "key_points": ["point 1", "point 2"],
  "action_items": [
    {"task": "string", "assignee": "string", "due_date": "string or null", "priority": "string"}
  ],
  "decisions": ["decision 1", "decision 2"]
}

`)
	fmt.Fprintf(&b, "Meeting Topic: %s\n", topic)
	fmt.Fprintf(&b, "Participants: %s\n\n", strings.Join(participants, ", "))
	b.WriteString("Transcript:\n")
	b.WriteString(truncateRunes(transcript, MaxTranscriptChars))
	b.WriteString("\n")
	return b.String()
}
