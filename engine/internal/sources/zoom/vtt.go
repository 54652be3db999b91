// Package zoom processes ended meetings: it downloads the cloud recording
// transcript and feeds it through the derive jobs.
package zoom

import (
	"strings"

	"github.com/merlinhq/merlin/engine/internal/pipeline"
)

// maxSpeakerLen bounds the "Name:" prefix recognised as a speaker label.
const maxSpeakerLen = 30

// IsVTT reports whether raw looks like a WebVTT document.
func IsVTT(raw string) bool {
	head := raw
	if len(head) > 50 {
		head = head[:50]
	}
	return strings.Contains(head, "WEBVTT")
}

// ParseVTT splits a WebVTT transcript into cues. A "Speaker: text" prefix
// on the first text line becomes the segment speaker. Cue numbers, notes
// and the header are dropped.
func ParseVTT(raw string) []pipeline.Segment {
	var (
		segments []pipeline.Segment
		cur      pipeline.Segment
		text     []string
	)
	flush := func() {
		if len(text) > 0 {
			cur.Text = strings.Join(text, " ")
			segments = append(segments, cur)
		}
		cur = pipeline.Segment{}
		text = nil
	}

	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "WEBVTT"), strings.HasPrefix(line, "NOTE"):
		case strings.Contains(line, "-->"):
			flush()
			start, end, _ := strings.Cut(line, "-->")
			cur.Start = strings.TrimSpace(start)
			if fields := strings.Fields(end); len(fields) > 0 {
				cur.End = fields[0]
			}
		case isDigits(line) && cur.Start == "" && len(text) == 0:
			// cue identifier
		default:
			if len(text) == 0 {
				if speaker, rest, ok := strings.Cut(line, ":"); ok && len(speaker) < maxSpeakerLen {
					cur.Speaker = strings.TrimSpace(speaker)
					line = strings.TrimSpace(rest)
				}
			}
			if line != "" {
				text = append(text, line)
			}
		}
	}
	flush()
	return segments
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// FlattenSegments renders segments as "Speaker: text" lines.
func FlattenSegments(segments []pipeline.Segment) string {
	var b strings.Builder
	for _, s := range segments {
		if s.Speaker != "" {
			b.WriteString(s.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(s.Text)
		b.WriteString("\n")
	}
	return b.String()
}
