// Package jira syncs Jira issues with work items: webhooks, bulk import by
// JQL and pushing local work items to Jira.
package jira

import (
	"encoding/json"
	"strings"
)

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

// ExtractADFText flattens an Atlassian Document Format document into plain
// text, joining text nodes with single spaces in document order. Plain
// string descriptions (REST v2) are returned as is.
func ExtractADFText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var doc adfNode
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}

	var parts []string
	var walk func(nodes []adfNode)
	walk = func(nodes []adfNode) {
		for _, n := range nodes {
			if n.Type == "text" {
				parts = append(parts, n.Text)
				continue
			}
			walk(n.Content)
		}
	}
	walk(doc.Content)
	return strings.TrimSpace(strings.Join(parts, " "))
}

// textToADF wraps plain text in a single-paragraph ADF document.
func textToADF(text string) map[string]any {
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": []any{
			map[string]any{
				"type":    "paragraph",
				"content": []any{map[string]any{"type": "text", "text": text}},
			},
		},
	}
}
