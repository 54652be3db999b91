package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/engine/internal/models"
)

// DefaultAPIBaseURL is the Atlassian cloud gateway; the site id follows it.
const DefaultAPIBaseURL = "https://api.atlassian.com/ex/jira"

// ErrNoSite is returned when a connection has no cloud site id.
var ErrNoSite = errors.New("jira connection has no cloud id")

var searchFields = []string{
	"summary", "description", "status", "priority",
	"assignee", "reporter", "created", "updated",
	"duedate", "labels", "project", "issuetype",
}

// APIError is a non-2xx response from Jira.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira %s failed: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// SearchResult is one page of a JQL search.
type SearchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// IssueInput describes an issue to create.
type IssueInput struct {
	ProjectKey  string
	IssueType   string
	Summary     string
	Description string
	Priority    string
	DueDate     string
	Labels      []string
}

// CreatedIssue is Jira's reply to a create.
type CreatedIssue struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

// Client calls the Jira Cloud REST API v3 with a connection's bearer token.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(cfg config.JiraConfig) *Client {
	baseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// SearchIssues runs jql and returns the page starting at startAt.
func (c *Client) SearchIssues(ctx context.Context, conn *models.Connection, jql string, startAt, maxResults int) (*SearchResult, error) {
	body := map[string]any{
		"jql":        jql,
		"startAt":    startAt,
		"maxResults": maxResults,
		"fields":     searchFields,
	}
	var result SearchResult
	if err := c.post(ctx, conn, "search", "/rest/api/3/search", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateIssue creates an issue and returns its id and key.
func (c *Client) CreateIssue(ctx context.Context, conn *models.Connection, in IssueInput) (*CreatedIssue, error) {
	issueType := in.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	fields := map[string]any{
		"project":   map[string]string{"key": in.ProjectKey},
		"issuetype": map[string]string{"name": issueType},
		"summary":   in.Summary,
	}
	if in.Description != "" {
		fields["description"] = textToADF(in.Description)
	}
	if in.Priority != "" {
		fields["priority"] = map[string]string{"name": in.Priority}
	}
	if in.DueDate != "" {
		fields["duedate"] = in.DueDate
	}
	if len(in.Labels) > 0 {
		fields["labels"] = in.Labels
	}

	var created CreatedIssue
	if err := c.post(ctx, conn, "create issue", "/rest/api/3/issue", map[string]any{"fields": fields}, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) post(ctx context.Context, conn *models.Connection, op, path string, in, out any) error {
	if conn == nil || conn.SiteID == "" {
		return ErrNoSite
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	url := fmt.Sprintf("%s/%s%s", c.baseURL, conn.SiteID, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("jira %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
