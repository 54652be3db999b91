// Package client is the merlinctl HTTP client for the engine REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/merlinhq/merlin/engine/internal/models"
)

// APIError is a non-2xx answer from the engine.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Accepted is the body of every 202 from the engine.
type Accepted struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
}

// ListOptions filters list calls. Empty fields are not sent.
type ListOptions struct {
	Status     string
	SourceType string
	ProjectID  string
	Mine       bool
	Page       int
	Limit      int
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.SourceType != "" {
		q.Set("source_type", o.SourceType)
	}
	if o.ProjectID != "" {
		q.Set("project_id", o.ProjectID)
	}
	if o.Mine {
		q.Set("mine", "true")
	}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if data, _ := io.ReadAll(resp.Body); json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.Code = e.Code
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) ListEvents(ctx context.Context, opts ListOptions) ([]*models.EventRecord, error) {
	var resp struct {
		Events []*models.EventRecord `json:"events"`
	}
	path := "/api/v1/events"
	if q := opts.query().Encode(); q != "" {
		path += "?" + q
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) GetEvent(ctx context.Context, id string) (*models.EventRecord, error) {
	var e models.EventRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/events/"+url.PathEscape(id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// RetryEvent resets a finished event and dispatches it again.
func (c *Client) RetryEvent(ctx context.Context, id string) (*models.EventRecord, error) {
	var e models.EventRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/events/"+url.PathEscape(id)+"/retry", nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) ImportJira(ctx context.Context, jql string, maxResults int, canvasID string) (*Accepted, error) {
	in := map[string]any{"jql": jql}
	if maxResults > 0 {
		in["max_results"] = maxResults
	}
	if canvasID != "" {
		in["canvas_id"] = canvasID
	}
	var out Accepted
	if err := c.do(ctx, http.MethodPost, "/api/v1/jira/import", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PushJira(ctx context.Context, workItemID, projectKey, issueType string) (*Accepted, error) {
	in := map[string]string{"work_item_id": workItemID, "project_key": projectKey}
	if issueType != "" {
		in["issue_type"] = issueType
	}
	var out Accepted
	if err := c.do(ctx, http.MethodPost, "/api/v1/jira/push", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListProposals(ctx context.Context, opts ListOptions) ([]*models.ChangeProposal, error) {
	var resp struct {
		Proposals []*models.ChangeProposal `json:"proposals"`
	}
	path := "/api/v1/proposals"
	if q := opts.query().Encode(); q != "" {
		path += "?" + q
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Proposals, nil
}

func (c *Client) GetProposal(ctx context.Context, id string) (*models.ChangeProposal, error) {
	var p models.ChangeProposal
	if err := c.do(ctx, http.MethodGet, proposalPath(id, ""), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ProposalImpact(ctx context.Context, id string) (*models.ImpactAnalysisRecord, error) {
	var rec models.ImpactAnalysisRecord
	if err := c.do(ctx, http.MethodGet, proposalPath(id, "impact"), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) ReviewProposal(ctx context.Context, id string) (*models.ChangeProposal, error) {
	var p models.ChangeProposal
	if err := c.do(ctx, http.MethodPost, proposalPath(id, "review"), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ApproveProposal applies the proposal and returns the artifact version it created.
func (c *Client) ApproveProposal(ctx context.Context, id, notes string) (*models.ChangeProposal, *models.ArtifactVersion, error) {
	var resp struct {
		Proposal *models.ChangeProposal  `json:"proposal"`
		Version  *models.ArtifactVersion `json:"version"`
	}
	if err := c.do(ctx, http.MethodPost, proposalPath(id, "approve"), map[string]string{"notes": notes}, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Proposal, resp.Version, nil
}

func (c *Client) RejectProposal(ctx context.Context, id, notes string) (*models.ChangeProposal, error) {
	var p models.ChangeProposal
	if err := c.do(ctx, http.MethodPost, proposalPath(id, "reject"), map[string]string{"notes": notes}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) SupersedeProposal(ctx context.Context, id, supersededBy string) (*models.ChangeProposal, error) {
	var p models.ChangeProposal
	in := map[string]string{"superseded_by": supersededBy}
	if err := c.do(ctx, http.MethodPost, proposalPath(id, "supersede"), in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) DeleteProposal(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, proposalPath(id, ""), nil, nil)
}

// Health returns the engine's /healthz body.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostWebhook sends a raw webhook body with the given headers, as the
// source system would. An empty tenant leaves the engine default.
func (c *Client) PostWebhook(ctx context.Context, source, tenant string, body []byte, headers map[string]string) (*Accepted, error) {
	target := c.baseURL + "/api/v1/webhooks/" + source
	if tenant != "" {
		target += "?tenant_id=" + url.QueryEscape(tenant)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	var out Accepted
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode webhook response: %w", err)
	}
	return &out, nil
}

func proposalPath(id, action string) string {
	p := "/api/v1/proposals/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}
