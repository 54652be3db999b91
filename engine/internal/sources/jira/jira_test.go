package jira

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
	"github.com/merlinhq/merlin/engine/internal/reconcile"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

const tenant = "tenant-1"

func loadWebhook(t *testing.T, eventType string, mutate func(fields map[string]any)) json.RawMessage {
	t.Helper()
	raw, err := os.ReadFile("testdata/issue_created.json")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["webhookEvent"] = eventType
	if mutate != nil {
		mutate(doc["issue"].(map[string]any)["fields"].(map[string]any))
	}
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	return out
}

func TestExtractADFText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"nested", `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]},{"type":"paragraph","content":[{"type":"text","text":"c"}]}]}`, "a b c"},
		{"plain string", `"  legacy text "`, "legacy text"},
		{"empty doc", `{"type":"doc","content":[]}`, ""},
		{"null", `null`, ""},
		{"garbage", `[1,2]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractADFText(json.RawMessage(tt.in)))
		})
	}
	assert.Equal(t, "", ExtractADFText(nil))
}

func TestIssueMetaAndExternalItem(t *testing.T) {
	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(loadWebhook(t, EventIssueCreated, nil), &payload))
	issue, err := ParseIssue(payload.Issue)
	require.NoError(t, err)

	meta := issue.Meta("https://acme.atlassian.net/")
	assert.Equal(t, "PROJ-456", meta.Key)
	assert.Equal(t, "PROJ", meta.ProjectKey)
	assert.Equal(t, "Customers need SAML sign-in. Okta first", meta.Description)
	assert.Equal(t, "https://acme.atlassian.net/browse/PROJ-456", meta.URL)

	item := ExternalItem(meta, "cloud-1", "canvas-1")
	assert.Equal(t, models.WorkItemInProgress, item.Status)
	assert.Equal(t, models.PriorityUrgent, item.Priority)
	require.NotNil(t, item.DueDate)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), *item.DueDate)
	assert.Equal(t, "cloud-1", item.Metadata["jira_cloud_id"])
	assert.Equal(t, "Story", item.Metadata["jira_issue_type"])

	_, err = ParseIssue(nil)
	assert.Error(t, err)
}

func TestTriggerText(t *testing.T) {
	pc := &pipeline.Context{Issue: &pipeline.IssueMeta{Key: "PROJ-9", Summary: "Add export", Description: "CSV please"}}
	assert.Equal(t, "Jira Issue: PROJ-9\nSummary: Add export\nPriority: Medium\nDescription: CSV please", TriggerText(pc))
	assert.Equal(t, "", TriggerText(&pipeline.Context{}))
}

func TestClient(t *testing.T) {
	var created map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/cloud-1/rest/api/3/search":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "project = PROJ", body["jql"])
			assert.EqualValues(t, 50, body["startAt"])
			_, _ = w.Write([]byte(`{"startAt":50,"maxResults":50,"total":51,"issues":[{"id":"1","key":"PROJ-1","fields":{"summary":"x"}}]}`))
		case "/cloud-1/rest/api/3/issue":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"10001","key":"PROJ-2","self":"x"}`))
		default:
			http.Error(w, `{"errorMessages":["nope"]}`, http.StatusForbidden)
		}
	}))
	defer srv.Close()

	c := NewClient(config.JiraConfig{APIBaseURL: srv.URL, Timeout: time.Second})
	conn := &models.Connection{SiteID: "cloud-1", AccessToken: "tok"}
	ctx := context.Background()

	page, err := c.SearchIssues(ctx, conn, "project = PROJ", 50, 50)
	require.NoError(t, err)
	assert.Equal(t, 51, page.Total)
	require.Len(t, page.Issues, 1)
	assert.Equal(t, "PROJ-1", page.Issues[0].Key)

	issue, err := c.CreateIssue(ctx, conn, IssueInput{ProjectKey: "PROJ", Summary: "Ship it", Description: "now", Priority: "High", DueDate: "2026-03-01"})
	require.NoError(t, err)
	assert.Equal(t, "PROJ-2", issue.Key)
	fields := created["fields"].(map[string]any)
	assert.Equal(t, "Task", fields["issuetype"].(map[string]any)["name"])
	assert.Equal(t, "High", fields["priority"].(map[string]any)["name"])
	assert.Equal(t, "doc", fields["description"].(map[string]any)["type"])
	assert.NotContains(t, fields, "labels")

	_, err = c.SearchIssues(ctx, &models.Connection{AccessToken: "tok"}, "x", 0, 50)
	assert.ErrorIs(t, err, ErrNoSite)

	_, err = c.SearchIssues(ctx, &models.Connection{SiteID: "other", AccessToken: "tok"}, "x", 0, 50)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

type fakeAPI struct {
	issues    []Issue
	searchErr error
	created   []IssueInput
}

func (f *fakeAPI) SearchIssues(_ context.Context, _ *models.Connection, _ string, startAt, maxResults int) (*SearchResult, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	end := min(startAt+maxResults, len(f.issues))
	return &SearchResult{StartAt: startAt, MaxResults: maxResults, Total: len(f.issues), Issues: f.issues[startAt:end]}, nil
}

func (f *fakeAPI) CreateIssue(_ context.Context, _ *models.Connection, in IssueInput) (*CreatedIssue, error) {
	f.created = append(f.created, in)
	return &CreatedIssue{ID: "20001", Key: "PROJ-900"}, nil
}

type harness struct {
	store   *repository.MemoryStore
	api     *fakeAPI
	adapter *Adapter
}

func newHarness(t *testing.T, withConnection bool) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	if withConnection {
		require.NoError(t, store.SaveConnection(context.Background(), &models.Connection{
			TenantID: tenant, Provider: models.SourceJira, SiteID: "cloud-1",
			SiteURL: "https://acme.atlassian.net", AccessToken: "tok", CanvasID: "canvas-1",
		}))
	}
	api := &fakeAPI{}
	return &harness{store: store, api: api, adapter: NewAdapter(reconcile.New(logging.Discard()), api, nil)}
}

func (h *harness) run(t *testing.T, eventType string, payload json.RawMessage) (*pipeline.Context, pipeline.RunSummary) {
	t.Helper()
	ctx := context.Background()
	event := &models.EventRecord{
		ID: models.NewID(), TenantID: tenant, ActorID: "user-1", SourceType: models.SourceJira,
		EventType: eventType, Payload: payload, Status: models.EventPending,
	}
	require.NoError(t, h.store.CreateEvent(ctx, event))

	p, err := h.adapter.Pipeline(event)
	require.NoError(t, err)
	pc := pipeline.NewContext(h.store, event, logging.Discard())
	require.NoError(t, h.adapter.Prepare(ctx, pc))
	summary, err := p.Run(ctx, pc)
	require.NoError(t, err)
	return pc, summary
}

func TestWebhookCreateThenUpdate(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, summary := h.run(t, EventIssueCreated, loadWebhook(t, EventIssueCreated, nil))
	sync, _ := summary.Job(JobIssueSync)
	assert.Equal(t, "created", sync.Data["action"])
	del, _ := summary.Job(JobIssueDelete)
	assert.Equal(t, pipeline.StatusSkipped, del.Status)

	w, err := h.store.GetWorkItemBySource(ctx, tenant, models.SourceJira, "PROJ-456")
	require.NoError(t, err)
	require.NotNil(t, w.CanvasID)
	assert.Equal(t, "canvas-1", *w.CanvasID)
	assert.Equal(t, "https://acme.atlassian.net/browse/PROJ-456", w.SourceURL)

	require.NoError(t, h.store.LinkWorkItemNode(ctx, w.ID, "node-7"))

	_, summary = h.run(t, EventIssueUpdated, loadWebhook(t, EventIssueUpdated, func(f map[string]any) {
		f["status"] = map[string]any{"name": "Done"}
		f["summary"] = "Support SSO login (SAML)"
	}))
	sync, _ = summary.Job(JobIssueSync)
	assert.Equal(t, "updated", sync.Data["action"])
	assert.Equal(t, w.ID, sync.Data["work_item_id"])

	w, err = h.store.GetWorkItemBySource(ctx, tenant, models.SourceJira, "PROJ-456")
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemCompleted, w.Status)
	assert.Equal(t, "Support SSO login (SAML)", w.Title)
	assert.Equal(t, []string{"node-7"}, w.LinkedNodeIDs)
}

func TestWebhookDelete(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, summary := h.run(t, EventIssueDeleted, loadWebhook(t, EventIssueDeleted, nil))
	del, _ := summary.Job(JobIssueDelete)
	assert.Equal(t, pipeline.StatusSkipped, del.Status)
	assert.Contains(t, del.Message, "PROJ-456")

	h.run(t, EventIssueCreated, loadWebhook(t, EventIssueCreated, nil))
	pc, summary := h.run(t, EventIssueDeleted, loadWebhook(t, EventIssueDeleted, nil))
	del, _ = summary.Job(JobIssueDelete)
	assert.Equal(t, pipeline.StatusCompleted, del.Status)
	sync, _ := summary.Job(JobIssueSync)
	assert.Equal(t, pipeline.StatusSkipped, sync.Status)
	assert.Len(t, pc.Event.CreatedWorkItemIDs, 1)

	w, err := h.store.GetWorkItemBySource(ctx, tenant, models.SourceJira, "PROJ-456")
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemCancelled, w.Status)
	assert.Contains(t, w.Metadata, "jira_deleted_at")
}

func TestBulkImport(t *testing.T) {
	h := newHarness(t, true)
	for i := range 120 {
		key := "PROJ-" + string(rune('A'+i/26)) + string(rune('a'+i%26))
		h.api.issues = append(h.api.issues, Issue{ID: key, Key: key, Fields: IssueFields{Summary: "Issue " + key}})
	}
	h.api.issues[7].Key = ""

	payload := json.RawMessage(`{"jql":"project = PROJ"}`)
	_, summary := h.run(t, EventBulkImport, payload)
	job, _ := summary.Job(JobBulkImport)
	require.Equal(t, pipeline.StatusCompleted, job.Status, job.Error)
	assert.Equal(t, 119, job.Data["imported"])
	assert.Equal(t, 1, job.Data["failed"])

	_, summary = h.run(t, EventBulkImport, payload)
	job, _ = summary.Job(JobBulkImport)
	assert.Equal(t, 0, job.Data["imported"])
	assert.Equal(t, 119, job.Data["updated"])
}

func TestBulkImportErrors(t *testing.T) {
	h := newHarness(t, false)
	_, summary := h.run(t, EventBulkImport, json.RawMessage(`{"jql":"project = PROJ"}`))
	job, _ := summary.Job(JobBulkImport)
	assert.Equal(t, pipeline.StatusFailed, job.Status)

	h = newHarness(t, true)
	_, summary = h.run(t, EventBulkImport, json.RawMessage(`{}`))
	job, _ = summary.Job(JobBulkImport)
	assert.Equal(t, pipeline.StatusSkipped, job.Status)

	h.api.searchErr = &APIError{Op: "search", StatusCode: 401}
	_, summary = h.run(t, EventBulkImport, json.RawMessage(`{"jql":"x"}`))
	job, _ = summary.Job(JobBulkImport)
	assert.Equal(t, pipeline.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "401")
}

func TestPush(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	local := &models.WorkItem{
		ID: models.NewID(), TenantID: tenant, Title: "Write launch post", Status: models.WorkItemPending,
		Priority: models.PriorityUrgent, Source: models.SourceZoom, SourceID: "8812#1", DueDate: &due,
		Tags: []string{"launch"},
	}
	require.NoError(t, h.store.CreateWorkItem(ctx, local))

	payload, err := json.Marshal(PushRequest{WorkItemID: local.ID, ProjectKey: "PROJ"})
	require.NoError(t, err)
	_, summary := h.run(t, EventPush, payload)
	job, _ := summary.Job(JobPush)
	require.Equal(t, pipeline.StatusCompleted, job.Status, job.Error)
	assert.Equal(t, "PROJ-900", job.Data["issue_key"])

	require.Len(t, h.api.created, 1)
	assert.Equal(t, "Highest", h.api.created[0].Priority)
	assert.Equal(t, "2026-04-01", h.api.created[0].DueDate)

	w, err := h.store.GetWorkItemBySource(ctx, tenant, models.SourceJira, "PROJ-900")
	require.NoError(t, err)
	assert.Equal(t, local.ID, w.ID)
	assert.Equal(t, "https://acme.atlassian.net/browse/PROJ-900", w.SourceURL)

	_, summary = h.run(t, EventPush, payload)
	job, _ = summary.Job(JobPush)
	assert.Equal(t, pipeline.StatusSkipped, job.Status)
	assert.Len(t, h.api.created, 1)
}

func TestAdapterRejectsUnknownEvent(t *testing.T) {
	a := NewAdapter(reconcile.New(logging.Discard()), &fakeAPI{}, nil)
	_, err := a.Pipeline(&models.EventRecord{EventType: "jira:worklog_updated"})
	assert.True(t, errors.Is(err, pipeline.ErrUnsupportedEvent))
	assert.False(t, a.Supports("jira:worklog_updated"))
	assert.True(t, a.Supports(EventPush))
}
