package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var testSecrets = Secrets{Jira: "jira-secret", Zoom: "zoom-secret", Slack: "slack-secret"}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*models.EventRecord
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, e *models.EventRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return d.err
}

func (d *recordingDispatcher) Shutdown(context.Context) error { return nil }

type supportAll map[string][]string

func (s supportAll) Supports(source, eventType string) bool {
	for _, t := range s[source] {
		if t == eventType {
			return true
		}
	}
	return false
}

var supported = supportAll{
	models.SourceJira:  {"jira:issue_created", "jira:issue_updated", "jira:issue_deleted"},
	models.SourceZoom:  {"meeting.ended", "recording.completed"},
	models.SourceSlack: {"message", "app_mention"},
}

type denyLimiter struct{ keys []string }

func (l *denyLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.keys = append(l.keys, key)
	return false, nil
}

func (l *denyLimiter) Close() error { return nil }

func newWebhookHandler(t *testing.T) (*WebhookHandler, *repository.MemoryStore, *recordingDispatcher) {
	t.Helper()
	store := repository.NewMemoryStore()
	d := &recordingDispatcher{}
	h := NewWebhookHandler(store, d, supported, nil, testSecrets,
		config.WorkflowConfig{DefaultTenantID: "tenant-1", DefaultActorID: "system"}, logging.Discard())
	h.now = func() time.Time { return fixedNow }
	return h, store, d
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

const jiraBody = `{"webhookEvent":"jira:issue_created","timestamp":1772442000000,"issue":{"id":"10001","key":"PROJ-456","fields":{"summary":"Add SSO"}}}`

func jiraRequest(body, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/jira", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Hub-Signature", signature)
	}
	return req
}

func TestJiraWebhookAccepted(t *testing.T) {
	h, store, d := newWebhookHandler(t)

	rec := httptest.NewRecorder()
	h.Jira(rec, jiraRequest(jiraBody, "sha256="+hmacHex("jira-secret", []byte(jiraBody))))

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "accepted", body["status"])

	require.Len(t, d.events, 1)
	event, err := store.GetEvent(context.Background(), body["event_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, models.EventPending, event.Status)
	assert.Equal(t, "tenant-1", event.TenantID)
	assert.Equal(t, "system", event.ActorID)
	assert.Equal(t, "jira:issue_created", event.EventType)
	assert.Equal(t, "PROJ-456", *event.ExternalID)
	assert.JSONEq(t, jiraBody, string(event.Payload))
	assert.Equal(t, fixedNow, event.CreatedAt)
}

func TestJiraWebhookRejections(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		signature string
		want      int
	}{
		{"missing signature", jiraBody, "", http.StatusUnauthorized},
		{"wrong secret", jiraBody, "sha256=" + hmacHex("other", []byte(jiraBody)), http.StatusUnauthorized},
		{"wrong algorithm", jiraBody, "sha1=" + hmacHex("jira-secret", []byte(jiraBody)), http.StatusUnauthorized},
		{"not json", "nope", "sha256=" + hmacHex("jira-secret", []byte("nope")), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, d := newWebhookHandler(t)
			rec := httptest.NewRecorder()
			h.Jira(rec, jiraRequest(tt.body, tt.signature))
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, d.events)
		})
	}
}

func TestJiraWebhookWithoutSecretSkipsVerification(t *testing.T) {
	h, _, d := newWebhookHandler(t)
	h.secrets.Jira = ""

	rec := httptest.NewRecorder()
	h.Jira(rec, jiraRequest(jiraBody, ""))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, d.events, 1)
}

func TestWebhookIgnoresUnsupportedEvent(t *testing.T) {
	h, store, d := newWebhookHandler(t)
	h.secrets.Jira = ""
	body := `{"webhookEvent":"comment_created","comment":{"id":"1"}}`

	rec := httptest.NewRecorder()
	h.Jira(rec, jiraRequest(body, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode(t, rec)["status"])
	assert.Empty(t, d.events)

	events, err := store.ListEvents(context.Background(), repository.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWebhookRateLimited(t *testing.T) {
	h, _, d := newWebhookHandler(t)
	h.secrets.Jira = ""
	limiter := &denyLimiter{}
	h.limiter = limiter

	req := jiraRequest(jiraBody, "")
	req.URL.RawQuery = "tenant_id=tenant-9"
	rec := httptest.NewRecorder()
	h.Jira(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"jira:tenant-9"}, limiter.keys)
	assert.Empty(t, d.events)
}

func TestWebhookDispatchFailureStillAccepts(t *testing.T) {
	h, _, d := newWebhookHandler(t)
	h.secrets.Jira = ""
	d.err = assert.AnError

	rec := httptest.NewRecorder()
	h.Jira(rec, jiraRequest(jiraBody, ""))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func zoomRequest(body, secret string, ts time.Time) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/zoom", strings.NewReader(body))
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req.Header.Set("x-zm-request-timestamp", stamp)
	req.Header.Set("x-zm-signature", v0Signature(secret, stamp, []byte(body)))
	return req
}

func TestZoomURLValidation(t *testing.T) {
	h, _, d := newWebhookHandler(t)
	body := `{"event":"endpoint.url_validation","payload":{"plainToken":"qgg8vlvZRS6UYooatFL8Aw"}}`

	rec := httptest.NewRecorder()
	h.Zoom(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/zoom", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "qgg8vlvZRS6UYooatFL8Aw", resp["plainToken"])
	assert.Equal(t, hmacHex("zoom-secret", []byte("qgg8vlvZRS6UYooatFL8Aw")), resp["encryptedToken"])
	assert.Empty(t, d.events)
}

func TestZoomMeetingEnded(t *testing.T) {
	h, store, d := newWebhookHandler(t)
	body := `{"event":"meeting.ended","event_ts":1772442000000,"payload":{"account_id":"acc","object":{"id":81234,"uuid":"abc==","topic":"Planning"}}}`

	rec := httptest.NewRecorder()
	h.Zoom(rec, zoomRequest(body, "zoom-secret", fixedNow))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, d.events, 1)

	event, err := store.GetEvent(context.Background(), d.events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "meeting.ended", event.EventType)
	assert.Equal(t, "abc==", *event.ExternalID)

	rec = httptest.NewRecorder()
	h.Zoom(rec, zoomRequest(body, "wrong", fixedNow))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestZoomRejectsReplayedDelivery(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
	}{
		{name: "signed too long ago", ts: fixedNow.Add(-10 * time.Minute)},
		{name: "signed in the future", ts: fixedNow.Add(6 * time.Minute)},
	}
	body := `{"event":"meeting.ended","event_ts":1772442000000,"payload":{"account_id":"acc","object":{"id":81234,"uuid":"replay==","topic":"Planning"}}}`
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store, d := newWebhookHandler(t)
			rec := httptest.NewRecorder()
			h.Zoom(rec, zoomRequest(body, "zoom-secret", tt.ts))

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, d.events)
			events, err := store.ListEvents(context.Background(), repository.EventFilter{Limit: 10})
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func slackRequest(body string, ts time.Time) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/slack", strings.NewReader(body))
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req.Header.Set("X-Slack-Request-Timestamp", stamp)
	req.Header.Set("X-Slack-Signature", v0Signature("slack-secret", stamp, []byte(body)))
	return req
}

func TestSlackWebhook(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		ts         time.Time
		wantStatus int
		wantBody   map[string]any
		dispatched int
	}{
		{
			name:       "url verification",
			body:       `{"type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`,
			ts:         fixedNow,
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"challenge": "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"},
		},
		{
			name:       "human message",
			body:       `{"type":"event_callback","team_id":"T1","event_id":"Ev1","event":{"type":"message","channel":"C1","user":"U1","text":"please update the PRD by Friday","ts":"1772442000.000100"}}`,
			ts:         fixedNow.Add(-time.Minute),
			wantStatus: http.StatusAccepted,
			dispatched: 1,
		},
		{
			name:       "bot message ignored",
			body:       `{"type":"event_callback","event_id":"Ev2","event":{"type":"message","bot_id":"B1","text":"deploy finished","ts":"1"}}`,
			ts:         fixedNow,
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"status": "ignored"},
		},
		{
			name:       "stale timestamp",
			body:       `{"type":"url_verification","challenge":"x"}`,
			ts:         fixedNow.Add(-6 * time.Minute),
			wantStatus: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, d := newWebhookHandler(t)
			rec := httptest.NewRecorder()
			h.Slack(rec, slackRequest(tt.body, tt.ts))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != nil {
				assert.Equal(t, tt.wantBody, decode(t, rec))
			}
			assert.Len(t, d.events, tt.dispatched)
		})
	}
}

func TestSlackRejectsTamperedBody(t *testing.T) {
	h, _, _ := newWebhookHandler(t)
	req := slackRequest(`{"type":"url_verification","challenge":"a"}`, fixedNow)
	tampered := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/slack", strings.NewReader(`{"type":"url_verification","challenge":"b"}`))
	tampered.Header = req.Header

	rec := httptest.NewRecorder()
	h.Slack(rec, tampered)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
