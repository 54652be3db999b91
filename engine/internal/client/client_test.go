package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlinhq/merlin/engine/internal/models"
)

func TestNew(t *testing.T) {
	c := New("http://localhost:8090/", "tok")

	assert.Equal(t, "http://localhost:8090", c.baseURL)
	assert.Equal(t, "tok", c.token)
	assert.Equal(t, 30*time.Second, c.client.Timeout)
}

func TestListEvents_SendsFiltersAndToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/events", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "failed", r.URL.Query().Get("status"))
		assert.Equal(t, "jira", r.URL.Query().Get("source_type"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"events": []models.EventRecord{{ID: "evt-1", SourceType: "jira", Status: models.EventFailed}},
			"count":  1,
		})
	}))
	defer server.Close()

	events, err := New(server.URL, "tok").ListEvents(context.Background(), ListOptions{
		Status:     "failed",
		SourceType: "jira",
		Page:       2,
	})

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Equal(t, models.EventFailed, events[0].Status)
}

func TestRetryEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/events/evt-1/retry", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(models.EventRecord{ID: "evt-1", Status: models.EventPending, RetryCount: 1})
	}))
	defer server.Close()

	e, err := New(server.URL, "").RetryEvent(context.Background(), "evt-1")

	require.NoError(t, err)
	assert.Equal(t, models.EventPending, e.Status)
	assert.Equal(t, 1, e.RetryCount)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"proposal already processed","code":"already_processed"}`))
	}))
	defer server.Close()

	_, err := New(server.URL, "tok").RejectProposal(context.Background(), "p-1", "no")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "already_processed", apiErr.Code)
	assert.Equal(t, "proposal already processed (409 already_processed)", err.Error())
}

func TestAPIErrorWithoutBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := New(server.URL, "").GetProposal(context.Background(), "p-1")

	assert.EqualError(t, err, "Unauthorized (401)")
}

func TestApproveProposal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/proposals/p-1/approve", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ship it", body["notes"])

		json.NewEncoder(w).Encode(map[string]any{
			"proposal": models.ChangeProposal{ID: "p-1", Status: models.ProposalApproved},
			"version":  models.ArtifactVersion{ID: "v-4", Version: "1.3"},
		})
	}))
	defer server.Close()

	p, v, err := New(server.URL, "tok").ApproveProposal(context.Background(), "p-1", "ship it")

	require.NoError(t, err)
	assert.Equal(t, models.ProposalApproved, p.Status)
	assert.Equal(t, "1.3", v.Version)
}

func TestDeleteProposal_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	assert.NoError(t, New(server.URL, "tok").DeleteProposal(context.Background(), "p-1"))
}

func TestImportJira_OmitsEmptyFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"jql": "project = OPS"}, body)

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"accepted","event_id":"evt-9"}`))
	}))
	defer server.Close()

	out, err := New(server.URL, "tok").ImportJira(context.Background(), "project = OPS", 0, "")

	require.NoError(t, err)
	assert.Equal(t, "evt-9", out.EventID)
}

func TestPostWebhook_ForwardsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/webhooks/jira", r.URL.Path)
		assert.Equal(t, "acme", r.URL.Query().Get("tenant_id"))
		assert.Equal(t, "sha256=abc", r.Header.Get("X-Hub-Signature"))
		assert.Empty(t, r.Header.Get("Authorization"))

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"accepted","event_id":"evt-2"}`))
	}))
	defer server.Close()

	out, err := New(server.URL, "tok").PostWebhook(context.Background(), "jira", "acme", []byte(`{}`),
		map[string]string{"X-Hub-Signature": "sha256=abc"})

	require.NoError(t, err)
	assert.Equal(t, "accepted", out.Status)
}

func TestPostWebhook_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down\n"))
	}))
	defer server.Close()

	_, err := New(server.URL, "").PostWebhook(context.Background(), "slack", "", []byte(`{}`), nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "slow down", apiErr.Message)
}
