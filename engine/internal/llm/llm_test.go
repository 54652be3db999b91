package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlinhq/merlin/common/config"
)

func TestHTTPClientChat(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"gpt-4o-2024","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(config.LLMConfig{BaseURL: srv.URL, Model: "gpt-4o", APIKey: "sk-test", Temperature: 0.3, MaxTokens: 4000})
	resp, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hello"}}})
	require.NoError(t, err)

	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, "gpt-4o-2024", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, 4000, got.MaxTokens)
	assert.InDelta(t, 0.3, got.Temperature, 0.001)
}

func TestHTTPClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClient(config.LLMConfig{BaseURL: srv.URL + "/v1/"})
	_, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	assert.ErrorContains(t, err, "429")

	_, err = c.Chat(context.Background(), ChatRequest{})
	assert.Error(t, err)
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:1234/v1", normalizeBaseURL("localhost:1234"))
	assert.Equal(t, "https://api.example.com/v1", normalizeBaseURL("https://api.example.com/v1/"))
	assert.Equal(t, "", normalizeBaseURL("  "))
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"fenced", "Here you go:\n```json\n{\"a\":1}\n```\nthanks", `{"a":1}`, true},
		{"bare", `prefix {"a":{"b":2}} suffix`, `{"a":{"b":2}}`, true},
		{"none", "no json here", "", false},
		{"reversed braces", "} {", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

type scriptedClient struct {
	errs  []error
	calls int
}

func (c *scriptedClient) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	defer func() { c.calls++ }()
	if c.calls < len(c.errs) && c.errs[c.calls] != nil {
		return ChatResponse{}, c.errs[c.calls]
	}
	return ChatResponse{Content: "ok"}, nil
}

func TestGuardedClient(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGuard(2, time.Minute)
	g.now = func() time.Time { return now }

	boom := errors.New("boom")
	inner := &scriptedClient{errs: []error{boom, boom}}
	c := WithGuard(inner, g)
	req := ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}}

	_, err := c.Chat(context.Background(), req)
	assert.ErrorIs(t, err, boom)
	_, err = c.Chat(context.Background(), req)
	assert.ErrorIs(t, err, boom)

	_, err = c.Chat(context.Background(), req)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls)

	now = now.Add(2 * time.Minute)
	resp, err := c.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.True(t, g.DisabledUntil().IsZero())
}
