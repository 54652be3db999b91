// Package audit keeps a searchable record of every pipeline run.
package audit

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/engine/internal/pipeline"
)

// DefaultIndex is the index prefix used when none is configured.
const DefaultIndex = "merlin-runs"

// Indexer records run summaries.
type Indexer interface {
	IndexRun(ctx context.Context, s pipeline.RunSummary) error
}

// Nop discards summaries.
type Nop struct{}

func (Nop) IndexRun(context.Context, pipeline.RunSummary) error { return nil }

// OpenSearchIndexer writes one document per run into a daily index.
type OpenSearchIndexer struct {
	client *opensearch.Client
	prefix string
}

// NewOpenSearchIndexer builds an indexer, or Nop when disabled.
func NewOpenSearchIndexer(cfg config.OpenSearchConfig) (Indexer, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	prefix := cfg.Index
	if prefix == "" {
		prefix = DefaultIndex
	}
	return &OpenSearchIndexer{client: client, prefix: prefix}, nil
}

type jobDoc struct {
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

type runDoc struct {
	Timestamp        time.Time `json:"@timestamp"`
	EventID          string    `json:"event_id"`
	TenantID         string    `json:"tenant_id"`
	SourceType       string    `json:"source_type"`
	EventType        string    `json:"event_type"`
	Pipeline         string    `json:"pipeline"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
	WorkItemsCreated int       `json:"work_items_created"`
	NodesCreated     int       `json:"nodes_created"`
	DurationMS       int64     `json:"duration_ms"`
	Jobs             []jobDoc  `json:"jobs"`
}

func document(s pipeline.RunSummary) runDoc {
	doc := runDoc{
		Timestamp:        s.StartedAt.UTC(),
		EventID:          s.EventID,
		TenantID:         s.TenantID,
		SourceType:       s.SourceType,
		EventType:        s.EventType,
		Pipeline:         s.Pipeline,
		Status:           string(s.Status),
		Error:            s.Error,
		WorkItemsCreated: s.WorkItemsCreated,
		NodesCreated:     s.NodesCreated,
		DurationMS:       s.Duration.Milliseconds(),
		Jobs:             make([]jobDoc, 0, len(s.Jobs)),
	}
	for _, j := range s.Jobs {
		doc.Jobs = append(doc.Jobs, jobDoc{
			Name:       j.Name,
			Status:     string(j.Status),
			Message:    j.Message,
			Error:      j.Error,
			Data:       j.Data,
			DurationMS: j.Duration.Milliseconds(),
		})
	}
	return doc
}

// IndexName returns the daily index a run started at t belongs to.
func (i *OpenSearchIndexer) IndexName(t time.Time) string {
	return i.prefix + "-" + t.UTC().Format("2006.01.02")
}

func (i *OpenSearchIndexer) IndexRun(ctx context.Context, s pipeline.RunSummary) error {
	body, err := json.Marshal(document(s))
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index:      i.IndexName(s.StartedAt),
		DocumentID: s.EventID + "-" + strconv.FormatInt(s.StartedAt.UnixNano(), 10),
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("index run %s: %w", s.EventID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index run %s: %s - %s", s.EventID, res.Status(), string(msg))
	}
	return nil
}

// EnsureTemplate installs the index template for the run indices.
func (i *OpenSearchIndexer) EnsureTemplate(ctx context.Context) error {
	template := map[string]any{
		"index_patterns": []string{i.prefix + "-*"},
		"template": map[string]any{
			"settings": map[string]any{
				"number_of_shards":   1,
				"number_of_replicas": 0,
			},
			"mappings": map[string]any{
				"dynamic": true,
				"properties": map[string]any{
					"@timestamp":  map[string]any{"type": "date"},
					"event_id":    map[string]any{"type": "keyword"},
					"tenant_id":   map[string]any{"type": "keyword"},
					"source_type": map[string]any{"type": "keyword"},
					"event_type":  map[string]any{"type": "keyword"},
					"pipeline":    map[string]any{"type": "keyword"},
					"status":      map[string]any{"type": "keyword"},
					"error":       map[string]any{"type": "text"},
					"jobs":        map[string]any{"type": "nested"},
				},
			},
		},
		"priority": 100,
	}

	body, err := json.Marshal(template)
	if err != nil {
		return err
	}
	res, err := i.client.Indices.PutIndexTemplate(
		i.prefix+"-template",
		bytes.NewReader(body),
		i.client.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to create index template: %s - %s", res.Status(), string(msg))
	}
	return nil
}
