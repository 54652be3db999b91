package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

var fixedNow = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

func newReconciler() *Reconciler {
	return New(logging.Discard()).WithClock(func() time.Time { return fixedNow })
}

func jiraItem(key, status, priority string) ExternalItem {
	return ExternalItem{
		Source:   models.SourceJira,
		SourceID: key,
		Title:    "Add SSO to checkout",
		Status:   StatusFromJira(status),
		Priority: PriorityFromJira(priority),
		Labels:   []string{"auth"},
		Metadata: map[string]any{"jira_issue_type": "Story"},
	}
}

func TestStatusFromJira(t *testing.T) {
	tests := map[string]models.WorkItemStatus{
		"To Do":       models.WorkItemPending,
		"open":        models.WorkItemPending,
		"In Progress": models.WorkItemInProgress,
		"IN REVIEW":   models.WorkItemInProgress,
		"Done":        models.WorkItemCompleted,
		"Closed":      models.WorkItemCompleted,
		"resolved":    models.WorkItemCompleted,
		"Cancelled":   models.WorkItemCancelled,
		"Won't Do":    models.WorkItemCancelled,
		"Blocked":     models.WorkItemPending,
		"":            models.WorkItemPending,
	}
	for in, want := range tests {
		assert.Equal(t, want, StatusFromJira(in), in)
	}
}

func TestPriorityMappings(t *testing.T) {
	from := map[string]models.Priority{
		"Highest": models.PriorityUrgent,
		"High":    models.PriorityHigh,
		"Medium":  models.PriorityMedium,
		"Low":     models.PriorityLow,
		"Lowest":  models.PriorityLow,
		"P0":      models.PriorityMedium,
	}
	for in, want := range from {
		assert.Equal(t, want, PriorityFromJira(in), in)
	}

	to := map[models.Priority]string{
		models.PriorityUrgent: "Highest",
		models.PriorityHigh:   "High",
		models.PriorityMedium: "Medium",
		models.PriorityLow:    "Low",
		"":                    "Medium",
	}
	for in, want := range to {
		assert.Equal(t, want, PriorityToJira(in), string(in))
	}

	assert.Equal(t, models.PriorityHigh, Priority(" High "))
	assert.Equal(t, models.PriorityMedium, Priority("critical"))
}

func TestUpsertCreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	r := newReconciler()

	created, action, err := r.Upsert(ctx, store, "tenant-1", "user-1", jiraItem("PROJ-456", "To Do", "High"))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, action)
	assert.Equal(t, models.WorkItemPending, created.Status)
	assert.Equal(t, models.PriorityHigh, created.Priority)

	// user-owned fields set between syncs
	require.NoError(t, store.LinkWorkItemNode(ctx, created.ID, "node-9"))

	updated, action, err := r.Upsert(ctx, store, "tenant-1", "user-1", jiraItem("PROJ-456", "Done", "High"))
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, action)
	assert.Equal(t, created.ID, updated.ID)

	got, err := store.GetWorkItemBySource(ctx, "tenant-1", models.SourceJira, "PROJ-456")
	require.NoError(t, err)

	want := *created
	want.Status = models.WorkItemCompleted
	want.LinkedNodeIDs = []string{"node-9"}
	diff := cmp.Diff(&want, got, cmpopts.IgnoreFields(models.WorkItem{}, "Metadata", "UpdatedAt"))
	assert.Empty(t, diff, "only the status and links should differ")
	assert.Equal(t, "Story", got.Metadata["jira_issue_type"])
	assert.Contains(t, got.Metadata, "jira_updated_at")
	assert.Contains(t, got.Metadata, "synced_at")
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	r := newReconciler()
	item := jiraItem("PROJ-1", "In Progress", "Low")

	for range 3 {
		_, _, err := r.Upsert(ctx, store, "tenant-1", "user-1", item)
		require.NoError(t, err)
	}

	matching, total := countItems(t, store, "tenant-1", "PROJ-1")
	assert.Equal(t, 1, matching)
	assert.Equal(t, 1, total)
}

// countItems scans every work item of the tenant. It returns the rows
// carrying key and the tenant's total, so stray copies under another key
// show up too.
func countItems(t *testing.T, store repository.Store, tenant, key string) (matching, total int) {
	t.Helper()
	items, err := store.ListWorkItems(context.Background(), repository.WorkItemFilter{TenantID: tenant, Limit: 1000})
	require.NoError(t, err)
	for _, w := range items {
		if w.Source == models.SourceJira && w.SourceID == key {
			matching++
		}
	}
	return matching, len(items)
}

func TestUpsertTruncatesTitle(t *testing.T) {
	item := jiraItem("PROJ-2", "", "")
	item.Title = strings.Repeat("é", 600)

	w, _, err := newReconciler().Upsert(context.Background(), repository.NewMemoryStore(), "t", "u", item)
	require.NoError(t, err)
	assert.Equal(t, models.MaxTitleLength, len([]rune(w.Title)))
	assert.Equal(t, models.WorkItemPending, w.Status)
	assert.Equal(t, models.PriorityMedium, w.Priority)
}

func TestUpsertRequiresKey(t *testing.T) {
	_, _, err := newReconciler().Upsert(context.Background(), repository.NewMemoryStore(), "t", "u", ExternalItem{Source: "jira"})
	assert.Error(t, err)
}

// racingStore inserts a competing row right after the first lookup, as if
// another run created the same key between lookup and insert.
type racingStore struct {
	*repository.MemoryStore
	raced bool
}

func (s *racingStore) GetWorkItemBySource(ctx context.Context, tenantID, source, sourceID string) (*models.WorkItem, error) {
	if !s.raced {
		s.raced = true
		winner := &models.WorkItem{
			ID: models.NewID(), TenantID: tenantID, Title: "winner", Source: source, SourceID: sourceID,
			Status: models.WorkItemPending, Priority: models.PriorityLow,
		}
		if err := s.MemoryStore.CreateWorkItem(ctx, winner); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("work item %s/%s: %w", source, sourceID, repository.ErrNotFound)
	}
	return s.MemoryStore.GetWorkItemBySource(ctx, tenantID, source, sourceID)
}

func TestUpsertConcurrentCreate(t *testing.T) {
	store := &racingStore{MemoryStore: repository.NewMemoryStore()}
	w, action, err := newReconciler().Upsert(context.Background(), store, "t", "u", jiraItem("PROJ-3", "Open", "High"))
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, action)
	assert.Equal(t, "Add SSO to checkout", w.Title)
	matching, total := countItems(t, store, "t", "PROJ-3")
	assert.Equal(t, 1, matching)
	assert.Equal(t, 1, total)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	r := newReconciler()

	_, _, err := r.Upsert(ctx, store, "t", "u", jiraItem("PROJ-4", "Open", "High"))
	require.NoError(t, err)

	w, err := r.Cancel(ctx, store, "t", models.SourceJira, "PROJ-4")
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemCancelled, w.Status)
	assert.Equal(t, fixedNow.Format(time.RFC3339), w.Metadata["jira_deleted_at"])

	_, err = r.Cancel(ctx, store, "t", models.SourceJira, "PROJ-404")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMarkPushed(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	r := newReconciler()

	w := &models.WorkItem{ID: models.NewID(), TenantID: "t", Title: "Write docs", Source: models.SourceZoom, SourceID: "mtg-1", Status: models.WorkItemPending, Priority: models.PriorityLow}
	require.NoError(t, store.CreateWorkItem(ctx, w))

	require.NoError(t, r.MarkPushed(ctx, store, w, models.SourceJira, "DOC-7", "https://jira/browse/DOC-7", map[string]any{"jira_issue_id": "10007"}))

	got, err := store.GetWorkItemBySource(ctx, "t", models.SourceJira, "DOC-7")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, "10007", got.Metadata["jira_issue_id"])

	err = r.MarkPushed(ctx, store, got, models.SourceJira, "DOC-8", "", nil)
	assert.ErrorIs(t, err, ErrAlreadyLinked)
}

func pagedIssues(n int) Pager {
	return PagerFunc(func(_ context.Context, startAt, maxResults int) ([]ExternalItem, int, error) {
		var page []ExternalItem
		for i := startAt; i < n && len(page) < maxResults; i++ {
			page = append(page, jiraItem(fmt.Sprintf("BULK-%d", i), "Open", "Medium"))
		}
		return page, n, nil
	})
}

func TestImportIsResumable(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	r := newReconciler()

	first, err := r.Import(ctx, store, "t", "u", pagedIssues(120), 0)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Imported: 120}, ImportResult{Imported: first.Imported, Updated: first.Updated, Failed: first.Failed})

	second, err := r.Import(ctx, store, "t", "u", pagedIssues(120), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Imported)
	assert.Equal(t, 120, second.Updated)
	assert.Equal(t, 120, second.Processed())
}

func TestImportCountsBadItems(t *testing.T) {
	pager := PagerFunc(func(context.Context, int, int) ([]ExternalItem, int, error) {
		return []ExternalItem{jiraItem("OK-1", "Open", "Low"), {Source: models.SourceJira}}, 2, nil
	})
	res, err := newReconciler().Import(context.Background(), repository.NewMemoryStore(), "t", "u", pager, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Failed)
}

func TestImportPagerError(t *testing.T) {
	pager := PagerFunc(func(context.Context, int, int) ([]ExternalItem, int, error) {
		return nil, 0, errors.New("401 unauthorized")
	})
	_, err := newReconciler().Import(context.Background(), repository.NewMemoryStore(), "t", "u", pager, 50)
	assert.ErrorContains(t, err, "401 unauthorized")
}
