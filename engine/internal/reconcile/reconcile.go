package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"
	"unicode/utf8"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

// ErrAlreadyLinked is returned when pushing an item that already belongs to
// the target source.
var ErrAlreadyLinked = errors.New("work item already linked to source")

// Action reports what Upsert did.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// ExternalItem is one external record already mapped to internal
// vocabulary.
type ExternalItem struct {
	Source        string
	SourceID      string
	SourceURL     string
	Title         string
	Description   string
	Status        models.WorkItemStatus
	Priority      models.Priority
	AssigneeName  string
	AssigneeEmail string
	DueDate       *time.Time
	DueDateText   string
	Labels        []string
	CanvasID      string
	Context       string

	// Metadata seeds new items and is merged into existing ones.
	Metadata map[string]any
}

// Reconciler finds or creates work items by natural key.
type Reconciler struct {
	logger *slog.Logger
	now    func() time.Time
}

func New(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		logger: logger.With(logging.Component("reconcile")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy using now for timestamps.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	cp := *r
	cp.now = now
	return &cp
}

// TruncateTitle limits s to MaxTitleLength runes.
func TruncateTitle(s string) string {
	if utf8.RuneCountInString(s) <= models.MaxTitleLength {
		return s
	}
	return string([]rune(s)[:models.MaxTitleLength])
}

func (item ExternalItem) normalized() ExternalItem {
	if item.Title == "" {
		item.Title = "Untitled"
	}
	item.Title = TruncateTitle(item.Title)
	if item.Status == "" {
		item.Status = DefaultStatus
	}
	if !models.ValidPriority(string(item.Priority)) {
		item.Priority = DefaultPriority
	}
	if item.Labels == nil {
		item.Labels = []string{}
	}
	return item
}

// Upsert creates the work item for item's natural key or overwrites the
// externally sourced fields of the existing one. Manual tags and node links
// are never touched. A concurrent create of the same key is resolved by
// updating the winner's row.
func (r *Reconciler) Upsert(ctx context.Context, store repository.Store, tenantID, actorID string, item ExternalItem) (*models.WorkItem, Action, error) {
	if item.Source == "" || item.SourceID == "" {
		return nil, "", fmt.Errorf("reconcile: source and source id are required")
	}
	item = item.normalized()

	existing, err := store.GetWorkItemBySource(ctx, tenantID, item.Source, item.SourceID)
	switch {
	case err == nil:
		w, err := r.update(ctx, store, existing, item)
		return w, ActionUpdated, err
	case !errors.Is(err, repository.ErrNotFound):
		return nil, "", fmt.Errorf("look up %s/%s: %w", item.Source, item.SourceID, err)
	}

	now := r.now()
	w := &models.WorkItem{
		ID:            models.NewID(),
		TenantID:      tenantID,
		OwnerID:       actorID,
		Title:         item.Title,
		Description:   item.Description,
		Status:        item.Status,
		Priority:      item.Priority,
		AssigneeName:  item.AssigneeName,
		AssigneeEmail: item.AssigneeEmail,
		DueDate:       item.DueDate,
		DueDateText:   item.DueDateText,
		Tags:          item.Labels,
		Source:        item.Source,
		SourceID:      item.SourceID,
		SourceURL:     item.SourceURL,
		Context:       item.Context,
		Metadata:      merge(nil, item.Metadata, map[string]any{"synced_at": now.Format(time.RFC3339)}),
		ManualTags:    []string{},
		LinkedNodeIDs: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if item.CanvasID != "" {
		canvas := item.CanvasID
		w.CanvasID = &canvas
	}

	// The savepoint keeps a unique violation from poisoning the caller's
	// transaction.
	err = store.InTx(ctx, func(tx repository.Store) error {
		return tx.CreateWorkItem(ctx, w)
	})
	if errors.Is(err, repository.ErrConflict) {
		existing, getErr := store.GetWorkItemBySource(ctx, tenantID, item.Source, item.SourceID)
		if getErr != nil {
			return nil, "", fmt.Errorf("re-read %s/%s after conflict: %w", item.Source, item.SourceID, getErr)
		}
		r.logger.Info("work item created concurrently, updating",
			logging.WorkItemID(existing.ID), slog.String("source_id", item.SourceID))
		updated, err := r.update(ctx, store, existing, item)
		return updated, ActionUpdated, err
	}
	if err != nil {
		return nil, "", fmt.Errorf("create work item %s/%s: %w", item.Source, item.SourceID, err)
	}
	return w, ActionCreated, nil
}

func (r *Reconciler) update(ctx context.Context, store repository.Store, w *models.WorkItem, item ExternalItem) (*models.WorkItem, error) {
	now := r.now()
	w.Title = item.Title
	w.Description = item.Description
	w.Status = item.Status
	w.Priority = item.Priority
	w.AssigneeName = item.AssigneeName
	w.AssigneeEmail = item.AssigneeEmail
	w.DueDate = item.DueDate
	w.DueDateText = item.DueDateText
	w.Tags = item.Labels
	if item.SourceURL != "" {
		w.SourceURL = item.SourceURL
	}
	if w.CanvasID == nil && item.CanvasID != "" {
		canvas := item.CanvasID
		w.CanvasID = &canvas
	}
	w.Metadata = merge(w.Metadata, item.Metadata, map[string]any{item.Source + "_updated_at": now.Format(time.RFC3339)})
	w.UpdatedAt = now

	if err := store.UpdateWorkItem(ctx, w); err != nil {
		return nil, fmt.Errorf("update work item %s: %w", w.ID, err)
	}
	return w, nil
}

// Cancel marks the item for a deleted external record as cancelled and
// stamps <source>_deleted_at. Nothing is physically deleted.
func (r *Reconciler) Cancel(ctx context.Context, store repository.Store, tenantID, source, sourceID string) (*models.WorkItem, error) {
	w, err := store.GetWorkItemBySource(ctx, tenantID, source, sourceID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	w.Status = models.WorkItemCancelled
	w.Metadata = merge(w.Metadata, map[string]any{source + "_deleted_at": now.Format(time.RFC3339)})
	w.UpdatedAt = now
	if err := store.UpdateWorkItem(ctx, w); err != nil {
		return nil, fmt.Errorf("cancel work item %s: %w", w.ID, err)
	}
	return w, nil
}

// MarkPushed rewrites w's natural key to the external record just created
// for it. Items already owned by source are refused.
func (r *Reconciler) MarkPushed(ctx context.Context, store repository.Store, w *models.WorkItem, source, sourceID, sourceURL string, metadata map[string]any) error {
	if w.Source == source {
		return fmt.Errorf("%w: %s is %s/%s", ErrAlreadyLinked, w.ID, w.Source, w.SourceID)
	}
	merged := merge(w.Metadata, metadata, map[string]any{"pushed_at": r.now().Format(time.RFC3339)})
	if err := store.UpdateWorkItemSource(ctx, w.ID, source, sourceID, sourceURL, merged); err != nil {
		return fmt.Errorf("relink work item %s: %w", w.ID, err)
	}
	w.Source = source
	w.SourceID = sourceID
	w.SourceURL = sourceURL
	w.Metadata = merged
	return nil
}

// merge returns a new map with later maps overriding earlier ones.
func merge(base map[string]any, overlays ...map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	maps.Copy(out, base)
	for _, o := range overlays {
		maps.Copy(out, o)
	}
	return out
}
