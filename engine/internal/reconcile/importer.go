package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/engine/internal/models"
	"github.com/merlinhq/merlin/engine/internal/repository"
)

// DefaultPageSize is the page size used for bulk pulls.
const DefaultPageSize = 50

// Pager fetches one page of external items and the total result count.
type Pager interface {
	Page(ctx context.Context, startAt, maxResults int) (items []ExternalItem, total int, err error)
}

// PagerFunc adapts a function to Pager.
type PagerFunc func(ctx context.Context, startAt, maxResults int) ([]ExternalItem, int, error)

func (f PagerFunc) Page(ctx context.Context, startAt, maxResults int) ([]ExternalItem, int, error) {
	return f(ctx, startAt, maxResults)
}

// ImportResult counts what a bulk import did.
type ImportResult struct {
	Imported  int                `json:"imported"`
	Updated   int                `json:"updated"`
	Failed    int                `json:"failed"`
	WorkItems []*models.WorkItem `json:"-"`
}

// Processed is the number of items written.
func (r ImportResult) Processed() int {
	return r.Imported + r.Updated
}

// Import pages through pager and upserts every item. Each item runs in its
// own savepoint; a failing item is counted and skipped. Rerunning the same
// query creates nothing new.
func (r *Reconciler) Import(ctx context.Context, store repository.Store, tenantID, actorID string, pager Pager, pageSize int) (ImportResult, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var result ImportResult
	startAt := 0
	for {
		items, total, err := pager.Page(ctx, startAt, pageSize)
		if err != nil {
			return result, fmt.Errorf("fetch page at %d: %w", startAt, err)
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			var (
				w      *models.WorkItem
				action Action
			)
			err := store.InTx(ctx, func(tx repository.Store) error {
				var err error
				w, action, err = r.Upsert(ctx, tx, tenantID, actorID, item)
				return err
			})
			if err != nil {
				if errors.Is(err, repository.ErrUnavailable) || ctx.Err() != nil {
					return result, err
				}
				result.Failed++
				r.logger.Warn("skipping item during import",
					slog.String("source_id", item.SourceID), logging.Error(err))
				continue
			}
			if action == ActionCreated {
				result.Imported++
			} else {
				result.Updated++
			}
			result.WorkItems = append(result.WorkItems, w)
		}

		startAt += len(items)
		if startAt >= total {
			break
		}
	}
	return result, nil
}
