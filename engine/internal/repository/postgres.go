package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merlinhq/merlin/common/database"
	"github.com/merlinhq/merlin/engine/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx. Begin on a pgx.Tx
// opens a savepoint.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
}

func NewPostgresStore(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, q: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w: %w", ErrUnavailable, err)
	}

	if err := fn(&PostgresStore{pool: s.pool, q: tx}); err != nil {
		// Detach from cancellation so the rollback still reaches the server.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func mapError(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
		case "55P03":
			return fmt.Errorf(format+": %w", append(args, ErrLocked)...)
		}
	}
	if isConnError(err) {
		return fmt.Errorf(format+": %w: %w", append(args, ErrUnavailable, err)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func isConnError(err error) bool {
	var connErr *pgconn.ConnectError
	var netErr net.Error
	return errors.As(err, &connErr) || errors.As(err, &netErr) || errors.Is(err, pgx.ErrTxClosed) ||
		errors.Is(err, net.ErrClosed)
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// =============================================================================
// EVENT RECORDS
// =============================================================================

const eventColumns = `id, tenant_id, actor_id, source_type, event_type, external_id, payload, status,
	retry_count, created_work_item_ids, created_node_ids, results, error, created_at, started_at, completed_at`

func scanEvent(row rowScanner) (*models.EventRecord, error) {
	var (
		e       models.EventRecord
		payload []byte
		results []byte
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.SourceType, &e.EventType, &e.ExternalID, &payload,
		&e.Status, &e.RetryCount, &e.CreatedWorkItemIDs, &e.CreatedNodeIDs, &results, &e.Error,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	if err := unmarshalJSON(results, &e.Results); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateEvent(ctx context.Context, e *models.EventRecord) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	results, err := marshalJSON(e.Results)
	if err != nil {
		return err
	}
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO event_records (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.TenantID, e.ActorID, e.SourceType, e.EventType, e.ExternalID, payload, e.Status,
		e.RetryCount, orEmpty(e.CreatedWorkItemIDs), orEmpty(e.CreatedNodeIDs), results, e.Error,
		e.CreatedAt, e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return mapError(err, "failed to create event %s", e.ID)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*models.EventRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	e, err := scanEvent(s.q.QueryRow(ctx, `SELECT `+eventColumns+` FROM event_records WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "event %s", id)
	}
	return e, nil
}

// ClaimEvent locks the event row without waiting. Runs that commit only at
// the end keep the event pending to other readers, so the row lock is what
// keeps a second run out.
func (s *PostgresStore) ClaimEvent(ctx context.Context, id string) (*models.EventRecord, error) {
	if _, inTx := s.q.(pgx.Tx); !inTx {
		return nil, fmt.Errorf("claim event %s: not inside a transaction", id)
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	e, err := scanEvent(s.q.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM event_records WHERE id = $1 FOR UPDATE NOWAIT`, id))
	if err != nil {
		return nil, mapError(err, "claim event %s", id)
	}
	return e, nil
}

func (s *PostgresStore) UpdateEvent(ctx context.Context, e *models.EventRecord) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	results, err := marshalJSON(e.Results)
	if err != nil {
		return err
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE event_records
		SET status = $2, retry_count = $3, created_work_item_ids = $4, created_node_ids = $5,
		    results = $6, error = $7, started_at = $8, completed_at = $9
		WHERE id = $1`,
		e.ID, e.Status, e.RetryCount, orEmpty(e.CreatedWorkItemIDs), orEmpty(e.CreatedNodeIDs),
		results, e.Error, e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return mapError(err, "failed to update event %s", e.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", e.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]*models.EventRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.SourceType != "" {
		add("source_type = $%d", f.SourceType)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	query := `SELECT ` + eventColumns + ` FROM event_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC" + limitClause(f.Limit, f.Offset)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.EventRecord
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

// =============================================================================
// WORK ITEMS
// =============================================================================

const workItemColumns = `id, tenant_id, owner_id, title, description, status, priority, assignee_name,
	assignee_email, due_date, due_date_text, tags, manual_tags, linked_node_ids, source, source_id, source_url,
	canvas_id, context, metadata, created_at, updated_at`

func scanWorkItem(row rowScanner) (*models.WorkItem, error) {
	var (
		w        models.WorkItem
		metadata []byte
	)
	err := row.Scan(&w.ID, &w.TenantID, &w.OwnerID, &w.Title, &w.Description, &w.Status, &w.Priority,
		&w.AssigneeName, &w.AssigneeEmail, &w.DueDate, &w.DueDateText, &w.Tags, &w.ManualTags,
		&w.LinkedNodeIDs, &w.Source, &w.SourceID, &w.SourceURL, &w.CanvasID, &w.Context, &metadata,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &w.Metadata); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) CreateWorkItem(ctx context.Context, w *models.WorkItem) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	metadata, err := marshalJSON(w.Metadata)
	if err != nil {
		return err
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO work_items (`+workItemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		w.ID, w.TenantID, w.OwnerID, w.Title, w.Description, w.Status, w.Priority, w.AssigneeName,
		w.AssigneeEmail, w.DueDate, w.DueDateText, orEmpty(w.Tags), orEmpty(w.ManualTags),
		orEmpty(w.LinkedNodeIDs), w.Source, w.SourceID, w.SourceURL, w.CanvasID, w.Context, metadata,
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "failed to create work item %s/%s", w.Source, w.SourceID)
	}
	return nil
}

func (s *PostgresStore) GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	w, err := scanWorkItem(s.q.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "work item %s", id)
	}
	return w, nil
}

func (s *PostgresStore) GetWorkItemBySource(ctx context.Context, tenantID, source, sourceID string) (*models.WorkItem, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	w, err := scanWorkItem(s.q.QueryRow(ctx, `
		SELECT `+workItemColumns+` FROM work_items
		WHERE tenant_id = $1 AND source = $2 AND source_id = $3`,
		tenantID, source, sourceID))
	if err != nil {
		return nil, mapError(err, "work item %s/%s", source, sourceID)
	}
	return w, nil
}

func (s *PostgresStore) ListWorkItems(ctx context.Context, f WorkItemFilter) ([]*models.WorkItem, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.CanvasID != "" {
		add("canvas_id = $%d", f.CanvasID)
	}

	query := `SELECT ` + workItemColumns + ` FROM work_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC" + limitClause(f.Limit, f.Offset)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to list work items")
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// UpdateWorkItem writes the externally sourced fields. Manual tags and node
// links are owned by LinkWorkItemNode and user edits.
func (s *PostgresStore) UpdateWorkItem(ctx context.Context, w *models.WorkItem) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	metadata, err := marshalJSON(w.Metadata)
	if err != nil {
		return err
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE work_items
		SET title = $2, description = $3, status = $4, priority = $5, assignee_name = $6,
		    assignee_email = $7, due_date = $8, due_date_text = $9, tags = $10, source_url = $11,
		    canvas_id = $12, context = $13, metadata = $14, updated_at = $15
		WHERE id = $1`,
		w.ID, w.Title, w.Description, w.Status, w.Priority, w.AssigneeName, w.AssigneeEmail,
		w.DueDate, w.DueDateText, orEmpty(w.Tags), w.SourceURL, w.CanvasID, w.Context, metadata,
		w.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "failed to update work item %s", w.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("work item %s: %w", w.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateWorkItemSource(ctx context.Context, id, source, sourceID, sourceURL string, metadata map[string]any) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	meta, err := marshalJSON(metadata)
	if err != nil {
		return err
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE work_items
		SET source = $2, source_id = $3, source_url = $4, metadata = $5, updated_at = NOW()
		WHERE id = $1`,
		id, source, sourceID, sourceURL, meta,
	)
	if err != nil {
		return mapError(err, "failed to relink work item %s", id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) LinkWorkItemNode(ctx context.Context, workItemID, nodeID string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := s.q.Exec(ctx, `
		UPDATE work_items
		SET linked_node_ids = array_append(linked_node_ids, $2), updated_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(linked_node_ids))`,
		workItemID, nodeID,
	)
	if err != nil {
		return mapError(err, "failed to link work item %s", workItemID)
	}
	if tag.RowsAffected() == 0 {
		// Either already linked or missing.
		var exists bool
		if err := s.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM work_items WHERE id = $1)`, workItemID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check work item %s: %w", workItemID, err)
		}
		if !exists {
			return fmt.Errorf("work item %s: %w", workItemID, ErrNotFound)
		}
	}
	return nil
}

// =============================================================================
// NODES
// =============================================================================

func (s *PostgresStore) CreateNode(ctx context.Context, n *models.Node) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	metadata, err := marshalJSON(n.Metadata)
	if err != nil {
		return err
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO nodes (id, tenant_id, canvas_id, name, type, content, metadata, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.TenantID, n.CanvasID, n.Name, n.Type, n.Content, metadata, n.CreatedBy, n.CreatedAt,
	)
	if err != nil {
		return mapError(err, "failed to create node %s", n.ID)
	}
	return nil
}

func (s *PostgresStore) ListNodes(ctx context.Context, tenantID, canvasID string) ([]*models.Node, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.q.Query(ctx, `
		SELECT id, tenant_id, canvas_id, name, type, content, metadata, created_by, created_at
		FROM nodes WHERE tenant_id = $1 AND canvas_id = $2
		ORDER BY created_at`,
		tenantID, canvasID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		var (
			n        models.Node
			metadata []byte
		)
		if err := rows.Scan(&n.ID, &n.TenantID, &n.CanvasID, &n.Name, &n.Type, &n.Content, &metadata,
			&n.CreatedBy, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		if err := unmarshalJSON(metadata, &n.Metadata); err != nil {
			return nil, err
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// =============================================================================
// PROJECTS AND ARTIFACTS
// =============================================================================

const projectColumns = `id, tenant_id, name, description, canvas_id, status, current_stage, created_by_id, created_at`

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.CanvasID, &p.Status,
		&p.CurrentStage, &p.CreatedByID, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := s.q.Exec(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.TenantID, p.Name, p.Description, p.CanvasID, p.Status, p.CurrentStage, p.CreatedByID, p.CreatedAt,
	)
	if err != nil {
		return mapError(err, "failed to create project %s", p.ID)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	p, err := scanProject(s.q.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "project %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListProjectsByCanvas(ctx context.Context, tenantID, canvasID string) ([]*models.Project, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.q.Query(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE tenant_id = $1 AND canvas_id = $2
		ORDER BY created_at, id`,
		tenantID, canvasID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

const artifactColumns = `id, tenant_id, project_id, name, type, content, content_format, status, version,
	version_counter, current_owner_id, created_at, updated_at`

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var a models.Artifact
	if err := row.Scan(&a.ID, &a.TenantID, &a.ProjectID, &a.Name, &a.Type, &a.Content, &a.ContentFormat,
		&a.Status, &a.Version, &a.VersionCounter, &a.CurrentOwnerID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := s.q.Exec(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.TenantID, a.ProjectID, a.Name, a.Type, a.Content, a.ContentFormat, a.Status, a.Version,
		a.VersionCounter, a.CurrentOwnerID, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "failed to create artifact %s", a.ID)
	}
	return nil
}

// GetArtifact locks the row when called inside a transaction so concurrent
// approvals serialize on the version counter.
func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (*models.Artifact, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = $1`
	if _, inTx := s.q.(pgx.Tx); inTx {
		query += ` FOR UPDATE`
	}

	a, err := scanArtifact(s.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "artifact %s", id)
	}
	return a, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, projectID string, includeArchived bool) ([]*models.Artifact, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE project_id = $1`
	if !includeArchived {
		query += ` AND status <> 'archived'`
	}
	query += ` ORDER BY name, id`

	rows, err := s.q.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func (s *PostgresStore) UpdateArtifact(ctx context.Context, a *models.Artifact) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := s.q.Exec(ctx, `
		UPDATE artifacts
		SET name = $2, content = $3, content_format = $4, status = $5, version = $6,
		    version_counter = $7, current_owner_id = $8, updated_at = $9
		WHERE id = $1`,
		a.ID, a.Name, a.Content, a.ContentFormat, a.Status, a.Version, a.VersionCounter,
		a.CurrentOwnerID, a.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "failed to update artifact %s", a.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("artifact %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateArtifactVersion(ctx context.Context, v *models.ArtifactVersion) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := s.q.Exec(ctx, `
		INSERT INTO artifact_versions (id, artifact_id, version, version_number, content, content_format,
		                               status, change_summary, change_proposal_id, created_by_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.ArtifactID, v.Version, v.VersionNumber, v.Content, v.ContentFormat, v.Status,
		v.ChangeSummary, v.ChangeProposalID, v.CreatedByID, v.CreatedAt,
	)
	if err != nil {
		return mapError(err, "failed to create version %d of artifact %s", v.VersionNumber, v.ArtifactID)
	}
	return nil
}

func (s *PostgresStore) ListArtifactVersions(ctx context.Context, artifactID string) ([]*models.ArtifactVersion, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.q.Query(ctx, `
		SELECT id, artifact_id, version, version_number, content, content_format, status, change_summary,
		       change_proposal_id, created_by_id, created_at
		FROM artifact_versions WHERE artifact_id = $1
		ORDER BY version_number`,
		artifactID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.ArtifactVersion
	for rows.Next() {
		var v models.ArtifactVersion
		if err := rows.Scan(&v.ID, &v.ArtifactID, &v.Version, &v.VersionNumber, &v.Content, &v.ContentFormat,
			&v.Status, &v.ChangeSummary, &v.ChangeProposalID, &v.CreatedByID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

// =============================================================================
// CHANGE PROPOSALS
// =============================================================================

const proposalColumns = `id, tenant_id, artifact_id, project_id, event_id, triggered_by_type, triggered_by_id,
	triggered_by_url, change_type, severity, title, description, proposed_changes, ai_rationale, ai_confidence,
	impact_context, status, assigned_to_id, reviewed_by_id, reviewed_at, review_notes, applied_at,
	created_version_id, superseded_by_id, created_at, updated_at, expires_at`

func scanProposal(row rowScanner) (*models.ChangeProposal, error) {
	var (
		p       models.ChangeProposal
		changes []byte
		impact  []byte
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.ArtifactID, &p.ProjectID, &p.EventID, &p.TriggeredByType,
		&p.TriggeredByID, &p.TriggeredByURL, &p.ChangeType, &p.Severity, &p.Title, &p.Description, &changes,
		&p.AIRationale, &p.AIConfidence, &impact, &p.Status, &p.AssignedToID, &p.ReviewedByID, &p.ReviewedAt,
		&p.ReviewNotes, &p.AppliedAt, &p.CreatedVersionID, &p.SupersededByID, &p.CreatedAt, &p.UpdatedAt,
		&p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(changes, &p.ProposedChanges); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(impact, &p.ImpactContext); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreateProposal(ctx context.Context, p *models.ChangeProposal) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	changes, err := marshalJSON(p.ProposedChanges)
	if err != nil {
		return err
	}
	impact, err := marshalJSON(p.ImpactContext)
	if err != nil {
		return err
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO change_proposals (`+proposalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		        $21, $22, $23, $24, $25, $26, $27)`,
		p.ID, p.TenantID, p.ArtifactID, p.ProjectID, p.EventID, p.TriggeredByType, p.TriggeredByID,
		p.TriggeredByURL, p.ChangeType, p.Severity, p.Title, p.Description, changes, p.AIRationale,
		p.AIConfidence, impact, p.Status, p.AssignedToID, p.ReviewedByID, p.ReviewedAt, p.ReviewNotes,
		p.AppliedAt, p.CreatedVersionID, p.SupersededByID, p.CreatedAt, p.UpdatedAt, p.ExpiresAt,
	)
	if err != nil {
		return mapError(err, "failed to create proposal %s", p.ID)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, id string) (*models.ChangeProposal, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + proposalColumns + ` FROM change_proposals WHERE id = $1`
	if _, inTx := s.q.(pgx.Tx); inTx {
		query += ` FOR UPDATE`
	}

	p, err := scanProposal(s.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "proposal %s", id)
	}
	return p, nil
}

// UpdateProposal writes the review state of a proposal.
func (s *PostgresStore) UpdateProposal(ctx context.Context, p *models.ChangeProposal) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := s.q.Exec(ctx, `
		UPDATE change_proposals
		SET status = $2, assigned_to_id = $3, reviewed_by_id = $4, reviewed_at = $5, review_notes = $6,
		    applied_at = $7, created_version_id = $8, superseded_by_id = $9, updated_at = $10, expires_at = $11
		WHERE id = $1`,
		p.ID, p.Status, p.AssignedToID, p.ReviewedByID, p.ReviewedAt, p.ReviewNotes, p.AppliedAt,
		p.CreatedVersionID, p.SupersededByID, p.UpdatedAt, p.ExpiresAt,
	)
	if err != nil {
		return mapError(err, "failed to update proposal %s", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteProposal(ctx context.Context, id string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := s.q.Exec(ctx, `DELETE FROM change_proposals WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "failed to delete proposal %s", id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, f ProposalFilter) ([]*models.ChangeProposal, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.ProjectID != "" {
		add("project_id = $%d", f.ProjectID)
	}
	if f.ArtifactID != "" {
		add("artifact_id = $%d", f.ArtifactID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.AssignedToID != "" {
		add("assigned_to_id = $%d", f.AssignedToID)
	}

	query := `SELECT ` + proposalColumns + ` FROM change_proposals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id" + limitClause(f.Limit, f.Offset)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []*models.ChangeProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

func (s *PostgresStore) ListExpiredProposals(ctx context.Context, now time.Time) ([]*models.ChangeProposal, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	rows, err := s.q.Query(ctx, `
		SELECT `+proposalColumns+` FROM change_proposals
		WHERE status IN ('pending', 'under_review') AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at`,
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired proposals: %w", err)
	}
	defer rows.Close()

	var proposals []*models.ChangeProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

func (s *PostgresStore) CreateImpactAnalysis(ctx context.Context, r *models.ImpactAnalysisRecord) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	affected, err := marshalJSON(r.AffectedArtifacts)
	if err != nil {
		return err
	}
	var timeline []byte
	if r.TimelineImpact != nil {
		if timeline, err = marshalJSON(r.TimelineImpact); err != nil {
			return err
		}
	}
	deps, err := marshalJSON(orEmpty(r.DependencyChanges))
	if err != nil {
		return err
	}
	risk, err := marshalJSON(r.RiskAssessment)
	if err != nil {
		return err
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO impact_analyses (id, change_proposal_id, affected_artifacts, timeline_impact,
		                             dependency_changes, risk_assessment, model, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ChangeProposalID, affected, timeline, deps, risk, r.Model, r.Confidence, r.CreatedAt,
	)
	if err != nil {
		return mapError(err, "failed to create impact analysis for proposal %s", r.ChangeProposalID)
	}
	return nil
}

func (s *PostgresStore) GetImpactAnalysis(ctx context.Context, proposalID string) (*models.ImpactAnalysisRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var (
		r                              models.ImpactAnalysisRecord
		affected, timeline, deps, risk []byte
	)
	err := s.q.QueryRow(ctx, `
		SELECT id, change_proposal_id, affected_artifacts, timeline_impact, dependency_changes,
		       risk_assessment, model, confidence, created_at
		FROM impact_analyses WHERE change_proposal_id = $1`,
		proposalID).Scan(&r.ID, &r.ChangeProposalID, &affected, &timeline, &deps, &risk, &r.Model,
		&r.Confidence, &r.CreatedAt)
	if err != nil {
		return nil, mapError(err, "impact analysis for proposal %s", proposalID)
	}
	for _, col := range []struct {
		b []byte
		v any
	}{{affected, &r.AffectedArtifacts}, {timeline, &r.TimelineImpact}, {deps, &r.DependencyChanges}, {risk, &r.RiskAssessment}} {
		if err := unmarshalJSON(col.b, col.v); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// =============================================================================
// CONNECTIONS
// =============================================================================

func (s *PostgresStore) GetConnection(ctx context.Context, tenantID, provider string) (*models.Connection, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var c models.Connection
	err := s.q.QueryRow(ctx, `
		SELECT tenant_id, provider, site_id, site_url, access_token, canvas_id
		FROM connections WHERE tenant_id = $1 AND provider = $2`,
		tenantID, provider).Scan(&c.TenantID, &c.Provider, &c.SiteID, &c.SiteURL, &c.AccessToken, &c.CanvasID)
	if err != nil {
		return nil, mapError(err, "%s connection for tenant %s", provider, tenantID)
	}
	return &c, nil
}

func (s *PostgresStore) SaveConnection(ctx context.Context, c *models.Connection) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := s.q.Exec(ctx, `
		INSERT INTO connections (tenant_id, provider, site_id, site_url, access_token, canvas_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (tenant_id, provider) DO UPDATE
		SET site_id = EXCLUDED.site_id, site_url = EXCLUDED.site_url,
		    access_token = EXCLUDED.access_token, canvas_id = EXCLUDED.canvas_id, updated_at = NOW()`,
		c.TenantID, c.Provider, c.SiteID, c.SiteURL, c.AccessToken, c.CanvasID,
	)
	if err != nil {
		return mapError(err, "failed to save %s connection", c.Provider)
	}
	return nil
}
