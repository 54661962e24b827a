// Package repository holds the durable work item stores.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/snapcheck/internal/model"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
)

const workItemColumns = `id, title, description, taxonomy, processing_status, violations, image_reference, created_at, updated_at`

// PostgresStore wraps all SQL used by the web tier and the worker.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*PostgresStore)(nil)

// NewPostgresStore constructs a store over an open pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create inserts a pending work item.
func (r *PostgresStore) Create(ctx context.Context, meta model.Metadata, imageRef string) (*model.WorkItem, error) {
	if err := storage.ValidateReference(imageRef); err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	item := &model.WorkItem{
		ID:             uuid.NewString(),
		Title:          meta.Title,
		Description:    meta.Description,
		Taxonomy:       meta.Taxonomy,
		Status:         model.StatusPending,
		Violations:     model.Violations{},
		ImageReference: imageRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO work_items (id, title, description, taxonomy, processing_status, violations, image_reference, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'{}'::jsonb,$6,$7,$8)
	`, item.ID, item.Title, item.Description, item.Taxonomy, item.Status, item.ImageReference, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert work item: %w", err)
	}
	return item, nil
}

// Get returns a work item by id.
func (r *PostgresStore) Get(ctx context.Context, id string) (*model.WorkItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=$1`, id)
	item, err := scanPostgres(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("select work item: %w", err)
	}
	return item, nil
}

// UpdateStatus locks the row, validates the transition in Go and writes the
// status and violations in a single statement.
func (r *PostgresStore) UpdateStatus(ctx context.Context, id string, status model.Status, violations model.Violations) (*model.WorkItem, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var current model.Status
	err = tx.QueryRow(ctx, `SELECT processing_status FROM work_items WHERE id=$1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("lock work item: %w", err)
	}
	payload, err := model.ValidateUpdate(current, status, violations)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode violations: %w", err)
	}
	row := tx.QueryRow(ctx, `
		UPDATE work_items
		SET processing_status=$1, violations=$2::jsonb, updated_at=$3
		WHERE id=$4
		RETURNING `+workItemColumns,
		status, string(encoded), time.Now().UTC(), id)
	item, err := scanPostgres(row)
	if err != nil {
		return nil, fmt.Errorf("update work item: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return item, nil
}

// List returns matching items, newest first.
func (r *PostgresStore) List(ctx context.Context, filter model.ListFilter) ([]*model.WorkItem, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("processing_status=$%d", len(args)))
	}
	if !filter.OlderThan.IsZero() {
		args = append(args, filter.OlderThan.UTC())
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()
	items := make([]*model.WorkItem, 0)
	for rows.Next() {
		item, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work items: %w", err)
	}
	return items, nil
}

// Close releases the pool.
func (r *PostgresStore) Close() error {
	r.pool.Close()
	return nil
}

func scanPostgres(row pgx.Row) (*model.WorkItem, error) {
	var (
		item       model.WorkItem
		violations []byte
	)
	if err := row.Scan(&item.ID, &item.Title, &item.Description, &item.Taxonomy, &item.Status, &violations, &item.ImageReference, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	decoded, err := decodeViolations(violations)
	if err != nil {
		return nil, err
	}
	item.Violations = decoded
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func decodeViolations(raw []byte) (model.Violations, error) {
	out := model.Violations{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode violations: %w", err)
	}
	return out, nil
}
