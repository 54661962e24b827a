package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/snapcheck/internal/database"
	"github.com/dharsanguruparan/snapcheck/internal/model"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
)

// maxCASAttempts bounds the compare-and-set loop. A lost race always moves
// the row forward, so a handful of attempts settles every update.
const maxCASAttempts = 8

// SQLiteStore persists work items in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

// NewSQLiteStore constructs a store over a migrated database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Create inserts a pending work item.
func (s *SQLiteStore) Create(ctx context.Context, meta model.Metadata, imageRef string) (*model.WorkItem, error) {
	if err := storage.ValidateReference(imageRef); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
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
	stamp := now.Format(database.TimeLayout)
	err := database.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO work_items (id, title, description, taxonomy, processing_status, violations, image_reference, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, '{}', ?, ?, ?)`,
			item.ID, item.Title, item.Description, item.Taxonomy, item.Status, item.ImageReference, stamp, stamp)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert work item: %w", err)
	}
	return item, nil
}

// Get returns a work item by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.WorkItem, error) {
	var item *model.WorkItem
	err := database.RetryOnBusy(ctx, func() error {
		var scanErr error
		item, scanErr = scanSQLite(s.db.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("select work item: %w", err)
	}
	return item, nil
}

// UpdateStatus reads the current status, validates the transition and then
// writes only if the row still holds the status that was validated. A lost
// race re-reads and re-validates.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status model.Status, violations model.Violations) (*model.WorkItem, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		payload, err := model.ValidateUpdate(current.Status, status, violations)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode violations: %w", err)
		}
		now := time.Now().UTC()
		var affected int64
		err = database.RetryOnBusy(ctx, func() error {
			res, execErr := s.db.ExecContext(ctx, `
				UPDATE work_items
				SET processing_status = ?, violations = ?, updated_at = ?
				WHERE id = ? AND processing_status = ?`,
				status, string(encoded), now.Format(database.TimeLayout), id, current.Status)
			if execErr != nil {
				return execErr
			}
			affected, execErr = res.RowsAffected()
			return execErr
		})
		if err != nil {
			return nil, fmt.Errorf("update work item: %w", err)
		}
		if affected == 1 {
			current.Status = status
			current.Violations = payload
			current.UpdatedAt = now
			return current, nil
		}
	}
	return nil, fmt.Errorf("update work item %s: status kept changing underneath", id)
}

// List returns matching items, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter model.ListFilter) ([]*model.WorkItem, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "processing_status = ?")
		args = append(args, filter.Status)
	}
	if !filter.OlderThan.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, filter.OlderThan.UTC().Format(database.TimeLayout))
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()
	items := make([]*model.WorkItem, 0)
	for rows.Next() {
		item, err := scanSQLite(rows)
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

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*model.WorkItem, error) {
	var (
		item                 model.WorkItem
		violations           string
		createdAt, updatedAt string
	)
	if err := row.Scan(&item.ID, &item.Title, &item.Description, &item.Taxonomy, &item.Status, &violations, &item.ImageReference, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	decoded, err := decodeViolations([]byte(violations))
	if err != nil {
		return nil, err
	}
	item.Violations = decoded
	if item.CreatedAt, err = time.Parse(database.TimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if item.UpdatedAt, err = time.Parse(database.TimeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &item, nil
}
