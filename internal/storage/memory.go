// Package storage defines the work item store contract and keeps the
// in-memory implementation. Durable backends live in internal/repository.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/snapcheck/internal/model"
)

// MemoryStore keeps work items in a map guarded by an RWMutex. Readers share
// the read lock; a status write holds the write lock for the whole
// check-and-set so no reader sees a half-applied status/result pair.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*model.WorkItem
	now   func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*model.WorkItem),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a pending item.
func (m *MemoryStore) Create(ctx context.Context, meta model.Metadata, imageRef string) (*model.WorkItem, error) {
	if err := ValidateReference(imageRef); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
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
	m.items[item.ID] = item
	return item.Clone(), nil
}

// Get returns a copy of the item.
func (m *MemoryStore) Get(ctx context.Context, id string) (*model.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return item.Clone(), nil
}

// UpdateStatus applies a validated transition.
func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status model.Status, violations model.Violations) (*model.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	payload, err := model.ValidateUpdate(item.Status, status, violations)
	if err != nil {
		return nil, err
	}
	item.Status = status
	item.Violations = payload
	item.UpdatedAt = m.now()
	return item.Clone(), nil
}

// List returns matching items, newest first.
func (m *MemoryStore) List(ctx context.Context, filter model.ListFilter) ([]*model.WorkItem, error) {
	m.mu.RLock()
	out := make([]*model.WorkItem, 0, len(m.items))
	for _, item := range m.items {
		if filter.Match(item) {
			out = append(out, item.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
