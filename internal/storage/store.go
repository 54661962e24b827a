package storage

import (
	"context"
	"fmt"

	"github.com/dharsanguruparan/snapcheck/internal/model"
)

// Store is the work item store contract shared by the memory, SQLite and
// PostgreSQL backends. Every mutation is atomic with respect to readers.
type Store interface {
	Create(ctx context.Context, meta model.Metadata, imageRef string) (*model.WorkItem, error)
	Get(ctx context.Context, id string) (*model.WorkItem, error)
	UpdateStatus(ctx context.Context, id string, status model.Status, violations model.Violations) (*model.WorkItem, error)
	List(ctx context.Context, filter model.ListFilter) ([]*model.WorkItem, error)
	Close() error
}

// ReferenceChecker confirms an image reference resolves to readable bytes.
type ReferenceChecker interface {
	Stat(ctx context.Context, ref string) error
}

// Verifying wraps a Store so Create refuses references that cannot be read.
type Verifying struct {
	Store
	checker ReferenceChecker
}

// NewVerifying returns a Store whose Create checks the reference first.
func NewVerifying(store Store, checker ReferenceChecker) *Verifying {
	return &Verifying{Store: store, checker: checker}
}

// Create validates the reference and then delegates to the wrapped store.
func (v *Verifying) Create(ctx context.Context, meta model.Metadata, imageRef string) (*model.WorkItem, error) {
	if err := ValidateReference(imageRef); err != nil {
		return nil, err
	}
	if err := v.checker.Stat(ctx, imageRef); err != nil {
		verr := model.NewValidationError("image", "could not be read")
		return nil, fmt.Errorf("%w (%v)", verr, err)
	}
	return v.Store.Create(ctx, meta, imageRef)
}

// ValidateReference rejects an absent image reference.
func ValidateReference(imageRef string) error {
	if imageRef == "" {
		return model.NewValidationError("image", "can't be blank")
	}
	return nil
}
