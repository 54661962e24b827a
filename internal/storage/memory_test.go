package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dharsanguruparan/snapcheck/internal/model"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
	"github.com/dharsanguruparan/snapcheck/internal/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	item, err := s.Create(ctx, model.Metadata{Title: "x"}, "file:///tmp/x.jpg")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, item.ID, model.StatusComplete, model.Violations{"blur": 0.8}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ := s.Get(ctx, item.ID)
	got.Violations["blur"] = 0.1
	got.Status = model.StatusPending
	again, _ := s.Get(ctx, item.ID)
	if again.Status != model.StatusComplete || again.Violations["blur"] != 0.8 {
		t.Fatalf("caller mutation leaked into store: %#v", again)
	}
}

type statFunc func(ctx context.Context, ref string) error

func (f statFunc) Stat(ctx context.Context, ref string) error { return f(ctx, ref) }

func TestVerifyingRejectsUnreadableReference(t *testing.T) {
	inner := storage.NewMemoryStore()
	s := storage.NewVerifying(inner, statFunc(func(ctx context.Context, ref string) error {
		return errors.New("no such file")
	}))
	_, err := s.Create(context.Background(), model.Metadata{}, "file:///missing.jpg")
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Fields["image"] == "" {
		t.Fatalf("expected image ValidationError, got %v", err)
	}
	items, _ := inner.List(context.Background(), model.ListFilter{})
	if len(items) != 0 {
		t.Fatalf("expected no item to be created, got %d", len(items))
	}
}
