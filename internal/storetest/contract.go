// Package storetest holds the contract suite every work item store backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dharsanguruparan/snapcheck/internal/model"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

// Run executes the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("CreateStartsPending", func(t *testing.T) { testCreateStartsPending(t, newStore(t)) })
	t.Run("CreateRequiresReference", func(t *testing.T) { testCreateRequiresReference(t, newStore(t)) })
	t.Run("UnknownID", func(t *testing.T) { testUnknownID(t, newStore(t)) })
	t.Run("IllegalTransitionsLeaveStateUnchanged", func(t *testing.T) { testIllegalTransitions(t, newStore) })
	t.Run("HappyPath", func(t *testing.T) { testHappyPath(t, newStore(t)) })
	t.Run("TerminalWriteIsIdempotent", func(t *testing.T) { testTerminalIdempotent(t, newStore(t)) })
	t.Run("ConcurrentTerminalWritesHaveOneWinner", func(t *testing.T) { testConcurrentWriters(t, newStore(t)) })
	t.Run("PayloadOnlyWithTerminalStatus", func(t *testing.T) { testPayloadRules(t, newStore(t)) })
	t.Run("ListFilters", func(t *testing.T) { testList(t, newStore(t)) })
}

func mustCreate(t *testing.T, s storage.Store, title string) *model.WorkItem {
	t.Helper()
	item, err := s.Create(context.Background(), model.Metadata{Title: title, Taxonomy: "Apparel & Accessories"}, "file:///tmp/"+title+".jpg")
	if err != nil {
		t.Fatalf("Create(%s): %v", title, err)
	}
	return item
}

func testCreateStartsPending(t *testing.T, s storage.Store) {
	ctx := context.Background()
	item := mustCreate(t, s, "dress")
	if item.ID == "" {
		t.Fatal("expected id to be assigned")
	}
	if item.Status != model.StatusPending {
		t.Fatalf("status = %s, want pending", item.Status)
	}
	if len(item.Violations) != 0 {
		t.Fatalf("expected empty violations, got %v", item.Violations)
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(item, got, timeApprox()); diff != "" {
		t.Fatalf("Get mismatch (-created +got):\n%s", diff)
	}
	other := mustCreate(t, s, "boots")
	if other.ID == item.ID {
		t.Fatal("expected distinct ids")
	}
}

func testCreateRequiresReference(t *testing.T, s storage.Store) {
	_, err := s.Create(context.Background(), model.Metadata{Title: "x"}, "")
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	items, err := s.List(context.Background(), model.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items, got %d", len(items))
	}
}

func testUnknownID(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, "00000000-0000-4000-8000-000000000000"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get: expected ErrNotFound, got %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "00000000-0000-4000-8000-000000000000", model.StatusComplete, nil); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("UpdateStatus: expected ErrNotFound, got %v", err)
	}
}

// driveTo moves a fresh item into the requested status via legal steps.
func driveTo(t *testing.T, s storage.Store, id string, target model.Status) {
	t.Helper()
	ctx := context.Background()
	switch target {
	case model.StatusPending:
		return
	case model.StatusProcessing:
		if _, err := s.UpdateStatus(ctx, id, model.StatusProcessing, nil); err != nil {
			t.Fatalf("drive to processing: %v", err)
		}
	case model.StatusComplete, model.StatusFailed:
		if _, err := s.UpdateStatus(ctx, id, target, model.Violations{"seed": "x"}); err != nil {
			t.Fatalf("drive to %s: %v", target, err)
		}
	}
}

func testIllegalTransitions(t *testing.T, newStore Factory) {
	for _, from := range model.Statuses {
		for _, to := range model.Statuses {
			if from.CanTransition(to) {
				continue
			}
			from, to := from, to
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()
				item := mustCreate(t, s, "item")
				driveTo(t, s, item.ID, from)
				before, err := s.Get(ctx, item.ID)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				var payload model.Violations
				if to.Terminal() {
					payload = model.Violations{"other": 1.0}
				}
				_, err = s.UpdateStatus(ctx, item.ID, to, payload)
				if !errors.Is(err, model.ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				after, err := s.Get(ctx, item.ID)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if diff := cmp.Diff(before, after); diff != "" {
					t.Fatalf("state changed after rejected write (-before +after):\n%s", diff)
				}
			})
		}
	}
}

func testHappyPath(t *testing.T, s storage.Store) {
	ctx := context.Background()
	item := mustCreate(t, s, "jacket")
	processing, err := s.UpdateStatus(ctx, item.ID, model.StatusProcessing, nil)
	if err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if processing.Status != model.StatusProcessing || len(processing.Violations) != 0 {
		t.Fatalf("unexpected processing item: %#v", processing)
	}
	done, err := s.UpdateStatus(ctx, item.ID, model.StatusComplete, model.Violations{"blur": 0.8})
	if err != nil {
		t.Fatalf("to complete: %v", err)
	}
	want := model.Violations{"blur": 0.8}
	if diff := cmp.Diff(want, done.Violations); diff != "" {
		t.Fatalf("violations mismatch (-want +got):\n%s", diff)
	}
	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	if diff := cmp.Diff(want, got.Violations); diff != "" {
		t.Fatalf("stored violations mismatch (-want +got):\n%s", diff)
	}
	if got.ImageReference != item.ImageReference || got.Title != item.Title || !got.CreatedAt.Equal(item.CreatedAt) {
		t.Fatalf("immutable fields changed: %#v", got)
	}
}

func testTerminalIdempotent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	item := mustCreate(t, s, "hat")
	payload := model.Violations{"blur": 0.8}
	if _, err := s.UpdateStatus(ctx, item.ID, model.StatusComplete, payload); err != nil {
		t.Fatalf("first terminal write: %v", err)
	}
	once, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, item.ID, model.StatusComplete, payload); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("second terminal write: expected ErrInvalidTransition, got %v", err)
	}
	twice, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Fatalf("duplicate terminal write changed state (-once +twice):\n%s", diff)
	}
}

func testConcurrentWriters(t *testing.T, s storage.Store) {
	ctx := context.Background()
	item := mustCreate(t, s, "scarf")
	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			status := model.StatusComplete
			if n%2 == 1 {
				status = model.StatusFailed
			}
			_, err := s.UpdateStatus(ctx, item.ID, status, model.Violations{"writer": float64(n)})
			if err == nil {
				mu.Lock()
				winners = append(winners, n)
				mu.Unlock()
				return
			}
			if !errors.Is(err, model.ErrInvalidTransition) {
				t.Errorf("writer %d: unexpected error %v", n, err)
			}
		}(i)
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winning writer, got %v", winners)
	}
	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Violations["writer"] != float64(winners[0]) {
		t.Fatalf("stored payload %v does not belong to winner %d", got.Violations, winners[0])
	}
}

func testPayloadRules(t *testing.T, s storage.Store) {
	ctx := context.Background()
	item := mustCreate(t, s, "belt")
	if _, err := s.UpdateStatus(ctx, item.ID, model.StatusProcessing, model.Violations{"early": true}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusPending || len(got.Violations) != 0 {
		t.Fatalf("rejected write changed state: %#v", got)
	}
	failed, err := s.UpdateStatus(ctx, item.ID, model.StatusFailed, nil)
	if err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if failed.Violations == nil || len(failed.Violations) != 0 {
		t.Fatalf("expected empty violations, got %#v", failed.Violations)
	}
}

func testList(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first := mustCreate(t, s, "first")
	time.Sleep(5 * time.Millisecond)
	second := mustCreate(t, s, "second")
	time.Sleep(5 * time.Millisecond)
	third := mustCreate(t, s, "third")
	if _, err := s.UpdateStatus(ctx, second.ID, model.StatusProcessing, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	all, err := s.List(ctx, model.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got, want := ids(all), []string{third.ID, second.ID, first.ID}; !cmp.Equal(got, want) {
		t.Fatalf("List order = %v, want %v", got, want)
	}

	pending, err := s.List(ctx, model.ListFilter{Status: model.StatusPending})
	if err != nil {
		t.Fatalf("List pending: %v", err)
	}
	if got, want := ids(pending), []string{third.ID, first.ID}; !cmp.Equal(got, want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}

	stuck, err := s.List(ctx, model.ListFilter{Status: model.StatusPending, OlderThan: third.CreatedAt})
	if err != nil {
		t.Fatalf("List stuck: %v", err)
	}
	if got, want := ids(stuck), []string{first.ID}; !cmp.Equal(got, want) {
		t.Fatalf("stuck = %v, want %v", got, want)
	}

	limited, err := s.List(ctx, model.ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != third.ID {
		t.Fatalf("limited = %v", ids(limited))
	}
}

func ids(items []*model.WorkItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

// timeApprox tolerates the precision loss of database timestamp columns.
func timeApprox() cmp.Option {
	return cmp.Comparer(func(a, b time.Time) bool {
		d := a.Sub(b)
		if d < 0 {
			d = -d
		}
		return d < time.Millisecond
	})
}
