package worker_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dharsanguruparan/snapcheck/internal/imagestore"
	"github.com/dharsanguruparan/snapcheck/internal/model"
	"github.com/dharsanguruparan/snapcheck/internal/queue"
	"github.com/dharsanguruparan/snapcheck/internal/signing"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
	"github.com/dharsanguruparan/snapcheck/internal/worker"
)

type fakeAnalyzer struct {
	calls  atomic.Int32
	result model.Violations
	err    error
	seen   []byte
	mu     sync.Mutex
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, image io.Reader, meta model.Metadata) (model.Violations, error) {
	f.calls.Add(1)
	b, err := io.ReadAll(image)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.seen = b
	f.mu.Unlock()
	return f.result, f.err
}

type fixture struct {
	store    *storage.MemoryStore
	images   *imagestore.Filesystem
	analyzer *fakeAnalyzer
	signer   *signing.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	images, err := imagestore.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store:    storage.NewMemoryStore(),
		images:   images,
		analyzer: &fakeAnalyzer{result: model.Violations{"blur": 0.8}},
		signer:   signing.NewSigner([]byte("secret")),
	}
}

func (f *fixture) processor(policy worker.ReadFailurePolicy) *worker.Processor {
	return worker.NewProcessor(f.store, f.images, f.analyzer, f.signer, policy)
}

func (f *fixture) submit(t *testing.T) (*model.WorkItem, queue.Descriptor) {
	t.Helper()
	ctx := context.Background()
	ref, err := f.images.Put(ctx, "shoe.jpg", bytes.NewReader([]byte("image bytes")), 11, "image/jpeg")
	if err != nil {
		t.Fatal(err)
	}
	item, err := f.store.Create(ctx, model.Metadata{Title: "Shoe"}, ref)
	if err != nil {
		t.Fatal(err)
	}
	return item, queue.NewDescriptor(item.ID, ref, time.Now(), f.signer)
}

func TestHandleCompletesItem(t *testing.T) {
	f := newFixture(t)
	item, d := f.submit(t)

	if err := f.processor("").Handle(context.Background(), d); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, err := f.store.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	if diff := cmp.Diff(model.Violations{"blur": 0.8}, got.Violations); diff != "" {
		t.Fatalf("violations (-want +got):\n%s", diff)
	}
	if string(f.analyzer.seen) != "image bytes" {
		t.Fatalf("analyzer saw %q", f.analyzer.seen)
	}
}

func TestDuplicateDeliveryIsInert(t *testing.T) {
	f := newFixture(t)
	item, d := f.submit(t)
	p := f.processor("")
	ctx := context.Background()

	if err := p.Handle(ctx, d); err != nil {
		t.Fatal(err)
	}
	first, _ := f.store.Get(ctx, item.ID)
	if err := p.Handle(ctx, d); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	second, _ := f.store.Get(ctx, item.ID)
	if f.analyzer.calls.Load() != 1 {
		t.Fatalf("analyzer ran %d times, want 1", f.analyzer.calls.Load())
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) || second.Status != model.StatusComplete {
		t.Fatalf("duplicate delivery changed the item: %+v -> %+v", first, second)
	}
}

func TestConcurrentDeliveriesFinishOnce(t *testing.T) {
	f := newFixture(t)
	item, d := f.submit(t)
	p := f.processor("")

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Handle(context.Background(), d)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	got, _ := f.store.Get(context.Background(), item.ID)
	if got.Status != model.StatusComplete {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestRedeliveryWhileProcessing(t *testing.T) {
	f := newFixture(t)
	item, d := f.submit(t)
	ctx := context.Background()
	if _, err := f.store.UpdateStatus(ctx, item.ID, model.StatusProcessing, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.processor("").Handle(ctx, d); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := f.store.Get(ctx, item.ID)
	if got.Status != model.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
}

func TestMissingImage(t *testing.T) {
	t.Run("fail policy marks failed", func(t *testing.T) {
		f := newFixture(t)
		item, d := f.submit(t)
		removeStaged(t, f, item)

		if err := f.processor(worker.FailOnReadError).Handle(context.Background(), d); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		got, _ := f.store.Get(context.Background(), item.ID)
		if got.Status != model.StatusFailed {
			t.Fatalf("status = %s, want failed", got.Status)
		}
		msg, _ := got.Violations["error_message"].(string)
		if !strings.HasPrefix(msg, "image could not be read") {
			t.Fatalf("error_message = %q", msg)
		}
		if f.analyzer.calls.Load() != 0 {
			t.Fatal("analyzer should not run")
		}
	})

	t.Run("retry policy asks for redelivery", func(t *testing.T) {
		f := newFixture(t)
		item, d := f.submit(t)
		removeStaged(t, f, item)

		err := f.processor(worker.RetryOnReadError).Handle(context.Background(), d)
		if err == nil || queue.IsPermanent(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
		got, _ := f.store.Get(context.Background(), item.ID)
		if got.Status != model.StatusProcessing {
			t.Fatalf("status = %s, want processing", got.Status)
		}
	})
}

func removeStaged(t *testing.T, f *fixture, item *model.WorkItem) {
	t.Helper()
	rc, err := f.images.Open(context.Background(), item.ImageReference)
	if err != nil {
		t.Fatal(err)
	}
	name := rc.(*os.File).Name()
	rc.Close()
	if err := os.Remove(name); err != nil {
		t.Fatal(err)
	}
}

func TestAnalyzerErrorMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.analyzer.err = errors.New("model timed out")
	item, d := f.submit(t)

	if err := f.processor("").Handle(context.Background(), d); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := f.store.Get(context.Background(), item.ID)
	want := model.Violations{"error_message": "analysis failed: model timed out"}
	if got.Status != model.StatusFailed || !cmp.Equal(want, got.Violations) {
		t.Fatalf("got %s %v", got.Status, got.Violations)
	}
}

func TestRejectsBadDescriptors(t *testing.T) {
	f := newFixture(t)
	item, d := f.submit(t)
	p := f.processor("")

	forged := d
	forged.Signature = "00"
	if err := p.Handle(context.Background(), forged); !queue.IsPermanent(err) {
		t.Fatalf("forged descriptor: expected permanent error, got %v", err)
	}
	got, _ := f.store.Get(context.Background(), item.ID)
	if got.Status != model.StatusPending {
		t.Fatalf("forged descriptor moved item to %s", got.Status)
	}

	unknown := queue.NewDescriptor("missing", d.ImageReference, time.Now(), f.signer)
	if err := p.Handle(context.Background(), unknown); !queue.IsPermanent(err) || !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown item: expected permanent not-found, got %v", err)
	}
}
