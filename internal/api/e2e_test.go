package api_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dharsanguruparan/snapcheck/internal/api"
	"github.com/dharsanguruparan/snapcheck/internal/imagestore"
	"github.com/dharsanguruparan/snapcheck/internal/model"
	"github.com/dharsanguruparan/snapcheck/internal/poller"
	"github.com/dharsanguruparan/snapcheck/internal/queue"
	"github.com/dharsanguruparan/snapcheck/internal/render"
	"github.com/dharsanguruparan/snapcheck/internal/signing"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
	"github.com/dharsanguruparan/snapcheck/internal/submission"
	"github.com/dharsanguruparan/snapcheck/internal/worker"
)

// chanTransport hands descriptors straight to an in-process worker.
type chanTransport chan queue.Descriptor

func (c chanTransport) Name() string { return "chan" }

func (c chanTransport) Publish(ctx context.Context, d queue.Descriptor) error {
	select {
	case c <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c chanTransport) Close() error { return nil }

type blurAnalyzer struct{}

func (blurAnalyzer) Analyze(ctx context.Context, image io.Reader, meta model.Metadata) (model.Violations, error) {
	if _, err := io.Copy(io.Discard, image); err != nil {
		return nil, err
	}
	return model.Violations{"blur": 0.8}, nil
}

type system struct {
	store       *storage.MemoryStore
	images      *imagestore.Filesystem
	descriptors chanTransport
	processor   *worker.Processor
	base        string
}

func startSystem(t *testing.T) *system {
	t.Helper()
	images, err := imagestore.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	renderer, err := render.New(0)
	if err != nil {
		t.Fatal(err)
	}
	signer := signing.NewSigner([]byte("e2e"))
	sys := &system{
		store:       storage.NewMemoryStore(),
		images:      images,
		descriptors: make(chanTransport, 4),
	}
	client := queue.NewClient(sys.descriptors, signer)
	svc := submission.NewService(sys.store, images, client, submission.LeavePending)
	srv := httptest.NewServer(api.New(sys.store, svc, renderer, api.Options{
		Limits: submission.Limits{MaxImageBytes: 1 << 20, TempDir: t.TempDir()},
	}).Handler())
	t.Cleanup(srv.Close)
	sys.base = srv.URL
	sys.processor = worker.NewProcessor(sys.store, images, blurAnalyzer{}, signer, worker.FailOnReadError)
	return sys
}

func (s *system) submit(t *testing.T) (string, queue.Descriptor) {
	t.Helper()
	body, contentType := uploadBody(t, true, map[string]string{"title": "Red dress"})
	req, err := http.NewRequest(http.MethodPost, s.base+"/items", body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	select {
	case d := <-s.descriptors:
		id := strings.TrimPrefix(resp.Header.Get("Location"), "/items/")
		if d.WorkItemID != id {
			t.Fatalf("descriptor for %s, created %s", d.WorkItemID, id)
		}
		return id, d
	default:
		t.Fatal("no descriptor published")
		return "", queue.Descriptor{}
	}
}

func (s *system) poll(t *testing.T, id string) (poller.Outcome, []string) {
	t.Helper()
	var rendered []string
	p := poller.New(&poller.HTTPFetcher{BaseURL: s.base}, id, func(f string) { rendered = append(rendered, f) },
		poller.Options{Interval: 10 * time.Millisecond, MaxDuration: 5 * time.Second})
	outcome, err := p.Run(context.Background())
	if err != nil && !errors.Is(err, poller.ErrNotFound) {
		t.Fatalf("poll: %v", err)
	}
	return outcome, rendered
}

func TestEndToEndHappyPath(t *testing.T) {
	sys := startSystem(t)
	id, d := sys.submit(t)

	item, _ := sys.store.Get(context.Background(), id)
	if item.Status != model.StatusPending {
		t.Fatalf("status after submit = %s", item.Status)
	}
	go func() { _ = sys.processor.Handle(context.Background(), d) }()

	outcome, rendered := sys.poll(t, id)
	if outcome != poller.Terminal {
		t.Fatalf("outcome = %s", outcome)
	}
	last := rendered[len(rendered)-1]
	if !strings.Contains(last, "blur") || !strings.Contains(last, "0.8") {
		t.Fatalf("final fragment lacks violations:\n%s", last)
	}
	item, _ = sys.store.Get(context.Background(), id)
	if diff := cmp.Diff(model.Violations{"blur": 0.8}, item.Violations); item.Status != model.StatusComplete || diff != "" {
		t.Fatalf("final item %s (-want +got):\n%s", item.Status, diff)
	}
}

func TestEndToEndMissingImage(t *testing.T) {
	sys := startSystem(t)
	id, d := sys.submit(t)

	item, _ := sys.store.Get(context.Background(), id)
	rc, err := sys.images.Open(context.Background(), item.ImageReference)
	if err != nil {
		t.Fatal(err)
	}
	name := rc.(*os.File).Name()
	rc.Close()
	if err := os.Remove(name); err != nil {
		t.Fatal(err)
	}
	if err := sys.processor.Handle(context.Background(), d); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	outcome, rendered := sys.poll(t, id)
	if outcome != poller.Terminal {
		t.Fatalf("outcome = %s", outcome)
	}
	if !strings.Contains(rendered[len(rendered)-1], "error_message") {
		t.Fatalf("final fragment lacks the error:\n%s", rendered[len(rendered)-1])
	}
	item, _ = sys.store.Get(context.Background(), id)
	if item.Status != model.StatusFailed {
		t.Fatalf("status = %s", item.Status)
	}
}

func TestEndToEndUnknownItem(t *testing.T) {
	sys := startSystem(t)
	outcome, rendered := sys.poll(t, "00000000-0000-0000-0000-000000000000")
	if outcome != poller.NotFound || len(rendered) != 0 {
		t.Fatalf("outcome = %s after %d renders", outcome, len(rendered))
	}
}
