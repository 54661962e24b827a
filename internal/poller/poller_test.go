package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/dharsanguruparan/snapcheck/internal/render"
)

const fastInterval = 5 * time.Millisecond

func terminalFragment() string { return `<div data-marker="` + render.Marker + `">done</div>` }

func TestStopsOnTerminalMarker(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	fetch := FetcherFunc(func(ctx context.Context, id string) (string, error) {
		if calls.Add(1) < 3 {
			return "pending", nil
		}
		return terminalFragment(), nil
	})
	var rendered []string
	p := New(fetch, "item-1", func(f string) { rendered = append(rendered, f) }, Options{Interval: fastInterval})

	outcome, err := p.Run(context.Background())
	if err != nil || outcome != Terminal {
		t.Fatalf("Run = %s, %v", outcome, err)
	}
	if diff := cmp.Diff([]string{"pending", "pending", terminalFragment()}, rendered); diff != "" {
		t.Fatalf("rendered (-want +got):\n%s", diff)
	}
	seen := calls.Load()
	time.Sleep(5 * fastInterval)
	if calls.Load() != seen {
		t.Fatal("poller kept fetching after the terminal marker")
	}
}

func TestStopsOnNotFound(t *testing.T) {
	defer goleak.VerifyNone(t)

	fetch := FetcherFunc(func(ctx context.Context, id string) (string, error) {
		return "", ErrNotFound
	})
	p := New(fetch, "missing", func(string) { t.Fatal("nothing should render") }, Options{Interval: fastInterval})
	outcome, err := p.Run(context.Background())
	if outcome != NotFound || !errors.Is(err, ErrNotFound) {
		t.Fatalf("Run = %s, %v", outcome, err)
	}
}

func TestTransientErrorsKeepPolling(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	fetch := FetcherFunc(func(ctx context.Context, id string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("connection reset")
		}
		return terminalFragment(), nil
	})
	outcome, _ := New(fetch, "x", func(string) {}, Options{Interval: fastInterval}).Run(context.Background())
	if outcome != Terminal {
		t.Fatalf("outcome = %s", outcome)
	}
}

func TestTeardownWaitsForInFlightFetch(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	var finished atomic.Bool
	fetch := FetcherFunc(func(ctx context.Context, id string) (string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		finished.Store(true)
		return "", ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := New(fetch, "x", func(string) {}, Options{Interval: fastInterval}).Run(ctx)
		done <- outcome
	}()
	<-started
	cancel()
	if outcome := <-done; outcome != Cancelled {
		t.Fatalf("outcome = %s", outcome)
	}
	if !finished.Load() {
		t.Fatal("Run returned before the in-flight fetch finished")
	}
}

func TestSequenceGuard(t *testing.T) {
	run := func(t *testing.T, allowStale bool) []string {
		release := make(chan struct{})
		var calls atomic.Int32
		fetch := FetcherFunc(func(ctx context.Context, id string) (string, error) {
			switch calls.Add(1) {
			case 1:
				<-release
				return "old", nil
			case 2:
				return "new", nil
			default:
				time.Sleep(100 * time.Millisecond)
				return terminalFragment(), nil
			}
		})
		var rendered []string
		p := New(fetch, "x", func(f string) {
			rendered = append(rendered, f)
			if f == "new" {
				close(release)
			}
		}, Options{Interval: fastInterval, AllowStale: allowStale, MaxAttempts: 3})
		if outcome, err := p.Run(context.Background()); outcome != Terminal {
			t.Fatalf("Run = %s, %v", outcome, err)
		}
		return rendered
	}

	t.Run("discards older responses", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		if diff := cmp.Diff([]string{"new", terminalFragment()}, run(t, false)); diff != "" {
			t.Fatalf("rendered (-want +got):\n%s", diff)
		}
	})
	t.Run("arrival order when disabled", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		if diff := cmp.Diff([]string{"new", "old", terminalFragment()}, run(t, true)); diff != "" {
			t.Fatalf("rendered (-want +got):\n%s", diff)
		}
	})
}

func TestCircuitBreaker(t *testing.T) {
	pending := FetcherFunc(func(ctx context.Context, id string) (string, error) { return "pending", nil })

	t.Run("max attempts", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		var renders int
		outcome, err := New(pending, "x", func(string) { renders++ }, Options{Interval: fastInterval, MaxAttempts: 3}).Run(context.Background())
		if outcome != GaveUp || err != nil || renders != 3 {
			t.Fatalf("Run = %s, %v after %d renders", outcome, err, renders)
		}
	})
	t.Run("max duration", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		start := time.Now()
		outcome, _ := New(pending, "x", func(string) {}, Options{Interval: fastInterval, MaxDuration: 30 * time.Millisecond}).Run(context.Background())
		if outcome != GaveUp {
			t.Fatalf("outcome = %s", outcome)
		}
		if time.Since(start) > time.Second {
			t.Fatal("max duration not honoured")
		}
	})
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != render.TurboStreamContentType {
			http.Error(w, "wrong accept", http.StatusNotAcceptable)
			return
		}
		if r.URL.Path != "/items/known" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", render.TurboStreamContentType)
		_, _ = w.Write([]byte("<turbo-stream></turbo-stream>"))
	}))
	defer srv.Close()

	f := &HTTPFetcher{BaseURL: srv.URL, Client: srv.Client()}
	body, err := f.Fetch(context.Background(), "known")
	if err != nil || body != "<turbo-stream></turbo-stream>" {
		t.Fatalf("Fetch = %q, %v", body, err)
	}
	if _, err := f.Fetch(context.Background(), "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
