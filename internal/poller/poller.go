// Package poller is the client side of the status stream: a timer loop that
// fetches the rendered fragment for one work item until it carries the
// terminal marker, the item disappears, or the session ends.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/snapcheck/internal/render"
)

// DefaultInterval matches the page's poller script.
const DefaultInterval = 2 * time.Second

// ErrNotFound is returned by a Fetcher when the item does not exist.
var ErrNotFound = errors.New("work item not found")

// Fetcher returns the current rendered fragment for an item.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, id string) (string, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, id string) (string, error) { return f(ctx, id) }

// Outcome says why Run returned.
type Outcome string

const (
	Terminal  Outcome = "terminal"
	NotFound  Outcome = "not_found"
	Cancelled Outcome = "cancelled"
	GaveUp    Outcome = "gave_up"
)

// Options tunes a Poller. Zero MaxAttempts and MaxDuration mean unbounded.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	MaxDuration time.Duration
	// AllowStale renders every response in arrival order, even one older
	// than the fragment already shown.
	AllowStale bool
}

// Poller polls one work item.
type Poller struct {
	id      string
	fetcher Fetcher
	render  func(fragment string)
	opts    Options
}

// New builds a poller that hands each accepted fragment to render. render is
// only ever called from the Run goroutine.
func New(fetcher Fetcher, id string, render func(fragment string), opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Poller{id: id, fetcher: fetcher, render: render, opts: opts}
}

type response struct {
	seq      int
	fragment string
	err      error
}

// Run blocks until the poll ends. The first fetch happens one interval after
// the call. Cancelling ctx stops the timer; Run always waits for in-flight
// fetches before returning.
func (p *Poller) Run(ctx context.Context) (Outcome, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if p.opts.MaxDuration > 0 {
		timer := time.NewTimer(p.opts.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	results := make(chan response)
	sent, inFlight, rendered := 0, 0, 0
	tick := ticker.C
	logger := log.With().Str("item_id", p.id).Logger()

	for {
		select {
		case <-ctx.Done():
			return Cancelled, ctx.Err()

		case <-deadline:
			logger.Warn().Dur("max_duration", p.opts.MaxDuration).Msg("giving up on work item")
			return GaveUp, nil

		case <-tick:
			sent++
			inFlight++
			wg.Add(1)
			go func(seq int) {
				defer wg.Done()
				fragment, err := p.fetcher.Fetch(fetchCtx, p.id)
				select {
				case results <- response{seq: seq, fragment: fragment, err: err}:
				case <-fetchCtx.Done():
				}
			}(sent)
			if p.opts.MaxAttempts > 0 && sent >= p.opts.MaxAttempts {
				ticker.Stop()
				tick = nil
			}

		case r := <-results:
			inFlight--
			switch {
			case errors.Is(r.err, ErrNotFound):
				return NotFound, r.err
			case r.err != nil:
				logger.Warn().Err(r.err).Int("seq", r.seq).Msg("status fetch failed")
			case r.seq < rendered && !p.opts.AllowStale:
				logger.Debug().Int("seq", r.seq).Int("rendered", rendered).Msg("discarding stale response")
			default:
				rendered = r.seq
				p.render(r.fragment)
				if strings.Contains(r.fragment, render.Marker) {
					return Terminal, nil
				}
			}
			if tick == nil && inFlight == 0 {
				logger.Warn().Int("attempts", sent).Msg("giving up on work item")
				return GaveUp, nil
			}
		}
	}
}

// HTTPFetcher asks the web tier for the turbo-stream fragment.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, id string) (string, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimRight(f.BaseURL, "/") + "/items/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", render.TurboStreamContentType)
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read status response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return string(body), nil
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	default:
		return "", fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
}
