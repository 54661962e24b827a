// Package render produces the status fragment, its turbo-stream envelope and
// the HTML pages around it. The fragment is a pure function of the stored
// item and carries the terminal marker only when the item is terminal.
package render

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dharsanguruparan/snapcheck/internal/model"
)

const (
	// Marker is the token pollers look for to stop polling.
	Marker = "complete-flag"
	// TurboStreamContentType is both the Accept value that selects the
	// fragment and the Content-Type it is served with.
	TurboStreamContentType = "text/vnd.turbo-stream.html"
	// DefaultPollInterval is the browser poller's period.
	DefaultPollInterval = 2 * time.Second
)

// defused is the marker with U+2011 (non-breaking hyphen) in place of the
// ASCII hyphen. It reads the same but never matches Marker.
const defused = "complete‑flag"

//go:embed templates/*.html
var templateFS embed.FS

// Scrub neutralises any occurrence of the marker in text that did not come
// from the renderer itself.
func Scrub(s string) string {
	return strings.ReplaceAll(s, Marker, defused)
}

// DomID is the element id the fragment replaces.
func DomID(id string) string {
	return "work_item_" + id
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

var funcs = template.FuncMap{
	"scrub":       Scrub,
	"domID":       DomID,
	"formatValue": formatValue,
	"marker":      func() string { return Marker },
	"ago":         humanize.Time,
}

// Renderer holds the parsed template sets.
type Renderer struct {
	fragment *template.Template
	pages    map[string]*template.Template
	interval time.Duration
}

// New parses the embedded templates. pollInterval <= 0 uses the default.
func New(pollInterval time.Duration) (*Renderer, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	fragment, err := template.New("fragment").Funcs(funcs).ParseFS(templateFS, "templates/fragment.html", "templates/stream.html")
	if err != nil {
		return nil, fmt.Errorf("parse fragment templates: %w", err)
	}
	r := &Renderer{fragment: fragment, pages: make(map[string]*template.Template), interval: pollInterval}
	for _, page := range []string{"show", "index", "new"} {
		t, err := template.New(page).Funcs(funcs).ParseFS(templateFS,
			"templates/layout.html", "templates/fragment.html", "templates/"+page+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", page, err)
		}
		r.pages[page] = t
	}
	return r, nil
}

// Fragment renders the status fragment for item.
func (r *Renderer) Fragment(w io.Writer, item *model.WorkItem) error {
	return r.execute(w, r.fragment, "fragment", item)
}

// TurboStream renders the fragment wrapped in a replace action.
func (r *Renderer) TurboStream(w io.Writer, item *model.WorkItem) error {
	return r.execute(w, r.fragment, "stream", item)
}

// ShowPage renders the full item page with the browser poller.
func (r *Renderer) ShowPage(w io.Writer, item *model.WorkItem) error {
	return r.execute(w, r.pages["show"], "layout", struct {
		Item           *model.WorkItem
		PollIntervalMS int64
	}{item, r.interval.Milliseconds()})
}

// IndexPage renders the submission list.
func (r *Renderer) IndexPage(w io.Writer, items []*model.WorkItem) error {
	return r.execute(w, r.pages["index"], "layout", struct {
		Items []*model.WorkItem
	}{items})
}

// FormView is the state of the upload form.
type FormView struct {
	Metadata model.Metadata
	Errors   map[string]string
}

// NewPage renders the upload form, with field errors when re-rendering.
func (r *Renderer) NewPage(w io.Writer, view FormView) error {
	return r.execute(w, r.pages["new"], "layout", view)
}

// execute renders into a buffer first so a template error never leaves a
// half-written response.
func (r *Renderer) execute(w io.Writer, t *template.Template, name string, data any) error {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	_, err := buf.WriteTo(w)
	return err
}
