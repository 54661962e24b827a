// Package model contains the work item types shared by the web tier, the
// stores and the worker.
package model

import (
	"path/filepath"
	"strings"
	"time"
)

// Violations is the worker's structured result payload. It stays empty until
// the item reaches a terminal status.
type Violations map[string]any

// Clone returns a shallow copy so callers cannot mutate stored state.
func (v Violations) Clone() Violations {
	if v == nil {
		return Violations{}
	}
	out := make(Violations, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Metadata is the descriptive part of a submission. It is only written by the
// producer at creation time.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Taxonomy    string `json:"taxonomy"`
}

// WithDefaultTitle fills an empty title from the uploaded file name, minus its
// extension.
func (m Metadata) WithDefaultTitle(filename string) Metadata {
	if strings.TrimSpace(m.Title) != "" {
		return m
	}
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) {
		return m
	}
	m.Title = strings.TrimSuffix(base, filepath.Ext(base))
	return m
}

// WorkItem is one submitted image tracked through the status state machine.
type WorkItem struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Taxonomy       string     `json:"taxonomy"`
	Status         Status     `json:"status"`
	Violations     Violations `json:"violations"`
	ImageReference string     `json:"imageReference"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Metadata returns the producer-owned descriptive fields.
func (w *WorkItem) Metadata() Metadata {
	return Metadata{Title: w.Title, Description: w.Description, Taxonomy: w.Taxonomy}
}

// Terminal reports whether the item has reached complete or failed.
func (w *WorkItem) Terminal() bool {
	return w.Status.Terminal()
}

// Clone returns a deep enough copy for handing stored items to callers.
func (w *WorkItem) Clone() *WorkItem {
	out := *w
	out.Violations = w.Violations.Clone()
	return &out
}

// ListFilter narrows store listings. Zero values mean "no filter".
type ListFilter struct {
	Status    Status
	OlderThan time.Time
	Limit     int
}

// Match reports whether the item satisfies the filter.
func (f ListFilter) Match(item *WorkItem) bool {
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	if !f.OlderThan.IsZero() && !item.CreatedAt.Before(f.OlderThan) {
		return false
	}
	return true
}
