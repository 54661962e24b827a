// Package worker is the reference consumer: it takes a descriptor off the
// queue, drives the work item through processing, runs the analyzer and
// records the terminal result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/snapcheck/internal/analysis"
	"github.com/dharsanguruparan/snapcheck/internal/imagestore"
	"github.com/dharsanguruparan/snapcheck/internal/model"
	"github.com/dharsanguruparan/snapcheck/internal/queue"
	"github.com/dharsanguruparan/snapcheck/internal/signing"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
)

// ReadFailurePolicy decides what happens when the staged image cannot be read.
type ReadFailurePolicy string

const (
	// FailOnReadError marks the item failed with an error_message.
	FailOnReadError ReadFailurePolicy = "fail"
	// RetryOnReadError leaves the item processing and asks for redelivery.
	RetryOnReadError ReadFailurePolicy = "retry"
)

// Processor is plugged into a queue.Consumer.
type Processor struct {
	store    storage.Store
	images   imagestore.Stager
	analyzer analysis.Analyzer
	signer   *signing.Signer
	policy   ReadFailurePolicy
}

// NewProcessor constructs a worker processor. An empty policy means
// FailOnReadError.
func NewProcessor(store storage.Store, images imagestore.Stager, analyzer analysis.Analyzer, signer *signing.Signer, policy ReadFailurePolicy) *Processor {
	if policy == "" {
		policy = FailOnReadError
	}
	return &Processor{store: store, images: images, analyzer: analyzer, signer: signer, policy: policy}
}

// Run consumes descriptors until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, consumer queue.Consumer) error {
	return consumer.Consume(ctx, p.Handle)
}

// Handle processes one delivery. A nil return acknowledges it; duplicate
// deliveries of a finished item are acknowledged without side effects.
func (p *Processor) Handle(ctx context.Context, d queue.Descriptor) error {
	logger := log.With().Str("item_id", d.WorkItemID).Logger()
	if err := d.Verify(p.signer); err != nil {
		logger.Error().Err(err).Msg("rejecting descriptor")
		return queue.Permanent(err)
	}

	item, err := p.store.Get(ctx, d.WorkItemID)
	if errors.Is(err, model.ErrNotFound) {
		logger.Error().Msg("descriptor names an unknown work item")
		return queue.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("load work item %s: %w", d.WorkItemID, err)
	}
	if item.Status.Terminal() {
		logger.Info().Str("status", string(item.Status)).Msg("duplicate delivery, item already finished")
		return nil
	}

	if item.Status == model.StatusPending {
		item, err = p.store.UpdateStatus(ctx, d.WorkItemID, model.StatusProcessing, nil)
		if errors.Is(err, model.ErrInvalidTransition) {
			// Another delivery got there first.
			if item, err = p.store.Get(ctx, d.WorkItemID); err != nil {
				return fmt.Errorf("reload work item %s: %w", d.WorkItemID, err)
			}
			if item.Status.Terminal() {
				return nil
			}
		} else if err != nil {
			return fmt.Errorf("mark %s processing: %w", d.WorkItemID, err)
		}
	}

	ref := item.ImageReference
	if d.ImageReference != "" && d.ImageReference != ref {
		logger.Warn().Str("descriptor_ref", d.ImageReference).Str("stored_ref", ref).Msg("descriptor reference differs, using stored reference")
	}

	started := time.Now()
	violations, err := p.analyze(ctx, ref, item.Metadata())
	var readErr *imageReadError
	switch {
	case errors.As(err, &readErr) && p.policy == RetryOnReadError:
		logger.Warn().Err(err).Msg("image unreadable, leaving item for redelivery")
		return err
	case errors.As(err, &readErr):
		return p.finish(ctx, d.WorkItemID, model.StatusFailed, model.Violations{
			"error_message": "image could not be read: " + readErr.err.Error(),
		})
	case ctx.Err() != nil:
		// Shutting down: let the transport redeliver.
		return ctx.Err()
	case err != nil:
		return p.finish(ctx, d.WorkItemID, model.StatusFailed, model.Violations{
			"error_message": "analysis failed: " + err.Error(),
		})
	}
	logger.Info().Dur("took", time.Since(started)).Int("violations", len(violations)).Msg("analysis finished")
	return p.finish(ctx, d.WorkItemID, model.StatusComplete, violations)
}

type imageReadError struct{ err error }

func (e *imageReadError) Error() string { return "read image: " + e.err.Error() }
func (e *imageReadError) Unwrap() error { return e.err }

func (p *Processor) analyze(ctx context.Context, ref string, meta model.Metadata) (model.Violations, error) {
	rc, err := p.images.Open(ctx, ref)
	if err != nil {
		return nil, &imageReadError{err: err}
	}
	defer rc.Close()
	return p.analyzer.Analyze(ctx, rc, meta)
}

func (p *Processor) finish(ctx context.Context, id string, status model.Status, violations model.Violations) error {
	_, err := p.store.UpdateStatus(ctx, id, status, violations)
	if errors.Is(err, model.ErrInvalidTransition) {
		log.Info().Str("item_id", id).Msg("item finished by another delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", id, status, err)
	}
	log.Info().Str("item_id", id).Str("status", string(status)).Msg("work item finished")
	return nil
}
