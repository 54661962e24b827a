// Package submission turns an uploaded form into a committed work item and
// a published queue descriptor, in that order.
package submission

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/snapcheck/internal/imagestore"
	"github.com/dharsanguruparan/snapcheck/internal/model"
	"github.com/dharsanguruparan/snapcheck/internal/queue"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
)

// EnqueueFailurePolicy decides what happens to an item whose descriptor
// could not be published.
type EnqueueFailurePolicy string

const (
	// LeavePending keeps the item pending for an operator to re-enqueue.
	LeavePending EnqueueFailurePolicy = "leave"
	// MarkFailed moves the item to failed with an error_message violation.
	MarkFailed EnqueueFailurePolicy = "fail"
)

const (
	maxTitleRunes       = 255
	maxDescriptionRunes = 5000
	maxTaxonomyRunes    = 500
)

// Service coordinates staging, creation and enqueueing.
type Service struct {
	store     storage.Store
	stager    imagestore.Stager
	publisher queue.Publisher
	policy    EnqueueFailurePolicy
}

// NewService wires the collaborators. The store is wrapped so Create checks
// the staged reference is readable.
func NewService(store storage.Store, stager imagestore.Stager, publisher queue.Publisher, policy EnqueueFailurePolicy) *Service {
	if policy == "" {
		policy = LeavePending
	}
	return &Service{
		store:     storage.NewVerifying(store, stager),
		stager:    stager,
		publisher: publisher,
		policy:    policy,
	}
}

// Submit validates the form, stages the image, creates the pending item and
// publishes exactly one descriptor for it. On an enqueue failure the item is
// returned together with the *queue.EnqueueError so callers can still point
// the client at it.
func (s *Service) Submit(ctx context.Context, form *Form) (*model.WorkItem, error) {
	if form == nil {
		form = &Form{}
	}
	meta := form.Metadata
	if form.Image != nil {
		meta = meta.WithDefaultTitle(form.Image.Filename)
	}
	if err := validate(meta, form.Image); err != nil {
		return nil, err
	}

	body, err := form.Image.Reader()
	if err != nil {
		return nil, err
	}
	ref, err := s.stager.Put(ctx, form.Image.Filename, body, form.Image.Size, form.Image.ContentType)
	if err != nil {
		return nil, fmt.Errorf("stage image: %w", err)
	}
	item, err := s.store.Create(ctx, meta, ref)
	if err != nil {
		return nil, fmt.Errorf("create work item: %w", err)
	}
	logger := log.With().Str("item_id", item.ID).Logger()
	logger.Info().Str("image_reference", ref).Msg("work item created")

	err = s.publisher.Enqueue(ctx, item.ID, ref)
	if err == nil {
		return item, nil
	}
	var enqueueErr *queue.EnqueueError
	if !errors.As(err, &enqueueErr) {
		enqueueErr = &queue.EnqueueError{WorkItemID: item.ID, Driver: "publisher", Err: err}
	}
	logger.Error().Err(enqueueErr).Str("policy", string(s.policy)).Msg("descriptor not published")
	if s.policy == MarkFailed {
		failed, err := s.store.UpdateStatus(context.WithoutCancel(ctx), item.ID, model.StatusFailed, model.Violations{
			"error_message": "analysis could not be queued: " + enqueueErr.Err.Error(),
		})
		if err != nil {
			logger.Error().Err(err).Msg("could not mark item failed")
		} else {
			item = failed
		}
	}
	return item, enqueueErr
}

func validate(meta model.Metadata, image *Upload) error {
	verr := &model.ValidationError{}
	if image == nil {
		verr.Add("image", "can't be blank")
	}
	if utf8.RuneCountInString(meta.Title) > maxTitleRunes {
		verr.Add("title", fmt.Sprintf("is too long (maximum is %d characters)", maxTitleRunes))
	}
	if utf8.RuneCountInString(meta.Description) > maxDescriptionRunes {
		verr.Add("description", fmt.Sprintf("is too long (maximum is %d characters)", maxDescriptionRunes))
	}
	if utf8.RuneCountInString(meta.Taxonomy) > maxTaxonomyRunes {
		verr.Add("taxonomy", fmt.Sprintf("is too long (maximum is %d characters)", maxTaxonomyRunes))
	}
	if verr.Empty() {
		return nil
	}
	return verr
}
