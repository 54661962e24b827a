// Package queue carries work item descriptors from the web tier to the
// analysis worker over asynq, a Sidekiq-compatible Redis list, RabbitMQ or
// Kafka. Every transport is at-least-once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/snapcheck/internal/signing"
)

// ErrEnqueue is matched by every EnqueueError.
var ErrEnqueue = errors.New("enqueue failed")

// EnqueueError reports that a descriptor never reached the broker.
type EnqueueError struct {
	WorkItemID string
	Driver     string
	Err        error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue work item %s via %s: %v", e.WorkItemID, e.Driver, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrEnqueue) match.
func (e *EnqueueError) Is(target error) bool { return target == ErrEnqueue }

// Transport publishes encoded descriptors to one broker.
type Transport interface {
	Name() string
	Publish(ctx context.Context, d Descriptor) error
	Close() error
}

// Handler processes one delivered descriptor. Returning nil acknowledges the
// delivery; an error asks the transport to redeliver unless it is Permanent.
type Handler func(ctx context.Context, d Descriptor) error

// Consumer pulls descriptors from one broker until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// Publisher is the producer-side contract the submission service depends on.
type Publisher interface {
	Enqueue(ctx context.Context, workItemID, imageRef string) error
}

// Client builds signed descriptors and hands them to a Transport.
type Client struct {
	transport Transport
	signer    *signing.Signer
	now       func() time.Time
}

// NewClient wraps transport. A nil signer publishes unsigned descriptors.
func NewClient(transport Transport, signer *signing.Signer) *Client {
	return &Client{transport: transport, signer: signer, now: time.Now}
}

// Enqueue publishes one descriptor. Call it only after the work item has
// been committed to the store.
func (c *Client) Enqueue(ctx context.Context, workItemID, imageRef string) error {
	d := NewDescriptor(workItemID, imageRef, c.now(), c.signer)
	if err := c.transport.Publish(ctx, d); err != nil {
		return &EnqueueError{WorkItemID: workItemID, Driver: c.transport.Name(), Err: err}
	}
	log.Debug().Str("item_id", workItemID).Str("queue", c.transport.Name()).Msg("descriptor enqueued")
	return nil
}

// Close releases the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent
// or is a descriptor decoding failure.
func IsPermanent(err error) bool {
	var p permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrMalformedDescriptor) || errors.Is(err, ErrUnsupportedVersion) || errors.Is(err, ErrBadSignature)
}
