package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dharsanguruparan/snapcheck/internal/signing"
)

// DescriptorVersion is the wire version written by this producer.
const DescriptorVersion = 1

var (
	// ErrUnsupportedVersion marks a descriptor from a newer, incompatible producer.
	ErrUnsupportedVersion = errors.New("unsupported descriptor version")
	// ErrMalformedDescriptor marks a descriptor that cannot be decoded.
	ErrMalformedDescriptor = errors.New("malformed descriptor")
	// ErrBadSignature marks a descriptor whose signature does not verify.
	ErrBadSignature = errors.New("descriptor signature mismatch")
)

// Descriptor is the message handed to the worker. It carries only what the
// worker needs to find the item and its image.
type Descriptor struct {
	Version        int       `json:"version"`
	WorkItemID     string    `json:"work_item_id"`
	ImageReference string    `json:"image_reference"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Signature      string    `json:"signature,omitempty"`
}

// NewDescriptor builds a signed version-1 descriptor.
func NewDescriptor(id, imageRef string, enqueuedAt time.Time, signer *signing.Signer) Descriptor {
	d := Descriptor{
		Version:        DescriptorVersion,
		WorkItemID:     id,
		ImageReference: imageRef,
		EnqueuedAt:     enqueuedAt.UTC(),
	}
	d.Signature = signer.Sign(d.signedParts()...)
	return d
}

func (d Descriptor) signedParts() []string {
	return []string{strconv.Itoa(d.Version), d.WorkItemID, d.ImageReference}
}

// Verify checks the signature. A disabled signer accepts every descriptor.
func (d Descriptor) Verify(signer *signing.Signer) error {
	if !signer.Validate(d.Signature, d.signedParts()...) {
		return fmt.Errorf("%w: item %s", ErrBadSignature, d.WorkItemID)
	}
	return nil
}

// Encode renders the descriptor as JSON.
func (d Descriptor) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	return data, nil
}

// DecodeDescriptor parses and sanity-checks a descriptor.
func DecodeDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	return d, d.check()
}

func (d Descriptor) check() error {
	if d.Version != DescriptorVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, d.Version)
	}
	if d.WorkItemID == "" || d.ImageReference == "" {
		return fmt.Errorf("%w: work_item_id and image_reference are required", ErrMalformedDescriptor)
	}
	return nil
}
