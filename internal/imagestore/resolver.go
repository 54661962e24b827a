package imagestore

import (
	"context"
	"fmt"
	"io"
)

// Resolver writes through a primary stager and reads any reference whose
// scheme has a registered stager. The worker uses it so items staged by an
// earlier configuration stay readable.
type Resolver struct {
	primary  Stager
	byScheme map[string]Stager
}

// NewResolver routes Put to primary, which also serves the given scheme.
func NewResolver(primary Stager, scheme string) *Resolver {
	return &Resolver{primary: primary, byScheme: map[string]Stager{scheme: primary}}
}

// Register adds a read route for scheme.
func (r *Resolver) Register(scheme string, s Stager) {
	r.byScheme[scheme] = s
}

// Put stores through the primary stager.
func (r *Resolver) Put(ctx context.Context, filename string, body io.Reader, size int64, contentType string) (string, error) {
	return r.primary.Put(ctx, filename, body, size, contentType)
}

// Open routes by scheme.
func (r *Resolver) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	s, err := r.route(ref)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, ref)
}

// Stat routes by scheme.
func (r *Resolver) Stat(ctx context.Context, ref string) error {
	s, err := r.route(ref)
	if err != nil {
		return err
	}
	return s.Stat(ctx, ref)
}

func (r *Resolver) route(ref string) (Stager, error) {
	scheme, err := Scheme(ref)
	if err != nil {
		return nil, err
	}
	s, ok := r.byScheme[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no stager for scheme %q", ErrUnsupportedReference, scheme)
	}
	return s, nil
}
