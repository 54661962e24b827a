// Package imagestore stages uploaded image bytes somewhere the worker can
// read them back, and resolves image references to readers.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrUnsupportedReference is returned for references a stager cannot route.
	ErrUnsupportedReference = errors.New("unsupported image reference")
	// ErrNotExist is returned when a reference points at nothing.
	ErrNotExist = errors.New("image does not exist")
)

// Stager stores upload bytes and reads them back by reference.
type Stager interface {
	// Put stores the bytes and returns a reference such as file:///... or
	// s3://bucket/key.
	Put(ctx context.Context, filename string, r io.Reader, size int64, contentType string) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Stat returns nil when ref resolves to readable bytes.
	Stat(ctx context.Context, ref string) error
}

// Scheme returns the URL scheme of a reference.
func Scheme(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedReference, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: %q has no scheme", ErrUnsupportedReference, ref)
	}
	return strings.ToLower(u.Scheme), nil
}

// objectName builds a collision-free name that keeps the upload's extension.
func objectName(filename string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(filename, "\\", "/")))
	if len(ext) > 8 || strings.ContainsAny(ext, " /?#%") {
		ext = ""
	}
	return uuid.NewString() + ext
}
