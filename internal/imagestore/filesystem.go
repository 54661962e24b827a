package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem stages images under a local directory and hands out file://
// references. References outside the directory are refused.
type Filesystem struct {
	root string
}

// NewFilesystem creates the root directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve staging dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Filesystem{root: abs}, nil
}

// Root returns the staging directory.
func (f *Filesystem) Root() string { return f.root }

// Put writes the bytes to a fresh file and returns its reference.
func (f *Filesystem) Put(ctx context.Context, filename string, r io.Reader, size int64, contentType string) (string, error) {
	target := filepath.Join(f.root, objectName(filename))
	tmp, err := os.CreateTemp(f.root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())
	written, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close staging file: %w", err)
	}
	if size >= 0 && written != size {
		return "", fmt.Errorf("short write: wrote %d of %d bytes", written, size)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("publish staging file: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String(), nil
}

// Open returns a reader over the referenced file.
func (f *Filesystem) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	p, err := f.localPath(ref)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, ref)
		}
		return nil, fmt.Errorf("open image: %w", err)
	}
	return file, nil
}

// Stat checks the reference points at a readable, non-empty regular file.
func (f *Filesystem) Stat(ctx context.Context, ref string) error {
	rc, err := f.Open(ctx, ref)
	if err != nil {
		return err
	}
	defer rc.Close()
	info, err := rc.(*os.File).Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty or not a regular file", ErrNotExist, ref)
	}
	return nil
}

func (f *Filesystem) localPath(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedReference, ref)
	}
	p := filepath.Clean(filepath.FromSlash(u.Path))
	rel, err := filepath.Rel(f.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q is outside the staging dir", ErrUnsupportedReference, ref)
	}
	return p, nil
}
