package imagestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFilesystemRoundTrip(t *testing.T) {
	fsys, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	ctx := context.Background()
	payload := []byte("\xff\xd8\xff\xe0 fake jpeg")
	ref, err := fsys.Put(ctx, "Summer Dress.JPG", bytes.NewReader(payload), int64(len(payload)), "image/jpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") || !strings.HasSuffix(ref, ".jpg") {
		t.Fatalf("unexpected reference %q", ref)
	}
	if err := fsys.Stat(ctx, ref); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	rc, err := fsys.Open(ctx, ref)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}
}

func TestFilesystemRejectsForeignReferences(t *testing.T) {
	root := t.TempDir()
	fsys, err := NewFilesystem(root)
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	ctx := context.Background()

	outside := filepath.Join(t.TempDir(), "x.jpg")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cases := map[string]error{
		"file://" + filepath.ToSlash(outside):                 ErrUnsupportedReference,
		"file://" + filepath.ToSlash(root) + "/../escape.jpg": ErrUnsupportedReference,
		"s3://bucket/key.jpg":                                 ErrUnsupportedReference,
		"file://" + filepath.ToSlash(root) + "/missing.jpg":   ErrNotExist,
	}
	for ref, want := range cases {
		if err := fsys.Stat(ctx, ref); !errors.Is(err, want) {
			t.Errorf("Stat(%q) = %v, want %v", ref, err, want)
		}
	}

	empty := filepath.Join(root, "empty.jpg")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fsys.Stat(ctx, "file://"+filepath.ToSlash(empty)); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected empty file to be rejected, got %v", err)
	}
}

func TestS3References(t *testing.T) {
	ref := FormatS3Reference("uploads", "items/abc.jpg")
	if ref != "s3://uploads/items/abc.jpg" {
		t.Fatalf("FormatS3Reference = %q", ref)
	}
	bucket, key, err := ParseS3Reference(ref)
	if err != nil || bucket != "uploads" || key != "items/abc.jpg" {
		t.Fatalf("ParseS3Reference = %q %q %v", bucket, key, err)
	}
	for _, bad := range []string{"s3://bucket", "s3:///key", "file:///tmp/a.jpg"} {
		if _, _, err := ParseS3Reference(bad); !errors.Is(err, ErrUnsupportedReference) {
			t.Errorf("ParseS3Reference(%q) = %v, want ErrUnsupportedReference", bad, err)
		}
	}
}

type recordingStager struct {
	name  string
	calls []string
}

func (r *recordingStager) Put(ctx context.Context, filename string, body io.Reader, size int64, contentType string) (string, error) {
	r.calls = append(r.calls, "put")
	return r.name + "://" + filename, nil
}

func (r *recordingStager) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	r.calls = append(r.calls, "open")
	return io.NopCloser(strings.NewReader(ref)), nil
}

func (r *recordingStager) Stat(ctx context.Context, ref string) error {
	r.calls = append(r.calls, "stat")
	return nil
}

func TestResolverRoutesByScheme(t *testing.T) {
	primary := &recordingStager{name: "s3"}
	legacy := &recordingStager{name: "file"}
	r := NewResolver(primary, "s3")
	r.Register("file", legacy)
	ctx := context.Background()

	if _, err := r.Put(ctx, "a.jpg", strings.NewReader("x"), 1, "image/jpeg"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := r.Stat(ctx, "file:///var/lib/snapcheck/a.jpg"); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if _, err := r.Open(ctx, "S3://bucket/a.jpg"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Stat(ctx, "gs://bucket/a.jpg"); !errors.Is(err, ErrUnsupportedReference) {
		t.Fatalf("expected ErrUnsupportedReference, got %v", err)
	}
	if err := r.Stat(ctx, "no-scheme.jpg"); !errors.Is(err, ErrUnsupportedReference) {
		t.Fatalf("expected ErrUnsupportedReference, got %v", err)
	}
	if got := strings.Join(primary.calls, ","); got != "put,open" {
		t.Fatalf("primary calls = %s", got)
	}
	if got := strings.Join(legacy.calls, ","); got != "stat" {
		t.Fatalf("legacy calls = %s", got)
	}
}
