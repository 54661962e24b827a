package imagestore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options configures the MinIO/S3 stager.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	Prefix    string
}

// S3 wraps MinIO/S3 interactions for staged uploads.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
	region string
}

// NewS3 creates a MinIO client from the options.
func NewS3(opts S3Options) (*S3, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &S3{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		region: opts.Region,
	}, nil
}

// EnsureBucket makes sure the upload bucket exists before use.
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Put uploads the image and returns an s3://bucket/key reference.
func (s *S3) Put(ctx context.Context, filename string, r io.Reader, size int64, contentType string) (string, error) {
	key := objectName(filename)
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, opts); err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return FormatS3Reference(s.bucket, key), nil
}

// Open streams the referenced object.
func (s *S3) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3Reference(ref)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get image object: %w", err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, s.translate(ref, err)
	}
	return obj, nil
}

// Stat checks the referenced object exists and is non-empty.
func (s *S3) Stat(ctx context.Context, ref string) error {
	bucket, key, err := ParseS3Reference(ref)
	if err != nil {
		return err
	}
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return s.translate(ref, err)
	}
	if info.Size == 0 {
		return fmt.Errorf("%w: %s is empty", ErrNotExist, ref)
	}
	return nil
}

func (s *S3) translate(ref string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return fmt.Errorf("%w: %s", ErrNotExist, ref)
	}
	return fmt.Errorf("stat image object: %w", err)
}

// FormatS3Reference renders an s3://bucket/key reference.
func FormatS3Reference(bucket, key string) string {
	return (&url.URL{Scheme: "s3", Host: bucket, Path: "/" + key}).String()
}

// ParseS3Reference splits an s3://bucket/key reference.
func ParseS3Reference(ref string) (bucket, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedReference, ref)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("%w: %q has no object key", ErrUnsupportedReference, ref)
	}
	return u.Host, key, nil
}
