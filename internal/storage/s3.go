package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/shopimg/shopimg/internal/config"
)

// S3 wraps MinIO/S3 interactions for originals and variants.
type S3 struct {
	client *minio.Client
	bucket string
	region string
}

// NewS3 creates a MinIO client from the Config.
func NewS3(cfg *config.Config) (*S3, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &S3{client: client, bucket: cfg.S3Bucket, region: cfg.S3Region}, nil
}

// EnsureBucket makes sure the bucket exists before use.
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("%w: check bucket %s: %v", ErrUnavailable, s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("%w: make bucket %s: %v", ErrUnavailable, s.bucket, err)
		}
	}
	return nil
}

func (s *S3) Put(ctx context.Context, path string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, path, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		// GetObject is lazy: a missing key surfaces on the first read.
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	return data, nil
}

// Delete is idempotent: removing a missing key is not an error.
func (s *S3) Delete(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %s: %v", ErrUnavailable, path, err)
	}
	return true, nil
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == 404
	}
	return false
}
