package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore implements ObjectStore with minio-go.
type MinioStore struct {
	client *minio.Client
	opts   Options
}

// NewMinioStore creates a MinIO store.
func NewMinioStore(opts Options) (*MinioStore, error) {
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	// minio-go expects host:port
	endpoint := strings.TrimPrefix(opts.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	lookup := minio.BucketLookupAuto
	if opts.UsePathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        miniocreds.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.UseSSL,
		Region:       opts.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioStore{client: client, opts: opts}, nil
}

// PutFile uploads filePath to key.
func (m *MinioStore) PutFile(ctx context.Context, key, filePath, contentType string) (*Object, error) {
	putOpts := minio.PutObjectOptions{ContentType: contentType}
	if m.opts.PartSize > 0 {
		putOpts.PartSize = uint64(m.opts.PartSize)
	}
	if m.opts.PartConcurrency > 0 {
		putOpts.NumThreads = uint(m.opts.PartConcurrency)
	}

	info, err := m.client.FPutObject(ctx, m.opts.Bucket, key, filePath, putOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return &Object{
		Key:      key,
		ETag:     info.ETag,
		Size:     info.Size,
		Location: info.Location,
	}, nil
}

// Delete removes key from the bucket.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.opts.Bucket, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (m *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.opts.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check existence of %s: %w", key, err)
	}
	return true, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (m *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.opts.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.opts.Bucket, minio.MakeBucketOptions{Region: m.opts.Region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", m.opts.Bucket, err)
		}
	}
	return nil
}

// URL returns the path-style URL of key on the MinIO endpoint.
func (m *MinioStore) URL(key string) string {
	return fmt.Sprintf("%s/%s/%s", m.client.EndpointURL().String(), m.opts.Bucket, key)
}

// Ping checks the bucket exists.
func (m *MinioStore) Ping(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.opts.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", m.opts.Bucket)
	}
	return nil
}

func (m *MinioStore) Bucket() string {
	return m.opts.Bucket
}
