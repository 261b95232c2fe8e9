// Package storage publishes transcoded packages to S3-compatible object
// storage.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/openvideoplatform/encoder/internal/config"
)

// Object describes a stored object.
type Object struct {
	Key      string
	ETag     string
	Size     int64
	Location string
}

// ObjectStore is the subset of object storage the encoder needs.
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	// PutFile uploads a local file, using multipart transfer for large files.
	PutFile(ctx context.Context, key, filePath, contentType string) (*Object, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// URL returns the address a client would fetch key from.
	URL(key string) string
	// Ping checks the bucket is reachable.
	Ping(ctx context.Context) error
	Bucket() string
}

// Options holds driver settings shared by the S3 and MinIO stores.
type Options struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKey       string
	SecretKey       string
	UsePathStyle    bool
	UseSSL          bool
	PartSize        int64
	PartConcurrency int
}

// OptionsFromConfig extracts store options from the service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		AccessKey:       cfg.S3AccessKey,
		SecretKey:       cfg.S3SecretKey,
		UsePathStyle:    cfg.S3UsePathStyle,
		UseSSL:          cfg.S3UseSSL,
		PartSize:        cfg.UploadPartSize,
		PartConcurrency: cfg.UploadPartConcurrency,
	}
}

// New creates the store selected by cfg.StorageDriver.
func New(cfg *config.Config) (ObjectStore, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.StorageDriver {
	case config.DriverS3, "":
		return NewS3Store(opts)
	case config.DriverMinio:
		return NewMinioStore(opts)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// ContentType returns the MIME type served for a package file.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".m4s":
		return "video/iso.segment"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// endpointURL returns endpoint with a scheme, defaulting by useSSL.
func endpointURL(endpoint string, useSSL bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return strings.TrimRight(endpoint, "/")
	}
	if useSSL {
		return "https://" + strings.TrimRight(endpoint, "/")
	}
	return "http://" + strings.TrimRight(endpoint, "/")
}
