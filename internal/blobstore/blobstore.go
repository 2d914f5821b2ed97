// Package blobstore uploads rendered artifacts to an S3-compatible object
// store and hands back time-bounded public URLs.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrUnavailable indicates the storage backend could not be reached or
// refused the upload. Reported, never retried here; the caller decides
// whether to retry the whole item.
var ErrUnavailable = errors.New("could not connect to storage backend")

// Uploader stores raw bytes under a namespaced key and returns a durable
// public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, namespace, key string) (string, error)
}

// Store is the minio-backed Uploader.
type Store struct {
	client    *minio.Client
	bucket    string
	prefix    string
	urlExpiry time.Duration
}

// Config holds the object-store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
	URLExpiry time.Duration
}

// New constructs a Store. The bucket is created on first use if missing.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		urlExpiry: cfg.URLExpiry,
	}, nil
}

// Upload writes data under prefix/namespace/key and returns a presigned
// URL. The key is content-derived upstream, so re-uploading the same
// submission overwrites the same object rather than colliding.
func (s *Store) Upload(ctx context.Context, data []byte, namespace, key string) (string, error) {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			// a concurrent uploader may have created it first
			if owned, checkErr := s.client.BucketExists(ctx, s.bucket); checkErr != nil || !owned {
				return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
	}

	objectName := path.Join(s.prefix, namespace, key)
	_, err = s.client.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/pdf"})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	signed, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, s.urlExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return signed.String(), nil
}
