// Package storage is the object store uploads are written to. Objects are
// content addressed: the name is the MD5 of the bytes plus the original
// extension.
package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"shpotify/internal/config"
)

// ObjectStore stores uploaded files
type ObjectStore interface {
	Exists(ctx context.Context, bucket, name string) (bool, error)
	Put(ctx context.Context, bucket, name string, r io.Reader, size int64, contentType string) (string, error)
}

// MinioStore is an ObjectStore backed by MinIO or any S3-compatible server
type MinioStore struct {
	client    *minio.Client
	publicURL string
}

// NewMinioStore creates a client for the configured endpoint
func NewMinioStore(cfg config.StorageConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + cfg.Endpoint
	}
	return &MinioStore{client: client, publicURL: publicURL}, nil
}

// Exists reports whether an object is present
func (s *MinioStore) Exists(ctx context.Context, bucket, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, name, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return false, nil
	}
	return false, fmt.Errorf("stat %s/%s: %w", bucket, name, err)
}

// Put uploads an object, creating the bucket on first use, and returns its URL
func (s *MinioStore) Put(ctx context.Context, bucket, name string, r io.Reader, size int64, contentType string) (string, error) {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return "", fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			code := minio.ToErrorResponse(err).Code
			if code != "BucketAlreadyOwnedByYou" && code != "BucketAlreadyExists" {
				return "", fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
	}

	if _, err := s.client.PutObject(ctx, bucket, name, r, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("put %s/%s: %w", bucket, name, err)
	}
	return ObjectURL(s.publicURL, bucket, name), nil
}

// Ping checks the object store answers
func (s *MinioStore) Ping(ctx context.Context, bucket string) error {
	_, err := s.client.BucketExists(ctx, bucket)
	return err
}

// ObjectURL builds the URL an object is reachable at
func ObjectURL(base, bucket, name string) string {
	return strings.TrimRight(base, "/") + "/" + path.Join(url.PathEscape(bucket), url.PathEscape(name))
}

// ContentName returns the content-addressed object name of data. The
// extension of originalName is kept, lower-cased.
func ContentName(data []byte, originalName string) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]) + strings.ToLower(filepath.Ext(originalName))
}
