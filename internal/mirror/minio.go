package mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/singleflight"
)

// objectAPI is the subset of *minio.Client used by MinioUploader.
type objectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// DefaultBucketInitTimeout bounds the shared bucket check and creation.
const DefaultBucketInitTimeout = 30 * time.Second

// MinioConfig holds the connection settings of an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// MinioUploader stores each payload under the hex SHA-256 of its bytes, which
// makes the object key a content identifier.
type MinioUploader struct {
	api    objectAPI
	bucket string

	ready atomic.Bool
	group singleflight.Group
}

// NewMinioUploader connects to the endpoint. The bucket is created lazily on first upload.
func NewMinioUploader(cfg MinioConfig) (*MinioUploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	slog.Debug("NewMinioUploader: client created", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "secure", cfg.Secure)
	return newMinioUploader(c, cfg.Bucket), nil
}

func newMinioUploader(api objectAPI, bucket string) *MinioUploader {
	return &MinioUploader{api: api, bucket: bucket}
}

// ensureBucket creates the bucket once. Concurrent first callers share one
// attempt; a failed attempt is retried by the next caller.
func (u *MinioUploader) ensureBucket(ctx context.Context) error {
	if u.ready.Load() {
		return nil
	}
	_, err, _ := u.group.Do(u.bucket, func() (interface{}, error) {
		if u.ready.Load() {
			return nil, nil
		}
		// Shared by every waiting caller, so the first caller's cancellation must not end it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultBucketInitTimeout)
		defer cancel()
		exists, err := u.api.BucketExists(ctx, u.bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to check bucket %s: %w", u.bucket, err)
		}
		if !exists {
			if err := u.api.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("failed to create bucket %s: %w", u.bucket, err)
			}
			slog.Info("MinioUploader: bucket created", "bucket", u.bucket)
		}
		u.ready.Store(true)
		return nil, nil
	})
	return err
}

// Upload implements Uploader.
func (u *MinioUploader) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	if err := u.ensureBucket(ctx); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	cid := hex.EncodeToString(sum[:])
	_, err := u.api.PutObject(ctx, u.bucket, cid, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: map[string]string{"filename": filename},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", filename, err)
	}
	slog.Debug("MinioUploader.Upload succeeded", "filename", filename, "cid", cid)
	return cid, nil
}
