// Package quarantine persists CSV snapshots of data that failed a pipeline
// step so it can be inspected and replayed by hand.
package quarantine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"retailetl/internal/table"
)

// Default buckets for the two load layers.
const (
	StagingBucket   = "error-dellstore"
	WarehouseBucket = "minio-container"
)

// ContentType is set on every uploaded object.
const ContentType = "application/csv"

// Store puts one object. Implementations create the bucket when missing.
type Store interface {
	Put(ctx context.Context, bucket, object string, data []byte) error
}

// ObjectName returns "{table}_{UTC timestamp}.csv".
func ObjectName(table string, at time.Time) string {
	return fmt.Sprintf("%s_%s.csv", table, at.UTC().Format("20060102T150405Z"))
}

// bucketAPI is the part of *minio.Client the store uses.
type bucketAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioOptions configures a MinIO (or any S3-compatible) endpoint.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// MinioStore writes objects to MinIO.
type MinioStore struct {
	api    bucketAPI
	region string
}

// NewMinioStore builds a client for opts.Endpoint. No request is made until
// the first Put.
func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("quarantine: minio endpoint is empty")
	}
	c, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("quarantine: minio client: %w", err)
	}
	return &MinioStore{api: c, region: opts.Region}, nil
}

// Put implements Store.
func (s *MinioStore) Put(ctx context.Context, bucket, object string, data []byte) error {
	ok, err := s.api.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("quarantine: bucket %s: %w", bucket, err)
	}
	if !ok {
		if err := s.api.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("quarantine: make bucket %s: %w", bucket, err)
		}
	}
	if _, err := s.api.PutObject(ctx, bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: ContentType}); err != nil {
		return fmt.Errorf("quarantine: put %s/%s: %w", bucket, object, err)
	}
	return nil
}

// DirStore writes objects to Root/bucket/object on local disk. Used when no
// object store is configured.
type DirStore struct {
	Root string
}

// Put implements Store.
func (s DirStore) Put(_ context.Context, bucket, object string, data []byte) error {
	if strings.ContainsAny(bucket, `/\`) || strings.ContainsAny(object, `/\`) {
		return fmt.Errorf("quarantine: invalid object path %s/%s", bucket, object)
	}
	dir := filepath.Join(s.Root, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("quarantine: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, object), data, 0o644); err != nil {
		return fmt.Errorf("quarantine: %w", err)
	}
	return nil
}

// Snapshot writes t as CSV to bucket under ObjectName(name, at) and returns
// the object name. Empty tables are not written and return "".
func Snapshot(ctx context.Context, s Store, bucket, name string, at time.Time, t *table.Table) (string, error) {
	if s == nil || t.Len() == 0 {
		return "", nil
	}
	data, err := t.CSV()
	if err != nil {
		return "", fmt.Errorf("quarantine: encode %s: %w", name, err)
	}
	object := ObjectName(name, at)
	return object, s.Put(ctx, bucket, object, data)
}

var (
	_ Store     = (*MinioStore)(nil)
	_ Store     = DirStore{}
	_ bucketAPI = (*minio.Client)(nil)
)

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// PrintError prints a failed snapshot through l, or the standard logger when
// l is nil. Quarantine errors are printed and never returned to callers.
func PrintError(l Logger, name, object string, err error) {
	if l == nil {
		l = log.Default()
	}
	l.Printf("stage=quarantine table=%s object=%s err=%v", name, object, err)
}
