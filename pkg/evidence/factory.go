package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StorageType selects a blob backend.
type StorageType string

const (
	StorageTypeFS  StorageType = "fs"
	StorageTypeS3  StorageType = "s3"
	StorageTypeGCS StorageType = "gcs"
)

// NewBlobStoreFromEnv creates a blob store based on environment variables.
//
// Environment variables:
//   - EVIDENCE_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: Base directory for filesystem store (default: "data")
//
// For S3:
//   - EVIDENCE_S3_REGION or AWS_REGION
//   - EVIDENCE_S3_BUCKET (required)
//   - EVIDENCE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - EVIDENCE_S3_PREFIX (optional)
//   - EVIDENCE_S3_RETENTION (optional duration, enables Object Lock)
//
// For GCS (binaries built with -tags gcp):
//   - EVIDENCE_GCS_BUCKET (required)
//   - EVIDENCE_GCS_PREFIX (optional)
func NewBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	storageType := StorageType(os.Getenv("EVIDENCE_STORAGE_TYPE"))
	if storageType == "" {
		storageType = StorageTypeFS
	}

	switch storageType {
	case StorageTypeFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileBlobStore(filepath.Join(dataDir, "blobs"))
	case StorageTypeS3:
		return newS3BlobStoreFromEnv(ctx)
	case StorageTypeGCS:
		return newGCSBlobStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported evidence storage type: %s", storageType)
	}
}

func newS3BlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("EVIDENCE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("EVIDENCE_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("EVIDENCE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg := S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("EVIDENCE_S3_ENDPOINT"),
		Prefix:   os.Getenv("EVIDENCE_S3_PREFIX"),
	}
	if raw := os.Getenv("EVIDENCE_S3_RETENTION"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid EVIDENCE_S3_RETENTION: %w", err)
		}
		cfg.Retention = d
	}
	return NewS3BlobStore(ctx, cfg)
}
