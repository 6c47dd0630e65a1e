//go:build gcp

package evidence

import (
	"context"
	"fmt"
	"os"
)

func newGCSBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("EVIDENCE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("EVIDENCE_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSBlobStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("EVIDENCE_GCS_PREFIX"),
	})
}
