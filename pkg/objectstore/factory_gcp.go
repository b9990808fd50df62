//go:build gcp

package objectstore

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("MAILBOX_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("MAILBOX_GCS_BUCKET is required for GCS storage")
	}

	cfg := GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("MAILBOX_GCS_PREFIX"),
	}

	return NewGCSStore(ctx, cfg)
}
