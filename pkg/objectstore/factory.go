package objectstore

import (
	"context"
	"fmt"
	"os"
)

// StoreType represents the type of mailbox storage backend.
type StoreType string

const (
	StoreTypeMem StoreType = "mem"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates a mailbox store based on environment variables.
//
// Environment variables:
//   - MAILBOX_STORAGE_TYPE: "mem" (default), "s3", or "gcs"
//
// For S3:
//   - AWS_REGION or MAILBOX_S3_REGION
//   - MAILBOX_S3_BUCKET (required)
//   - MAILBOX_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - MAILBOX_S3_PREFIX (optional)
//
// For GCS:
//   - MAILBOX_GCS_BUCKET (required)
//   - MAILBOX_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("MAILBOX_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeMem
	}

	switch storeType {
	case StoreTypeMem:
		return NewMemStore(), nil
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported mailbox storage type: %s", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("MAILBOX_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("MAILBOX_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("MAILBOX_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg := S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("MAILBOX_S3_ENDPOINT"),
		Prefix:   os.Getenv("MAILBOX_S3_PREFIX"),
	}

	return NewS3Store(ctx, cfg)
}
