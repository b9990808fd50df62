//go:build gcp

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// GCSStore implements Store using Google Cloud Storage. Each recipient's
// inbox is an object path prefix; objects are keyed by content hash.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string // Optional key prefix (e.g., "mailbox/")
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSStore creates a new GCS-backed mailbox store.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	// Uses ADC by default
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSStore) path(recipient contracts.PublicKey, raw string) string {
	return s.prefix + string(recipient) + "/" + raw + ".dime"
}

func (s *GCSStore) Put(ctx context.Context, recipient contracts.PublicKey, address string, data []byte) error {
	raw, err := rawAddress(address)
	if err != nil {
		return err
	}
	obj := s.client.Bucket(s.bucket).Object(s.path(recipient, raw))

	// Check if object already exists (idempotent)
	if _, err := obj.Attrs(ctx); err == nil {
		return nil
	}

	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs commit failed: %w", err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, recipient contracts.PublicKey, address string) ([]byte, error) {
	raw, err := rawAddress(address)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(s.path(recipient, raw)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", address, err)
	}
	defer func() { _ = r.Close() }()

	return io.ReadAll(r)
}

func (s *GCSStore) List(ctx context.Context, recipient contracts.PublicKey, limit int) ([]string, error) {
	prefix := s.prefix + string(recipient) + "/"
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var addrs []string
	for limit <= 0 || len(addrs) < limit {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed: %w", err)
		}
		key := attrs.Name
		if len(key) < len(prefix)+5 {
			continue
		}
		raw := key[len(prefix) : len(key)-len(".dime")]
		addrs = append(addrs, "sha512:"+raw)
	}
	return addrs, nil
}

func (s *GCSStore) Delete(ctx context.Context, recipient contracts.PublicKey, address string) error {
	raw, err := rawAddress(address)
	if err != nil {
		return err
	}
	if err := s.client.Bucket(s.bucket).Object(s.path(recipient, raw)).Delete(ctx); err != nil {
		return fmt.Errorf("gcs delete failed for %s: %w", address, err)
	}
	return nil
}
