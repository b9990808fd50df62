package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// S3Store implements Store using AWS S3. Each recipient's inbox is a key
// prefix; objects are keyed by their SHA-512 content hash.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string // Optional key prefix (e.g., "mailbox/")
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3Store creates a new S3-backed mailbox store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) key(recipient contracts.PublicKey, raw string) string {
	return s.prefix + string(recipient) + "/" + raw + ".dime"
}

func (s *S3Store) Put(ctx context.Context, recipient contracts.PublicKey, address string, data []byte) error {
	raw, err := rawAddress(address)
	if err != nil {
		return err
	}
	key := s.key(recipient, raw)

	// Check if object already exists (idempotent)
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, recipient contracts.PublicKey, address string) ([]byte, error) {
	raw, err := rawAddress(address)
	if err != nil {
		return nil, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(recipient, raw)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", address, err)
	}
	defer func() { _ = result.Body.Close() }()

	return io.ReadAll(result.Body)
}

func (s *S3Store) List(ctx context.Context, recipient contracts.PublicKey, limit int) ([]string, error) {
	prefix := s.prefix + string(recipient) + "/"
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if limit > 0 {
		input.MaxKeys = aws.Int32(int32(limit))
	}
	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("s3 list failed: %w", err)
	}

	addrs := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if len(key) < len(prefix)+5 { // prefix + hash + ".dime"
			continue
		}
		raw := key[len(prefix) : len(key)-len(".dime")]
		addrs = append(addrs, "sha512:"+raw)
	}
	return addrs, nil
}

func (s *S3Store) Delete(ctx context.Context, recipient contracts.PublicKey, address string) error {
	raw, err := rawAddress(address)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(recipient, raw)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed for %s: %w", address, err)
	}
	return nil
}
