// Package s3 stores chunked files as S3 objects.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/marmos91/wbcache/internal/logger"
	"github.com/marmos91/wbcache/internal/telemetry"
	"github.com/marmos91/wbcache/pkg/backing/chunked"
)

// Config holds S3 connection settings.
type Config struct {
	Bucket string
	Region string

	// Endpoint overrides the service URL for S3-compatible stores.
	Endpoint string

	// KeyPrefix is prepended to every object key, e.g. "wbcache/".
	KeyPrefix string

	// ForcePathStyle is required by Localstack and MinIO.
	ForcePathStyle bool

	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// MaxRetries bounds SDK retry attempts. Zero keeps the SDK default.
	MaxRetries int
}

// API is the subset of *s3.Client the store uses.
type API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Store is a chunked.Store on one bucket.
type Store struct {
	client API
	bucket string
	prefix string

	mu     sync.RWMutex
	closed bool
}

// New returns a Store using an existing client.
func New(client API, cfg Config) *Store {
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.KeyPrefix}
}

// NewFromConfig builds an S3 client from cfg and the default AWS config chain.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(client, cfg), nil
}

// NewClient builds an *s3.Client from cfg.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxRetries))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

func (s *Store) live() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return chunked.ErrStoreClosed
	}
	return nil
}

func (s *Store) fullKey(key string) string { return s.prefix + key }

func (s *Store) WriteChunk(ctx context.Context, key string, data []byte) error {
	if err := s.live(); err != nil {
		return err
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanS3Put,
		telemetry.Bucket(s.bucket), telemetry.Key(key), telemetry.Length(len(data)))
	defer span.End()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (s *Store) ReadChunk(ctx context.Context, key string) ([]byte, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanS3Get,
		telemetry.Bucket(s.bucket), telemetry.Key(key))
	defer span.End()

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, chunked.ErrChunkNotFound
		}
		telemetry.RecordError(ctx, err)
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object body: %w", err)
	}
	return data, nil
}

func (s *Store) DeleteChunk(ctx context.Context, key string) error {
	if err := s.live(); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete object: %w", err)
	}
	return nil
}

// DeleteByPrefix removes matching objects a page (up to 1000 keys) at a time.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) error {
	if err := s.live(); err != nil {
		return err
	}

	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix)),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 list objects: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		ids := make([]types.ObjectIdentifier, len(page.Contents))
		for i, obj := range page.Contents {
			ids[i] = types.ObjectIdentifier{Key: obj.Key}
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("s3 delete objects: %w", err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("s3 delete objects: %d failed, first %s: %s",
				len(out.Errors), aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix)),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key)[len(s.prefix):])
		}
	}
	return keys, nil
}

// HealthCheck issues a HeadBucket request.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.live(); err != nil {
		return err
	}
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		logger.Debug("s3 store closed", logger.KeyBucket, s.bucket)
	}
	s.closed = true
	return nil
}

// NewBackend opens a chunked backend over a bucket.
func NewBackend(ctx context.Context, cfg Config, chunkSize int64) (*chunked.Backend, error) {
	st, err := NewFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return chunked.New(st, chunked.Options{Name: "s3", ChunkSize: chunkSize}), nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

var _ chunked.Store = (*Store)(nil)
