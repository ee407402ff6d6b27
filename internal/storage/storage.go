// Package storage uploads thumbnails and field photos to an S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mr1hm/disaster-sentinel/internal/config"
)

const defaultBucket = "sentinel-media"

type Store interface {
	// Put uploads data under key and returns its public URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Bucket() string
}

// PlaceholderURL is recorded when an object could not be stored.
func PlaceholderURL(bucket, key string) string {
	return fmt.Sprintf("storage://%s/%s", bucket, key)
}

// New returns an S3 store when an endpoint and credentials are configured,
// otherwise a store that only hands out placeholder URLs.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		slog.Warn("object storage not configured, using placeholder URLs", "bucket", bucket)
		return Placeholder{bucket: bucket}, nil
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	publicBase := strings.TrimRight(cfg.PublicBaseURL, "/")
	if publicBase == "" {
		publicBase = strings.TrimRight(cfg.Endpoint, "/") + "/" + bucket
	}
	return &S3Store{client: client, bucket: bucket, publicBase: publicBase}, nil
}

type S3Store struct {
	client     *s3.Client
	bucket     string
	publicBase string
}

func (s *S3Store) Bucket() string { return s.bucket }

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	slog.Debug("object stored", "bucket", s.bucket, "key", key, "bytes", len(data))
	return s.publicBase + "/" + key, nil
}

type Placeholder struct {
	bucket string
}

func NewPlaceholder(bucket string) Placeholder {
	if bucket == "" {
		bucket = defaultBucket
	}
	return Placeholder{bucket: bucket}
}

func (p Placeholder) Bucket() string { return p.bucket }

func (p Placeholder) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	return PlaceholderURL(p.bucket, key), nil
}

// PutOrPlaceholder stores data and falls back to a placeholder URL on failure.
func PutOrPlaceholder(ctx context.Context, s Store, key string, data []byte, contentType string) string {
	url, err := s.Put(ctx, key, data, contentType)
	if err != nil {
		slog.Error("object upload failed", "key", key, "error", err)
		return PlaceholderURL(s.Bucket(), key)
	}
	return url
}
