// Package autoindex generates directory index documents for yum-style
// repositories in a publish and inserts them as additional items
// before phase-2 selection.
package autoindex

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// StoreConfig configures the blob store holding generated index
// documents. The bucket is the same content bucket the CDN serves
// object keys from.
type StoreConfig struct {
	Bucket string

	// Region, Profile and Endpoint follow the AWS SDK's usual
	// resolution; Endpoint supports S3-compatible stores in tests.
	Region   string
	Profile  string
	Endpoint string

	// Explicit credentials override the SDK default chain.
	AccessKeyID     string
	SecretAccessKey string
}

// BlobStore writes content-addressed blobs to S3. Keys are the hex
// sha256 of the content, matching how client-uploaded blobs are keyed.
type BlobStore struct {
	client *s3.Client
	bucket string
}

// NewBlobStore creates a BlobStore.
func NewBlobStore(ctx context.Context, cfg StoreConfig) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("autoindex: bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("autoindex: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &BlobStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
	}, nil
}

// ObjectKey returns the content-addressed key for body.
func ObjectKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Ensure writes body under its content-addressed key unless an object
// with that key already exists, and returns the key. Identical index
// documents across publishes dedupe naturally.
func (s *BlobStore) Ensure(ctx context.Context, body []byte, contentType string) (string, error) {
	key := ObjectKey(body)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return key, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("autoindex: head %s: %w", key, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("autoindex: put %s: %w", key, err)
	}
	return key, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
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
