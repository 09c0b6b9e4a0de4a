// Package kv writes publish items to the DynamoDB table backing the
// CDN index.
package kv

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// Config configures a Batcher.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are provided.
type Config struct {
	// Table is the DynamoDB table holding (web_uri, from_date) records
	// (required).
	Table string

	// ConfigTable holds CDN config snapshots (alias definitions).
	// Empty disables alias resolution.
	ConfigTable string

	// Region is the AWS region. Empty lets the SDK resolve from
	// environment or profile.
	Region string

	// Endpoint is a custom endpoint URL for DynamoDB-compatible local
	// stacks. Leave empty for AWS.
	Endpoint string

	// Profile is the AWS shared-config profile to use.
	Profile string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey
	// must also be set.
	AccessKeyID string

	// SecretAccessKey is an explicit secret key.
	SecretAccessKey string

	// BatchSize is the maximum number of write requests per batch
	// after mirroring. Default and protocol limit: 25.
	BatchSize int

	// MaxTries is the retry budget for unprocessed items within one
	// batch. Default: 20.
	MaxTries int
}

// MaxBatchSize is DynamoDB's native batch write limit.
const MaxBatchSize = 25

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Table == "" {
		return &ConfigError{Field: "Table", Message: "table name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if c.BatchSize > MaxBatchSize {
		return &ConfigError{Field: "BatchSize", Message: "exceeds DynamoDB batch write limit"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "kv config: " + e.Field + ": " + e.Message
}

// NewClient builds a DynamoDB client for the given configuration.
func NewClient(ctx context.Context, cfg Config) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	var ddbOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		ddbOpts = append(ddbOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return dynamodb.NewFromConfig(awsCfg, ddbOpts...), nil
}
