// Package s3blob stores quarantined logs in S3-compatible object storage
// (AWS S3, MinIO, Cloudflare R2) using AWS SDK v2.
package s3blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig selects the bucket and how to reach it.
type ClientConfig struct {
	// Endpoint is set for non-AWS providers. A bare host gets a scheme from
	// UseSSL.
	Endpoint string
	Region   string
	Bucket   string

	// AccessKey and SecretKey are optional. When both are empty the default
	// AWS credential chain (env, shared config, instance role) is used.
	AccessKey string
	SecretKey string

	UseSSL         bool
	ForcePathStyle bool

	// Prefix scopes every key, e.g. "alfajores/".
	Prefix string
}

// Client is the SDK client plus the bucket and key prefix shared by Reader
// and Writer.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
}

// New builds a Client. It does not contact the provider; call Ping for that.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	switch {
	case cfg.Bucket == "":
		return nil, fmt.Errorf("s3blob: bucket is required")
	case cfg.Region == "":
		return nil, fmt.Errorf("s3blob: region is required")
	case (cfg.AccessKey == "") != (cfg.SecretKey == ""):
		return nil, fmt.Errorf("s3blob: access key and secret key must be set together")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(withScheme(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Client{
		s3:     client,
		bucket: cfg.Bucket,
		prefix: cleanPrefix(cfg.Prefix),
	}, nil
}

// Ping checks that the bucket exists and the credentials can reach it.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Key returns path under the configured prefix.
func (c *Client) Key(path string) string {
	return c.prefix + strings.TrimPrefix(path, "/")
}

// relative strips the configured prefix from a stored key.
func (c *Client) relative(key string) string {
	return strings.TrimPrefix(key, c.prefix)
}

func cleanPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func withScheme(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
