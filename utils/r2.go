// utils/r2.go
package utils

import (
	"context"
	"fmt"

	"achievement-sync-service/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// R2Endpoint is the S3-compatible endpoint for a Cloudflare account.
func R2Endpoint(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// CDNBase returns the public URL prefix for uploaded objects, preferring a
// custom CDN when configured.
func CDNBase(cfg config.R2Config) string {
	if cfg.CDNBaseURL != "" {
		return cfg.CDNBaseURL
	}
	return R2Endpoint(cfg.AccountID)
}

// NewR2Client builds an S3 client pointed at R2.
func NewR2Client(ctx context.Context, cfg config.R2Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(R2Endpoint(cfg.AccountID))
	}), nil
}
