package client

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"delivery-guard/internal/config"
	"delivery-guard/internal/util"
)

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

func NewKMSClient(ctx context.Context, cfg *config.Config) (*kms.Client, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.KMS.Region)
	if err != nil {
		return nil, err
	}
	util.Info("KMS client initialized", util.String("region", cfg.KMS.Region))
	return kms.NewFromConfig(awsCfg), nil
}

// S3Storage stores claim evidence under a single bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
}

func NewS3Storage(ctx context.Context, cfg *config.Config) (*S3Storage, error) {
	osCfg := cfg.ObjectStorage
	awsCfg, err := loadAWSConfig(ctx, osCfg.Region)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if osCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(osCfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	util.Info("S3 storage initialized",
		util.String("bucket", osCfg.Bucket),
		util.String("region", osCfg.Region))

	return &S3Storage{client: client, bucket: osCfg.Bucket}, nil
}

func (s *S3Storage) Put(ctx context.Context, path string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	return nil
}

func (s *S3Storage) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (s *S3Storage) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 head bucket failed: %w", err)
	}
	return nil
}
