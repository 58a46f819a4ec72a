package wal

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API defines the S3 operations used by the archiver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads expired WAL files to a bucket
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Archiver builds an archiver from the default AWS credential chain
func NewS3Archiver(ctx context.Context, region, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3ArchiverWithClient(s3.NewFromConfig(awsCfg), bucket, prefix), nil
}

// NewS3ArchiverWithClient wraps an existing client
func NewS3ArchiverWithClient(client S3API, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for a WAL file
func (a *S3Archiver) Key(file string) string {
	return path.Join(a.prefix, filepath.Base(file))
}

// Archive uploads one file
func (a *S3Archiver) Archive(ctx context.Context, file string) error {
	f, err := os.Open(filepath.Clean(file))
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer func() { _ = f.Close() }()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(file)),
		Body:        f,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, a.Key(file), err)
	}
	return nil
}
