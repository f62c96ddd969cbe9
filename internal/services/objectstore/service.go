// Package objectstore uploads, lists and deletes backup archives in an
// S3-compatible bucket (DigitalOcean Spaces).
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for object storage operations.
type Service interface {
	Upload(ctx context.Context, localPath, key string) error
	List(ctx context.Context, prefix string) ([]models.BackupArtifact, error)
	Delete(ctx context.Context, key string) error
}

// S3API is the subset of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Impl implements the objectstore Service interface.
type Impl struct {
	api    S3API
	bucket string
	logger zerolog.Logger
}

// New creates an object store client for cfg using static credentials and
// a virtual-hosted endpoint.
func New(ctx context.Context, logger zerolog.Logger, cfg models.RemoteStorageConfig) (*Impl, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object storage config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = false
	})

	return &Impl{api: api, bucket: cfg.Bucket, logger: logger}, nil
}

// NewWithClient creates an object store with a custom S3 client (for testing).
func NewWithClient(logger zerolog.Logger, api S3API, bucket string) *Impl {
	return &Impl{api: api, bucket: bucket, logger: logger}
}

// Upload puts the file at localPath under key.
func (s *Impl) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath) //nolint:gosec // path is produced by the backup run
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	s.logger.Info().
		Str("bucket", s.bucket).
		Str("key", key).
		Int64("size_bytes", info.Size()).
		Msg("uploading backup")

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/gzip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.logger.Info().Str("key", key).Msg("backup uploaded")
	return nil
}

// List returns the objects under prefix, oldest first.
func (s *Impl) List(ctx context.Context, prefix string) ([]models.BackupArtifact, error) {
	var artifacts []models.BackupArtifact

	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			artifacts = append(artifacts, models.BackupArtifact{
				Name:         path.Base(key),
				Location:     key,
				SizeBytes:    aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified).UTC(),
				Remote:       true,
			})
		}
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].LastModified.Before(artifacts[j].LastModified)
	})

	return artifacts, nil
}

// Delete removes the object at key.
func (s *Impl) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
