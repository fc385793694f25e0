// Package objstore resolves opaque storage paths to fetchable URLs and
// accepts uploads.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Storage is what the session and handlers depend on.
type Storage interface {
	Upload(ctx context.Context, fileName, contentType string, data []byte) (string, error)
	ResolveURL(ctx context.Context, storagePath string) (string, error)
}

// S3Storage keeps media in a single bucket and hands out presigned GET URLs;
// stored paths stay opaque to the rest of the system.
type S3Storage struct {
	client    *s3.Client
	uploader  *manager.Uploader
	presigner *s3.PresignClient
	bucket    string
	urlTTL    time.Duration
	logger    *slog.Logger
}

func NewS3Storage(ctx context.Context, region, bucket string, urlTTL time.Duration, logger *slog.Logger) (*S3Storage, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return &S3Storage{
		client:    client,
		uploader:  manager.NewUploader(client),
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		urlTTL:    urlTTL,
		logger:    logger,
	}, nil
}

// Upload stores the file under a fresh key and returns the opaque path.
func (s *S3Storage) Upload(ctx context.Context, fileName, contentType string, data []byte) (string, error) {
	key := fmt.Sprintf("media/%s%s", uuid.New().String(), path.Ext(fileName))

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		s.logger.Error("Upload failed", "key", key, "error", err)
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	s.logger.Info("Media uploaded", "key", key, "bytes", len(data))
	return key, nil
}

// ResolveURL turns a stored path into a short-lived fetchable URL.
func (s *S3Storage) ResolveURL(ctx context.Context, storagePath string) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storagePath),
	}, s3.WithPresignExpires(s.urlTTL))
	if err != nil {
		s.logger.Error("Presign failed", "key", storagePath, "error", err)
		return "", fmt.Errorf("presign %s: %w", storagePath, err)
	}
	return req.URL, nil
}
