// Package attachments backs the optional object-storage supplement: an
// S3-compatible store for message attachments, degrading to a no-op
// service when unconfigured rather than failing startup.
package attachments

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	awsv1 "github.com/aws/aws-sdk-go/aws"
	credsv1 "github.com/aws/aws-sdk-go/aws/credentials"
	sessionv1 "github.com/aws/aws-sdk-go/aws/session"
	s3v1 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"

	"chatbridge/internal/config"
	"chatbridge/internal/models"
	"chatbridge/internal/store"
)

// Service uploads and retrieves message attachments.
type Service struct {
	client *s3v1.S3
	bucket string
	repo   store.Attachments
}

// New builds a Service from the application's S3 configuration. An
// incomplete configuration yields a null service: Upload and Download
// return errors, but the process still starts.
func New(cfg config.S3Config, repo store.Attachments) (*Service, error) {
	if !cfg.Configured() {
		log.Println("[attachments] S3 configuration not fully provided; attachment storage disabled")
		return &Service{repo: repo}, nil
	}

	disableSSL := len(cfg.Endpoint) >= 7 && cfg.Endpoint[:7] == "http://"
	sess, err := sessionv1.NewSession(&awsv1.Config{
		Region:           awsv1.String(cfg.Region),
		Endpoint:         awsv1.String(cfg.Endpoint),
		S3ForcePathStyle: awsv1.Bool(true),
		Credentials:      credsv1.NewStaticCredentials(cfg.KeyID, cfg.AppKey, ""),
		DisableSSL:       awsv1.Bool(disableSSL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	log.Printf("[attachments] S3 service initialized for bucket %q at endpoint %q", cfg.Bucket, cfg.Endpoint)
	return &Service{client: s3v1.New(sess), bucket: cfg.Bucket, repo: repo}, nil
}

func (s *Service) configured() bool { return s.client != nil && s.bucket != "" }

// Upload stores r under a derived object key, persists the attachment
// record, and returns it.
func (s *Service) Upload(ctx context.Context, messageID, fileName, mimeType string, r io.Reader) (models.Attachment, error) {
	if !s.configured() {
		return models.Attachment{}, fmt.Errorf("attachment storage is not configured")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to buffer upload body: %w", err)
	}

	key := fmt.Sprintf("attachments/%s/%s_%s", messageID, uuid.NewString(), fileName)
	_, err = s.client.PutObjectWithContext(ctx, &s3v1.PutObjectInput{
		Bucket:      awsv1.String(s.bucket),
		Key:         awsv1.String(key),
		Body:        bytes.NewReader(data),
		ContentType: awsv1.String(mimeType),
	})
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to upload object %q: %w", key, err)
	}

	attachment := models.Attachment{
		ID:         uuid.NewString(),
		MessageID:  messageID,
		ObjectKey:  key,
		FileName:   fileName,
		MimeType:   mimeType,
		SizeBytes:  int64(len(data)),
		UploadedAt: time.Now(),
	}
	return s.repo.Save(ctx, attachment)
}

// Download returns the object body for objectKey. The caller must close it.
func (s *Service) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	if !s.configured() {
		return nil, fmt.Errorf("attachment storage is not configured")
	}
	result, err := s.client.GetObjectWithContext(ctx, &s3v1.GetObjectInput{
		Bucket: awsv1.String(s.bucket),
		Key:    awsv1.String(objectKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %q: %w", objectKey, err)
	}
	return result.Body, nil
}
