// Package archive persists dead-lettered envelopes to object storage so
// operators can inspect and replay them after the broker has moved on.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"manufacturing-priority-engine/internal/broker"
	"manufacturing-priority-engine/internal/config"
)

type objectUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// S3Archiver writes one JSON object per dead-lettered message under
// dead-letter/<topic>/<day>/<message-id>.json.
type S3Archiver struct {
	uploader objectUploader
}

type archivedMessage struct {
	Topic      string          `json:"topic"`
	Key        string          `json:"key"`
	MessageID  string          `json:"message_id"`
	Cause      string          `json:"cause"`
	Payload    json.RawMessage `json:"payload"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// NewS3Archiver builds the archiver, or returns nil when no bucket is
// configured (archiving is optional).
func NewS3Archiver(ctx context.Context, cfg config.Config) (*S3Archiver, error) {
	if cfg.ArchiveS3Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Archiver{
		uploader: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket},
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Archive uploads one dead-lettered message. Failures propagate so the
// caller can log them; archiving never blocks the pipeline.
func (a *S3Archiver) Archive(ctx context.Context, msg broker.Message, cause string) error {
	record := archivedMessage{
		Topic:      msg.Topic,
		Key:        msg.Key,
		MessageID:  msg.ID,
		Cause:      cause,
		Payload:    json.RawMessage(msg.Value),
		ArchivedAt: time.Now().UTC(),
	}
	if !json.Valid(msg.Value) {
		// Poison payloads still get archived, as a quoted string.
		quoted, _ := json.Marshal(string(msg.Value))
		record.Payload = quoted
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}

	key := fmt.Sprintf("dead-letter/%s/%s/%s.json",
		msg.Topic, record.ArchivedAt.Format("2006-01-02"), msg.ID)
	if _, err := a.uploader.Upload(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("archive %s: %w", msg.ID, err)
	}
	return nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
