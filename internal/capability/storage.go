package capability

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"briefcast/internal/logging"
)

// AudioStore persists synthesized audio and returns a reference to it.
type AudioStore interface {
	Put(ctx context.Context, key string, audio Audio) (string, error)
}

// LocalStore writes audio files under Dir. References are file:// URLs
// unless BaseURL is set.
type LocalStore struct {
	Dir     string
	BaseURL string
}

func (s LocalStore) Put(_ context.Context, key string, audio Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", fmt.Errorf("store audio %s: %w", key, ErrEmptyContent)
	}
	key = cleanKey(key)
	path := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("store audio %s: %w", key, err)
	}
	if err := os.WriteFile(path, audio.Data, 0o644); err != nil {
		return "", fmt.Errorf("store audio %s: %w", key, err)
	}
	if s.BaseURL != "" {
		return strings.TrimSuffix(s.BaseURL, "/") + "/" + key, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs), nil
}

type S3Config struct {
	Bucket        string
	Prefix        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

// S3Store uploads audio to S3 or an S3-compatible service.
type S3Store struct {
	client *s3.Client
	cfg    S3Config
}

func NewS3Store(ctx context.Context, cfg S3Config, logger logging.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket: %w", ErrNotConfigured)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	logging.OrDiscard(logger).WithFields(logging.Fields{
		"bucket":   cfg.Bucket,
		"prefix":   cfg.Prefix,
		"region":   cfg.Region,
		"endpoint": cfg.Endpoint,
	}).Info("S3 audio store initialized")
	return &S3Store{client: s3.NewFromConfig(awsCfg, s3Opts...), cfg: cfg}, nil
}

func (s *S3Store) fullKey(key string) string {
	key = cleanKey(key)
	if s.cfg.Prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + key
}

func (s *S3Store) Put(ctx context.Context, key string, audio Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", fmt.Errorf("store audio %s: %w", key, ErrEmptyContent)
	}
	full := s.fullKey(key)
	contentType := audio.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(full),
		Body:        bytes.NewReader(audio.Data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", full, err)
	}
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + "/" + full, nil
	}
	return "s3://" + s.cfg.Bucket + "/" + full, nil
}

func cleanKey(key string) string {
	key = strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+key)), "/")
	return key
}
