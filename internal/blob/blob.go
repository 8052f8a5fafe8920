// Package blob stores export artifacts in an S3-compatible bucket.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const defaultURLExpiry = 15 * time.Minute

type Config struct {
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Bucket    string        `yaml:"bucket"`
	Region    string        `yaml:"region"`
	UseSSL    bool          `yaml:"use_ssl"`
	URLExpiry time.Duration `yaml:"url_expiry"`
}

// Enabled reports whether enough settings are present to reach a bucket.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != "" && c.AccessKey != ""
}

type Object struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Store struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	logger *zap.Logger
}

// New connects to the bucket and creates it when missing.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created export bucket", zap.String("bucket", cfg.Bucket))
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = defaultURLExpiry
	}
	return &Store{client: client, bucket: cfg.Bucket, expiry: expiry, logger: logger}, nil
}

// Put uploads data and returns a presigned download URL.
func (s *Store) Put(ctx context.Context, key, contentType, filename string, data []byte) (Object, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("put %s: %w", key, err)
	}

	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	signed, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, params)
	if err != nil {
		return Object{}, fmt.Errorf("presign %s: %w", key, err)
	}

	s.logger.Debug("stored object", zap.String("key", key), zap.Int64("size", info.Size))
	return Object{
		Key:       key,
		Size:      int64(len(data)),
		URL:       signed.String(),
		ExpiresAt: time.Now().UTC().Add(s.expiry),
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// ExportKey lays artifacts out as exports/<user>/<yyyy>/<mm>/<id>.<ext>.
func ExportKey(userID, artifactID, extension string, at time.Time) string {
	at = at.UTC()
	ext := strings.TrimPrefix(strings.ToLower(extension), ".")
	return path.Join(
		"exports",
		cleanSegment(userID),
		fmt.Sprintf("%04d", at.Year()),
		fmt.Sprintf("%02d", int(at.Month())),
		cleanSegment(artifactID)+"."+ext,
	)
}

func cleanSegment(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
