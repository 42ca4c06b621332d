// Package objectstore holds stage logs and build artifacts in
// S3-compatible storage. Stage output references point into the logs
// bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/conduit-labs/conduit/internal/platform/env"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketLogs      string
	BucketArtifacts string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("CONDUIT_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("CONDUIT_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("CONDUIT_MINIO_ACCESS_KEY", "conduit"),
		SecretKey:       env.String("CONDUIT_MINIO_SECRET_KEY", "conduitminio"),
		Region:          env.String("CONDUIT_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketLogs:      env.String("CONDUIT_MINIO_BUCKET_LOGS", "stage-logs"),
		BucketArtifacts: env.String("CONDUIT_MINIO_BUCKET_ARTIFACTS", "artifacts"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketLogs) == "" {
		return errors.New("logs bucket is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

func NewClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// EnsureBuckets creates the logs and artifacts buckets if missing.
func EnsureBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	if err := ensureBucket(ctx, client, cfg.BucketLogs, cfg.Region); err != nil {
		return fmt.Errorf("ensure logs bucket: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.BucketArtifacts, cfg.Region); err != nil {
		return fmt.Errorf("ensure artifacts bucket: %w", err)
	}
	return nil
}

// CheckBuckets is the readiness probe for the object store.
func CheckBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	for _, bucket := range []string{cfg.BucketLogs, cfg.BucketArtifacts} {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if !exists {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
	}
	return nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

// LogSink writes stage output documents to the logs bucket and returns
// s3:// references for the run ledger.
type LogSink struct {
	client *minio.Client
	bucket string
}

func NewLogSink(client *minio.Client, cfg Config) (*LogSink, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if strings.TrimSpace(cfg.BucketLogs) == "" {
		return nil, errors.New("logs bucket is required")
	}
	return &LogSink{client: client, bucket: cfg.BucketLogs}, nil
}

func (s *LogSink) Put(ctx context.Context, key string, body []byte) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("log sink not initialized")
	}
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("key is required")
	}
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), opts); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
