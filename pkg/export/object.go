package export

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectConfig holds S3-compatible storage settings.
type ObjectConfig struct {
	// Endpoint is host:port or a URL; an https scheme forces TLS.
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool

	// CreateBucket makes the bucket when it does not exist.
	CreateBucket bool
}

// ObjectSink uploads the export to one object.
type ObjectSink struct {
	client *minio.Client
	cfg    ObjectConfig
	bucket string
	key    string
}

// NewObjectSink creates an ObjectSink for bucket/key.
func NewObjectSink(cfg ObjectConfig, bucket, key string) (*ObjectSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object storage endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("object storage credentials are required")
	}
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("bucket and key are required")
	}

	endpoint := cfg.Endpoint
	secure := cfg.Secure
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	return &ObjectSink{client: client, cfg: cfg, bucket: bucket, key: key}, nil
}

func (s *ObjectSink) String() string {
	return "s3://" + s.bucket + "/" + s.key
}

// Put implements Sink.
func (s *ObjectSink) Put(ctx context.Context, data []byte) error {
	if s.cfg.CreateBucket {
		if err := s.ensureBucket(ctx); err != nil {
			return err
		}
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (s *ObjectSink) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}
