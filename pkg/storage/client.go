package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fly-io/vmpool/pkg/errors"
)

// ObjectAPI is the subset of the S3 client used here
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client reads user data objects from one S3 bucket
type Client struct {
	s3Client ObjectAPI
	bucket   string
}

// NewClient creates a new S3 client. Anonymous access is used for public buckets,
// otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, bucket, region string, anonymous bool) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region, "anonymous", anonymous)

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return NewWithAPI(s3.NewFromConfig(cfg), bucket), nil
}

// NewWithAPI wraps an existing S3 API implementation
func NewWithAPI(api ObjectAPI, bucket string) *Client {
	return &Client{
		s3Client: api,
		bucket:   bucket,
	}
}

// Bucket returns the bucket objects are read from
func (c *Client) Bucket() string {
	return c.bucket
}

// Object is a fetched object and its checksum
type Object struct {
	Key    string
	Data   []byte
	SHA256 string
	Size   int64
}

// FetchObject reads an object into memory and computes its SHA256.
// Objects larger than maxSize are rejected without being read in full.
func (c *Client) FetchObject(ctx context.Context, key string, maxSize int64) (*Object, error) {
	slog.Info("s3_fetch_start", "bucket", c.bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	if result.ContentLength != nil && *result.ContentLength > maxSize {
		slog.Error("s3_object_too_large", "s3_key", key, "size", *result.ContentLength, "max_size", maxSize)
		return nil, fmt.Errorf("object %s is %d bytes, max %d", key, *result.ContentLength, maxSize)
	}

	// Read one byte past the limit to detect bodies without a content length
	hash := sha256.New()
	data, err := io.ReadAll(io.TeeReader(io.LimitReader(result.Body, maxSize+1), hash))
	if err != nil {
		slog.Error("s3_fetch_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to read object")
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("object %s exceeds max size %d", key, maxSize)
	}

	checksum := hex.EncodeToString(hash.Sum(nil))

	slog.Info("s3_fetch_complete",
		"s3_key", key,
		"size_kb", len(data)/1024,
		"sha256", checksum[:16]+"...",
	)

	return &Object{
		Key:    key,
		Data:   data,
		SHA256: checksum,
		Size:   int64(len(data)),
	}, nil
}
