// Package s3 stores bytes in an S3-compatible bucket (AWS, MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metrics"
	"github.com/fruitsalade/clouddrive/internal/storage"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Backend implements storage.Backend on one bucket. Locations are absolute
// path-style object URLs: <endpoint>/<bucket>/<key>.
type Backend struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

var _ storage.Backend = (*Backend)(nil)

// New creates the client and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	endpoint := cfg.Endpoint
	if !storage.IsURL(endpoint) {
		scheme := "http://"
		if cfg.UseSSL {
			scheme = "https://"
		}
		endpoint = scheme + endpoint
	}
	endpoint = strings.TrimRight(endpoint, "/")

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	b := &Backend{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: endpoint + "/" + cfg.Bucket + "/",
	}
	if err := b.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		metrics.RecordStorageOperation("s3", "head_bucket", time.Since(start), true)
		return nil
	}
	_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	if createErr != nil {
		metrics.RecordStorageOperation("s3", "create_bucket", time.Since(start), false)
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
	}
	metrics.RecordStorageOperation("s3", "create_bucket", time.Since(start), true)
	logging.Info("created S3 bucket", logging.String("bucket", b.bucket))
	return nil
}

// Location returns the URL stored for key.
func (b *Backend) Location(key string) string { return b.baseURL + key }

func (b *Backend) key(location string) (string, error) {
	key, ok := strings.CutPrefix(location, b.baseURL)
	if !ok || key == "" {
		return "", fmt.Errorf("%q: %w", location, storage.ErrInvalidPath)
	}
	return key, nil
}

func (b *Backend) Type() string { return "s3" }

func (b *Backend) Owns(location string) bool {
	return strings.HasPrefix(location, b.baseURL)
}

func (b *Backend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	start := time.Now()
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := b.client.PutObject(ctx, in); err != nil {
		metrics.RecordStorageOperation("s3", "put_object", time.Since(start), false)
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	metrics.RecordStorageOperation("s3", "put_object", time.Since(start), true)
	logging.Debug("S3 put object", logging.String("key", key), logging.Int64("size", size))
	return b.Location(key), nil
}

func (b *Backend) Open(ctx context.Context, location string) (io.ReadCloser, storage.Object, error) {
	key, err := b.key(location)
	if err != nil {
		return nil, storage.Object{}, err
	}
	start := time.Now()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordStorageOperation("s3", "get_object", time.Since(start), false)
		return nil, storage.Object{}, mapErr("get object", key, err)
	}
	metrics.RecordStorageOperation("s3", "get_object", time.Since(start), true)

	obj := storage.Object{
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ModTime:     aws.ToTime(out.LastModified),
	}
	return out.Body, obj, nil
}

func (b *Backend) Stat(ctx context.Context, location string) (storage.Object, error) {
	key, err := b.key(location)
	if err != nil {
		return storage.Object{}, err
	}
	start := time.Now()
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordStorageOperation("s3", "head_object", time.Since(start), false)
		return storage.Object{}, mapErr("head object", key, err)
	}
	metrics.RecordStorageOperation("s3", "head_object", time.Since(start), true)
	return storage.Object{
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ModTime:     aws.ToTime(out.LastModified),
	}, nil
}

func (b *Backend) Delete(ctx context.Context, location string) error {
	key, err := b.key(location)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordStorageOperation("s3", "delete_object", time.Since(start), err == nil)
	if err != nil {
		return mapErr("delete object", key, err)
	}
	logging.Debug("S3 delete object", logging.String("key", key))
	return nil
}

// List pages through the bucket and returns object URLs.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	var out []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket)})
	for p.HasMorePages() {
		start := time.Now()
		page, err := p.NextPage(ctx)
		metrics.RecordStorageOperation("s3", "list_objects", time.Since(start), err == nil)
		if err != nil {
			return nil, fmt.Errorf("list bucket %s: %w", b.bucket, err)
		}
		for _, obj := range page.Contents {
			out = append(out, b.Location(aws.ToString(obj.Key)))
		}
	}
	return out, nil
}

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }

func mapErr(op, key string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s %s: %w", op, key, storage.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w: %w", op, key, storage.ErrUpstreamUnavailable, err)
}
