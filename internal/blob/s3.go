package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3 blob store. Endpoint and static credentials
// are optional; when unset the SDK's defaults apply, which covers both AWS
// and S3-compatible object stores.
type S3Config struct {
	Region    string
	Endpoint  string
	KeyID     string
	Secret    string
	PathStyle bool
}

// S3Store implements Store against S3-compatible object storage. The
// client is safe for concurrent use across the worker pool.
type S3Store struct {
	client   *s3.Client
	endpoint string
}

// NewS3Store creates an S3 blob store.
func NewS3Store(cfg S3Config) *S3Store {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.PathStyle,
	}
	if cfg.KeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.Secret, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &S3Store{client: s3.New(opts), endpoint: cfg.Endpoint}
}

// Get downloads the object at the given locator.
func (s *S3Store) Get(ctx context.Context, locator string) ([]byte, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", loc, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", loc, err)
	}
	return data, nil
}

// Put uploads the bytes to the given locator and returns the public URI.
func (s *S3Store) Put(ctx context.Context, locator string, data []byte, contentType string) (string, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return "", err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(loc.Bucket),
		Key:         aws.String(loc.Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", loc, err)
	}

	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.endpoint, "/"), loc.Bucket, loc.Key), nil
	}
	return loc.PublicURI(), nil
}
