// Package bundle fetches packaged IaC source bundles and materializes them
// into working directories.
package bundle

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Storage retrieves a packaged bundle by its stored path.
type Storage interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// GetObjectAPI is the subset of the S3 client used for bundle retrieval.
type GetObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Storage fetches bundles from s3:// paths, falling back to the local
// filesystem for plain paths.
type S3Storage struct {
	client GetObjectAPI
}

// NewS3Storage creates a bundle storage backed by the given S3 client.
func NewS3Storage(client GetObjectAPI) *S3Storage {
	return &S3Storage{client: client}
}

// Fetch returns the bundle bytes for the given path. Paths of the form
// s3://bucket/key are read from S3; anything else is read from disk.
func (s *S3Storage) Fetch(ctx context.Context, path string) ([]byte, error) {
	if after, ok := strings.CutPrefix(path, "s3://"); ok {
		bucket, key, found := strings.Cut(after, "/")
		if !found || key == "" {
			return nil, fmt.Errorf("malformed s3 path %q", path)
		}
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("fetch bundle from s3: %w", err)
		}
		defer out.Body.Close()
		data, err := io.ReadAll(out.Body)
		if err != nil {
			return nil, fmt.Errorf("read bundle body: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle file: %w", err)
	}
	return data, nil
}
