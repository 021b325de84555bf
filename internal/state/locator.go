// Package state addresses and probes per-(workshop, template) remote state
// objects in S3.
package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Address computes the remote-state object key for a (workshop, template)
// pair. It is a pure function: deploy and destroy of the same pair must
// resolve to the same key so destroy always targets what deploy created.
// The format is a wire contract; changing it orphans existing state.
func Address(prefix, workshopID, templateID string) string {
	return fmt.Sprintf("%s/workshops/%s/templates/%s/state", prefix, workshopID, templateID)
}

// ObjectAPI is the subset of the S3 client used by the locator.
type ObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Locator checks remote-state existence and ensures the state bucket exists.
type Locator struct {
	client ObjectAPI
	bucket string
	region string
	logger *slog.Logger
}

// NewLocator creates a locator for the given state bucket.
func NewLocator(client ObjectAPI, bucket, region string, logger *slog.Logger) *Locator {
	return &Locator{client: client, bucket: bucket, region: region, logger: logger}
}

// Bucket returns the state bucket name.
func (l *Locator) Bucket() string {
	return l.bucket
}

// Region returns the state bucket region.
func (l *Locator) Region() string {
	return l.region
}

// Exists probes the given state key with a metadata-only HEAD request. Any
// probe error is treated as "does not exist" and logged: failing open toward
// re-initialization is safe, failing the run on a transient probe error is not.
func (l *Locator) Exists(ctx context.Context, key string) bool {
	_, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		l.logger.Debug("state existence probe negative", "key", key, "error", err)
		return false
	}
	return true
}

// EnsureBucket creates the state bucket if it does not already exist.
func (l *Locator) EnsureBucket(ctx context.Context) error {
	_, err := l.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(l.bucket)})
	if err == nil {
		return nil
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(l.bucket)}
	// us-east-1 rejects an explicit location constraint.
	if l.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(l.region),
		}
	}
	if _, err := l.client.CreateBucket(ctx, in); err != nil {
		return fmt.Errorf("create state bucket %s: %w", l.bucket, err)
	}
	l.logger.Info("created state bucket", "bucket", l.bucket)
	return nil
}
