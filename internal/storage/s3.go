package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dkovalev/docvault/internal/common"
)

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// s3API is the subset of the S3 client used by the remote tier; it exists
// so tests can substitute a double.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3RemoteOptions configures the S3-compatible remote tier. RootUser and
// RootPassword are static credentials (minio-style); BaseEndpoint overrides
// the AWS endpoint for self-hosted backends.
type S3RemoteOptions struct {
	RootUser        string
	RootPassword    string
	Bucket          string
	Region          string
	BaseEndpoint    string
	TransferTimeout time.Duration
}

// S3Remote implements the Remote tier over an S3-compatible object store.
// Every write attempt is bounded by TransferTimeout; an expired deadline
// surfaces as common.ErrTransferTimeout and counts as a transfer failure.
type S3Remote struct {
	client  s3API
	bucket  string
	timeout time.Duration
}

func NewS3Remote(ctx context.Context, opts S3RemoteOptions) (*S3Remote, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.RootUser,
			opts.RootPassword,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if opts.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.BaseEndpoint)
		}
		// Self-hosted backends usually want path-style addressing.
		o.UsePathStyle = true
	})

	return &S3Remote{client: client, bucket: opts.Bucket, timeout: opts.TransferTimeout}, nil
}

// Write uploads the object for id.
func (s *S3Remote) Write(ctx context.Context, id string, r io.Reader, size int64) error {
	ctx, cancel := s.attemptContext(ctx)
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(id),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return classifyRemoteError(err)
	}
	return nil
}

// Read returns the object stream for id, common.ErrNotFound when the key
// does not exist. The stream is not bounded by the transfer timeout; the
// caller controls how long it keeps reading.
func (s *S3Remote) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, common.ErrNotFound
		}
		return nil, classifyRemoteError(err)
	}
	return out.Body, nil
}

// Exists reports whether the object for id is present on the remote tier.
func (s *S3Remote) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.attemptContext(ctx)
	defer cancel()

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, classifyRemoteError(err)
	}
	return true, nil
}

func (s *S3Remote) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// classifyRemoteError maps transport and API failures onto the closed error
// taxonomy: deadline expiry is a timeout, an API-level rejection (auth,
// quota, invalid request) is ErrRemoteRejected, anything else is treated as
// the remote being unreachable.
func classifyRemoteError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", common.ErrTransferTimeout, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s: %s", common.ErrRemoteRejected, apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("%w: %v", common.ErrRemoteUnreachable, err)
}
