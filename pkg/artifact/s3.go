package artifact

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store implements Store for AWS S3 and S3-compatible storage.
type S3Store struct {
	client *s3.Client
	bucket string
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates an S3 store for cfg.Bucket.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &StoreError{Op: "New", Kind: KindS3, Bucket: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if set; let the SDK resolve env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		err = s.wrapError("Delete", key, err)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Close satisfies Store; the S3 client needs no cleanup.
func (s *S3Store) Close() error {
	return nil
}

// wrapError converts S3 errors to store errors with appropriate sentinels.
func (s *S3Store) wrapError(op, key string, err error) error {
	wrapped := &StoreError{Op: op, Kind: KindS3, Bucket: s.bucket, Key: key, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel := sentinelForCode(apiErr.ErrorCode()); sentinel != nil {
			wrapped.Err = sentinel
		}
		return wrapped
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = ErrNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = ErrAccessDenied
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "429"):
		wrapped.Err = ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = ErrUnavailable
	}
	return wrapped
}

func sentinelForCode(code string) error {
	switch code {
	case "NoSuchKey", "NotFound":
		return ErrNotFound
	case "NoSuchBucket":
		return ErrBucketNotFound
	case "AccessDenied", "Forbidden":
		return ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return ErrInvalidCredentials
	case "SlowDown", "Throttling", "RequestLimitExceeded":
		return ErrThrottled
	case "ServiceUnavailable", "InternalError":
		return ErrUnavailable
	}
	return nil
}

// resolveRegion applies the us-east-1 fallback for AWS S3 when the SDK found
// no region. S3-compatible endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
