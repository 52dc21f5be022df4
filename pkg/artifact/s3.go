package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client the source uses.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source fetches archives from an S3 bucket.
type S3Source struct {
	bucket string
	prefix string
	region string

	mu     sync.Mutex
	client S3API
}

// NewS3Source creates a source for bucket/prefix. A nil client is created
// on first use from the default AWS credential chain.
func NewS3Source(bucket, prefix, region string, client S3API) *S3Source {
	return &S3Source{bucket: bucket, prefix: prefix, region: region, client: client}
}

func (s *S3Source) resolveClient(ctx context.Context) (S3API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = s3.NewFromConfig(cfg)
	return s.client, nil
}

func (s *S3Source) objectKey(key string) string {
	return path.Join(s.prefix, key)
}

func (s *S3Source) location(key string) string {
	return "s3://" + s.bucket + "/" + s.objectKey(key)
}

// Exists issues HeadObject for key.
func (s *S3Source) Exists(ctx context.Context, key string) (bool, error) {
	client, err := s.resolveClient(ctx)
	if err != nil {
		return false, &NetworkError{Op: "HeadObject", Location: s.location(key), Err: err}
	}

	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, &NetworkError{Op: "HeadObject", Location: s.location(key), Err: err}
}

// Fetch streams the object body into w.
func (s *S3Source) Fetch(ctx context.Context, key string, w io.Writer) (int64, error) {
	client, err := s.resolveClient(ctx)
	if err != nil {
		return 0, &NetworkError{Op: "GetObject", Location: s.location(key), Err: err}
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, fmt.Errorf("%s: %w", s.location(key), ErrArchiveNotFound)
		}
		return 0, &NetworkError{Op: "GetObject", Location: s.location(key), Err: err}
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, &NetworkError{Op: "GetObject", Location: s.location(key), Err: err}
	}
	return n, nil
}

func (s *S3Source) String() string {
	return "s3://" + path.Join(s.bucket, s.prefix)
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}
