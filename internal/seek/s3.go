package seek

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// GetObjectAPI is the subset of the S3 client used by S3Source.
type GetObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads ranges of an object in S3-compatible storage.
type S3Source struct {
	Client GetObjectAPI
	Bucket string
	Key    string
}

// OpenRange implements RangeSource.
func (s *S3Source) OpenRange(ctx context.Context, start, length int64) (io.ReadCloser, int64, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	}
	h := rangeHeader(start, length)
	if h != "" {
		in.Range = aws.String(h)
	}
	out, err := s.Client.GetObject(ctx, in)
	if err != nil {
		return nil, -1, fmt.Errorf("seek: get s3://%s/%s: %w", s.Bucket, s.Key, err)
	}
	status := http.StatusOK
	if h != "" {
		status = http.StatusPartialContent
	}
	contentLength := int64(-1)
	if out.ContentLength != nil {
		contentLength = *out.ContentLength
	}
	total := totalLength(aws.ToString(out.ContentRange), contentLength, status, start)
	return out.Body, total, nil
}

// S3Options configures the S3 client.
type S3Options struct {
	// Region is optional; the default chain applies when empty.
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible providers.
	Endpoint string
	// UsePathStyle puts the bucket in the path rather than the host.
	UsePathStyle bool
}

// NewS3Client creates an S3 client with the default credential chain.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("seek: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsConfig, s3Opts...), nil
}

// ParseS3URL splits "s3://bucket/key" into bucket and key.
func ParseS3URL(u string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(u, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
