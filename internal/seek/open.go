package seek

import (
	"errors"
	"fmt"
	"net/url"
)

// OpenSource returns the range source of rawURL: an S3Source for
// "s3://bucket/key" and an HTTPSource for http and https URLs. client may
// be nil when S3 is not configured.
func OpenSource(rawURL string, client GetObjectAPI) (RangeSource, error) {
	if bucket, key, ok := ParseS3URL(rawURL); ok {
		if client == nil {
			return nil, errors.New("seek: s3 sources are not configured")
		}
		return &S3Source{Client: client, Bucket: bucket, Key: key}, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("seek: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("seek: unsupported source scheme %q", u.Scheme)
	}
	return NewHTTPSource(rawURL), nil
}
