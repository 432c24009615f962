package seek

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
)

// RangeSource reads byte ranges of a stored stream.
type RangeSource interface {
	// OpenRange returns a reader starting at byte start. A positive length
	// bounds the request to [start, start+length). total is the full
	// length of the stream, or -1 when the response does not tell.
	OpenRange(ctx context.Context, start, length int64) (body io.ReadCloser, total int64, err error)
}

// rangeHeader returns the Range header value for a request, or "" when the
// whole object is wanted.
func rangeHeader(start, length int64) string {
	if start <= 0 && length <= 0 {
		return ""
	}
	if length > 0 {
		return fmt.Sprintf("bytes=%d-%d", start, start+length-1)
	}
	return fmt.Sprintf("bytes=%d-", start)
}

var contentRangeTotal = regexp.MustCompile(`(?i)bytes\s+\d+-\d+/(\d+|\*)`)

// totalLength derives the full stream length from a response. The total of
// Content-Range wins; otherwise Content-Length, which for a partial response
// counts from start and for a 200 is the whole object.
func totalLength(contentRange string, contentLength int64, status int, start int64) int64 {
	if m := contentRangeTotal.FindStringSubmatch(contentRange); m != nil && m[1] != "*" {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return n
		}
	}
	if contentLength < 0 {
		return -1
	}
	if status == http.StatusOK {
		return contentLength
	}
	return start + contentLength
}

// HTTPSource reads ranges of a URL with HTTP Range requests.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource creates an HTTPSource using http.DefaultClient.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{URL: url, Client: http.DefaultClient}
}

// OpenRange implements RangeSource.
func (s *HTTPSource) OpenRange(ctx context.Context, start, length int64) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, -1, fmt.Errorf("seek: build request: %w", err)
	}
	if h := rangeHeader(start, length); h != "" {
		req.Header.Set("Range", h)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, -1, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, -1, &HTTPStatusError{Status: resp.StatusCode}
	}
	total := totalLength(resp.Header.Get("Content-Range"), resp.ContentLength, resp.StatusCode, start)
	if resp.StatusCode == http.StatusOK && start > 0 {
		// The server ignored Range and sent the whole object.
		if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
			resp.Body.Close()
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, -1, fmt.Errorf("seek: skip to %d of full response: %w", start, err)
		}
	}
	return resp.Body, total, nil
}
