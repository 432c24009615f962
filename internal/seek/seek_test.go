package seek

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/zsiec/mmtview/internal/synth"
)

// timedSource is a RangeSource whose content at any offset is a random
// access point with timestamp at(offset). Reads to the end of the stream
// carry the timestamp of the end.
type timedSource struct {
	length int64
	at     func(offset int64) float64
	// noLast drops the access point from reads to the end.
	noLast bool
	// noAudio drops the audio access point.
	noAudio bool
	// blind returns nothing for bounded reads past the start.
	blind bool

	mu    sync.Mutex
	opens []int64
}

func (s *timedSource) OpenRange(ctx context.Context, start, length int64) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, -1, err
	}
	s.mu.Lock()
	s.opens = append(s.opens, start)
	s.mu.Unlock()

	if (length <= 0 && s.noLast) || (length > 0 && start > 0 && s.blind) {
		return io.NopCloser(bytes.NewReader(nil)), s.length, nil
	}
	offset := start
	if length <= 0 {
		offset = s.length
	}
	evs := synth.AccessPoint(uint32(offset/1000), s.at(offset))
	if s.noAudio {
		evs = evs[:3]
	}
	data, err := synth.Encode(nil, evs)
	if err != nil {
		return nil, -1, err
	}
	return io.NopCloser(bytes.NewReader(data)), s.length, nil
}

func (s *timedSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opens)
}

func cbrSource() *timedSource {
	return &timedSource{
		length: 10_000_000,
		at:     func(off int64) float64 { return 100 + float64(off)*8/1e6 },
	}
}

func TestInfo(t *testing.T) {
	t.Parallel()

	l := NewLocator(cbrSource())
	info, err := l.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.FirstTimestamp != 100 || info.LastTimestamp != 180 {
		t.Errorf("timestamps = %v..%v, want 100..180", info.FirstTimestamp, info.LastTimestamp)
	}
	if info.EstimatedBitrate != 1e6 {
		t.Errorf("bitrate = %v, want 1e6", info.EstimatedBitrate)
	}
	if info.ContentLength != 10_000_000 {
		t.Errorf("content length = %d, want 10000000", info.ContentLength)
	}
	if info.Duration() != 80 {
		t.Errorf("duration = %v, want 80", info.Duration())
	}
}

func TestInfoComputedOnce(t *testing.T) {
	t.Parallel()

	src := cbrSource()
	l := NewLocator(src)
	for range 3 {
		if _, err := l.Info(context.Background()); err != nil {
			t.Fatalf("Info: %v", err)
		}
	}
	if got := src.openCount(); got != 2 {
		t.Errorf("got %d range reads, want 2", got)
	}
}

func TestInfoDurationUnavailable(t *testing.T) {
	t.Parallel()

	src := cbrSource()
	src.noLast = true
	l := NewLocator(src)
	_, err := l.Info(context.Background())
	if !errors.Is(err, ErrSeekUnavailable) {
		t.Fatalf("got %v, want ErrSeekUnavailable", err)
	}
	// One first probe, then windows of 4, 8 and 16 MiB; the 32 MiB window
	// starts at the same offset as the 16 MiB one.
	if got := src.openCount(); got != 4 {
		t.Errorf("got %d range reads, want 4", got)
	}
	if _, err := l.Locate(context.Background(), 30_000); !errors.Is(err, ErrSeekUnavailable) {
		t.Errorf("Locate: got %v, want ErrSeekUnavailable", err)
	}
}

func TestInfoMissingAudio(t *testing.T) {
	t.Parallel()

	src := cbrSource()
	src.noAudio = true
	_, err := NewLocator(src).Info(context.Background())
	if !errors.Is(err, ErrSeekUnavailable) {
		t.Fatalf("got %v, want ErrSeekUnavailable", err)
	}
}

func TestInfoCancelledIsRetried(t *testing.T) {
	t.Parallel()

	l := NewLocator(cbrSource())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Info(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if _, err := l.Info(context.Background()); err != nil {
		t.Fatalf("Info after cancellation: %v", err)
	}
}

func TestLocateCBR(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ms   int64
		want int64
	}{
		// floor(1e6 * (10 - 1) / 8)
		{10_000, 1_125_000},
		{20_000, 2_375_000},
		{75_000, 9_250_000},
	}
	l := NewLocator(cbrSource())
	for _, tt := range tests {
		got, err := l.Locate(context.Background(), tt.ms)
		if err != nil {
			t.Fatalf("Locate(%d): %v", tt.ms, err)
		}
		if got != tt.want {
			t.Errorf("Locate(%d) = %d, want %d", tt.ms, got, tt.want)
		}
	}
}

func TestLocateEarlyTargetIsZero(t *testing.T) {
	t.Parallel()

	src := cbrSource()
	l := NewLocator(src)
	got, err := l.Locate(context.Background(), 9_999)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
	if n := src.openCount(); n != 0 {
		t.Errorf("got %d range reads, want none", n)
	}
}

func TestEstimateCBRBacksOffCloseHits(t *testing.T) {
	t.Parallel()

	// The probe at the extrapolated offset lands 0.25 s behind the target.
	src := &timedSource{
		length: 10_000_000,
		at:     func(off int64) float64 { return 100 + float64(off)*8/1e6 + 0.75 },
	}
	l := NewLocator(src)
	info := Info{FirstTimestamp: 100, LastTimestamp: 180, EstimatedBitrate: 1e6, ContentLength: 10_000_000}
	got, ok, err := l.EstimateCBR(context.Background(), 10, info)
	if err != nil || !ok {
		t.Fatalf("EstimateCBR: ok=%v err=%v", ok, err)
	}
	if want := int64(1_125_000 - 62_500); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestEstimateCBRCachesProbes(t *testing.T) {
	t.Parallel()

	src := cbrSource()
	l := NewLocator(src)
	info := Info{FirstTimestamp: 100, LastTimestamp: 180, EstimatedBitrate: 1e6, ContentLength: 10_000_000}
	for range 3 {
		if _, _, err := l.EstimateCBR(context.Background(), 30, info); err != nil {
			t.Fatalf("EstimateCBR: %v", err)
		}
	}
	if got := src.openCount(); got != 1 {
		t.Errorf("got %d range reads, want 1", got)
	}
}

// flakySource fails the first bounded read at each offset past the start
// with a 503 and serves the wrapped source afterwards.
type flakySource struct {
	*timedSource

	mu     sync.Mutex
	failed map[int64]bool
}

func (s *flakySource) OpenRange(ctx context.Context, start, length int64) (io.ReadCloser, int64, error) {
	if start > 0 && length > 0 {
		s.mu.Lock()
		first := !s.failed[start]
		s.failed[start] = true
		s.mu.Unlock()
		if first {
			return nil, -1, &HTTPStatusError{Status: http.StatusServiceUnavailable}
		}
	}
	return s.timedSource.OpenRange(ctx, start, length)
}

func TestLocateRetriesAfterTransientFailure(t *testing.T) {
	t.Parallel()

	src := &flakySource{timedSource: cbrSource(), failed: make(map[int64]bool)}
	l := NewLocator(src)

	if _, err := l.Locate(context.Background(), 30_000); !errors.Is(err, ErrNotLocated) {
		t.Fatalf("first Locate: got %v, want ErrNotLocated", err)
	}
	got, err := l.Locate(context.Background(), 30_000)
	if err != nil {
		t.Fatalf("second Locate: %v", err)
	}
	// floor(1e6 * (30 - 1) / 8)
	if want := int64(3_625_000); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	if _, ok := l.cache[4_999_999]; ok {
		t.Error("failed read at 4999999 was cached")
	}
}

func TestLocateVBR(t *testing.T) {
	t.Parallel()

	const length = 10_000_000
	src := &timedSource{
		length: length,
		at: func(off int64) float64 {
			r := float64(off) / length
			return 100 + 80*r*r
		},
	}
	l := NewLocator(src)
	got, err := l.Locate(context.Background(), 40_000)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	lag := 40 - (src.at(got) - 100)
	if lag < 0 || lag >= DefaultMaxSeekError {
		t.Errorf("offset %d lags the target by %.2fs", got, lag)
	}
	// Info reads twice, the CBR guess once and bisection a handful of times.
	if n := src.openCount(); n > 2+1+5 {
		t.Errorf("got %d range reads, want at most 8", n)
	}
}

func TestLocateNotLocated(t *testing.T) {
	t.Parallel()

	src := cbrSource()
	src.blind = true
	_, err := NewLocator(src).Locate(context.Background(), 40_000)
	if !errors.Is(err, ErrNotLocated) {
		t.Fatalf("got %v, want ErrNotLocated", err)
	}
}

func TestLocateVBRStopsAtGranularity(t *testing.T) {
	t.Parallel()

	// Every probe past the start reports the end of the stream, so
	// bisection walks down until the midpoints are close together.
	src := &timedSource{
		length: 10_000_000,
		at: func(off int64) float64 {
			if off == 0 {
				return 100
			}
			return 180
		},
	}
	got, err := NewLocator(src).Locate(context.Background(), 40_000)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got <= 0 || got > 2*DefaultGranularity {
		t.Errorf("got %d, want a small positive offset", got)
	}
}

func TestLocateCancelled(t *testing.T) {
	t.Parallel()

	l := NewLocator(cbrSource())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, ms := range []int64{0, 30_000} {
		if _, err := l.Locate(ctx, ms); !errors.Is(err, context.Canceled) {
			t.Errorf("Locate(%d): got %v, want context.Canceled", ms, err)
		}
	}
}

func TestProbeFirstSyntheticStream(t *testing.T) {
	t.Parallel()

	cfg := synth.DefaultConfig()
	cfg.Seconds = 5
	data, err := synth.Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "stream.mmts", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	l := NewLocator(NewHTTPSource(srv.URL))
	res, err := l.ProbeFirst(context.Background(), int64(len(data)/2), DefaultProbeSize)
	if err != nil {
		t.Fatalf("ProbeFirst: %v", err)
	}
	v, a, ok := res.Timestamps()
	if !ok {
		t.Fatal("no timestamps in the second half of the stream")
	}
	if v < cfg.StartTime+2 || a < cfg.StartTime+2 {
		t.Errorf("timestamps %v/%v precede the middle of the stream", v, a)
	}
	if res.ContentLength != int64(len(data)) {
		t.Errorf("content length = %d, want %d", res.ContentLength, len(data))
	}

	info, err := l.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.FirstTimestamp != cfg.StartTime {
		t.Errorf("first = %v, want %v", info.FirstTimestamp, cfg.StartTime)
	}
	if want := cfg.StartTime + float64(cfg.Seconds-1); math.Abs(info.LastTimestamp-want) > 1e-6 {
		t.Errorf("last = %v, want %v", info.LastTimestamp, want)
	}
}

func TestRangeHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		start, length int64
		want          string
	}{
		{0, 0, ""},
		{0, 100, "bytes=0-99"},
		{500, 0, "bytes=500-"},
		{500, 10, "bytes=500-509"},
	}
	for _, tt := range tests {
		if got := rangeHeader(tt.start, tt.length); got != tt.want {
			t.Errorf("rangeHeader(%d, %d) = %q, want %q", tt.start, tt.length, got, tt.want)
		}
	}
}

func TestTotalLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		contentRange  string
		contentLength int64
		status        int
		start         int64
		want          int64
	}{
		{"content range", "bytes 100-199/5000", 100, http.StatusPartialContent, 100, 5000},
		{"case insensitive", "Bytes 0-9/77", 10, http.StatusPartialContent, 0, 77},
		{"unknown total", "bytes 100-199/*", 100, http.StatusPartialContent, 100, 200},
		{"full body", "", 5000, http.StatusOK, 0, 5000},
		{"range ignored", "", 5000, http.StatusOK, 100, 5000},
		{"no length", "", -1, http.StatusOK, 0, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := totalLength(tt.contentRange, tt.contentLength, tt.status, tt.start)
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHTTPSourceRange(t *testing.T) {
	t.Parallel()

	data := []byte(strings.Repeat("0123456789", 100))
	ranges := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ranges <- r.Header.Get("Range")
		http.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	body, total, err := NewHTTPSource(srv.URL).OpenRange(context.Background(), 100, 50)
	if err != nil {
		t.Fatalf("OpenRange: %v", err)
	}
	defer body.Close()
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if gotRange := <-ranges; gotRange != "bytes=100-149" {
		t.Errorf("Range = %q, want bytes=100-149", gotRange)
	}
	if !bytes.Equal(got, data[100:150]) {
		t.Errorf("body = %q, want %q", got, data[100:150])
	}
	if total != int64(len(data)) {
		t.Errorf("total = %d, want %d", total, len(data))
	}
}

func TestHTTPSourceRangeIgnored(t *testing.T) {
	t.Parallel()

	data := []byte(strings.Repeat("0123456789", 100))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL)
	body, total, err := src.OpenRange(context.Background(), 100, 50)
	if err != nil {
		t.Fatalf("OpenRange: %v", err)
	}
	defer body.Close()
	got, err := io.ReadAll(io.LimitReader(body, 50))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data[100:150]) {
		t.Errorf("body = %q, want %q", got, data[100:150])
	}
	if total != int64(len(data)) {
		t.Errorf("total = %d, want %d", total, len(data))
	}

	if _, _, err := src.OpenRange(context.Background(), 2000, 0); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("start past the end: got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestHTTPSourceStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, _, err := NewHTTPSource(srv.URL).OpenRange(context.Background(), 0, 0)
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("got %v, want *HTTPStatusError", err)
	}
	if statusErr.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", statusErr.Status)
	}

	// A failing source is an unknown result, not an error.
	res, err := NewLocator(NewHTTPSource(srv.URL)).ProbeFirst(context.Background(), 0, 1024)
	if err != nil {
		t.Fatalf("ProbeFirst: %v", err)
	}
	if _, _, ok := res.Timestamps(); ok || res.ContentLength != -1 {
		t.Errorf("got %+v, want an unknown result", res)
	}
}

func TestParseS3URL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in          string
		bucket, key string
		ok          bool
	}{
		{"s3://rec/2024/stream.mmts", "rec", "2024/stream.mmts", true},
		{"s3://rec/", "", "", false},
		{"s3://", "", "", false},
		{"https://rec/x", "", "", false},
	}
	for _, tt := range tests {
		bucket, key, ok := ParseS3URL(tt.in)
		if bucket != tt.bucket || key != tt.key || ok != tt.ok {
			t.Errorf("ParseS3URL(%q) = %q, %q, %v; want %q, %q, %v",
				tt.in, bucket, key, ok, tt.bucket, tt.key, tt.ok)
		}
	}
}

type nopGetObject struct{}

func (nopGetObject) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, errors.New("not implemented")
}

func TestOpenSource(t *testing.T) {
	t.Parallel()

	src, err := OpenSource("https://example.test/a.mmts", nil)
	if err != nil {
		t.Fatalf("OpenSource(https): %v", err)
	}
	if _, ok := src.(*HTTPSource); !ok {
		t.Errorf("https source = %T, want *HTTPSource", src)
	}

	src, err = OpenSource("s3://rec/a.mmts", nopGetObject{})
	if err != nil {
		t.Fatalf("OpenSource(s3): %v", err)
	}
	if s, ok := src.(*S3Source); !ok || s.Bucket != "rec" || s.Key != "a.mmts" {
		t.Errorf("s3 source = %#v", src)
	}

	for _, u := range []string{"s3://rec/a.mmts", "ftp://example.test/a", "::bad", "/local/file"} {
		if _, err := OpenSource(u, nil); err == nil {
			t.Errorf("OpenSource(%q) succeeded, want error", u)
		}
	}
}
