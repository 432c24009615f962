package distribution

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/mmtview/internal/appdata"
	"github.com/zsiec/mmtview/internal/certs"
	"github.com/zsiec/mmtview/internal/demux"
	"github.com/zsiec/mmtview/internal/ingest"
	"github.com/zsiec/mmtview/internal/seek"
	"github.com/zsiec/mmtview/internal/vfs"
)

type fakeStream struct {
	key     string
	relay   *Relay
	files   *vfs.FS
	info    seek.Info
	infoErr error
	seekOff int64
	seekErr error

	mu     sync.Mutex
	seekMs []int64
}

func newFakeStream(key string) *fakeStream {
	return &fakeStream{key: key, relay: NewRelay(nil), files: vfs.New(nil)}
}

func (f *fakeStream) Info() StreamInfo {
	return StreamInfo{Key: f.key, Seekable: f.infoErr == nil}
}
func (f *fakeStream) Relay() *Relay              { return f.relay }
func (f *fakeStream) Files() *vfs.FS             { return f.files }
func (f *fakeStream) IngestStats() *ingest.Stats { return &ingest.Stats{BytesReceived: 42} }

func (f *fakeStream) SeekInfo(context.Context) (seek.Info, error) {
	return f.info, f.infoErr
}

func (f *fakeStream) Seek(_ context.Context, ms int64) (int64, error) {
	f.mu.Lock()
	f.seekMs = append(f.seekMs, ms)
	f.mu.Unlock()
	return f.seekOff, f.seekErr
}

type fakeController struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	pulls   map[string]string
}

func newFakeController(streams ...*fakeStream) *fakeController {
	c := &fakeController{streams: make(map[string]*fakeStream), pulls: make(map[string]string)}
	for _, s := range streams {
		c.streams[s.key] = s
	}
	return c
}

func (c *fakeController) List() []StreamInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []StreamInfo
	for _, s := range c.streams {
		out = append(out, s.Info())
	}
	return out
}

func (c *fakeController) Lookup(key string) (Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[key]
	if !ok {
		return nil, false
	}
	return s, true
}

func (c *fakeController) StartPull(key, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.streams[key]; ok {
		return ErrStreamExists
	}
	if !strings.HasPrefix(url, "http") {
		return fmt.Errorf("unsupported source %q", url)
	}
	c.pulls[key] = url
	c.streams[key] = newFakeStream(key)
	return nil
}

func (c *fakeController) Stop(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.streams[key]; !ok {
		return ErrStreamNotFound
	}
	delete(c.streams, key)
	return nil
}

func newTestServer(t *testing.T, ctrl StreamController, mutate ...func(*ServerConfig)) *Server {
	t.Helper()
	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	cfg := ServerConfig{Addr: ":4443", Cert: cert, Streams: ctrl}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		cfg  ServerConfig
	}{
		{"no cert", ServerConfig{Addr: ":1", Streams: newFakeController()}},
		{"no addr", ServerConfig{Cert: cert, Streams: newFakeController()}},
		{"no streams", ServerConfig{Addr: ":1", Cert: cert}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewServer(tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHandleListStreams(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, newFakeController(newFakeStream("s1"), newFakeStream("s2"))).Handler()
	rec := do(t, h, "GET", "/api/streams", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var streams []StreamInfo
	if err := json.NewDecoder(rec.Body).Decode(&streams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("got %d streams, want 2", len(streams))
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q, want *", got)
	}
	if got := rec.Header().Get("Alt-Svc"); got != `h3=":4443"; ma=86400` {
		t.Errorf("Alt-Svc = %q", got)
	}
}

func TestHandleListStreamsEmpty(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, newFakeController()).Handler()
	rec := do(t, h, "GET", "/api/streams", "")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("body = %q, want []", body)
	}
}

func TestHandleCreateStream(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController(newFakeStream("taken"))
	h := newTestServer(t, ctrl).Handler()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"created", `{"key":"rec","url":"http://example.test/rec.mmts"}`, http.StatusCreated},
		{"duplicate", `{"key":"taken","url":"http://example.test/x"}`, http.StatusConflict},
		{"missing url", `{"key":"k"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
		{"bad source", `{"key":"k2","url":"ftp://example.test/x"}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		rec := do(t, h, "POST", "/api/streams", tc.body)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d (%s)", tc.name, rec.Code, tc.want, rec.Body)
		}
	}
	if ctrl.pulls["rec"] != "http://example.test/rec.mmts" {
		t.Errorf("pull url = %q", ctrl.pulls["rec"])
	}
}

func TestHandleStopStream(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, newFakeController(newFakeStream("s1"))).Handler()
	if rec := do(t, h, "DELETE", "/api/streams/s1", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec := do(t, h, "DELETE", "/api/streams/s1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second stop status = %d, want 404", rec.Code)
	}
}

func TestHandleSeek(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		body    string
		seekErr error
		want    int
	}{
		{"located", "s", `{"ms":65000}`, nil, http.StatusOK},
		{"not located", "s", `{"ms":65000}`, seek.ErrNotLocated, http.StatusConflict},
		{"unavailable", "s", `{"ms":65000}`, seek.ErrSeekUnavailable, http.StatusConflict},
		{"superseded", "s", `{"ms":65000}`, ErrSeekSuperseded, http.StatusConflict},
		{"not seekable", "s", `{"ms":65000}`, ErrNotSeekable, http.StatusBadRequest},
		{"source failure", "s", `{"ms":65000}`, &seek.HTTPStatusError{Status: 500}, http.StatusBadGateway},
		{"negative", "s", `{"ms":-1}`, nil, http.StatusBadRequest},
		{"unknown stream", "nope", `{"ms":1}`, nil, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := newFakeStream("s")
			st.seekOff = 1_125_000
			st.seekErr = tc.seekErr
			h := newTestServer(t, newFakeController(st)).Handler()

			rec := do(t, h, "POST", "/api/streams/"+tc.key+"/seek", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body)
			}
			if tc.want != http.StatusOK {
				return
			}
			var resp seekResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Offset != 1_125_000 || resp.Ms != 65000 {
				t.Errorf("response = %+v", resp)
			}
			if len(st.seekMs) != 1 || st.seekMs[0] != 65000 {
				t.Errorf("Seek called with %v, want [65000]", st.seekMs)
			}
		})
	}
}

func TestHandleSeekInfo(t *testing.T) {
	t.Parallel()

	st := newFakeStream("s")
	st.info = seek.Info{FirstTimestamp: 100, LastTimestamp: 180, EstimatedBitrate: 1e6, ContentLength: 10_000_000}
	h := newTestServer(t, newFakeController(st)).Handler()

	rec := do(t, h, "GET", "/api/streams/s/seek-info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got map[string]float64
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["duration"] != 80 || got["first_timestamp"] != 100 || got["content_length"] != 10_000_000 {
		t.Errorf("seek info = %v", got)
	}

	st.infoErr = ErrNotSeekable
	if rec := do(t, h, "GET", "/api/streams/s/seek-info", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("not seekable status = %d, want 400", rec.Code)
	}
}

func TestHandleStreamDebug(t *testing.T) {
	t.Parallel()

	st := newFakeStream("s")
	st.relay.AddViewer(NewChanViewer("v1", 1))
	h := newTestServer(t, newFakeController(st)).Handler()

	rec := do(t, h, "GET", "/api/streams/s/debug", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap DebugSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Stream.Key != "s" || snap.Ingest == nil || snap.Ingest.BytesReceived != 42 || len(snap.Viewers) != 1 {
		t.Errorf("debug snapshot = %+v", snap)
	}
}

func TestHandleFile(t *testing.T) {
	t.Parallel()

	st := newFakeStream("s")
	st.files.AddIndex([]appdata.FileIndexEntry{{ID: "64-1", Path: "/app/index.html", ContentType: "text/html"}})
	st.files.AddFile(appdata.FileBlob{ID: "64-1", Body: []byte("<html><head></head></html>")})
	h := newTestServer(t, newFakeController(st), func(c *ServerConfig) { c.Script = "/shim.js" }).Handler()

	rec := do(t, h, "GET", "/d/s/app/index.html", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); !strings.Contains(got, `<head><script src="/shim.js"></script>`) {
		t.Errorf("body = %q, want injected script", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got != vfs.DefaultCSP {
		t.Errorf("CSP = %q", got)
	}

	for _, target := range []string{"/d/s/app/missing.html", "/d/other/app/index.html"} {
		if rec := do(t, h, "GET", target, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", target, rec.Code)
		}
	}
}

func TestHandleCertHash(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeController())
	rec := do(t, srv.Handler(), "GET", "/api/cert-hash", "")
	var resp certHashResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hash != srv.config.Cert.FingerprintBase64() || resp.Addr != ":4443" {
		t.Errorf("cert hash = %+v", resp)
	}
}

func TestHandleOptions(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, newFakeController()).Handler()
	rec := do(t, h, "OPTIONS", "/api/streams/s/seek", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Errorf("Allow-Methods = %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestWebDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<!doctype html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newTestServer(t, newFakeController(), func(c *ServerConfig) { c.WebDir = dir }).Handler()

	rec := do(t, h, "GET", "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Service-Worker-Allowed"); got != "/" {
		t.Errorf("Service-Worker-Allowed = %q, want /", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got != vfs.DefaultCSP {
		t.Errorf("CSP = %q", got)
	}
}

func TestHandleEvents(t *testing.T) {
	t.Parallel()

	st := newFakeStream("s")
	st.relay.Emit(&demux.CurrentEventMessage{})
	ts := httptest.NewServer(newTestServer(t, newFakeController(st)).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/streams/s/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		t.Helper()
		for lines.Scan() {
			if l := lines.Text(); strings.HasPrefix(l, "data: ") {
				return strings.TrimPrefix(l, "data: ")
			}
		}
		t.Fatalf("event stream ended: %v", lines.Err())
		return ""
	}

	if got := next(); !strings.Contains(got, `"type":"currentEvent"`) {
		t.Fatalf("first event = %s, want replayed currentEvent", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for st.relay.ViewerCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	st.relay.Emit(&demux.NTPMessage{Time: time.Unix(0, 0).UTC()})
	if got := next(); !strings.Contains(got, `"type":"ntp"`) {
		t.Fatalf("second event = %s, want ntp", got)
	}

	if rec := do(t, ts.Config.Handler, "GET", "/api/streams/none/events", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown stream status = %d, want 404", rec.Code)
	}
}
