package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/mmtview/internal/certs"
	"github.com/zsiec/mmtview/internal/demux"
	"github.com/zsiec/mmtview/internal/ingest"
	"github.com/zsiec/mmtview/internal/seek"
	"github.com/zsiec/mmtview/internal/vfs"
)

var (
	ErrStreamNotFound = errors.New("distribution: stream not found")
	ErrStreamExists   = errors.New("distribution: stream already exists")
	// ErrNotSeekable is returned for streams without a range-addressable
	// source, such as live SRT pushes.
	ErrNotSeekable = errors.New("distribution: stream is not seekable")
	// ErrSeekSuperseded is returned to a seek cancelled by a newer seek on
	// the same stream.
	ErrSeekSuperseded = errors.New("distribution: seek superseded")
)

// viewerQueueSize bounds the messages queued for one SSE client.
const viewerQueueSize = 256

// keepaliveInterval is how often an idle SSE stream gets a comment line.
const keepaliveInterval = 15 * time.Second

// StreamSnapshot captures the health of one stream.
type StreamSnapshot struct {
	Timestamp   int64       `json:"timestamp"`
	UptimeMs    int64       `json:"uptimeMs"`
	Protocol    string      `json:"protocol,omitempty"`
	BytesIn     int64       `json:"bytesIn"`
	LastInputAt int64       `json:"lastInputAt,omitempty"`
	Restarts    int64       `json:"restarts"`
	ViewerCount int         `json:"viewers"`
	Paths       int         `json:"paths"`
	Files       int         `json:"files"`
	Demux       demux.Stats `json:"demux"`
}

// StreamInfo is the JSON summary of a stream returned by /api/streams.
type StreamInfo struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Source   string `json:"source,omitempty"`
	Seekable bool   `json:"seekable"`
	// Offset is the byte position the current run started at.
	Offset int64 `json:"offset"`
	StreamSnapshot
}

// DebugSnapshot is the JSON response of /api/streams/{key}/debug.
type DebugSnapshot struct {
	Stream  StreamInfo    `json:"stream"`
	Ingest  *ingest.Stats `json:"ingest,omitempty"`
	Viewers []ViewerStats `json:"viewers"`
}

// Stream is one active stream as seen by the server.
type Stream interface {
	Info() StreamInfo
	Relay() *Relay
	Files() *vfs.FS
	// IngestStats returns input counters, or nil when unknown.
	IngestStats() *ingest.Stats
	// SeekInfo returns the seek information of the stream's source, or
	// ErrNotSeekable.
	SeekInfo(ctx context.Context) (seek.Info, error)
	// Seek restarts the stream at ms milliseconds and returns the byte
	// offset it resumed at.
	Seek(ctx context.Context, ms int64) (int64, error)
}

// StreamController creates, finds and stops streams.
type StreamController interface {
	List() []StreamInfo
	Lookup(key string) (Stream, bool)
	StartPull(key, url string) error
	Stop(key string) error
}

// ServerConfig holds the configuration of a Server.
type ServerConfig struct {
	// Addr is the UDP address of the HTTP/3 listener.
	Addr    string
	WebDir  string
	Cert    *certs.CertInfo
	Streams StreamController
	// Script is injected into every served HTML document when set.
	Script string
	// CSP overrides vfs.DefaultCSP for virtual files and the web dir.
	CSP string
	Log *slog.Logger
}

// Server serves the REST API, the SSE presentation channel, the virtual
// files of every stream and the web directory, over HTTPS and HTTP/3.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
}

// NewServer creates a Server. It returns an error if required fields are
// missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	if config.Streams == nil {
		return nil, errors.New("distribution: Streams is required")
	}
	if config.CSP == "" {
		config.CSP = vfs.DefaultCSP
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{config: config, log: log.With("component", "http")}, nil
}

// registerRoutes registers every endpoint on mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("POST /api/streams", s.handleCreateStream)
	mux.HandleFunc("DELETE /api/streams/{key}", s.handleStopStream)
	mux.HandleFunc("GET /api/streams/{key}/events", s.handleEvents)
	mux.HandleFunc("GET /api/streams/{key}/seek-info", s.handleSeekInfo)
	mux.HandleFunc("POST /api/streams/{key}/seek", s.handleSeek)
	mux.HandleFunc("GET /api/streams/{key}/debug", s.handleStreamDebug)
	mux.HandleFunc("OPTIONS /api/", s.handleOptions)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /d/{key}/{path...}", s.handleFile)

	if s.config.WebDir != "" {
		mux.Handle("/", s.webDirHeaders(http.FileServer(http.Dir(s.config.WebDir))))
	}
}

// Handler returns the handler served over HTTPS. Responses advertise the
// HTTP/3 listener with Alt-Svc.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(altSvcMiddleware(s.config.Addr, mux))
}

func (s *Server) webDirHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Service-Worker-Allowed", "/")
		w.Header().Set("Content-Security-Policy", s.config.CSP)
		next.ServeHTTP(w, r)
	})
}

func altSvcMiddleware(h3Addr string, next http.Handler) http.Handler {
	_, port, err := net.SplitHostPort(h3Addr)
	if err != nil || port == "" {
		return next
	}
	value := fmt.Sprintf(`h3=":%s"; ma=86400`, port)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Alt-Svc", value)
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start runs the HTTP/3 server and blocks until ctx is cancelled or a fatal
// error occurs.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.h3 = &http3.Server{
		Addr:      s.config.Addr,
		Handler:   corsMiddleware(mux),
		TLSConfig: s.config.Cert.TLSConfig(),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
			Allow0RTT:      true,
		},
	}

	s.log.Info("HTTP/3 server listening", "addr", s.config.Addr)

	stop := context.AfterFunc(ctx, func() { s.h3.Close() })
	defer stop()

	err := s.h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Stream, bool) {
	st, ok := s.config.Streams.Lookup(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
	}
	return st, ok
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	resp := s.config.Streams.List()
	if resp == nil {
		resp = make([]StreamInfo, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

// SECURITY: the pull endpoint fetches arbitrary URLs, which could be used
// for SSRF if exposed to untrusted clients. Restrict it to operators or
// internal networks in production.
func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "key and url are required")
		return
	}
	if err := s.config.Streams.StartPull(req.Key, req.URL); err != nil {
		if errors.Is(err, ErrStreamExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "key": req.Key})
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.config.Streams.Stop(key); err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "key": key})
}

// handleEvents streams the presentation channel as server-sent events. The
// relay replays the current state messages first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	v := NewChanViewer("sse-"+ulid.Make().String(), viewerQueueSize)
	relay := st.Relay()
	relay.AddViewer(v)
	defer relay.RemoveViewer(v.ID())

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": %s\n\n", v.ID())
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-v.C():
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				s.log.Debug("sse write failed", "viewer", v.ID(), "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type seekInfoResponse struct {
	seek.Info
	Duration float64 `json:"duration"`
}

func (s *Server) handleSeekInfo(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	info, err := st.SeekInfo(r.Context())
	if err != nil {
		s.writeSeekError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seekInfoResponse{Info: info, Duration: info.Duration()})
}

type seekRequest struct {
	Ms int64 `json:"ms"`
}

type seekResponse struct {
	Ms     int64 `json:"ms"`
	Offset int64 `json:"offset"`
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Ms < 0 {
		writeError(w, http.StatusBadRequest, "ms must not be negative")
		return
	}
	off, err := st.Seek(r.Context(), req.Ms)
	if err != nil {
		s.writeSeekError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seekResponse{Ms: req.Ms, Offset: off})
}

func (s *Server) writeSeekError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrStreamNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotSeekable):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, seek.ErrSeekUnavailable),
		errors.Is(err, seek.ErrNotLocated),
		errors.Is(err, ErrSeekSuperseded):
		writeError(w, http.StatusConflict, err.Error())
	case r.Context().Err() != nil:
		// The client went away; nobody reads the response.
	default:
		s.log.Warn("seek failed", "stream", r.PathValue("key"), "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleStreamDebug(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, DebugSnapshot{
		Stream:  st.Info(),
		Ingest:  st.IngestStats(),
		Viewers: st.Relay().ViewerStatsAll(),
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	st, ok := s.config.Streams.Lookup(r.PathValue("key"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	h := vfs.NewHandler(st.Files(),
		vfs.WithCSP(s.config.CSP),
		vfs.WithScript(s.config.Script),
		vfs.WithHandlerLogger(s.log),
	)
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + r.PathValue("path")
	r2.URL.RawPath = ""
	h.ServeHTTP(w, r2)
}

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}
