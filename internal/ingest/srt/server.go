// Package srt implements the SRT listener that accepts live MMT/TLV event
// log pushes and registers them with the ingest registry.
package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/mmtview/internal/ingest"
)

// readBufferSize holds ten 1316-byte SRT payloads.
const readBufferSize = 1316 * 10

// DefaultLatency is the SRT receive latency used when none is configured.
const DefaultLatency = 120 * time.Millisecond

// Server accepts incoming SRT publish connections.
type Server struct {
	log      *slog.Logger
	addr     string
	latency  time.Duration
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr and registers
// incoming streams with registry. A non-positive latency selects
// DefaultLatency. If log is nil, slog.Default() is used.
func NewServer(addr string, latency time.Duration, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if latency <= 0 {
		latency = DefaultLatency
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		latency:  latency,
		registry: registry,
	}
}

// nanos converts d to the integer nanosecond type of an srtgo config field.
func nanos[T ~int | ~int32 | ~int64 | ~uint32 | ~uint64](_ T, d time.Duration) T {
	return T(d.Nanoseconds())
}

// Start accepts publish connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = nanos(cfg.Latency, s.latency)

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr, "latency", s.latency)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if _, busy := s.registry.Get(extractStreamKey(req.StreamID)); busy {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		streamKey := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", streamKey, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, streamKey)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, streamKey string) {
	defer conn.Close()

	stream, writer, err := s.registry.Register(streamKey, ingest.ProtocolSRT)
	if err != nil {
		s.log.Warn("rejecting publish", "stream_key", streamKey, "error", err)
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	defer s.registry.Unregister(streamKey)

	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read error", "stream_key", streamKey, "error", err)
			}
			break
		}
		stream.RecordRead(n)
		if _, err := writer.Write(buf[:n]); err != nil {
			s.log.Debug("pipe write error", "stream_key", streamKey, "error", err)
			break
		}
	}

	stats := stream.Stats()
	s.log.Info("connection closed", "stream_key", streamKey,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// extractStreamKey maps an SRT stream id such as "/live/nhk" to a stream
// key.
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
