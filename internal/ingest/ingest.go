// Package ingest manages live push inputs. An SRT publisher registers with
// the Registry under a stream key; the bytes it writes are read by the
// stream's pipeline through a pipe.
package ingest

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol names the transport a stream arrives on.
type Protocol string

const (
	ProtocolSRT  Protocol = "srt"
	ProtocolHTTP Protocol = "http"
)

// ErrStreamExists is returned when a key is already being ingested.
var ErrStreamExists = errors.New("ingest: stream already registered")

// Stats captures connection-level metrics of an input.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// Counter accumulates read metrics. The zero value is not usable; use
// NewCounter.
type Counter struct {
	startedAt     time.Time
	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// NewCounter returns a Counter whose uptime starts now.
func NewCounter() *Counter {
	return &Counter{startedAt: time.Now()}
}

// RecordRead adds one read of n bytes.
func (c *Counter) RecordRead(n int) {
	c.bytesReceived.Add(int64(n))
	c.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (c *Counter) SetRemoteAddr(addr string) {
	c.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the counters.
func (c *Counter) Stats() Stats {
	addr, _ := c.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: c.bytesReceived.Load(),
		ReadCount:     c.readCount.Load(),
		ConnectedAt:   c.startedAt.UnixMilli(),
		UptimeMs:      time.Since(c.startedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Stream is an active push input.
type Stream struct {
	*Counter
	Key      string
	Protocol Protocol

	pw   *io.PipeWriter
	done chan struct{}
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Registry tracks push inputs by key and hands each new one to onStream.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(s *Stream, input io.Reader)
}

// NewRegistry creates a Registry. onStream, when set, runs on its own
// goroutine for every registered stream and must read input until EOF.
func NewRegistry(onStream func(s *Stream, input io.Reader)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream under key. The returned writer feeds the
// reading side handed to onStream.
func (r *Registry) Register(key string, proto Protocol) (*Stream, io.Writer, error) {
	pr, pw := io.Pipe()
	s := &Stream{
		Counter:  NewCounter(),
		Key:      key,
		Protocol: proto,
		pw:       pw,
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		return nil, nil, ErrStreamExists
	}
	r.streams[key] = s
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(s, pr)
	} else {
		go func() { _, _ = io.Copy(io.Discard, pr) }()
	}
	return s, pw, nil
}

// Unregister removes the stream, closing its pipe and its Done channel.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	s, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		s.pw.Close()
		close(s.done)
	}
}

// Get returns the stream registered under key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
