// Package stream tracks the lifecycle of active streams: HTTP pulls of
// recorded streams, which can be restarted at a seek position, and live
// SRT pushes handed over by the ingest registry.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zsiec/mmtview/internal/distribution"
	"github.com/zsiec/mmtview/internal/ingest"
	"github.com/zsiec/mmtview/internal/ingest/httppull"
	"github.com/zsiec/mmtview/internal/mmt"
	"github.com/zsiec/mmtview/internal/pipeline"
	"github.com/zsiec/mmtview/internal/seek"
	"github.com/zsiec/mmtview/internal/vfs"
)

// SourceFunc opens the range source of a pull URL.
type SourceFunc func(rawURL string) (seek.RangeSource, error)

// Manager manages the lifecycle of active streams. It implements
// distribution.StreamController.
type Manager struct {
	log        *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	openSource SourceFunc
	s3         seek.GetObjectAPI
	seekCfg    seek.Config
	newDecoder mmt.NewDecoderFunc
	pullOpts   []httppull.Option

	mu      sync.RWMutex
	streams map[string]*Stream
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithSourceFunc replaces the URL to range source mapping.
func WithSourceFunc(fn SourceFunc) Option {
	return func(m *Manager) { m.openSource = fn }
}

// WithS3Client enables s3://bucket/key pull URLs.
func WithS3Client(c seek.GetObjectAPI) Option {
	return func(m *Manager) { m.s3 = c }
}

// WithSeekConfig sets the seek estimator parameters of pulled streams.
func WithSeekConfig(cfg seek.Config) Option {
	return func(m *Manager) { m.seekCfg = cfg }
}

// WithDecoder replaces the event-log decoder of every stream.
func WithDecoder(fn mmt.NewDecoderFunc) Option {
	return func(m *Manager) { m.newDecoder = fn }
}

// WithPullOptions passes options to every HTTP puller.
func WithPullOptions(opts ...httppull.Option) Option {
	return func(m *Manager) { m.pullOpts = append(m.pullOpts, opts...) }
}

// NewManager creates a Manager. Every stream stops when ctx is cancelled
// or Close is called.
func NewManager(ctx context.Context, opts ...Option) *Manager {
	m := &Manager{
		seekCfg: seek.DefaultConfig(),
		streams: make(map[string]*Stream),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("component", "stream-manager")
	if m.openSource == nil {
		m.openSource = m.defaultSource
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	return m
}

func (m *Manager) defaultSource(rawURL string) (seek.RangeSource, error) {
	return seek.OpenSource(rawURL, m.s3)
}

func (m *Manager) newStream(key, source string, proto ingest.Protocol) *Stream {
	id := ulid.Make().String()
	log := m.log.With("stream", key, "id", id)
	relay := distribution.NewRelay(log)
	files := vfs.New(log)
	popts := []pipeline.Option{pipeline.WithLogger(log), pipeline.WithProtocol(string(proto))}
	if m.newDecoder != nil {
		popts = append(popts, pipeline.WithDecoder(m.newDecoder))
	}
	return &Stream{
		ID:        id,
		Key:       key,
		Source:    source,
		Protocol:  proto,
		StartedAt: time.Now(),
		log:       log,
		mgr:       m,
		relay:     relay,
		files:     files,
		pipe:      pipeline.New(key, relay, files, popts...),
	}
}

func (m *Manager) add(s *Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[s.Key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", s.Key)
		return distribution.ErrStreamExists
	}
	m.streams[s.Key] = s
	m.log.Info("stream created", "key", s.Key, "id", s.ID, "protocol", s.Protocol, "source", s.Source)
	return nil
}

// remove deletes s if it is still the stream registered under its key.
func (m *Manager) remove(s *Stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.streams[s.Key]; !ok || cur != s {
		return false
	}
	delete(m.streams, s.Key)
	m.log.Info("stream removed", "key", s.Key, "id", s.ID)
	return true
}

// StartPull starts pulling rawURL as stream key from the beginning.
func (m *Manager) StartPull(key, rawURL string) error {
	if key == "" {
		return errors.New("stream: key is required")
	}
	src, err := m.openSource(rawURL)
	if err != nil {
		return err
	}
	s := m.newStream(key, rawURL, ingest.ProtocolHTTP)
	s.puller = httppull.New(src, append([]httppull.Option{httppull.WithLogger(s.log)}, m.pullOpts...)...)
	lopts := []seek.Option{seek.WithLogger(s.log), seek.WithConfig(m.seekCfg)}
	if m.newDecoder != nil {
		lopts = append(lopts, seek.WithDecoder(m.newDecoder))
	}
	s.locator = seek.NewLocator(src, lopts...)
	if err := m.add(s); err != nil {
		return err
	}
	s.startPull(0)
	return nil
}

// HandlePush runs a live push until its input ends. It has the signature
// of the ingest registry callback.
func (m *Manager) HandlePush(in *ingest.Stream, input io.Reader) {
	m.wg.Add(1)
	defer m.wg.Done()

	closeInput := func() {
		if c, ok := input.(io.Closer); ok {
			c.Close()
		}
	}
	defer closeInput()

	s := m.newStream(in.Key, "srt://"+in.Key, in.Protocol)
	s.ingest = in
	s.closeInput = closeInput
	if err := m.add(s); err != nil {
		return
	}
	defer m.remove(s)

	if err := s.pipe.Run(m.ctx, input); err != nil {
		s.log.Warn("push stream failed", "error", err)
	}
}

// Lookup returns the stream registered under key.
func (m *Manager) Lookup(key string) (distribution.Stream, bool) {
	s, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	return s, true
}

// Get returns the concrete stream registered under key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// List returns a summary of every stream, ordered by key.
func (m *Manager) List() []distribution.StreamInfo {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(streams, func(a, b *Stream) int { return strings.Compare(a.Key, b.Key) })
	out := make([]distribution.StreamInfo, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.Info())
	}
	return out
}

// Stop stops and removes the stream registered under key.
func (m *Manager) Stop(key string) error {
	s, ok := m.Get(key)
	if !ok || !m.remove(s) {
		return distribution.ErrStreamNotFound
	}
	s.stop()
	return nil
}

// Close stops every stream and waits for their goroutines.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	clear(m.streams)
	m.mu.Unlock()

	for _, s := range streams {
		s.stop()
	}
	m.wg.Wait()
}
