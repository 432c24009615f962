// Package pipeline carries a single stream from its input through a demux
// session to the presentation relay and the virtual file system.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mmtview/internal/demux"
	"github.com/zsiec/mmtview/internal/distribution"
	"github.com/zsiec/mmtview/internal/mmt"
	"github.com/zsiec/mmtview/internal/mmt/eventlog"
	"github.com/zsiec/mmtview/internal/vfs"
)

const readBufferSize = 64 << 10

// Broadcaster is the subset of distribution.Relay the pipeline uses.
// Accepting an interface keeps the pipeline testable with stubs.
type Broadcaster interface {
	demux.Presentation
	ResetState()
	ViewerCount() int
	ViewerStatsAll() []distribution.ViewerStats
}

// Puller copies a range-addressable stream from an offset into a writer.
type Puller interface {
	Run(ctx context.Context, start int64, w io.Writer) (int64, error)
}

// Pipeline owns the demux session of one stream. The session is replaced
// by Reset, so a restart at another position starts from empty state.
type Pipeline struct {
	log        *slog.Logger
	streamKey  string
	protocol   string
	relay      Broadcaster
	files      *vfs.FS
	newDecoder mmt.NewDecoderFunc
	startTime  time.Time

	mu      sync.Mutex
	session *demux.Session

	bytesIn  atomic.Int64
	restarts atomic.Int64
	lastPush atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithDecoder replaces the event-log decoder of every session.
func WithDecoder(fn mmt.NewDecoderFunc) Option {
	return func(p *Pipeline) { p.newDecoder = fn }
}

// WithProtocol records the ingest protocol name reported in snapshots.
func WithProtocol(proto string) Option {
	return func(p *Pipeline) { p.protocol = proto }
}

// New creates a Pipeline delivering to relay and files.
func New(streamKey string, relay Broadcaster, files *vfs.FS, opts ...Option) *Pipeline {
	p := &Pipeline{
		streamKey:  streamKey,
		relay:      relay,
		files:      files,
		newDecoder: eventlog.New,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("stream", streamKey)
	p.session = p.newSession()
	return p
}

func (p *Pipeline) newSession() *demux.Session {
	return demux.NewSession(
		demux.WithLogger(p.log),
		demux.WithDecoder(p.newDecoder),
		demux.WithPresentation(p.relay),
		demux.WithFileSystem(p.files),
	)
}

// Write feeds b to the current session. It implements io.Writer so a
// pipeline can be the destination of a copy.
func (p *Pipeline) Write(b []byte) (int, error) {
	p.mu.Lock()
	err := p.session.Push(b)
	p.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("pipeline: %w", err)
	}
	p.bytesIn.Add(int64(len(b)))
	p.lastPush.Store(time.Now().UnixMilli())
	return len(b), nil
}

// Reset discards every piece of decode state: the session, the relay's
// cached state messages and the virtual files.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.session = p.newSession()
	p.mu.Unlock()
	p.relay.ResetState()
	p.files.Reset()
	p.restarts.Add(1)
	p.log.Info("session reset")
}

// Run feeds input to the session until EOF or cancellation. EOF, a closed
// pipe and cancellation are not errors.
func (p *Pipeline) Run(ctx context.Context, input io.Reader) error {
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := input.Read(buf)
		if n > 0 {
			if _, werr := p.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF || errors.Is(err, io.ErrClosedPipe) {
			p.log.Info("input finished")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline: read input: %w", err)
		}
	}
	return nil
}

// RunPull pulls from byte start with puller and demultiplexes concurrently,
// so network reads never wait on decoding. It returns the offset the pull
// reached. Cancellation is reported as ctx's error.
func (p *Pipeline) RunPull(ctx context.Context, puller Puller, start int64) (int64, error) {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	var reached int64
	g.Go(func() error {
		off, err := puller.Run(gctx, start, pw)
		reached = off
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := p.Run(gctx, pr)
		pr.Close()
		return err
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return reached, ctx.Err()
	}
	return reached, err
}

// Snapshot returns a point-in-time view of the stream's health.
func (p *Pipeline) Snapshot() distribution.StreamSnapshot {
	p.mu.Lock()
	st := p.session.Stats()
	p.mu.Unlock()
	paths, files := p.files.Len()
	return distribution.StreamSnapshot{
		Timestamp:   time.Now().UnixMilli(),
		UptimeMs:    time.Since(p.startTime).Milliseconds(),
		Protocol:    p.protocol,
		BytesIn:     p.bytesIn.Load(),
		LastInputAt: p.lastPush.Load(),
		Restarts:    p.restarts.Load(),
		ViewerCount: p.relay.ViewerCount(),
		Paths:       paths,
		Files:       files,
		Demux:       st,
	}
}

// Viewers returns per-viewer delivery counters.
func (p *Pipeline) Viewers() []distribution.ViewerStats {
	return p.relay.ViewerStatsAll()
}
