package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/mmtview/internal/distribution"
	"github.com/zsiec/mmtview/internal/ingest"
	"github.com/zsiec/mmtview/internal/ingest/httppull"
	"github.com/zsiec/mmtview/internal/pipeline"
	"github.com/zsiec/mmtview/internal/seek"
	"github.com/zsiec/mmtview/internal/vfs"
)

// Stream is one active stream. It implements distribution.Stream.
type Stream struct {
	ID        string
	Key       string
	Source    string
	Protocol  ingest.Protocol
	StartedAt time.Time

	log   *slog.Logger
	mgr   *Manager
	relay *distribution.Relay
	files *vfs.FS
	pipe  *pipeline.Pipeline

	// Pull streams only.
	puller  *httppull.Puller
	locator *seek.Locator

	// Push streams only.
	ingest     *ingest.Stream
	closeInput func()

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	offset    int64

	seekMu     sync.Mutex
	seekGen    uint64
	seekCancel context.CancelCauseFunc
	stopped    bool
}

// Info returns the stream summary.
func (s *Stream) Info() distribution.StreamInfo {
	s.runMu.Lock()
	off := s.offset
	s.runMu.Unlock()
	return distribution.StreamInfo{
		ID:             s.ID,
		Key:            s.Key,
		Source:         s.Source,
		Seekable:       s.locator != nil,
		Offset:         off,
		StreamSnapshot: s.pipe.Snapshot(),
	}
}

func (s *Stream) Relay() *distribution.Relay { return s.relay }
func (s *Stream) Files() *vfs.FS             { return s.files }

// IngestStats returns the input counters of the stream.
func (s *Stream) IngestStats() *ingest.Stats {
	var st ingest.Stats
	switch {
	case s.ingest != nil:
		st = s.ingest.Stats()
	case s.puller != nil:
		st = s.puller.Stats()
	default:
		return nil
	}
	return &st
}

// SeekInfo returns the seek information of a pulled stream.
func (s *Stream) SeekInfo(ctx context.Context) (seek.Info, error) {
	if s.locator == nil {
		return seek.Info{}, distribution.ErrNotSeekable
	}
	return s.locator.Info(ctx)
}

// Seek locates ms milliseconds into a pulled stream and restarts the pull
// there with fresh decode state. A seek still in flight is cancelled and
// returns distribution.ErrSeekSuperseded.
func (s *Stream) Seek(ctx context.Context, ms int64) (int64, error) {
	if s.locator == nil {
		return 0, distribution.ErrNotSeekable
	}

	s.seekMu.Lock()
	if s.seekCancel != nil {
		s.seekCancel(distribution.ErrSeekSuperseded)
	}
	sctx, cancel := context.WithCancelCause(ctx)
	s.seekGen++
	gen := s.seekGen
	s.seekCancel = cancel
	s.seekMu.Unlock()

	defer func() {
		s.seekMu.Lock()
		if s.seekGen == gen {
			s.seekCancel = nil
		}
		s.seekMu.Unlock()
		cancel(nil)
	}()

	off, err := s.locator.Locate(sctx, ms)
	if err != nil {
		if ctx.Err() == nil && sctx.Err() != nil {
			// Cancelled by a newer seek or by Stop.
			return 0, context.Cause(sctx)
		}
		return 0, err
	}

	s.seekMu.Lock()
	defer s.seekMu.Unlock()
	if s.stopped {
		return 0, distribution.ErrStreamNotFound
	}
	if s.seekGen != gen {
		return 0, distribution.ErrSeekSuperseded
	}
	s.log.Info("seek", "ms", ms, "offset", off)
	s.stopRun()
	s.pipe.Reset()
	s.startPull(off)
	return off, nil
}

// startPull runs the pull from byte start on its own goroutine.
func (s *Stream) startPull(start int64) {
	ctx, cancel := context.WithCancel(s.mgr.ctx)
	done := make(chan struct{})

	s.runMu.Lock()
	s.runCancel, s.runDone, s.offset = cancel, done, start
	s.runMu.Unlock()

	s.mgr.wg.Add(1)
	go func() {
		defer s.mgr.wg.Done()
		defer close(done)
		defer cancel()

		reached, err := s.pipe.RunPull(ctx, s.puller, start)
		switch {
		case ctx.Err() != nil:
			s.log.Debug("pull stopped", "offset", reached)
		case err != nil:
			s.log.Warn("pull failed", "offset", reached, "error", err)
		default:
			s.log.Info("pull finished", "offset", reached)
		}
	}()
}

// stopRun cancels the current pull and waits for it to return.
func (s *Stream) stopRun() {
	s.runMu.Lock()
	cancel, done := s.runCancel, s.runDone
	s.runCancel, s.runDone = nil, nil
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Stream) stop() {
	s.seekMu.Lock()
	s.stopped = true
	if s.seekCancel != nil {
		s.seekCancel(distribution.ErrStreamNotFound)
	}
	s.seekMu.Unlock()
	s.stopRun()
	if s.closeInput != nil {
		s.closeInput()
	}
}
