// Package httppull reads a recorded or growing stream over HTTP range
// requests, resuming where it left off after a dropped connection.
package httppull

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zsiec/mmtview/internal/ingest"
	"github.com/zsiec/mmtview/internal/seek"
)

const (
	// DefaultMaxRetries is the number of consecutive failed attempts
	// tolerated before Run gives up.
	DefaultMaxRetries = 5
	// DefaultBackoff is the delay before the first retry. It doubles per
	// consecutive failure.
	DefaultBackoff = 500 * time.Millisecond

	bufferSize = 64 << 10
)

// Puller copies a stream from a range source into a writer.
type Puller struct {
	log        *slog.Logger
	src        seek.RangeSource
	maxRetries int
	backoff    time.Duration
	counter    *ingest.Counter
}

// Option configures a Puller.
type Option func(*Puller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Puller) { p.log = l }
}

// WithRetry sets the retry budget and the initial backoff.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(p *Puller) {
		p.maxRetries = maxRetries
		p.backoff = backoff
	}
}

// New creates a Puller reading from src.
func New(src seek.RangeSource, opts ...Option) *Puller {
	p := &Puller{
		src:        src,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff,
		counter:    ingest.NewCounter(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "http-pull")
	return p
}

// Stats returns the read counters accumulated across every Run.
func (p *Puller) Stats() ingest.Stats { return p.counter.Stats() }

// Run copies the stream from byte start into w. It returns the offset
// reached and nil once the end of the stream is read, the error of w if a
// write fails, ctx's error on cancellation, or the last read error once
// the retry budget is spent.
func (p *Puller) Run(ctx context.Context, start int64, w io.Writer) (int64, error) {
	off := start
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return off, err
		}

		body, total, err := p.src.OpenRange(ctx, off, 0)
		if err != nil {
			if ctx.Err() != nil {
				return off, ctx.Err()
			}
			var se *seek.HTTPStatusError
			if errors.As(err, &se) {
				if se.Status == http.StatusRequestedRangeNotSatisfiable && off > 0 {
					return off, nil
				}
				if se.Status >= 400 && se.Status < 500 {
					return off, fmt.Errorf("httppull: open at %d: %w", off, err)
				}
			}
			failures++
			if err := p.wait(ctx, failures, off, err); err != nil {
				return off, err
			}
			continue
		}

		n, readErr, writeErr := p.copy(ctx, body, w)
		body.Close()
		off += n
		if n > 0 {
			failures = 0
		}
		if writeErr != nil {
			return off, writeErr
		}
		if ctx.Err() != nil {
			return off, ctx.Err()
		}
		if readErr == nil {
			if total < 0 || off >= total {
				p.log.Debug("end of stream", "offset", off)
				return off, nil
			}
			readErr = io.ErrUnexpectedEOF
		}
		failures++
		if err := p.wait(ctx, failures, off, readErr); err != nil {
			return off, err
		}
	}
}

// copy moves body into w. readErr is nil at a clean EOF.
func (p *Puller) copy(ctx context.Context, body io.Reader, w io.Writer) (n int64, readErr, writeErr error) {
	buf := make([]byte, bufferSize)
	for ctx.Err() == nil {
		m, err := body.Read(buf)
		if m > 0 {
			p.counter.RecordRead(m)
			if _, werr := w.Write(buf[:m]); werr != nil {
				return n, nil, werr
			}
			n += int64(m)
		}
		if err == io.EOF {
			return n, nil, nil
		}
		if err != nil {
			return n, err, nil
		}
	}
	return n, ctx.Err(), nil
}

// wait sleeps before retry attempt failures, or returns an error when the
// budget is spent or ctx ends first.
func (p *Puller) wait(ctx context.Context, failures int, off int64, cause error) error {
	if failures > p.maxRetries {
		return fmt.Errorf("httppull: giving up at offset %d after %d attempts: %w", off, failures, cause)
	}
	delay := p.backoff << (failures - 1)
	p.log.Warn("pull interrupted, retrying", "offset", off, "attempt", failures, "delay", delay, "error", cause)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
