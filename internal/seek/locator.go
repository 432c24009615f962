// Package seek locates the byte offset of a playback time in a stored
// MMT/TLV stream by probing byte ranges for presentation timestamps.
//
// A [Locator] first establishes the stream's first and last timestamps and
// a constant-bitrate estimate. [Locator.Locate] then extrapolates a
// candidate offset from the bitrate and falls back to bisection when the
// stream is too variable for the extrapolation to land.
package seek

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/zsiec/mmtview/internal/mmt"
	"github.com/zsiec/mmtview/internal/mmt/eventlog"
)

// Defaults of Config.
const (
	DefaultDurationProbeSize  = 4 << 20
	DefaultDurationProbeLimit = 32 << 20
	DefaultProbeSize          = 32 << 20
	DefaultMaxSeekError       = 10.0
	DefaultGranularity        = 32 << 10

	readChunkSize = 64 << 10
)

// Config tunes the probes.
type Config struct {
	// DurationProbeSize is the first window probed for the last timestamp.
	DurationProbeSize int64
	// DurationProbeLimit bounds the doubling last-timestamp window and the
	// first-timestamp probe from offset 0.
	DurationProbeLimit int64
	// ProbeSize bounds each estimate probe.
	ProbeSize int64
	// MaxSeekError is the accepted lag, in seconds, of a located position
	// behind the target.
	MaxSeekError float64
	// Granularity stops bisection once consecutive midpoints are this close.
	Granularity int64
}

// DefaultConfig returns the default probe configuration.
func DefaultConfig() Config {
	return Config{
		DurationProbeSize:  DefaultDurationProbeSize,
		DurationProbeLimit: DefaultDurationProbeLimit,
		ProbeSize:          DefaultProbeSize,
		MaxSeekError:       DefaultMaxSeekError,
		Granularity:        DefaultGranularity,
	}
}

// Info describes a stream for seeking. It is computed once per Locator.
type Info struct {
	FirstTimestamp   float64 `json:"first_timestamp"`
	LastTimestamp    float64 `json:"last_timestamp"`
	EstimatedBitrate float64 `json:"estimated_bitrate"`
	ContentLength    int64   `json:"content_length"`
}

// Duration returns the playable duration in seconds.
func (i Info) Duration() float64 {
	return i.LastTimestamp - i.FirstTimestamp
}

// Locator estimates seek positions in one stored stream. Calls to Locate
// are serialised; the probe cache lives as long as the Locator.
type Locator struct {
	log        *slog.Logger
	src        RangeSource
	newDecoder mmt.NewDecoderFunc
	cfg        Config

	infoMu sync.Mutex
	info   *Info
	// infoErr is only set for terminal failures, never cancellation.
	infoErr error

	mu    sync.Mutex
	cache map[int64]ProbeResult
}

// Option configures a Locator.
type Option func(*Locator)

// WithLogger sets the locator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(loc *Locator) { loc.log = l }
}

// WithDecoder sets the decoder used by probes. The default decodes event
// logs.
func WithDecoder(fn mmt.NewDecoderFunc) Option {
	return func(loc *Locator) { loc.newDecoder = fn }
}

// WithConfig sets the probe configuration.
func WithConfig(cfg Config) Option {
	return func(loc *Locator) { loc.cfg = cfg }
}

// NewLocator creates a Locator reading from src.
func NewLocator(src RangeSource, opts ...Option) *Locator {
	l := &Locator{
		src:        src,
		newDecoder: eventlog.New,
		cfg:        DefaultConfig(),
		cache:      make(map[int64]ProbeResult),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.log = l.log.With("component", "seek")
	return l
}

// Info returns the stream's seek information, probing it on first use. It
// returns ErrSeekUnavailable when the first or last timestamp cannot be
// found. A cancelled probe is not remembered.
func (l *Locator) Info(ctx context.Context) (Info, error) {
	l.infoMu.Lock()
	defer l.infoMu.Unlock()
	if l.info != nil {
		return *l.info, nil
	}
	if l.infoErr != nil {
		return Info{}, l.infoErr
	}
	info, err := l.probeInfo(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.infoErr = err
		}
		return Info{}, err
	}
	l.info = &info
	return info, nil
}

func (l *Locator) probeInfo(ctx context.Context) (Info, error) {
	first, err := l.ProbeFirst(ctx, 0, l.cfg.DurationProbeLimit)
	if err != nil {
		return Info{}, err
	}
	v, a, ok := first.Timestamps()
	if !ok || first.ContentLength < 0 {
		l.log.Info("first timestamp probe failed")
		return Info{}, ErrSeekUnavailable
	}
	firstTS := math.Min(v, a)
	length := first.ContentLength

	size := l.cfg.DurationProbeSize
	var lastTS float64
	for {
		start := max(length-size, 0)
		ts, found, err := l.ProbeLast(ctx, start)
		if err != nil {
			return Info{}, err
		}
		if found {
			lastTS = ts
			break
		}
		size *= 2
		if size > l.cfg.DurationProbeLimit || start == max(length-size, 0) {
			l.log.Info("last timestamp probe failed", "window", size/2)
			return Info{}, ErrSeekUnavailable
		}
	}
	if lastTS <= firstTS {
		l.log.Info("no playable duration", "first", firstTS, "last", lastTS)
		return Info{}, ErrSeekUnavailable
	}

	info := Info{
		FirstTimestamp:   firstTS,
		LastTimestamp:    lastTS,
		EstimatedBitrate: float64(length) * 8 / (lastTS - firstTS),
		ContentLength:    length,
	}
	l.log.Debug("seek info", "first", info.FirstTimestamp, "last", info.LastTimestamp,
		"bitrate", info.EstimatedBitrate, "length", info.ContentLength)
	return info, nil
}

// stream reads [start, start+maxBytes) (to the end when maxBytes <= 0) into
// dec, calling done after each chunk until it returns true. It returns the
// total length reported by the source and whether the read completed: a
// failed open or an interrupted body reports false, with whatever was
// decoded so far. Only cancellation is returned as an error.
func (l *Locator) stream(ctx context.Context, start, maxBytes int64, dec mmt.Decoder, done func() bool) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return -1, false, err
	}
	body, total, err := l.src.OpenRange(ctx, start, maxBytes)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, false, ctxErr
		}
		l.log.Debug("range read failed", "start", start, "error", err)
		return -1, false, nil
	}
	defer body.Close()

	var r io.Reader = body
	if maxBytes > 0 {
		r = io.LimitReader(body, maxBytes)
	}
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return total, false, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := dec.Push(buf[:n]); err != nil {
				l.log.Debug("probe decode failed", "start", start, "error", err)
				return total, true, nil
			}
			if done() {
				return total, true, nil
			}
		}
		if rerr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return total, false, ctxErr
			}
			if !errors.Is(rerr, io.EOF) {
				l.log.Debug("range read interrupted", "start", start, "error", rerr)
				return total, false, nil
			}
			return total, true, nil
		}
	}
}

// ProbeFirst decodes up to maxBytes from start and returns the first random
// access timestamps of video and audio. The read stops as soon as both are
// known. Missing timestamps are not an error; only cancellation is.
func (l *Locator) ProbeFirst(ctx context.Context, start, maxBytes int64) (ProbeResult, error) {
	res, _, err := l.probeFirst(ctx, start, maxBytes)
	return res, err
}

// probeFirst is ProbeFirst that also reports whether the read completed.
func (l *Locator) probeFirst(ctx context.Context, start, maxBytes int64) (ProbeResult, bool, error) {
	p := newFirstProbe()
	dec := l.newDecoder(p)
	var res ProbeResult
	found := false
	total, complete, err := l.stream(ctx, start, maxBytes, dec, func() bool {
		res, found = p.result()
		return found
	})
	if err != nil {
		return ProbeResult{}, false, err
	}
	if !found {
		res = ProbeResult{}
	}
	res.ContentLength = total
	return res, complete, nil
}

// ProbeLast decodes from start to the end of the stream and returns the
// timestamp of the last video random access point. A failed read yields no
// timestamp.
func (l *Locator) ProbeLast(ctx context.Context, start int64) (float64, bool, error) {
	p := newLastProbe()
	dec := l.newDecoder(p)
	if _, _, err := l.stream(ctx, start, 0, dec, func() bool { return false }); err != nil {
		return 0, false, err
	}
	if !p.last.ok {
		return 0, false, nil
	}
	return p.last.v, true, nil
}

// probeCached returns the memoised probe at offset or runs a new one. Only
// probes whose read completed are memoised, so a transient transport
// failure is retried by the next estimate.
func (l *Locator) probeCached(ctx context.Context, offset int64) (ProbeResult, bool, error) {
	if r, ok := l.cache[offset]; ok {
		return r, true, nil
	}
	r, complete, err := l.probeFirst(ctx, offset, l.cfg.ProbeSize)
	if err != nil {
		return ProbeResult{}, false, err
	}
	if complete {
		l.cache[offset] = r
	}
	return r, false, nil
}

// accept applies the acceptance rule to a probe at offset whose timestamp
// lags the target by delta seconds. Close hits back off half a second of
// bytes.
func (l *Locator) accept(offset int64, delta float64, info Info) (int64, bool) {
	if delta < 0 || delta >= l.cfg.MaxSeekError {
		return 0, false
	}
	if delta < 0.5 {
		return max(0, offset-int64(math.Floor(info.EstimatedBitrate/8/2))), true
	}
	return offset, true
}

// EstimateCBR extrapolates the offset of target seconds (relative to the
// first timestamp) from the estimated bitrate and probes it. The earlier of
// the audio and video timestamps is compared with the target.
func (l *Locator) EstimateCBR(ctx context.Context, target float64, info Info) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.estimateCBR(ctx, target, info)
}

func (l *Locator) estimateCBR(ctx context.Context, target float64, info Info) (int64, bool, error) {
	offset := int64(math.Floor(info.EstimatedBitrate * math.Max(0, target-1) / 8))
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	probed, cached, err := l.probeCached(ctx, offset)
	if err != nil {
		return 0, false, err
	}
	v, a, ok := probed.Timestamps()
	if !ok {
		l.log.Debug("probe RAP CBR found no timestamps", "offset", offset, "cached", cached)
		return 0, false, nil
	}
	actual := math.Min(v, a) - info.FirstTimestamp
	delta := target - actual
	l.log.Debug("probe RAP CBR", "offset", offset, "ts", actual, "delta", delta, "cached", cached)
	pos, ok := l.accept(offset, delta, info)
	return pos, ok, nil
}

// EstimateVBR bisects [0, ContentLength) for target seconds. The later of
// the audio and video timestamps is compared with the target. Bisection
// stops once the next midpoint is within Granularity bytes of the current
// one and returns the smaller of the two.
func (l *Locator) EstimateVBR(ctx context.Context, target float64, info Info) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.estimateVBR(ctx, target, info)
}

func (l *Locator) estimateVBR(ctx context.Context, target float64, info Info) (int64, bool, error) {
	lo, hi := int64(0), info.ContentLength-1
	mid := lo + (hi-lo)/2
	for lo <= hi {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		probed, cached, err := l.probeCached(ctx, mid)
		if err != nil {
			return 0, false, err
		}
		v, a, ok := probed.Timestamps()
		if !ok {
			l.log.Debug("probe RAP VBR found no timestamps", "offset", mid, "cached", cached)
			return 0, false, nil
		}
		actual := math.Max(v, a) - info.FirstTimestamp
		delta := target - actual
		l.log.Debug("probe RAP VBR", "offset", mid, "ts", actual, "delta", delta, "cached", cached)
		if pos, ok := l.accept(mid, delta, info); ok {
			return pos, true, nil
		}
		if delta > 0 {
			lo = mid + 1
		} else {
			hi = mid - 1
		}
		next := lo + (hi-lo)/2
		if abs(next-mid) <= l.cfg.Granularity {
			return max(0, min(next, mid)), true, nil
		}
		mid = next
	}
	return 0, false, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Locate returns the byte offset to resume decoding at for ms milliseconds
// into the stream. Targets earlier than MaxSeekError map to offset 0. It
// returns ErrSeekUnavailable or ErrNotLocated on failure and the context's
// error when cancelled.
func (l *Locator) Locate(ctx context.Context, ms int64) (int64, error) {
	target := float64(ms) / 1000
	if target < l.cfg.MaxSeekError {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0, nil
	}
	info, err := l.Info(ctx)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok, err := l.estimateCBR(ctx, target, info)
	if err != nil {
		return 0, err
	}
	if ok {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return pos, nil
	}
	l.log.Debug("CBR estimation failed, falling back to VBR", "target", target)
	pos, ok, err = l.estimateVBR(ctx, target, info)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotLocated
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return pos, nil
}
