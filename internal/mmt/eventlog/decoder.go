package eventlog

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/mmtview/internal/mmt"
)

// Stats counts decoder activity.
type Stats struct {
	Frames       int64
	SkippedBytes int64
	CRCErrors    int64
	DecodeErrors int64
}

// Decoder is an mmt.Decoder for event logs. Push never fails: corrupt or
// undecodable frames are skipped and the decoder resynchronises on the next
// sync word. Bytes skipped before a good frame are reported as one
// TLVDiscontinuityEvent.
type Decoder struct {
	h   mmt.Handler
	log *slog.Logger
	buf []byte

	pendingSkip int

	frames       atomic.Int64
	skippedBytes atomic.Int64
	crcErrors    atomic.Int64
	decodeErrors atomic.Int64
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the decoder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) {
		d.log = l
	}
}

// NewDecoder creates a Decoder delivering events to h.
func NewDecoder(h mmt.Handler, opts ...Option) *Decoder {
	d := &Decoder{h: h}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("component", "eventlog")
	return d
}

// New matches mmt.NewDecoderFunc.
func New(h mmt.Handler) mmt.Decoder {
	return NewDecoder(h)
}

var syncWord = []byte{sync0, sync1}

// Push appends chunk to the buffer and delivers every complete frame.
func (d *Decoder) Push(chunk []byte) error {
	d.buf = append(d.buf, chunk...)
	pos := 0
	for {
		i := bytes.Index(d.buf[pos:], syncWord)
		if i < 0 {
			// Keep a trailing first sync byte; it may pair with the next chunk.
			keep := len(d.buf)
			if keep > pos && d.buf[keep-1] == sync0 {
				keep--
			}
			d.skip(keep - pos)
			pos = keep
			break
		}
		d.skip(i)
		pos += i

		if len(d.buf)-pos < headerSize {
			break
		}
		n := int(binary.BigEndian.Uint32(d.buf[pos+2:]))
		if n > MaxBodySize {
			d.skip(1)
			pos++
			continue
		}
		total := headerSize + n + trailerSize
		if len(d.buf)-pos < total {
			break
		}
		frame := d.buf[pos : pos+total]
		if checksum(frame[:headerSize+n]) != binary.BigEndian.Uint32(frame[headerSize+n:]) {
			d.crcErrors.Add(1)
			d.skip(1)
			pos++
			continue
		}
		ev, err := mmt.UnmarshalEvent(frame[headerSize : headerSize+n])
		if err != nil {
			d.decodeErrors.Add(1)
			d.log.Debug("undecodable frame", "size", n, "error", err)
			d.skip(total)
			pos += total
			continue
		}
		pos += total
		d.frames.Add(1)
		if d.pendingSkip > 0 {
			skipped := d.pendingSkip
			d.pendingSkip = 0
			d.h.HandleEvent(&mmt.TLVDiscontinuityEvent{Skipped: skipped})
		}
		d.h.HandleEvent(ev)
	}
	d.buf = append(d.buf[:0], d.buf[pos:]...)
	return nil
}

func (d *Decoder) skip(n int) {
	if n <= 0 {
		return
	}
	d.pendingSkip += n
	d.skippedBytes.Add(int64(n))
}

// Stats returns a snapshot of the decoder counters. It is safe to call
// concurrently with Push.
func (d *Decoder) Stats() Stats {
	return Stats{
		Frames:       d.frames.Load(),
		SkippedBytes: d.skippedBytes.Load(),
		CRCErrors:    d.crcErrors.Load(),
		DecodeErrors: d.decodeErrors.Load(),
	}
}
