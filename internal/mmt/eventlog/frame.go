// Package eventlog reads and writes framed logs of decoded MMT events.
//
// A log is a sequence of frames:
//
//	0x7F 0xE5 | body length (u32 BE) | CBOR event envelope | CRC32 (u32 BE)
//
// The CRC is MPEG-2 CRC32 over the sync word, length and body. The sync word
// lets a reader start at any byte offset, which range-based seeking needs.
package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/mmtview/internal/mmt"
)

const (
	sync0       = 0x7F
	sync1       = 0xE5
	headerSize  = 6
	trailerSize = 4

	// MaxBodySize bounds one frame body. Larger lengths are treated as a
	// false sync.
	MaxBodySize = 1 << 20
)

// ErrFrameTooLarge is returned when an event encodes past MaxBodySize.
var ErrFrameTooLarge = errors.New("eventlog: frame body too large")

// AppendFrame appends the frame for ev to dst.
func AppendFrame(dst []byte, ev mmt.Event) ([]byte, error) {
	body, err := mmt.MarshalEvent(ev)
	if err != nil {
		return dst, err
	}
	if len(body) > MaxBodySize {
		return dst, fmt.Errorf("%s: %d bytes: %w", ev.Kind(), len(body), ErrFrameTooLarge)
	}
	start := len(dst)
	dst = append(dst, sync0, sync1)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	dst = append(dst, body...)
	return binary.BigEndian.AppendUint32(dst, checksum(dst[start:])), nil
}

// Writer writes event frames to an underlying writer.
type Writer struct {
	w   io.Writer
	buf []byte
	n   int64
}

// NewWriter creates a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEvent writes one frame.
func (w *Writer) WriteEvent(ev mmt.Event) error {
	var err error
	w.buf, err = AppendFrame(w.buf[:0], ev)
	if err != nil {
		return err
	}
	n, err := w.w.Write(w.buf)
	w.n += int64(n)
	if err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	return nil
}

// Offset returns the number of bytes written so far.
func (w *Writer) Offset() int64 { return w.n }
