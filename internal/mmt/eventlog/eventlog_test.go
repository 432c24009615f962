package eventlog

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zsiec/mmtview/internal/mmt"
)

type collector struct {
	events []mmt.Event
}

func (c *collector) HandleEvent(ev mmt.Event) { c.events = append(c.events, ev) }

func buildLog(t *testing.T, evs ...mmt.Event) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, ev := range evs {
		if err := w.WriteEvent(ev); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}
	if w.Offset() != int64(buf.Len()) {
		t.Fatalf("Offset = %d, want %d", w.Offset(), buf.Len())
	}
	return buf.Bytes()
}

func ntp(v uint64) mmt.Event {
	return &mmt.NTPEvent{NTP: mmt.NTPSample{TransmitTimestamp: v}}
}

func timestamps(t *testing.T, evs []mmt.Event) []uint64 {
	t.Helper()
	var out []uint64
	for _, ev := range evs {
		if n, ok := ev.(*mmt.NTPEvent); ok {
			out = append(out, n.NTP.TransmitTimestamp)
		}
	}
	return out
}

func TestDecoderByteAtATime(t *testing.T) {
	t.Parallel()

	data := buildLog(t, ntp(1), ntp(2), ntp(3))
	var c collector
	d := NewDecoder(&c)
	for i := range data {
		if err := d.Push(data[i : i+1]); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	got := timestamps(t, c.events)
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("got %v, want [1 2 3]", got)
	}
	if len(c.events) != 3 {
		t.Errorf("got %d events, want 3 (no discontinuity)", len(c.events))
	}
	if s := d.Stats(); s.Frames != 3 || s.SkippedBytes != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDecoderResyncMidFrame(t *testing.T) {
	t.Parallel()

	data := buildLog(t, ntp(10), ntp(20), ntp(30))
	var c collector
	d := NewDecoder(&c)
	// Start three bytes into the first frame.
	if err := d.Push(data[3:]); err != nil {
		t.Fatalf("Push: %v", err)
	}
	got := timestamps(t, c.events)
	if len(got) != 2 || got[0] != 20 || got[1] != 30 {
		t.Fatalf("got %v, want [20 30]", got)
	}
	disc, ok := c.events[0].(*mmt.TLVDiscontinuityEvent)
	if !ok {
		t.Fatalf("first event = %T, want *mmt.TLVDiscontinuityEvent", c.events[0])
	}
	if disc.Skipped <= 0 {
		t.Errorf("Skipped = %d, want > 0", disc.Skipped)
	}
}

func TestDecoderSkipsBadCRC(t *testing.T) {
	t.Parallel()

	first := buildLog(t, ntp(1))
	rest := buildLog(t, ntp(2))
	first[len(first)-1] ^= 0xff
	var c collector
	d := NewDecoder(&c)
	if err := d.Push(append(first, rest...)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	got := timestamps(t, c.events)
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("got %v, want [2]", got)
	}
	if s := d.Stats(); s.CRCErrors != 1 {
		t.Errorf("CRCErrors = %d, want 1", s.CRCErrors)
	}
}

func TestDecoderSkipsOversizedLength(t *testing.T) {
	t.Parallel()

	bogus := []byte{sync0, sync1, 0xff, 0xff, 0xff, 0xff}
	data := append(bogus, buildLog(t, ntp(5))...)
	var c collector
	d := NewDecoder(&c)
	if err := d.Push(data); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := timestamps(t, c.events); len(got) != 1 || got[0] != 5 {
		t.Fatalf("got %v, want [5]", got)
	}
}

func TestAppendFrameTooLarge(t *testing.T) {
	t.Parallel()

	ev := &mmt.MPUEvent{MPU: mmt.MPU{MFUs: []mmt.MFU{{Data: make([]byte, MaxBodySize+1)}}}}
	if _, err := AppendFrame(nil, ev); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestChecksumResidue(t *testing.T) {
	t.Parallel()

	frame := buildLog(t, ntp(42))
	if checksum(frame) != 0 {
		t.Errorf("checksum over frame with trailer = %#x, want 0", checksum(frame))
	}
}
