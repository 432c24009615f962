// Package caption reassembles ARIB timed-text samples split across MPU
// fragments and parses their subsample header.
package caption

import "github.com/zsiec/mmtview/internal/mmt"

type buffer struct {
	seq   uint32
	queue [][]byte
}

// Defragmenter holds one open buffer per packet id between a HEAD fragment
// and its TAIL. It is not safe for concurrent use.
type Defragmenter struct {
	open map[uint16]*buffer
}

// NewDefragmenter creates a Defragmenter with no open buffers.
func NewDefragmenter() *Defragmenter {
	return &Defragmenter{open: make(map[uint16]*buffer)}
}

// Accept feeds one MPU of packetID and returns the caption payloads it
// completes. A COMPLETE MPU yields each of its MFUs. A TAIL with a matching
// HEAD yields one payload: the concatenation of every queued fragment.
// MIDDLE or TAIL fragments without an open buffer of the same sequence
// number are dropped, and a mismatch abandons the open buffer.
func (d *Defragmenter) Accept(packetID uint16, mpu *mmt.MPU) [][]byte {
	switch mpu.FragmentationIndicator {
	case mmt.FragmentComplete:
		delete(d.open, packetID)
		out := make([][]byte, 0, len(mpu.MFUs))
		for _, m := range mpu.MFUs {
			out = append(out, m.Data)
		}
		return out
	case mmt.FragmentHead:
		b := &buffer{seq: mpu.SequenceNumber}
		for _, m := range mpu.MFUs {
			b.queue = append(b.queue, m.Data)
		}
		d.open[packetID] = b
		return nil
	case mmt.FragmentMiddle, mmt.FragmentTail:
		b, ok := d.open[packetID]
		if !ok {
			return nil
		}
		if b.seq != mpu.SequenceNumber {
			delete(d.open, packetID)
			return nil
		}
		for _, m := range mpu.MFUs {
			b.queue = append(b.queue, m.Data)
		}
		if mpu.FragmentationIndicator == mmt.FragmentMiddle {
			return nil
		}
		delete(d.open, packetID)
		return [][]byte{concat(b.queue)}
	default:
		return nil
	}
}

// Open reports whether packetID has a HEAD awaiting its TAIL.
func (d *Defragmenter) Open(packetID uint16) bool {
	_, ok := d.open[packetID]
	return ok
}

// Reset drops every open buffer.
func (d *Defragmenter) Reset() { clear(d.open) }

func concat(parts [][]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
