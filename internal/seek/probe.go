package seek

import (
	"github.com/zsiec/mmtview/internal/mmt"
)

// ProbeResult is what a first-timestamp probe recovered. Missing timestamps
// are a normal outcome; ContentLength is -1 when unknown.
type ProbeResult struct {
	VideoTimestamp float64 `json:"video_timestamp,omitempty"`
	AudioTimestamp float64 `json:"audio_timestamp,omitempty"`
	HasVideo       bool    `json:"-"`
	HasAudio       bool    `json:"-"`
	ContentLength  int64   `json:"content_length"`
}

// Timestamps returns both timestamps when both were found.
func (r ProbeResult) Timestamps() (video, audio float64, ok bool) {
	return r.VideoTimestamp, r.AudioTimestamp, r.HasVideo && r.HasAudio
}

// optional is a value that may be unset.
type optional[T any] struct {
	v  T
	ok bool
}

func (o *optional[T]) set(v T) { o.v, o.ok = v, true }

// mptFilter follows the package list table to the packet id carrying the
// package table of the first package.
type mptFilter struct {
	mptPID optional[uint16]
}

func (f *mptFilter) handlePLT(ev *mmt.PLTEvent) {
	if len(ev.Table.Packages) > 0 {
		f.mptPID.set(ev.Table.Packages[0].LocationInfo.PacketID)
	}
}

func (f *mptFilter) accepts(ev *mmt.MPTEvent) bool {
	return f.mptPID.ok && ev.PacketID == f.mptPID.v
}

// track follows one elementary stream: the first asset of its type and the
// presentation times declared for its MPUs.
type track struct {
	assetType  mmt.AssetType
	pid        optional[uint16]
	rap        optional[uint32]
	timestamps map[uint32]float64
	extended   *mmt.MPUExtendedTimestampDescriptor
}

func newTrack(t mmt.AssetType) *track {
	return &track{assetType: t, timestamps: make(map[uint32]float64)}
}

func (t *track) handleMPT(tbl *mmt.PackageTable) {
	for i := range tbl.Assets {
		asset := &tbl.Assets[i]
		pid, hasPID := asset.PacketID()
		if !t.pid.ok && hasPID && asset.AssetType == t.assetType {
			t.pid.set(pid)
		}
		if !hasPID || !t.pid.ok || pid != t.pid.v {
			continue
		}
		for _, d := range asset.Descriptors {
			switch d := d.(type) {
			case *mmt.MPUTimestampDescriptor:
				for _, ts := range d.Timestamps {
					t.timestamps[ts.MPUSequenceNumber] = ts.Seconds()
				}
			case *mmt.MPUExtendedTimestampDescriptor:
				t.extended = d
			}
		}
	}
}

func (t *track) isRAP(ev *mmt.MPUEvent) bool {
	return t.pid.ok && ev.Header.PacketID == t.pid.v && ev.Header.RAPFlag
}

// firstTimestamp returns the timestamp of the first random access point,
// or of the earliest declared MPU when that is later.
func (t *track) firstTimestamp() (float64, bool) {
	if !t.rap.ok || len(t.timestamps) == 0 {
		return 0, false
	}
	seq := t.rap.v
	first := true
	var minSeq uint32
	for k := range t.timestamps {
		if first || k < minSeq {
			minSeq, first = k, false
		}
	}
	seq = max(seq, minSeq)
	ts, ok := t.timestamps[seq]
	return ts, ok
}

// firstProbe collects the first random access timestamps of the video and
// audio tracks.
type firstProbe struct {
	mptFilter
	video *track
	audio *track
}

func newFirstProbe() *firstProbe {
	return &firstProbe{video: newTrack(mmt.AssetTypeHEV1), audio: newTrack(mmt.AssetTypeMP4A)}
}

func (p *firstProbe) HandleEvent(ev mmt.Event) {
	switch ev := ev.(type) {
	case *mmt.PLTEvent:
		p.handlePLT(ev)
	case *mmt.MPTEvent:
		if p.accepts(ev) {
			p.video.handleMPT(&ev.Table)
			p.audio.handleMPT(&ev.Table)
		}
	case *mmt.MPUEvent:
		for _, t := range []*track{p.video, p.audio} {
			if !t.rap.ok && t.isRAP(ev) {
				t.rap.set(ev.MPU.SequenceNumber)
			}
		}
	}
}

func (p *firstProbe) result() (ProbeResult, bool) {
	v, vok := p.video.firstTimestamp()
	a, aok := p.audio.firstTimestamp()
	if !vok || !aok {
		return ProbeResult{}, false
	}
	return ProbeResult{VideoTimestamp: v, AudioTimestamp: a, HasVideo: true, HasAudio: true}, true
}

// lastProbe follows the latest video random access point and its
// timestamp, corrected by the default PTS offset when declared.
type lastProbe struct {
	mptFilter
	video *track
	last  optional[float64]
}

func newLastProbe() *lastProbe {
	return &lastProbe{video: newTrack(mmt.AssetTypeHEV1)}
}

func (p *lastProbe) HandleEvent(ev mmt.Event) {
	switch ev := ev.(type) {
	case *mmt.PLTEvent:
		p.handlePLT(ev)
	case *mmt.MPTEvent:
		if p.accepts(ev) {
			p.video.handleMPT(&ev.Table)
			p.update()
		}
	case *mmt.MPUEvent:
		if p.video.isRAP(ev) {
			p.video.rap.set(ev.MPU.SequenceNumber)
			p.update()
		}
	}
}

// update refreshes last from the current random access point.
func (p *lastProbe) update() {
	t := p.video
	if !t.rap.ok {
		return
	}
	ts, ok := t.timestamps[t.rap.v]
	if !ok {
		return
	}
	if ext := t.extended; ext != nil && ext.DefaultPTSOffset != nil && ext.Timescale != nil && *ext.Timescale != 0 {
		ts += float64(*ext.DefaultPTSOffset) / float64(*ext.Timescale)
	}
	p.last.set(ts)
}
