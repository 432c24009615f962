// Package synth builds synthetic event-log streams: one second of A/V
// random access points per step, package tables carrying their timestamps,
// a data carousel with application files, and captions. Streams decode
// with [eventlog.Decoder] and exercise every stage of a demux session and
// the seek estimator.
package synth

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"

	"github.com/zsiec/mmtview/internal/mmt"
	"github.com/zsiec/mmtview/internal/mmt/eventlog"
)

// Packet ids of the synthetic stream.
const (
	PLTPacketID     uint16 = 0x0000
	MPTPacketID     uint16 = 0x8000
	AITPacketID     uint16 = 0x8001
	VideoPacketID   uint16 = 0x0100
	AudioPacketID   uint16 = 0x0110
	CaptionPacketID uint16 = 0x0130
	AppPacketID     uint16 = 0x0700
)

// Component tags of the synthetic assets.
const (
	VideoComponentTag   uint16 = 0x0000
	AudioComponentTag   uint16 = 0x0010
	CaptionComponentTag uint16 = 0x0030
	AppComponentTag     uint16 = 0x0040
)

const (
	nodeTag    uint16 = 0x0001
	downloadID uint32 = 7
	serviceID  uint16 = 0x0400
	// paddingChunk bounds one padding MFU well below the frame limit.
	paddingChunk = 64 << 10
)

// File is one application resource carried in the data carousel.
type File struct {
	Name     string
	Type     string
	Body     []byte
	Compress bool
}

// Config describes a synthetic stream.
type Config struct {
	// Seconds is the number of one-second steps.
	Seconds int
	// Bitrate is the video padding rate in bits per second.
	Bitrate int
	// StartTime is the presentation time of the first access point.
	StartTime float64
	// BaseDirectory and NodePath place every file of the carousel.
	BaseDirectory string
	NodePath      string
	Files         []File
	// Captions are emitted one per second, cycling.
	Captions []string
	// FragmentSize splits carousel items into MFUs of at most this size.
	FragmentSize int
}

// DefaultConfig returns a ten second stream with a small application.
func DefaultConfig() Config {
	return Config{
		Seconds:       10,
		Bitrate:       400_000,
		StartTime:     1000,
		BaseDirectory: "app/",
		NodePath:      "sub/page",
		Files: []File{
			{Name: "index.html", Type: "text/html", Body: []byte("<html><head><title>synth</title></head><body>hello</body></html>"), Compress: true},
			{Name: "main.js", Type: "text/javascript", Body: []byte("console.log('synth');")},
			{Name: "style.css", Type: "text/css", Body: bytes.Repeat([]byte("body{margin:0}"), 64), Compress: true},
		},
		Captions:     []string{"<tt>first</tt>", "<tt>second</tt>"},
		FragmentSize: 256,
	}
}

// Timestamp converts seconds to a 64-bit timestamp.
func Timestamp(seconds float64) mmt.Timestamp64 {
	whole, frac := math.Modf(seconds)
	return mmt.Timestamp64{Seconds: uint32(whole), Fraction: uint32(frac * (1 << 32))}
}

// AccessPoint returns the events announcing and carrying one video and
// audio random access point with MPU sequence seq at time ts.
func AccessPoint(seq uint32, ts float64) []mmt.Event {
	return []mmt.Event{
		pltEvent(),
		&mmt.MPTEvent{PacketID: MPTPacketID, Table: mmt.PackageTable{
			Assets: avAssets(seq, ts),
		}},
		rapEvent(VideoPacketID, seq, nil),
		rapEvent(AudioPacketID, seq, nil),
	}
}

func pltEvent() *mmt.PLTEvent {
	return &mmt.PLTEvent{PacketID: PLTPacketID, Table: mmt.PackageListTable{
		Packages: []mmt.PackageInfo{{PackageID: []byte("synth"), LocationInfo: mmt.Location{PacketID: MPTPacketID}}},
	}}
}

func timestamps(seq uint32, ts float64) *mmt.MPUTimestampDescriptor {
	return &mmt.MPUTimestampDescriptor{Timestamps: []mmt.MPUTimestamp{
		{MPUSequenceNumber: seq, PresentationTime: Timestamp(ts)},
		{MPUSequenceNumber: seq + 1, PresentationTime: Timestamp(ts + 1)},
	}}
}

func avAssets(seq uint32, ts float64) []mmt.Asset {
	timescale := uint32(90000)
	return []mmt.Asset{
		{
			AssetType: mmt.AssetTypeHEV1,
			Locations: []mmt.Location{{PacketID: VideoPacketID}},
			Descriptors: mmt.DescriptorList{
				&mmt.StreamIdentifierDescriptor{ComponentTag: VideoComponentTag},
				timestamps(seq, ts),
				&mmt.MPUExtendedTimestampDescriptor{Timescale: &timescale},
			},
		},
		{
			AssetType: mmt.AssetTypeMP4A,
			Locations: []mmt.Location{{PacketID: AudioPacketID}},
			Descriptors: mmt.DescriptorList{
				&mmt.StreamIdentifierDescriptor{ComponentTag: AudioComponentTag},
				timestamps(seq, ts),
			},
		},
	}
}

func rapEvent(pid uint16, seq uint32, data []byte) *mmt.MPUEvent {
	return &mmt.MPUEvent{
		Header: mmt.MMTHeader{PacketID: pid, RAPFlag: true},
		MPU: mmt.MPU{
			SequenceNumber: seq,
			TimedFlag:      true,
			MFUs:           []mmt.MFU{{Data: data}},
		},
	}
}

// builder accumulates the events of one stream.
type builder struct {
	cfg    Config
	events []mmt.Event
	items  []mmt.Event
}

func (b *builder) add(evs ...mmt.Event) {
	b.events = append(b.events, evs...)
}

// Events returns the events of the stream described by cfg.
func Events(cfg Config) ([]mmt.Event, error) {
	if cfg.Seconds <= 0 {
		return nil, fmt.Errorf("synth: seconds must be positive, got %d", cfg.Seconds)
	}
	if cfg.FragmentSize <= 0 {
		cfg.FragmentSize = 256
	}
	b := &builder{cfg: cfg}
	items, err := b.carousel()
	if err != nil {
		return nil, err
	}
	b.items = items

	for i := range cfg.Seconds {
		seq := uint32(i)
		ts := cfg.StartTime + float64(i)
		b.add(pltEvent(), b.packageTable(seq, ts))
		b.add(&mmt.NTPEvent{NTP: mmt.NTPSample{TransmitTimestamp: ntpAt(i)}})
		b.add(b.video(seq)...)
		b.add(rapEvent(AudioPacketID, seq, []byte{0xFF, 0xF1}))
		b.add(b.signalling()...)
		if len(cfg.Captions) > 0 {
			b.add(captionEvent(seq, cfg.Captions[i%len(cfg.Captions)]))
		}
		b.add(b.items...)
	}
	return b.events, nil
}

func ntpAt(i int) uint64 {
	// 2024-01-01T00:00:00Z in NTP seconds.
	const base = 3913056000
	return uint64(base+i) << 32
}

func (b *builder) packageTable(seq uint32, ts float64) *mmt.MPTEvent {
	aitPID := AITPacketID
	subtitleStart := uint32(0)
	assets := avAssets(seq, ts)
	assets = append(assets,
		mmt.Asset{
			AssetType: mmt.AssetTypeTimedText,
			Locations: []mmt.Location{{PacketID: CaptionPacketID}},
			Descriptors: mmt.DescriptorList{
				&mmt.StreamIdentifierDescriptor{ComponentTag: CaptionComponentTag},
				&mmt.DataComponentDescriptor{
					DataComponentID: 0x0020,
					SubtitleInfo: &mmt.SubtitleInfo{
						ISO639LanguageCode:     "jpn",
						TMD:                    0b0010,
						Resolution:             0b0101,
						StartMPUSequenceNumber: &subtitleStart,
					},
				},
			},
		},
		mmt.Asset{
			AssetType: mmt.AssetTypeApplication,
			Locations: []mmt.Location{{PacketID: AppPacketID}},
			Descriptors: mmt.DescriptorList{
				&mmt.StreamIdentifierDescriptor{ComponentTag: AppComponentTag},
			},
		},
	)
	return &mmt.MPTEvent{PacketID: MPTPacketID, Table: mmt.PackageTable{
		PackageID: []byte("synth"),
		Descriptors: mmt.DescriptorList{
			&mmt.ApplicationServiceDescriptor{
				ApplicationFormat: mmt.ApplicationFormatARIBHTML5,
				AITPacketID:       &aitPID,
			},
		},
		Assets: assets,
	}}
}

// video returns the access point of seq followed by padding up to one
// second of Bitrate.
func (b *builder) video(seq uint32) []mmt.Event {
	remaining := b.cfg.Bitrate / 8
	first := min(remaining, paddingChunk)
	evs := []mmt.Event{rapEvent(VideoPacketID, seq, make([]byte, first))}
	remaining -= first
	for remaining > 0 {
		n := min(remaining, paddingChunk)
		evs = append(evs, &mmt.MPUEvent{
			Header: mmt.MMTHeader{PacketID: VideoPacketID},
			MPU: mmt.MPU{
				SequenceNumber: seq,
				TimedFlag:      true,
				MFUs:           []mmt.MFU{{Data: make([]byte, n)}},
			},
		})
		remaining -= n
	}
	return evs
}

func (b *builder) signalling() []mmt.Event {
	start := [5]byte{0xE5, 0x6B, 0x12, 0x00, 0x00}
	duration := [3]byte{0x01, 0x00, 0x00}
	return []mmt.Event{
		&mmt.SDTEvent{PacketID: 0x0004, Table: mmt.ServiceDescriptionTable{
			TableID:           mmt.SDTActual,
			TLVStreamID:       1,
			OriginalNetworkID: 4,
			Services:          []mmt.SDTService{{ServiceID: serviceID}},
		}},
		&mmt.EITTableEvent{PacketID: 0x8002, Table: mmt.EventInformationTable{
			TableID:   mmt.EITPresentFollowing,
			ServiceID: serviceID,
			Events: []mmt.EITEvent{{
				EventID:   1,
				StartTime: &start,
				Duration:  &duration,
				Descriptors: mmt.DescriptorList{&mmt.ShortEventDescriptor{
					Language:  "jpn",
					EventName: []byte("synthetic program"),
					Text:      []byte("generated"),
				}},
			}},
		}},
		&mmt.BITEvent{PacketID: 0x0004, Table: mmt.BroadcasterInformationTable{
			OriginalNetworkID: 4,
			Broadcasters: []mmt.Broadcaster{{
				BroadcasterID: 1,
				Descriptors: mmt.DescriptorList{&mmt.ServiceListDescriptor{
					Services: []mmt.ServiceListEntry{{ServiceID: serviceID, ServiceType: 0x01}},
				}},
			}},
		}},
		&mmt.AITEvent{PacketID: AITPacketID, Table: mmt.ApplicationInformationTable{
			ApplicationType: 0x0011,
			Applications: []mmt.Application{{
				OrganizationID: 1,
				ApplicationID:  1,
				ControlCode:    mmt.ApplicationControlAutostart,
				Descriptors: mmt.DescriptorList{
					&mmt.TransportProtocolDescriptor{
						ProtocolID:   mmt.TransportProtocolMMTNonTimed,
						URLSelectors: []mmt.URLSelector{{URLBase: []byte(b.cfg.BaseDirectory)}},
					},
					&mmt.SimpleApplicationLocationDescriptor{InitialPath: []byte(b.cfg.NodePath + "/index.html")},
				},
			}},
		}},
		&mmt.DDMTEvent{PacketID: 0x8003, Table: mmt.DirectoryManagementTable{
			BaseDirectoryPath: []byte(b.cfg.BaseDirectory),
			DirectoryNodes: []mmt.DirectoryNode{{
				NodeTag:           nodeTag,
				DirectoryNodePath: []byte(b.cfg.NodePath),
			}},
		}},
		&mmt.DAMTEvent{PacketID: 0x8003, Table: mmt.AssetManagementTable{
			ComponentTag: AppComponentTag,
			DownloadID:   downloadID,
			MPUs: []mmt.DataAssetMPU{{
				SequenceNumber: 0,
				Info:           mmt.DescriptorList{&mmt.MPUNodeDescriptor{NodeTag: nodeTag}},
			}},
		}},
	}
}

// captionEvent builds one complete TTML sample.
func captionEvent(seq uint32, text string) *mmt.MPUEvent {
	body := []byte(text)
	sample := []byte{0, 0, 0, 0, 0, byte(len(body) >> 8), byte(len(body))}
	sample = append(sample, body...)
	return &mmt.MPUEvent{
		Header: mmt.MMTHeader{PacketID: CaptionPacketID, RAPFlag: true},
		MPU: mmt.MPU{
			FragmentationIndicator: mmt.FragmentComplete,
			SequenceNumber:         seq,
			TimedFlag:              true,
			MFUs:                   []mmt.MFU{{Data: sample}},
		},
	}
}

// carousel returns the fragments of the index item and every file.
func (b *builder) carousel() ([]mmt.Event, error) {
	if len(b.cfg.Files) == 0 {
		return nil, nil
	}
	entries := make([]mmt.IndexEntry, 0, len(b.cfg.Files))
	bodies := make([][]byte, 0, len(b.cfg.Files))
	for i, f := range b.cfg.Files {
		e := mmt.IndexEntry{
			ItemID:          uint32(i + 1),
			FileName:        []byte(f.Name),
			ItemType:        []byte(f.Type),
			CompressionType: mmt.CompressionNone,
		}
		body := f.Body
		if f.Compress {
			z, err := deflate(f.Body)
			if err != nil {
				return nil, fmt.Errorf("synth: compress %s: %w", f.Name, err)
			}
			e.CompressionType = mmt.CompressionZlib
			e.OriginalSize = uint32(len(f.Body))
			body = z
		}
		entries = append(entries, e)
		bodies = append(bodies, body)
	}

	var evs []mmt.Event
	evs = append(evs, b.fragments(mmt.IndexItemID, mmt.AppendIndexItem(nil, entries))...)
	for i, body := range bodies {
		evs = append(evs, b.fragments(entries[i].ItemID, body)...)
	}
	return evs, nil
}

func (b *builder) fragments(itemID uint32, body []byte) []mmt.Event {
	size := b.cfg.FragmentSize
	n := max(1, (len(body)+size-1)/size)
	evs := make([]mmt.Event, 0, n)
	for i := range n {
		chunk := body[min(i*size, len(body)):min((i+1)*size, len(body))]
		id := downloadID
		evs = append(evs, &mmt.MPUEvent{
			Header: mmt.MMTHeader{
				PacketID:          AppPacketID,
				DownloadID:        &id,
				ItemFragmentation: &mmt.ItemFragmentation{Number: uint32(i), Last: uint32(n - 1)},
			},
			MPU: mmt.MPU{
				SequenceNumber: 0,
				MFUs:           []mmt.MFU{{ItemID: itemID, Data: chunk}},
			},
		})
	}
	return evs
}

func deflate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode appends the frames of evs to dst.
func Encode(dst []byte, evs []mmt.Event) ([]byte, error) {
	var err error
	for _, ev := range evs {
		if dst, err = eventlog.AppendFrame(dst, ev); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// Build returns the encoded stream described by cfg.
func Build(cfg Config) ([]byte, error) {
	evs, err := Events(cfg)
	if err != nil {
		return nil, err
	}
	return Encode(nil, evs)
}

// Write encodes the stream described by cfg to w and returns the number of
// bytes written.
func Write(w io.Writer, cfg Config) (int64, error) {
	evs, err := Events(cfg)
	if err != nil {
		return 0, err
	}
	ew := eventlog.NewWriter(w)
	for _, ev := range evs {
		if err := ew.WriteEvent(ev); err != nil {
			return ew.Offset(), err
		}
	}
	return ew.Offset(), nil
}
