// Package demux turns a decoded MMT/TLV event stream into presentation
// messages and virtual file-system updates.
//
// The central type is [Session], which owns every piece of per-stream state:
// table versions, component bindings, directories, item and caption
// reassembly. A Session is fed raw bytes with [Session.Push] and delivers
// output synchronously to its [Presentation] and [FileSystem] ports.
package demux

import (
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/mmtview/internal/appdata"
	"github.com/zsiec/mmtview/internal/caption"
	"github.com/zsiec/mmtview/internal/mmt"
	"github.com/zsiec/mmtview/internal/mmt/eventlog"
	"github.com/zsiec/mmtview/internal/program"
	"github.com/zsiec/mmtview/internal/si"
)

// Stats counts session activity.
type Stats struct {
	Events        int64 `json:"events"`
	Messages      int64 `json:"messages"`
	Indexes       int64 `json:"indexes"`
	Files         int64 `json:"files"`
	Captions      int64 `json:"captions"`
	Dropped       int64 `json:"dropped"`
	Discontinuity int64 `json:"discontinuities"`
}

// Session demultiplexes one stream. Push and HandleEvent must be called
// from a single goroutine; Stats may be called from any.
type Session struct {
	log  *slog.Logger
	dec  mmt.Decoder
	pres Presentation
	fs   FileSystem

	tables   *si.Registry
	resolver *appdata.Resolver
	items    *appdata.Reassembler
	captions *caption.Defragmenter
	programs *program.Tracker

	packetToTag map[uint16]uint16
	tagToPacket map[uint16]uint16
	// Packet ids of application assets. Kept across package table versions.
	dataComponents    map[uint16]struct{}
	captionComponents map[uint16]*mmt.DataComponentDescriptor

	events   atomic.Int64
	messages atomic.Int64
	indexes  atomic.Int64
	files    atomic.Int64
	caps     atomic.Int64
	dropped  atomic.Int64
	discont  atomic.Int64
}

// Option configures a Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	log        *slog.Logger
	newDecoder mmt.NewDecoderFunc
	pres       Presentation
	fs         FileSystem
}

// WithLogger sets the session's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *sessionConfig) { c.log = l }
}

// WithDecoder sets the decoder constructor. The default decodes event logs.
func WithDecoder(fn mmt.NewDecoderFunc) Option {
	return func(c *sessionConfig) { c.newDecoder = fn }
}

// WithPresentation sets the presentation port.
func WithPresentation(p Presentation) Option {
	return func(c *sessionConfig) { c.pres = p }
}

// WithFileSystem sets the file-system port.
func WithFileSystem(fs FileSystem) Option {
	return func(c *sessionConfig) { c.fs = fs }
}

// NewSession creates a Session with empty state.
func NewSession(opts ...Option) *Session {
	cfg := sessionConfig{
		newDecoder: eventlog.New,
		pres:       discard{},
		fs:         discard{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	s := &Session{
		log:               cfg.log.With("component", "demux"),
		pres:              cfg.pres,
		fs:                cfg.fs,
		tables:            si.NewRegistry(),
		resolver:          appdata.NewResolver(),
		items:             appdata.NewReassembler(),
		captions:          caption.NewDefragmenter(),
		programs:          program.NewTracker(),
		packetToTag:       make(map[uint16]uint16),
		tagToPacket:       make(map[uint16]uint16),
		dataComponents:    make(map[uint16]struct{}),
		captionComponents: make(map[uint16]*mmt.DataComponentDescriptor),
	}
	s.dec = cfg.newDecoder(s)

	s.tables.OnVersionChange(si.TableDDMT, func(uint8) { s.resolver.ClearDirectories() })
	s.tables.OnVersionChange(si.TableDAMT, func(uint8) { s.resolver.ClearAssets() })
	s.tables.OnVersionChange(si.TableMPT, func(uint8) {
		clear(s.packetToTag)
		clear(s.tagToPacket)
		clear(s.captionComponents)
	})
	return s
}

// Push feeds the next chunk of the stream.
func (s *Session) Push(chunk []byte) error {
	return s.dec.Push(chunk)
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Events:        s.events.Load(),
		Messages:      s.messages.Load(),
		Indexes:       s.indexes.Load(),
		Files:         s.files.Load(),
		Captions:      s.caps.Load(),
		Dropped:       s.dropped.Load(),
		Discontinuity: s.discont.Load(),
	}
}

// ComponentTag returns the component tag bound to packetID by the current
// package table.
func (s *Session) ComponentTag(packetID uint16) (uint16, bool) {
	tag, ok := s.packetToTag[packetID]
	return tag, ok
}

// PacketID returns the packet id bound to componentTag by the current
// package table.
func (s *Session) PacketID(componentTag uint16) (uint16, bool) {
	pid, ok := s.tagToPacket[componentTag]
	return pid, ok
}

func (s *Session) emit(m Message) {
	s.messages.Add(1)
	s.pres.Emit(m)
}

// HandleEvent implements mmt.Handler.
func (s *Session) HandleEvent(ev mmt.Event) {
	s.events.Add(1)
	switch ev := ev.(type) {
	case *mmt.PLTEvent:
		s.log.Debug("plt", "packages", len(ev.Table.Packages))
	case *mmt.MPTEvent:
		s.handleMPT(ev)
	case *mmt.MPUEvent:
		s.handleCaption(ev)
		s.handleItem(ev)
	case *mmt.EITTableEvent:
		s.handleEIT(ev)
	case *mmt.AITEvent:
		s.handleAIT(ev)
	case *mmt.DDMTEvent:
		if s.tables.Accept(si.TableDDMT, ev.Table.Version, ev.Table.SectionNumber) {
			s.resolver.AddDirectories(&ev.Table)
			s.log.Debug("ddmt section", "version", ev.Table.Version, "section", ev.Table.SectionNumber,
				"base", string(ev.Table.BaseDirectoryPath), "nodes", len(ev.Table.DirectoryNodes))
		}
	case *mmt.DAMTEvent:
		if s.tables.Accept(si.TableDAMT, ev.Table.Version, ev.Table.SectionNumber) {
			s.resolver.AddAssets(&ev.Table)
			s.log.Debug("damt section", "version", ev.Table.Version, "component", ev.Table.ComponentTag,
				"mpus", len(ev.Table.MPUs))
		}
	case *mmt.EMTEvent:
		s.emit(&EMTMessage{PacketID: ev.PacketID, Table: ev.Table})
	case *mmt.SDTEvent:
		if ev.Table.TableID == mmt.SDTActual && s.tables.AcceptVersion(si.TableSDT, ev.Table.Version) {
			s.programs.ApplySDT(&ev.Table)
			s.emit(&CurrentEventMessage{Info: s.programs.Current()})
		}
	case *mmt.BITEvent:
		if s.tables.Accept(si.TableBIT, ev.Table.Version, ev.Table.SectionNumber) {
			s.emit(&BITMessage{ServiceIDToBroadcasterID: program.BroadcasterMap(&ev.Table)})
		}
	case *mmt.NTPEvent:
		s.emit(&NTPMessage{Time: s.programs.ApplyNTP(ev.NTP)})
	case *mmt.TLVDiscontinuityEvent:
		s.discont.Add(1)
		s.log.Debug("tlv discontinuity", "skipped", ev.Skipped)
	case *mmt.MMTDiscontinuityEvent:
		s.discont.Add(1)
		s.log.Debug("mmt discontinuity", "packet_id", ev.PacketID, "expected", ev.Expected, "got", ev.Got)
	}
}

func (s *Session) handleMPT(ev *mmt.MPTEvent) {
	if !s.tables.AcceptVersion(si.TableMPT, ev.Table.Version) {
		return
	}
	s.log.Info("package table", "version", ev.Table.Version, "assets", len(ev.Table.Assets))

	for _, d := range ev.Table.Descriptors {
		as, ok := d.(*mmt.ApplicationServiceDescriptor)
		if !ok || as.ApplicationFormat != mmt.ApplicationFormatARIBHTML5 {
			continue
		}
		s.emit(&ApplicationServiceMessage{Service: *as})
	}

	for i := range ev.Table.Assets {
		asset := &ev.Table.Assets[i]
		if asset.AssetType != mmt.AssetTypeTimedText && asset.AssetType != mmt.AssetTypeApplication {
			continue
		}
		pid, ok := asset.PacketID()
		if !ok {
			continue
		}
		if asset.AssetType == mmt.AssetTypeApplication {
			s.dataComponents[pid] = struct{}{}
		}
		for _, d := range asset.Descriptors {
			switch d := d.(type) {
			case *mmt.StreamIdentifierDescriptor:
				s.packetToTag[pid] = d.ComponentTag
				s.tagToPacket[d.ComponentTag] = pid
			case *mmt.DataComponentDescriptor:
				if asset.AssetType == mmt.AssetTypeTimedText {
					s.captionComponents[pid] = d
				}
			}
		}
	}
}

func (s *Session) handleEIT(ev *mmt.EITTableEvent) {
	if ev.Table.TableID != mmt.EITPresentFollowing {
		return
	}
	if !s.tables.Accept(si.TableEIT, ev.Table.Version, ev.Table.SectionNumber) {
		return
	}
	for _, info := range s.programs.ApplyEIT(&ev.Table) {
		s.emit(&CurrentEventMessage{Info: info})
	}
}

func (s *Session) handleAIT(ev *mmt.AITEvent) {
	if !s.tables.AcceptVersion(si.TableAIT, ev.Table.Version) {
		return
	}
	msg := &AITMessage{PacketID: ev.PacketID, Table: ev.Table}
	if ep, ok := appdata.EntryPoint(&ev.Table); ok {
		msg.EntryPoint = ep
	}
	s.log.Info("application table", "version", ev.Table.Version, "entry_point", msg.EntryPoint)
	s.emit(msg)
}

func (s *Session) handleCaption(ev *mmt.MPUEvent) {
	pid := ev.Header.PacketID
	comp, ok := s.captionComponents[pid]
	if !ok || comp.SubtitleInfo == nil {
		return
	}
	payloads := s.captions.Accept(pid, &ev.MPU)
	if len(payloads) == 0 {
		return
	}
	tag, ok := s.packetToTag[pid]
	if !ok {
		s.dropped.Add(1)
		s.log.Debug("caption without component binding", "packet_id", pid)
		return
	}
	for _, p := range payloads {
		sample, err := caption.ParseSample(p)
		if err != nil {
			s.dropped.Add(1)
			s.log.Debug("caption dropped", "packet_id", pid, "error", err)
			continue
		}
		s.caps.Add(1)
		s.emit(&CaptionMessage{ComponentID: tag, Caption: caption.NewCaption(comp.SubtitleInfo, sample)})
	}
}

func (s *Session) handleItem(ev *mmt.MPUEvent) {
	pid := ev.Header.PacketID
	if _, ok := s.dataComponents[pid]; !ok {
		return
	}
	tag, ok := s.packetToTag[pid]
	if !ok || ev.MPU.TimedFlag {
		return
	}
	h := ev.Header
	if h.DownloadID == nil || h.ItemFragmentation == nil {
		return
	}
	seq := ev.MPU.SequenceNumber
	dir, ok := s.resolver.Resolve(tag, seq)
	if !ok {
		s.dropped.Add(1)
		s.log.Debug("unresolved directory", "component", tag, "mpu", seq)
		return
	}

	for _, mfu := range ev.MPU.MFUs {
		body, done := s.items.Accept(appdata.Fragment{
			Key:        appdata.ItemKey{ComponentTag: tag, MPUSequence: seq, ItemID: mfu.ItemID},
			DownloadID: *h.DownloadID,
			Index:      h.ItemFragmentation.Number,
			Last:       h.ItemFragmentation.Last,
			Payload:    mfu.Data,
		})
		if !done {
			continue
		}
		if mfu.ItemID != mmt.IndexItemID {
			s.files.Add(1)
			s.fs.AddFile(appdata.FileBlob{ID: appdata.FileID(tag, mfu.ItemID), Body: body})
			continue
		}
		entries, err := mmt.ParseIndexItem(body)
		if err != nil {
			s.dropped.Add(1)
			s.log.Debug("bad index item", "component", tag, "mpu", seq, "error", err)
			continue
		}
		s.indexes.Add(1)
		s.log.Debug("index item", "component", tag, "mpu", seq, "entries", len(entries))
		s.fs.AddIndex(appdata.IndexEntries(dir, tag, entries))
	}
}
