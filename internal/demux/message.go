package demux

import (
	"encoding/json"
	"time"

	"github.com/zsiec/mmtview/internal/appdata"
	"github.com/zsiec/mmtview/internal/caption"
	"github.com/zsiec/mmtview/internal/mmt"
	"github.com/zsiec/mmtview/internal/program"
)

// Message is one presentation channel message. The set of implementations
// is closed.
type Message interface {
	Type() string
}

// CurrentEventMessage carries the current program and service identity.
type CurrentEventMessage struct {
	Info program.Info `json:"currentEventInformation"`
}

// AITMessage carries a new application information table version.
// EntryPoint is set when the autostart application's initial document is
// known.
type AITMessage struct {
	PacketID   uint16                          `json:"packetId"`
	Table      mmt.ApplicationInformationTable `json:"table"`
	EntryPoint string                          `json:"entryPoint,omitempty"`
}

// EMTMessage relays an event message table.
type EMTMessage struct {
	PacketID uint16                `json:"packetId"`
	Table    mmt.EventMessageTable `json:"table"`
}

// BITMessage maps service ids to broadcaster ids.
type BITMessage struct {
	ServiceIDToBroadcasterID map[uint16]uint8 `json:"serviceIdToBroadcasterId"`
}

// NTPMessage carries a network clock sample.
type NTPMessage struct {
	Time time.Time `json:"time"`
}

// ApplicationServiceMessage carries an ARIB-HTML5 application service
// descriptor from the package table.
type ApplicationServiceMessage struct {
	Service mmt.ApplicationServiceDescriptor `json:"applicationService"`
}

// CaptionMessage carries one caption sample of a component.
type CaptionMessage struct {
	ComponentID uint16          `json:"componentId"`
	Caption     caption.Caption `json:"data"`
}

func (*CurrentEventMessage) Type() string       { return "currentEvent" }
func (*AITMessage) Type() string                { return "currentAIT" }
func (*EMTMessage) Type() string                { return "emt" }
func (*BITMessage) Type() string                { return "updateBIT" }
func (*NTPMessage) Type() string                { return "ntp" }
func (*ApplicationServiceMessage) Type() string { return "applicationService" }
func (*CaptionMessage) Type() string            { return "caption" }

// MarshalMessage encodes m as {"type": ..., ...fields}.
func MarshalMessage(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	typ, err := json.Marshal(m.Type())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Presentation receives presentation channel messages in stream order.
type Presentation interface {
	Emit(m Message)
}

// PresentationFunc adapts a function to Presentation.
type PresentationFunc func(m Message)

// Emit calls f(m).
func (f PresentationFunc) Emit(m Message) { f(m) }

// FileSystem receives the file-system channel. Index entries may arrive
// before or after the blobs they name.
type FileSystem interface {
	AddIndex(entries []appdata.FileIndexEntry)
	AddFile(f appdata.FileBlob)
}

type discard struct{}

func (discard) Emit(Message)                      {}
func (discard) AddIndex([]appdata.FileIndexEntry) {}
func (discard) AddFile(appdata.FileBlob)          {}
