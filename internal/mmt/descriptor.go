package mmt

import (
	"encoding/json"
	"fmt"

	"github.com/zsiec/mmtview/internal/codec"
)

// DescriptorTag identifies a Descriptor variant. Values are written into
// event-log frames and must not change.
type DescriptorTag uint16

const (
	TagMPUTimestamp              DescriptorTag = 0x0001
	TagTransportProtocol         DescriptorTag = 0x0002
	TagSimpleApplicationLocation DescriptorTag = 0x0015
	TagServiceList               DescriptorTag = 0x800D
	TagStreamIdentifier          DescriptorTag = 0x8011
	TagDataComponent             DescriptorTag = 0x8020
	TagMPUExtendedTimestamp      DescriptorTag = 0x8026
	TagApplicationService        DescriptorTag = 0x8029
	TagMPUNode                   DescriptorTag = 0x8030
	TagShortEvent                DescriptorTag = 0xF001
)

func (t DescriptorTag) String() string {
	switch t {
	case TagMPUTimestamp:
		return "mpuTimestamp"
	case TagTransportProtocol:
		return "mhTransportProtocol"
	case TagSimpleApplicationLocation:
		return "mhSimpleApplicationLocation"
	case TagServiceList:
		return "mhServiceList"
	case TagStreamIdentifier:
		return "streamIdentifier"
	case TagDataComponent:
		return "dataComponent"
	case TagMPUExtendedTimestamp:
		return "mpuExtendedTimestamp"
	case TagApplicationService:
		return "applicationService"
	case TagMPUNode:
		return "mpuNode"
	case TagShortEvent:
		return "mhShortEvent"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(t))
	}
}

// Descriptor is one descriptor of a table, asset, event or application
// loop. The set of implementations is closed.
type Descriptor interface {
	Tag() DescriptorTag
}

// Timestamp64 is a 64-bit NTP-style timestamp: whole seconds and a 32-bit
// binary fraction.
type Timestamp64 struct {
	Seconds  uint32 `cbor:"1,keyasint" json:"seconds"`
	Fraction uint32 `cbor:"2,keyasint" json:"fractional"`
}

// Float returns the timestamp in seconds.
func (t Timestamp64) Float() float64 {
	return float64(t.Seconds) + float64(t.Fraction)/(1<<32)
}

// MPUTimestamp is the presentation time declared for one MPU.
type MPUTimestamp struct {
	MPUSequenceNumber uint32      `cbor:"1,keyasint" json:"mpuSequenceNumber"`
	PresentationTime  Timestamp64 `cbor:"2,keyasint" json:"mpuPresentationTime"`
}

// MPUTimestampDescriptor declares presentation times per MPU sequence.
type MPUTimestampDescriptor struct {
	Timestamps []MPUTimestamp `cbor:"1,keyasint" json:"timestamps"`
}

// MPUExtendedTimestampDescriptor carries the timescale and default PTS
// offset of an asset's access units.
type MPUExtendedTimestampDescriptor struct {
	PTSOffsetType    uint8   `cbor:"1,keyasint" json:"ptsOffsetType"`
	Timescale        *uint32 `cbor:"2,keyasint,omitempty" json:"timescale,omitempty"`
	DefaultPTSOffset *uint16 `cbor:"3,keyasint,omitempty" json:"defaultPTSOffset,omitempty"`
}

// StreamIdentifierDescriptor binds an asset to its component tag.
type StreamIdentifierDescriptor struct {
	ComponentTag uint16 `cbor:"1,keyasint" json:"componentTag"`
}

// DataComponentDescriptor describes a data or caption component.
type DataComponentDescriptor struct {
	DataComponentID uint16        `cbor:"1,keyasint" json:"dataComponentId"`
	SubtitleInfo    *SubtitleInfo `cbor:"2,keyasint,omitempty" json:"additionalAribSubtitleInfo,omitempty"`
}

// SubtitleInfo is the additional ARIB subtitle information of a caption
// component.
type SubtitleInfo struct {
	SubtitleTag            uint8        `cbor:"1,keyasint" json:"subtitleTag"`
	SubtitleInfoVersion    uint8        `cbor:"2,keyasint" json:"subtitleInfoVersion"`
	ISO639LanguageCode     string       `cbor:"3,keyasint" json:"iso639LanguageCode"`
	Type                   uint8        `cbor:"4,keyasint" json:"type"`
	SubtitleFormat         uint8        `cbor:"5,keyasint" json:"subtitleFormat"`
	OPM                    uint8        `cbor:"6,keyasint" json:"opm"`
	TMD                    uint8        `cbor:"7,keyasint" json:"tmd"`
	DMF                    uint8        `cbor:"8,keyasint" json:"dmf"`
	Resolution             uint8        `cbor:"9,keyasint" json:"resolution"`
	CompressionType        uint8        `cbor:"10,keyasint" json:"compressionType"`
	StartMPUSequenceNumber *uint32      `cbor:"11,keyasint,omitempty" json:"startMPUSequenceNumber,omitempty"`
	ReferenceStartTime     *Timestamp64 `cbor:"12,keyasint,omitempty" json:"referenceStartTime,omitempty"`
}

// Application formats of the application service descriptor.
const ApplicationFormatARIBHTML5 uint8 = 0x01

// ApplicationServiceDescriptor announces a data broadcasting service in the
// MPT.
type ApplicationServiceDescriptor struct {
	ApplicationFormat  uint8     `cbor:"1,keyasint" json:"applicationFormat"`
	DocumentResolution uint8     `cbor:"2,keyasint" json:"documentResolution"`
	DefaultProtocol    uint8     `cbor:"3,keyasint" json:"defaultProtocol"`
	AITPacketID        *uint16   `cbor:"4,keyasint,omitempty" json:"aitPacketId,omitempty"`
	DTMessageLocation  *Location `cbor:"5,keyasint,omitempty" json:"dtMessageLocationInfo,omitempty"`
	EMTPacketID        *uint16   `cbor:"6,keyasint,omitempty" json:"emtPacketId,omitempty"`
}

// ShortEventDescriptor carries a program's name and description.
type ShortEventDescriptor struct {
	Language  string `cbor:"1,keyasint" json:"iso639LanguageCode"`
	EventName []byte `cbor:"2,keyasint" json:"eventName"`
	Text      []byte `cbor:"3,keyasint" json:"text"`
}

// ServiceListEntry is one service of a broadcaster.
type ServiceListEntry struct {
	ServiceID   uint16 `cbor:"1,keyasint" json:"serviceId"`
	ServiceType uint8  `cbor:"2,keyasint" json:"serviceType"`
}

// ServiceListDescriptor lists the services operated by a broadcaster.
type ServiceListDescriptor struct {
	Services []ServiceListEntry `cbor:"1,keyasint" json:"services"`
}

// MPUNodeDescriptor places an MPU of a data asset in a directory node.
type MPUNodeDescriptor struct {
	NodeTag uint16 `cbor:"1,keyasint" json:"nodeTag"`
}

// SimpleApplicationLocationDescriptor carries an application's initial
// path.
type SimpleApplicationLocationDescriptor struct {
	InitialPath []byte `cbor:"1,keyasint" json:"initialPath"`
}

// Transport protocol ids of the transport protocol descriptor.
const (
	TransportProtocolHTTP        uint16 = 0x0003
	TransportProtocolMMTNonTimed uint16 = 0x0005
)

// URLSelector is one URL base of a transport protocol descriptor.
type URLSelector struct {
	URLBase       []byte   `cbor:"1,keyasint" json:"urlBase"`
	URLExtensions [][]byte `cbor:"2,keyasint,omitempty" json:"urlExtensions,omitempty"`
}

// TransportProtocolDescriptor describes how an application is delivered.
type TransportProtocolDescriptor struct {
	ProtocolID     uint16        `cbor:"1,keyasint" json:"protocolId"`
	TransportLabel uint8         `cbor:"2,keyasint" json:"transportProtocolLabel"`
	URLSelectors   []URLSelector `cbor:"3,keyasint,omitempty" json:"urlSelectors,omitempty"`
}

func (*MPUTimestampDescriptor) Tag() DescriptorTag              { return TagMPUTimestamp }
func (*TransportProtocolDescriptor) Tag() DescriptorTag         { return TagTransportProtocol }
func (*SimpleApplicationLocationDescriptor) Tag() DescriptorTag { return TagSimpleApplicationLocation }
func (*ServiceListDescriptor) Tag() DescriptorTag               { return TagServiceList }
func (*StreamIdentifierDescriptor) Tag() DescriptorTag          { return TagStreamIdentifier }
func (*DataComponentDescriptor) Tag() DescriptorTag             { return TagDataComponent }
func (*MPUExtendedTimestampDescriptor) Tag() DescriptorTag      { return TagMPUExtendedTimestamp }
func (*ApplicationServiceDescriptor) Tag() DescriptorTag        { return TagApplicationService }
func (*MPUNodeDescriptor) Tag() DescriptorTag                   { return TagMPUNode }
func (*ShortEventDescriptor) Tag() DescriptorTag                { return TagShortEvent }

func newDescriptor(tag DescriptorTag) Descriptor {
	switch tag {
	case TagMPUTimestamp:
		return &MPUTimestampDescriptor{}
	case TagTransportProtocol:
		return &TransportProtocolDescriptor{}
	case TagSimpleApplicationLocation:
		return &SimpleApplicationLocationDescriptor{}
	case TagServiceList:
		return &ServiceListDescriptor{}
	case TagStreamIdentifier:
		return &StreamIdentifierDescriptor{}
	case TagDataComponent:
		return &DataComponentDescriptor{}
	case TagMPUExtendedTimestamp:
		return &MPUExtendedTimestampDescriptor{}
	case TagApplicationService:
		return &ApplicationServiceDescriptor{}
	case TagMPUNode:
		return &MPUNodeDescriptor{}
	case TagShortEvent:
		return &ShortEventDescriptor{}
	default:
		return nil
	}
}

// DescriptorList is an ordered descriptor loop. It encodes to CBOR as a list
// of tag/body envelopes and to JSON as a list of {"tag", "value"} objects.
type DescriptorList []Descriptor

type descriptorEnvelope struct {
	Tag  DescriptorTag    `cbor:"1,keyasint"`
	Body codec.RawMessage `cbor:"2,keyasint"`
}

// MarshalCBOR implements cbor.Marshaler.
func (l DescriptorList) MarshalCBOR() ([]byte, error) {
	envs := make([]descriptorEnvelope, 0, len(l))
	for _, d := range l {
		body, err := codec.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("mmt: encode descriptor %s: %w", d.Tag(), err)
		}
		envs = append(envs, descriptorEnvelope{Tag: d.Tag(), Body: body})
	}
	return codec.Marshal(envs)
}

// UnmarshalCBOR implements cbor.Unmarshaler. Envelopes with unknown tags
// are skipped.
func (l *DescriptorList) UnmarshalCBOR(data []byte) error {
	var envs []descriptorEnvelope
	if err := codec.Unmarshal(data, &envs); err != nil {
		return fmt.Errorf("mmt: decode descriptor list: %w", err)
	}
	out := make(DescriptorList, 0, len(envs))
	for _, env := range envs {
		d := newDescriptor(env.Tag)
		if d == nil {
			continue
		}
		if err := codec.Unmarshal(env.Body, d); err != nil {
			return fmt.Errorf("mmt: decode descriptor %s: %w", env.Tag, err)
		}
		out = append(out, d)
	}
	*l = out
	return nil
}

// MarshalJSON implements json.Marshaler.
func (l DescriptorList) MarshalJSON() ([]byte, error) {
	type entry struct {
		Tag   string     `json:"tag"`
		Value Descriptor `json:"value"`
	}
	out := make([]entry, 0, len(l))
	for _, d := range l {
		out = append(out, entry{Tag: d.Tag().String(), Value: d})
	}
	return json.Marshal(out)
}

// FindDescriptor returns the first descriptor in l of type T.
func FindDescriptor[T Descriptor](l DescriptorList) (T, bool) {
	for _, d := range l {
		if v, ok := d.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}
