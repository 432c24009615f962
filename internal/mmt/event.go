package mmt

import (
	"fmt"

	"github.com/zsiec/mmtview/internal/codec"
)

// EventKind identifies an Event variant. Values are stable: they are written
// into event-log frames.
type EventKind uint8

const (
	KindPLT              EventKind = 1
	KindMPT              EventKind = 2
	KindMPU              EventKind = 3
	KindEIT              EventKind = 4
	KindAIT              EventKind = 5
	KindDDMT             EventKind = 6
	KindDAMT             EventKind = 7
	KindEMT              EventKind = 8
	KindSDT              EventKind = 9
	KindBIT              EventKind = 10
	KindNTP              EventKind = 11
	KindTLVDiscontinuity EventKind = 12
	KindMMTDiscontinuity EventKind = 13
)

func (k EventKind) String() string {
	switch k {
	case KindPLT:
		return "plt"
	case KindMPT:
		return "mpt"
	case KindMPU:
		return "mpu"
	case KindEIT:
		return "eit"
	case KindAIT:
		return "ait"
	case KindDDMT:
		return "ddmt"
	case KindDAMT:
		return "damt"
	case KindEMT:
		return "emt"
	case KindSDT:
		return "sdt"
	case KindBIT:
		return "bit"
	case KindNTP:
		return "ntp"
	case KindTLVDiscontinuity:
		return "tlvDiscontinuity"
	case KindMMTDiscontinuity:
		return "mmtDiscontinuity"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Event is one unit of decoded output. The set of implementations is closed;
// consumers switch on the concrete type.
type Event interface {
	Kind() EventKind
}

// PLTEvent carries a package list table.
type PLTEvent struct {
	PacketID uint16           `cbor:"1,keyasint"`
	Table    PackageListTable `cbor:"2,keyasint"`
}

// MPTEvent carries an MMT package table.
type MPTEvent struct {
	PacketID uint16       `cbor:"1,keyasint"`
	Table    PackageTable `cbor:"2,keyasint"`
}

// MPUEvent carries one MMTP packet with an MPU payload.
type MPUEvent struct {
	Header MMTHeader `cbor:"1,keyasint"`
	MPU    MPU       `cbor:"2,keyasint"`
}

// EITTableEvent carries an event information table section.
type EITTableEvent struct {
	PacketID uint16                `cbor:"1,keyasint"`
	Table    EventInformationTable `cbor:"2,keyasint"`
}

// AITEvent carries an application information table section.
type AITEvent struct {
	PacketID uint16                      `cbor:"1,keyasint"`
	Table    ApplicationInformationTable `cbor:"2,keyasint"`
}

// DDMTEvent carries a data directory management table section.
type DDMTEvent struct {
	PacketID uint16                   `cbor:"1,keyasint"`
	Table    DirectoryManagementTable `cbor:"2,keyasint"`
}

// DAMTEvent carries a data asset management table section.
type DAMTEvent struct {
	PacketID uint16               `cbor:"1,keyasint"`
	Table    AssetManagementTable `cbor:"2,keyasint"`
}

// EMTEvent carries an event message table section.
type EMTEvent struct {
	PacketID uint16            `cbor:"1,keyasint"`
	Table    EventMessageTable `cbor:"2,keyasint"`
}

// SDTEvent carries a service description table section.
type SDTEvent struct {
	PacketID uint16                  `cbor:"1,keyasint"`
	Table    ServiceDescriptionTable `cbor:"2,keyasint"`
}

// BITEvent carries a broadcaster information table section.
type BITEvent struct {
	PacketID uint16                      `cbor:"1,keyasint"`
	Table    BroadcasterInformationTable `cbor:"2,keyasint"`
}

// NTPEvent carries a network clock sample.
type NTPEvent struct {
	NTP NTPSample `cbor:"1,keyasint"`
}

// TLVDiscontinuityEvent reports lost or corrupt TLV packets.
type TLVDiscontinuityEvent struct {
	Skipped int `cbor:"1,keyasint"`
}

// MMTDiscontinuityEvent reports a packet sequence gap on one packet id.
type MMTDiscontinuityEvent struct {
	PacketID uint16 `cbor:"1,keyasint"`
	Expected uint32 `cbor:"2,keyasint"`
	Got      uint32 `cbor:"3,keyasint"`
}

func (*PLTEvent) Kind() EventKind              { return KindPLT }
func (*MPTEvent) Kind() EventKind              { return KindMPT }
func (*MPUEvent) Kind() EventKind              { return KindMPU }
func (*EITTableEvent) Kind() EventKind         { return KindEIT }
func (*AITEvent) Kind() EventKind              { return KindAIT }
func (*DDMTEvent) Kind() EventKind             { return KindDDMT }
func (*DAMTEvent) Kind() EventKind             { return KindDAMT }
func (*EMTEvent) Kind() EventKind              { return KindEMT }
func (*SDTEvent) Kind() EventKind              { return KindSDT }
func (*BITEvent) Kind() EventKind              { return KindBIT }
func (*NTPEvent) Kind() EventKind              { return KindNTP }
func (*TLVDiscontinuityEvent) Kind() EventKind { return KindTLVDiscontinuity }
func (*MMTDiscontinuityEvent) Kind() EventKind { return KindMMTDiscontinuity }

// newEvent returns a zero value of the variant for kind.
func newEvent(kind EventKind) (Event, error) {
	switch kind {
	case KindPLT:
		return &PLTEvent{}, nil
	case KindMPT:
		return &MPTEvent{}, nil
	case KindMPU:
		return &MPUEvent{}, nil
	case KindEIT:
		return &EITTableEvent{}, nil
	case KindAIT:
		return &AITEvent{}, nil
	case KindDDMT:
		return &DDMTEvent{}, nil
	case KindDAMT:
		return &DAMTEvent{}, nil
	case KindEMT:
		return &EMTEvent{}, nil
	case KindSDT:
		return &SDTEvent{}, nil
	case KindBIT:
		return &BITEvent{}, nil
	case KindNTP:
		return &NTPEvent{}, nil
	case KindTLVDiscontinuity:
		return &TLVDiscontinuityEvent{}, nil
	case KindMMTDiscontinuity:
		return &MMTDiscontinuityEvent{}, nil
	default:
		return nil, fmt.Errorf("mmt: unknown event kind %d", uint8(kind))
	}
}

type eventEnvelope struct {
	Kind EventKind        `cbor:"1,keyasint"`
	Body codec.RawMessage `cbor:"2,keyasint"`
}

// MarshalEvent encodes ev as a CBOR envelope tagged with its kind.
func MarshalEvent(ev Event) ([]byte, error) {
	body, err := codec.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("mmt: encode %s: %w", ev.Kind(), err)
	}
	return codec.Marshal(eventEnvelope{Kind: ev.Kind(), Body: body})
}

// UnmarshalEvent decodes an envelope produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("mmt: decode envelope: %w", err)
	}
	ev, err := newEvent(env.Kind)
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(env.Body, ev); err != nil {
		return nil, fmt.Errorf("mmt: decode %s: %w", env.Kind, err)
	}
	return ev, nil
}
