// Package mmt defines the decoded form of an MMT/TLV broadcast stream as it
// is delivered by a bit-level decoder: signalling tables, MPU packets and
// clock samples, each modelled as one variant of the sealed [Event]
// interface. The bit syntax itself lives behind the [Decoder] boundary.
package mmt

// Asset types carried in the MMT package table.
type AssetType string

const (
	AssetTypeHEV1        AssetType = "hev1"
	AssetTypeMP4A        AssetType = "mp4a"
	AssetTypeTimedText   AssetType = "stpp"
	AssetTypeApplication AssetType = "aapp"
)

// Fragmentation indicators of an MPU payload.
type FragmentationIndicator uint8

const (
	FragmentComplete FragmentationIndicator = 0
	FragmentHead     FragmentationIndicator = 1
	FragmentMiddle   FragmentationIndicator = 2
	FragmentTail     FragmentationIndicator = 3
)

func (f FragmentationIndicator) String() string {
	switch f {
	case FragmentComplete:
		return "complete"
	case FragmentHead:
		return "head"
	case FragmentMiddle:
		return "middle"
	case FragmentTail:
		return "tail"
	default:
		return "unknown"
	}
}

// Location identifies where an asset or package is carried.
type Location struct {
	PacketID uint16 `cbor:"1,keyasint" json:"packetId"`
}

// PackageListTable lists the packages carried in the stream and the packet
// ids of their package tables.
type PackageListTable struct {
	Packages []PackageInfo `cbor:"1,keyasint" json:"packages"`
}

// PackageInfo is one PLT entry.
type PackageInfo struct {
	PackageID    []byte   `cbor:"1,keyasint" json:"packageId"`
	LocationInfo Location `cbor:"2,keyasint" json:"locationInfo"`
}

// PackageTable is the MMT package table (MPT).
type PackageTable struct {
	Version     uint8          `cbor:"1,keyasint" json:"version"`
	PackageID   []byte         `cbor:"2,keyasint" json:"packageId"`
	Descriptors DescriptorList `cbor:"3,keyasint" json:"mptDescriptors"`
	Assets      []Asset        `cbor:"4,keyasint" json:"assets"`
}

// Asset is one MPT asset entry.
type Asset struct {
	AssetType   AssetType      `cbor:"1,keyasint" json:"assetType"`
	AssetID     []byte         `cbor:"2,keyasint" json:"assetId"`
	Locations   []Location     `cbor:"3,keyasint" json:"locations"`
	Descriptors DescriptorList `cbor:"4,keyasint" json:"assetDescriptors"`
}

// PacketID returns the packet id of the asset's first location.
func (a *Asset) PacketID() (uint16, bool) {
	if len(a.Locations) == 0 {
		return 0, false
	}
	return a.Locations[0].PacketID, true
}

// MMTHeader carries the MMTP packet header fields the consumers need.
type MMTHeader struct {
	PacketID             uint16             `cbor:"1,keyasint" json:"packetId"`
	PacketSequenceNumber uint32             `cbor:"2,keyasint" json:"packetSequenceNumber"`
	RAPFlag              bool               `cbor:"3,keyasint" json:"rapFlag"`
	DownloadID           *uint32            `cbor:"4,keyasint,omitempty" json:"downloadId,omitempty"`
	ItemFragmentation    *ItemFragmentation `cbor:"5,keyasint,omitempty" json:"itemFragmentation,omitempty"`
}

// ItemFragmentation is the item-fragmentation header extension.
type ItemFragmentation struct {
	Number uint32 `cbor:"1,keyasint" json:"itemFragmentNumber"`
	Last   uint32 `cbor:"2,keyasint" json:"lastItemFragmentNumber"`
}

// MPU is the MPU payload of one MMTP packet.
type MPU struct {
	FragmentationIndicator FragmentationIndicator `cbor:"1,keyasint" json:"fragmentationIndicator"`
	SequenceNumber         uint32                 `cbor:"2,keyasint" json:"mpuSequenceNumber"`
	TimedFlag              bool                   `cbor:"3,keyasint" json:"timedFlag"`
	MFUs                   []MFU                  `cbor:"4,keyasint" json:"mfuList"`
}

// MFU is one media fragment unit. ItemID is only meaningful for non-timed
// MPUs.
type MFU struct {
	ItemID uint32 `cbor:"1,keyasint" json:"itemId"`
	Data   []byte `cbor:"2,keyasint" json:"mfuData"`
}

// EIT table ids.
type EITTableID uint8

const (
	EITPresentFollowing EITTableID = 0x8B
	EITSchedule         EITTableID = 0x8C
)

// EventInformationTable is an MH-EIT section.
type EventInformationTable struct {
	TableID       EITTableID `cbor:"1,keyasint" json:"tableId"`
	ServiceID     uint16     `cbor:"2,keyasint" json:"serviceId"`
	Version       uint8      `cbor:"3,keyasint" json:"versionNumber"`
	SectionNumber uint8      `cbor:"4,keyasint" json:"sectionNumber"`
	Events        []EITEvent `cbor:"5,keyasint" json:"events"`
}

// EITEvent is one program entry. StartTime and Duration are nil when the
// broadcaster leaves them undefined (all bits set).
type EITEvent struct {
	EventID     uint16         `cbor:"1,keyasint" json:"eventId"`
	StartTime   *[5]byte       `cbor:"2,keyasint,omitempty" json:"startTime,omitempty"`
	Duration    *[3]byte       `cbor:"3,keyasint,omitempty" json:"duration,omitempty"`
	FreeCAMode  bool           `cbor:"4,keyasint" json:"freeCAMode"`
	Descriptors DescriptorList `cbor:"5,keyasint" json:"descriptors"`
}

// Application control codes.
const (
	ApplicationControlAutostart uint8 = 0x01
	ApplicationControlPresent   uint8 = 0x02
	ApplicationControlKill      uint8 = 0x04
)

// ApplicationInformationTable is an MH-AIT section.
type ApplicationInformationTable struct {
	ApplicationType uint16         `cbor:"1,keyasint" json:"applicationType"`
	Version         uint8          `cbor:"2,keyasint" json:"versionNumber"`
	SectionNumber   uint8          `cbor:"3,keyasint" json:"sectionNumber"`
	Descriptors     DescriptorList `cbor:"4,keyasint" json:"commonDescriptors"`
	Applications    []Application  `cbor:"5,keyasint" json:"applications"`
}

// Application is one AIT application loop entry.
type Application struct {
	OrganizationID uint32         `cbor:"1,keyasint" json:"organizationId"`
	ApplicationID  uint16         `cbor:"2,keyasint" json:"applicationId"`
	ControlCode    uint8          `cbor:"3,keyasint" json:"applicationControlCode"`
	Descriptors    DescriptorList `cbor:"4,keyasint" json:"applicationDescriptors"`
}

// DirectoryManagementTable is a data directory management table section.
type DirectoryManagementTable struct {
	Version           uint8           `cbor:"1,keyasint" json:"versionNumber"`
	SectionNumber     uint8           `cbor:"2,keyasint" json:"sectionNumber"`
	LastSectionNumber uint8           `cbor:"3,keyasint" json:"lastSectionNumber"`
	BaseDirectoryPath []byte          `cbor:"4,keyasint" json:"baseDirectoryPath"`
	DirectoryNodes    []DirectoryNode `cbor:"5,keyasint" json:"directoryNodes"`
}

// DirectoryNode is one DDMT directory node.
type DirectoryNode struct {
	NodeTag              uint16 `cbor:"1,keyasint" json:"nodeTag"`
	DirectoryNodeVersion uint8  `cbor:"2,keyasint" json:"directoryNodeVersion"`
	DirectoryNodePath    []byte `cbor:"3,keyasint" json:"directoryNodePath"`
}

// AssetManagementTable is a data asset management table section. Each
// section describes the MPUs of one component.
type AssetManagementTable struct {
	Version       uint8          `cbor:"1,keyasint" json:"versionNumber"`
	SectionNumber uint8          `cbor:"2,keyasint" json:"sectionNumber"`
	ComponentTag  uint16         `cbor:"3,keyasint" json:"componentTag"`
	DownloadID    uint32         `cbor:"4,keyasint" json:"downloadId"`
	MPUs          []DataAssetMPU `cbor:"5,keyasint" json:"mpus"`
}

// DataAssetMPU is one DAMT MPU entry.
type DataAssetMPU struct {
	SequenceNumber uint32         `cbor:"1,keyasint" json:"mpuSequenceNumber"`
	Size           uint32         `cbor:"2,keyasint" json:"mpuSize"`
	Info           DescriptorList `cbor:"3,keyasint" json:"mpuInfo"`
}

// EventMessageTable is an MH event message table section, relayed to the
// presentation layer untouched.
type EventMessageTable struct {
	DataEventID uint8          `cbor:"1,keyasint" json:"dataEventId"`
	Version     uint8          `cbor:"2,keyasint" json:"versionNumber"`
	Descriptors DescriptorList `cbor:"3,keyasint" json:"descriptors"`
}

// SDT table ids.
type SDTTableID uint8

const (
	SDTActual SDTTableID = 0x9F
	SDTOther  SDTTableID = 0xA0
)

// ServiceDescriptionTable is an MH-SDT section.
type ServiceDescriptionTable struct {
	TableID           SDTTableID     `cbor:"1,keyasint" json:"tableId"`
	Version           uint8          `cbor:"2,keyasint" json:"versionNumber"`
	TLVStreamID       uint16         `cbor:"3,keyasint" json:"tlvStreamId"`
	OriginalNetworkID uint16         `cbor:"4,keyasint" json:"originalNetworkId"`
	Services          []SDTService   `cbor:"5,keyasint" json:"services"`
	Descriptors       DescriptorList `cbor:"6,keyasint,omitempty" json:"-"`
}

// SDTService is one SDT service entry.
type SDTService struct {
	ServiceID uint16 `cbor:"1,keyasint" json:"serviceId"`
}

// BroadcasterInformationTable is an MH-BIT section.
type BroadcasterInformationTable struct {
	Version           uint8         `cbor:"1,keyasint" json:"versionNumber"`
	SectionNumber     uint8         `cbor:"2,keyasint" json:"sectionNumber"`
	OriginalNetworkID uint16        `cbor:"3,keyasint" json:"originalNetworkId"`
	Broadcasters      []Broadcaster `cbor:"4,keyasint" json:"broadcasters"`
}

// Broadcaster is one BIT broadcaster loop entry.
type Broadcaster struct {
	BroadcasterID uint8          `cbor:"1,keyasint" json:"broadcasterId"`
	Descriptors   DescriptorList `cbor:"2,keyasint" json:"broadcasterDescriptors"`
}

// NTPSample is the payload of an NTP packet carried in TLV.
type NTPSample struct {
	TransmitTimestamp uint64 `cbor:"1,keyasint" json:"transmitTimestamp"`
}
