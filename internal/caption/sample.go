package caption

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zsiec/mmtview/internal/mmt"
)

// ErrShortPayload is returned when a caption payload ends inside its header.
var ErrShortPayload = errors.New("caption: short payload")

// Data types carrying text.
const (
	DataTypeTTML     uint8 = 0b0000
	DataTypeTTMLText uint8 = 0b0110
)

// Sample is a parsed caption payload.
type Sample struct {
	SubsampleNumber     uint8
	LastSubsampleNumber uint8
	DataType            uint8
	DataSize            uint32
	Body                []byte
}

// ParseSample parses the subsample header of a caption payload. Body is the
// rest of the payload after the header and, for the first subsample of a
// split sample, the per-subsample size list.
func ParseSample(b []byte) (Sample, error) {
	var s Sample
	if len(b) < 7 {
		return s, ErrShortPayload
	}
	s.SubsampleNumber = b[2]
	s.LastSubsampleNumber = b[3]
	s.DataType = b[4] >> 4
	lengthExt := b[4]&0x08 != 0
	infoList := b[4]&0x04 != 0
	off := 5

	sizeLen := 2
	if lengthExt {
		sizeLen = 4
	}
	if len(b) < off+sizeLen {
		return s, ErrShortPayload
	}
	s.DataSize = readSize(b[off:], sizeLen)
	off += sizeLen

	if s.SubsampleNumber == 0 && s.LastSubsampleNumber > 0 && infoList {
		// One data type byte and one size per subsample.
		skip := int(s.LastSubsampleNumber) * (1 + sizeLen)
		if len(b) < off+skip {
			return s, fmt.Errorf("subsample info list: %w", ErrShortPayload)
		}
		off += skip
	}
	s.Body = b[off:]
	return s, nil
}

func readSize(b []byte, n int) uint32 {
	var v uint32
	for i := range n {
		v = v<<8 | uint32(b[i])
	}
	return v
}

// IsText reports whether the sample's data type carries text.
func (s Sample) IsText() bool {
	return s.DataType == DataTypeTTML || s.DataType == DataTypeTTMLText
}

// Caption is the presentation form of one caption sample.
type Caption struct {
	ISO639LanguageCode         string  `json:"ISO_639_language_code"`
	TMD                        string  `json:"tmd"`
	Resolution                 string  `json:"resolution"`
	ReferenceStartTimeSeconds  *uint32 `json:"reference_start_time_seconds,omitempty"`
	ReferenceStartTimeFraction *uint32 `json:"reference_start_time_fraction,omitempty"`
	SubtitleSequenceNumber     *uint32 `json:"subtitle_sequence_number,omitempty"`
	SubsampleNumber            uint8   `json:"subsample_number"`
	LastSubsampleNumber        uint8   `json:"last_subsample_number"`
	DataType                   string  `json:"data_type"`
	Data                       string  `json:"data"`
}

// NewCaption combines the component's subtitle info with a parsed sample.
// Non-text data types get an empty Data field.
func NewCaption(info *mmt.SubtitleInfo, s Sample) Caption {
	c := Caption{
		ISO639LanguageCode:     info.ISO639LanguageCode,
		TMD:                    nibble(info.TMD),
		Resolution:             nibble(info.Resolution),
		SubtitleSequenceNumber: info.StartMPUSequenceNumber,
		SubsampleNumber:        s.SubsampleNumber,
		LastSubsampleNumber:    s.LastSubsampleNumber,
		DataType:               nibble(s.DataType),
	}
	if rst := info.ReferenceStartTime; rst != nil {
		sec, frac := rst.Seconds, rst.Fraction
		c.ReferenceStartTimeSeconds = &sec
		c.ReferenceStartTimeFraction = &frac
	}
	if s.IsText() {
		c.Data = strings.ToValidUTF8(string(s.Body), "\uFFFD")
	}
	return c
}

func nibble(v uint8) string {
	return fmt.Sprintf("%04b", v&0x0f)
}
