package mmt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Compression types of an index item entry.
const (
	CompressionZlib uint8 = 0x00
	CompressionNone uint8 = 0xFF
)

// IndexItemID is the reserved item id carrying the index listing of an MPU.
const IndexItemID = 0

// ErrShortIndex is returned when an index listing ends mid-entry.
var ErrShortIndex = errors.New("mmt: truncated index item")

// IndexEntry is one file listed in an index item.
type IndexEntry struct {
	ItemID          uint32
	ItemTag         uint16
	ItemVersion     uint8
	FileName        []byte
	ItemType        []byte
	CompressionType uint8
	OriginalSize    uint32
}

// ParseIndexItem parses the payload of item 0.
func ParseIndexItem(b []byte) ([]IndexEntry, error) {
	if len(b) < 2 {
		return nil, ErrShortIndex
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	entries := make([]IndexEntry, 0, n)
	for i := range n {
		var e IndexEntry
		var ok bool
		if len(b) < 7 {
			return nil, fmt.Errorf("entry %d: %w", i, ErrShortIndex)
		}
		e.ItemID = binary.BigEndian.Uint32(b)
		e.ItemTag = binary.BigEndian.Uint16(b[4:])
		e.ItemVersion = b[6]
		b = b[7:]
		if e.FileName, b, ok = lengthPrefixed(b); !ok {
			return nil, fmt.Errorf("entry %d file name: %w", i, ErrShortIndex)
		}
		if e.ItemType, b, ok = lengthPrefixed(b); !ok {
			return nil, fmt.Errorf("entry %d item type: %w", i, ErrShortIndex)
		}
		if len(b) < 1 {
			return nil, fmt.Errorf("entry %d: %w", i, ErrShortIndex)
		}
		e.CompressionType = b[0]
		b = b[1:]
		if e.CompressionType != CompressionNone {
			if len(b) < 4 {
				return nil, fmt.Errorf("entry %d original size: %w", i, ErrShortIndex)
			}
			e.OriginalSize = binary.BigEndian.Uint32(b)
			b = b[4:]
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func lengthPrefixed(b []byte) (field, rest []byte, ok bool) {
	if len(b) < 1 || len(b) < 1+int(b[0]) {
		return nil, b, false
	}
	n := int(b[0])
	return b[1 : 1+n], b[1+n:], true
}

// AppendIndexItem appends the wire form of entries to dst. File names and
// item types longer than 255 bytes are truncated.
func AppendIndexItem(dst []byte, entries []IndexEntry) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(entries)))
	for _, e := range entries {
		dst = binary.BigEndian.AppendUint32(dst, e.ItemID)
		dst = binary.BigEndian.AppendUint16(dst, e.ItemTag)
		dst = append(dst, e.ItemVersion)
		dst = appendShort(dst, e.FileName)
		dst = appendShort(dst, e.ItemType)
		dst = append(dst, e.CompressionType)
		if e.CompressionType != CompressionNone {
			dst = binary.BigEndian.AppendUint32(dst, e.OriginalSize)
		}
	}
	return dst
}

func appendShort(dst, field []byte) []byte {
	if len(field) > 0xff {
		field = field[:0xff]
	}
	dst = append(dst, byte(len(field)))
	return append(dst, field...)
}
