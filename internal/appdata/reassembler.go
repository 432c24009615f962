package appdata

import (
	"fmt"

	"github.com/zsiec/mmtview/internal/mmt"
)

// ContentEncodingDeflate marks an index entry whose body is zlib data.
const ContentEncodingDeflate = "deflate"

// FileIndexEntry maps a resolved path to a file id.
type FileIndexEntry struct {
	ID              string `json:"id"`
	Path            string `json:"path"`
	ContentType     string `json:"contentType"`
	ContentEncoding string `json:"contentEncoding,omitempty"`
}

// FileBlob is the body of one reassembled item.
type FileBlob struct {
	ID   string `json:"id"`
	Body []byte `json:"body"`
}

// FileID names the item itemID of componentTag.
func FileID(componentTag uint16, itemID uint32) string {
	return fmt.Sprintf("%d-%d", componentTag, itemID)
}

// IndexEntries resolves the entries of an index item against dir.
func IndexEntries(dir Directory, componentTag uint16, entries []mmt.IndexEntry) []FileIndexEntry {
	out := make([]FileIndexEntry, 0, len(entries))
	for _, e := range entries {
		fe := FileIndexEntry{
			ID:          FileID(componentTag, e.ItemID),
			Path:        dir.Path(string(e.FileName)),
			ContentType: string(e.ItemType),
		}
		if e.CompressionType == mmt.CompressionZlib {
			fe.ContentEncoding = ContentEncodingDeflate
		}
		out = append(out, fe)
	}
	return out
}

// ItemKey identifies one item transfer slot.
type ItemKey struct {
	ComponentTag uint16
	MPUSequence  uint32
	ItemID       uint32
}

// Fragment is one MFU of a non-timed MPU.
type Fragment struct {
	Key        ItemKey
	DownloadID uint32
	Index      uint32
	Last       uint32
	Payload    []byte
}

type item struct {
	downloadID uint32
	last       uint32
	fragments  map[uint32][]byte
	completed  bool
}

// Reassembler collects item fragments until every index 0..Last of one
// download id has arrived. It is not safe for concurrent use.
type Reassembler struct {
	items map[ItemKey]*item
}

// NewReassembler creates an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{items: make(map[ItemKey]*item)}
}

// Accept adds f and returns the item body when f completes it. A fragment
// with a different download id than the held item restarts the item.
// Duplicates, fragments past the item's last index and fragments of an
// already completed item are ignored.
func (r *Reassembler) Accept(f Fragment) ([]byte, bool) {
	it, ok := r.items[f.Key]
	if !ok || it.downloadID != f.DownloadID {
		it = &item{
			downloadID: f.DownloadID,
			last:       f.Last,
			fragments:  make(map[uint32][]byte),
		}
		r.items[f.Key] = it
	}
	if it.completed || f.Index > it.last {
		return nil, false
	}
	if _, dup := it.fragments[f.Index]; dup {
		return nil, false
	}
	it.fragments[f.Index] = f.Payload
	if uint64(len(it.fragments)) != uint64(it.last)+1 {
		return nil, false
	}

	size := 0
	for _, p := range it.fragments {
		size += len(p)
	}
	body := make([]byte, 0, size)
	for i := uint32(0); i <= it.last; i++ {
		body = append(body, it.fragments[i]...)
	}
	it.fragments = nil
	it.completed = true
	return body, true
}

// Pending returns the number of items with partial fragments.
func (r *Reassembler) Pending() int {
	n := 0
	for _, it := range r.items {
		if !it.completed {
			n++
		}
	}
	return n
}

// Reset drops all item state.
func (r *Reassembler) Reset() { clear(r.items) }
