// Package vfs holds the virtual file system of one stream's data
// broadcasting application and serves it over HTTP.
//
// A [FS] is the file-system port of a demux session: it receives index
// entries mapping paths to file ids and file bodies by id, in either order.
// Serving looks the path up in the index and answers with the body of the
// file it names.
package vfs

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/klauspost/compress/zlib"

	"github.com/zsiec/mmtview/internal/appdata"
)

// File is a resolved file: its index entry and body as carried in the
// stream, possibly zlib-compressed.
type File struct {
	Entry appdata.FileIndexEntry
	Body  []byte
	ETag  string
}

// Compressed reports whether Body is zlib data.
func (f File) Compressed() bool {
	return f.Entry.ContentEncoding == appdata.ContentEncodingDeflate
}

// Inflate returns the decompressed body.
func (f File) Inflate() ([]byte, error) {
	if !f.Compressed() {
		return f.Body, nil
	}
	return inflate(f.Body)
}

type blob struct {
	body []byte
	etag string
}

// FS is a concurrency-safe virtual file system. Writers are the demux
// session; readers are HTTP handlers.
type FS struct {
	log *slog.Logger

	mu    sync.RWMutex
	index map[string]appdata.FileIndexEntry
	files map[string]blob
}

// New creates an empty FS.
func New(log *slog.Logger) *FS {
	if log == nil {
		log = slog.Default()
	}
	return &FS{
		log:   log.With("component", "vfs"),
		index: make(map[string]appdata.FileIndexEntry),
		files: make(map[string]blob),
	}
}

// AddIndex records entries. A later entry for the same path wins.
func (fs *FS) AddIndex(entries []appdata.FileIndexEntry) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, e := range entries {
		fs.index[e.Path] = e
	}
	fs.log.Debug("index added", "entries", len(entries), "paths", len(fs.index))
}

// AddFile records the body of f.ID, replacing any previous body.
func (fs *FS) AddFile(f appdata.FileBlob) {
	b := blob{body: f.Body, etag: etag(f.Body)}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[f.ID] = b
	fs.log.Debug("file added", "id", f.ID, "size", len(f.Body))
}

// Lookup returns the file indexed at path. It reports false when the path
// is not indexed or its body has not arrived.
func (fs *FS) Lookup(path string) (File, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	e, ok := fs.index[path]
	if !ok {
		return File{}, false
	}
	b, ok := fs.files[e.ID]
	if !ok {
		return File{}, false
	}
	return File{Entry: e, Body: b.body, ETag: b.etag}, true
}

// Len returns the number of indexed paths and of file bodies held.
func (fs *FS) Len() (paths, files int) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.index), len(fs.files)
}

// Reset drops every entry and body.
func (fs *FS) Reset() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	clear(fs.index)
	clear(fs.files)
}

func inflate(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("vfs: inflate: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("vfs: inflate: %w", err)
	}
	return out, nil
}
