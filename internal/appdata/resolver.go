// Package appdata rebuilds the downloadable files of data-broadcast
// applications: it resolves the directory an MPU belongs to from the
// directory and asset management tables, and reassembles items from their
// MFU fragments.
package appdata

import (
	"strings"

	"github.com/zsiec/mmtview/internal/mmt"
)

// Directory is one DDMT directory node with its table's base path.
type Directory struct {
	BaseDirectoryPath    string
	NodeTag              uint16
	DirectoryNodeVersion uint8
	DirectoryNodePath    string
}

// Path joins the directory's segments with name. Empty segments are
// dropped.
func (d Directory) Path(name string) string {
	return joinSegments(d.BaseDirectoryPath, d.DirectoryNodePath, name)
}

// joinSegments splits each part on '/', drops empty segments and joins the
// rest under a leading '/'.
func joinSegments(parts ...string) string {
	var segs []string
	for _, p := range parts {
		for _, s := range strings.Split(p, "/") {
			if s != "" {
				segs = append(segs, s)
			}
		}
	}
	return "/" + strings.Join(segs, "/")
}

// Resolver maps (component tag, MPU sequence) to a Directory. Directories
// are keyed by node tag; asset tables by component tag. Both are rebuilt by
// the caller when their table's version changes.
type Resolver struct {
	directories map[uint16]Directory
	assets      map[uint16]*mmt.AssetManagementTable
}

// NewResolver creates an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		directories: make(map[uint16]Directory),
		assets:      make(map[uint16]*mmt.AssetManagementTable),
	}
}

// ClearDirectories drops every directory.
func (r *Resolver) ClearDirectories() { clear(r.directories) }

// ClearAssets drops every asset record.
func (r *Resolver) ClearAssets() { clear(r.assets) }

// AddDirectories records the nodes of one DDMT section.
func (r *Resolver) AddDirectories(t *mmt.DirectoryManagementTable) {
	base := string(t.BaseDirectoryPath)
	for _, n := range t.DirectoryNodes {
		r.directories[n.NodeTag] = Directory{
			BaseDirectoryPath:    base,
			NodeTag:              n.NodeTag,
			DirectoryNodeVersion: n.DirectoryNodeVersion,
			DirectoryNodePath:    string(n.DirectoryNodePath),
		}
	}
}

// AddAssets records one DAMT section, replacing the previous section for the
// same component.
func (r *Resolver) AddAssets(t *mmt.AssetManagementTable) {
	r.assets[t.ComponentTag] = t
}

// Resolve returns the directory for items of MPU seq of componentTag. It
// reports false when the asset record, the MPU entry, its node descriptor or
// the directory is missing.
func (r *Resolver) Resolve(componentTag uint16, seq uint32) (Directory, bool) {
	t, ok := r.assets[componentTag]
	if !ok {
		return Directory{}, false
	}
	for _, mpu := range t.MPUs {
		if mpu.SequenceNumber != seq {
			continue
		}
		node, ok := mmt.FindDescriptor[*mmt.MPUNodeDescriptor](mpu.Info)
		if !ok {
			continue
		}
		if d, ok := r.directories[node.NodeTag]; ok {
			return d, true
		}
	}
	return Directory{}, false
}

// Len returns the number of directories and asset records held.
func (r *Resolver) Len() (directories, assets int) {
	return len(r.directories), len(r.assets)
}
