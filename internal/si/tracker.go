// Package si tracks versions of sectioned signalling tables so each
// section of each table version is processed once.
package si

// TableKind names a versioned signalling table. Each kind has independent
// version state.
type TableKind uint8

const (
	TableEIT TableKind = iota + 1
	TableAIT
	TableDDMT
	TableDAMT
	TableMPT
	TableBIT
	TableSDT
)

func (k TableKind) String() string {
	switch k {
	case TableEIT:
		return "eit"
	case TableAIT:
		return "ait"
	case TableDDMT:
		return "ddmt"
	case TableDAMT:
		return "damt"
	case TableMPT:
		return "mpt"
	case TableBIT:
		return "bit"
	case TableSDT:
		return "sdt"
	default:
		return "unknown"
	}
}

// Tracker holds the current version of one table and the sections already
// received for it. The zero value has no version.
type Tracker struct {
	hasVersion bool
	version    uint8
	sections   map[uint8]struct{}
}

// Accept records (version, section) and reports whether it is new. A
// version different from the current one clears the received sections
// before the new section is recorded; changed reports that case.
func (t *Tracker) Accept(version, section uint8) (isNew, changed bool) {
	if !t.hasVersion || version != t.version {
		t.hasVersion = true
		t.version = version
		clear(t.sections)
		changed = true
	} else if _, ok := t.sections[section]; ok {
		return false, false
	}
	if t.sections == nil {
		t.sections = make(map[uint8]struct{})
	}
	t.sections[section] = struct{}{}
	return true, changed
}

// Version returns the current version, if any.
func (t *Tracker) Version() (uint8, bool) {
	return t.version, t.hasVersion
}

// Reset forgets the current version.
func (t *Tracker) Reset() {
	t.hasVersion = false
	t.version = 0
	clear(t.sections)
}

// Registry keeps one Tracker per table kind and notifies dependents when a
// table's version changes. It is owned by one decode session and is not
// safe for concurrent use.
type Registry struct {
	trackers map[TableKind]*Tracker
	onChange map[TableKind][]func(version uint8)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		trackers: make(map[TableKind]*Tracker),
		onChange: make(map[TableKind][]func(uint8)),
	}
}

// OnVersionChange registers fn to run when kind adopts a new version,
// before the new section is handed to the caller.
func (r *Registry) OnVersionChange(kind TableKind, fn func(version uint8)) {
	r.onChange[kind] = append(r.onChange[kind], fn)
}

// Accept reports whether section of version is new for kind.
func (r *Registry) Accept(kind TableKind, version, section uint8) bool {
	t := r.tracker(kind)
	isNew, changed := t.Accept(version, section)
	if changed {
		for _, fn := range r.onChange[kind] {
			fn(version)
		}
	}
	return isNew
}

// AcceptVersion is Accept for tables deduplicated by version only.
func (r *Registry) AcceptVersion(kind TableKind, version uint8) bool {
	return r.Accept(kind, version, 0)
}

// Version returns the current version of kind, if any.
func (r *Registry) Version(kind TableKind) (uint8, bool) {
	if t, ok := r.trackers[kind]; ok {
		return t.Version()
	}
	return 0, false
}

func (r *Registry) tracker(kind TableKind) *Tracker {
	t, ok := r.trackers[kind]
	if !ok {
		t = &Tracker{}
		r.trackers[kind] = t
	}
	return t
}
