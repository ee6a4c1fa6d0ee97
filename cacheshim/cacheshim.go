// Package cacheshim is the thin adapter the higher-level metadata
// cache is expected to call through: it just forwards each operation
// to the page buffer or the tick coordinator, in the vocabulary the
// higher layer already uses (cache entries tagged by kind, rather than
// raw (MemType, addr) pairs). None of the real policy lives here.
package cacheshim

import (
	"github.com/bljhdf/hdf5/pagebuf"
	"github.com/bljhdf/hdf5/swmrerr"
	"github.com/bljhdf/hdf5/tick"
	"github.com/bljhdf/hdf5/vfd"
)

// EntryKind tags what kind of object a cache entry's image represents.
// The page buffer itself is indifferent to this; it is carried only so
// notify_dirty/notify_clean callers can log or assert against it.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindGroup
	KindDataset
	KindDatatype
	KindAttribute
	KindReference
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindGroup:
		return "group"
	case KindDataset:
		return "dataset"
	case KindDatatype:
		return "datatype"
	case KindAttribute:
		return "attribute"
	case KindReference:
		return "reference"
	default:
		return "unknown"
	}
}

// CacheEntry is the minimal shape the higher-level object-header cache
// hands down: enough to identify which page buffer entry it maps to.
type CacheEntry struct {
	Kind EntryKind
	Addr uint64
}

// OlocOf returns the object-location address a cache entry maps to —
// trivial here since the shim does not maintain a separate object
// table, but kept as a named accessor since callers are expected to go
// through it rather than reach into CacheEntry directly.
func OlocOf(e CacheEntry) uint64 { return e.Addr }

// Shim binds a page buffer and (for the writer role) a tick
// coordinator behind the vocabulary the metadata cache expects.
type Shim struct {
	buf  *pagebuf.Buffer
	tick *tick.Coordinator // nil on the reader side
}

// New constructs a Shim. coord may be nil for a reader-side shim, since
// readers never publish and therefore never drive tick boundaries.
func New(buf *pagebuf.Buffer, coord *tick.Coordinator) *Shim {
	return &Shim{buf: buf, tick: coord}
}

// AddNew wraps add_new_page.
func (s *Shim) AddNew(typ vfd.MemType, addr uint64, size uint32) (*pagebuf.Entry, error) {
	return s.buf.AddNewPage(typ, addr, size)
}

// Remove wraps remove_entry; the page buffer already pulls the entry
// from the tick list and DWL as part of RemoveEntry.
func (s *Shim) Remove(addr uint64) error {
	return s.buf.RemoveEntry(addr)
}

// Read wraps the case-analyzed read dispatch.
func (s *Shim) Read(typ vfd.MemType, addr uint64, size int) ([]byte, error) {
	return s.buf.Read(typ, addr, size)
}

// Write wraps the case-analyzed write dispatch.
func (s *Shim) Write(typ vfd.MemType, addr uint64, data []byte) error {
	return s.buf.Write(typ, addr, data)
}

// NotifyDirty propagates a higher-level "this entry changed" signal to
// mark_dirty.
func (s *Shim) NotifyDirty(e CacheEntry) error {
	return s.buf.MarkDirty(OlocOf(e))
}

// NotifyClean propagates a higher-level "this entry was written back by
// someone else" signal to mark_clean.
func (s *Shim) NotifyClean(e CacheEntry) error {
	return s.buf.MarkClean(OlocOf(e))
}

// ReleaseTickList is the tick-boundary hook exposed upward; it is a
// no-op shim over the page buffer's own method so callers above this
// package never need to import pagebuf directly.
func (s *Shim) ReleaseTickList() error {
	return s.buf.ReleaseTickList()
}

// ReleaseDelayedWrites is the tick-boundary hook for DWL expiry.
func (s *Shim) ReleaseDelayedWrites(curTick uint64) error {
	return s.buf.ReleaseDelayedWrites(curTick)
}

// UpdateIndex runs a full tick boundary through the tick coordinator.
// It is only valid on a writer-side shim.
func (s *Shim) UpdateIndex() error {
	if s.tick == nil {
		return swmrerr.New(swmrerr.Unsupported, "cacheshim.UpdateIndex: reader-side shim has no tick coordinator")
	}
	return s.tick.EndTick()
}
