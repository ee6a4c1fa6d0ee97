// Package pagebuf implements the page buffer core: a fixed-capacity,
// page-granular cache that mediates all metadata (and optionally small
// raw-data) I/O between the container file and its underlying storage,
// and buffers a writer's modifications until a tick boundary can
// expose them safely.
//
// An Entry sits on exactly one of three intrusive lists at a time — the
// LRU, the delayed-write list, or (for an MPMDE not currently delayed)
// neither — mirroring how the teacher's lruCache threads a doubly
// linked list through its nodes, generalized here to three lists
// instead of one.
package pagebuf

import "github.com/bljhdf/hdf5/vfd"

// Entry is one resident page or multi-page metadata entry (MPMDE).
type Entry struct {
	PageNumber uint64 // Addr / page size
	Addr       uint64
	Size       uint32
	Image      []byte
	MemType    vfd.MemType

	IsMetadata       bool
	IsMPMDE          bool // is_metadata && size > page size
	IsDirty          bool
	LoadedFromFile   bool
	ModifiedThisTick bool

	DelayWriteUntil uint64 // tick number; 0 = no delay

	onLRU  bool
	onDWL  bool
	onTick bool

	lruPrev, lruNext   *Entry
	tickPrev, tickNext *Entry
	dwlPrev, dwlNext   *Entry
}
