package pagebuf

import (
	"fmt"
	"sync"

	"github.com/bljhdf/hdf5/swmrerr"
	"github.com/bljhdf/hdf5/vfd"
)

// DelayPolicy computes delay_until for a freshly-dirtied page that was
// loaded from the container: the page stays on the delayed-write list,
// and so is not written back, until ReleaseDelayedWrites runs with a
// tick past that value, so that no reader observes new bytes before it
// has had a chance to see an index update describing them. delay.Policy implements this
// structurally; pagebuf never imports the delay package.
type DelayPolicy interface {
	DelayUntil(curTick uint64) uint64
}

// Config configures a Buffer at construction. It is read-only after
// New.
type Config struct {
	MaxPages      uint32
	MinMDPages    uint32
	MinRDPages    uint32
	PageSize      uint32
	VFDSWMRWriter bool
}

// Stats exposes page-buffer counters for diagnostics, split by raw vs.
// metadata access the way the original page buffer's accesses[2]/hits[2]
// pair does, rather than one undifferentiated hit/miss count. Under
// SWMR the invariant curr_pages <= max_pages may be legitimately
// violated when tick/delay discipline forbids eviction, and Overflow
// counts how many times that happened rather than treating it as an
// error.
type Stats struct {
	MetaHits, MetaMisses uint64
	RawHits, RawMisses   uint64
	Overflow             uint64
}

// Buffer is the page buffer core. It is not safe to share between a
// writer and a reader process — each side owns its own Buffer, exactly
// as §5 requires ("owned exclusively by the writer, or exclusively by
// the reader for its own shadow cache").
type Buffer struct {
	mu sync.Mutex

	cfg   Config
	vfd   vfd.VFD
	delay DelayPolicy

	curTick uint64

	hash map[uint64]*Entry
	lru  lruList
	tick tickList
	dwl  dwlList

	currPages, currMDPages, currRDPages uint32

	prevAddr     uint64
	havePrevAddr bool

	stats Stats
}

// New constructs an empty Buffer. v is the container VFD the buffer
// loads misses from and bypasses through; delay may be nil when
// cfg.VFDSWMRWriter is false (readers never dirty pages, so no delay
// decision is ever needed).
func New(cfg Config, v vfd.VFD, delay DelayPolicy) *Buffer {
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	return &Buffer{
		cfg:   cfg,
		vfd:   v,
		delay: delay,
		hash:  make(map[uint64]*Entry),
	}
}

// SetTick updates the buffer's view of the current tick; the tick
// coordinator calls this as the last step of EndTick.
func (b *Buffer) SetTick(tick uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.curTick = tick
}

// Stats returns a snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Counts returns curr_pages, curr_md_pages and curr_rd_pages.
func (b *Buffer) Counts() (pages, md, rd uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currPages, b.currMDPages, b.currRDPages
}

func pageAligned(addr uint64, pageSize uint32) bool {
	return addr%uint64(pageSize) == 0
}

func pageNumberOf(addr uint64, pageSize uint32) uint64 {
	return addr / uint64(pageSize)
}

func pageAddrOf(addr uint64, pageSize uint32) uint64 {
	return pageNumberOf(addr, pageSize) * uint64(pageSize)
}

// PageExists reports whether a page is resident, in O(1).
func (b *Buffer) PageExists(addr uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.hash[pageNumberOf(addr, b.cfg.PageSize)]
	return ok
}

// AddNewPage inserts a zeroed, clean entry for a page the free-space
// manager has just allocated. It never reads the container: the page
// is logically uninitialized there. For a metadata type, size >
// PageSize marks the entry an MPMDE; a raw-data entry never is one.
func (b *Buffer) AddNewPage(memType vfd.MemType, addr uint64, size uint32) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pn := pageNumberOf(addr, b.cfg.PageSize)
	if _, exists := b.hash[pn]; exists {
		return nil, swmrerr.New(swmrerr.InvalidArg, "pagebuf.AddNewPage: page already resident")
	}
	if size == 0 {
		size = b.cfg.PageSize
	}
	isMetadata := memType != vfd.MemRawData
	e := &Entry{
		PageNumber:     pn,
		Addr:           addr,
		Size:           size,
		Image:          make([]byte, size),
		MemType:        memType,
		IsMetadata:     isMetadata,
		IsMPMDE:        isMetadata && size > b.cfg.PageSize,
		LoadedFromFile: false,
	}
	b.insertNew(e)
	return e, nil
}

func (b *Buffer) insertNew(e *Entry) {
	b.hash[e.PageNumber] = e
	if !e.IsMPMDE {
		b.lru.pushFront(e)
	}
	b.currPages++
	if e.IsMetadata {
		b.currMDPages++
	} else {
		b.currRDPages++
	}
}

// loadPage reads a single page's worth of bytes from the container and
// inserts a clean entry for it; make-space discipline runs first.
func (b *Buffer) loadPage(memType vfd.MemType, addr uint64) (*Entry, error) {
	pn := pageNumberOf(addr, b.cfg.PageSize)
	b.makeSpace(memType)
	data, err := b.vfd.Read(memType, pageAddrOf(addr, b.cfg.PageSize), int(b.cfg.PageSize))
	if err != nil {
		return nil, swmrerr.Wrap(swmrerr.IoRead, "pagebuf.loadPage", err)
	}
	e := &Entry{
		PageNumber:     pn,
		Addr:           pageAddrOf(addr, b.cfg.PageSize),
		Size:           b.cfg.PageSize,
		Image:          data,
		MemType:        memType,
		IsMetadata:     memType != vfd.MemRawData,
		LoadedFromFile: true,
	}
	b.insertNew(e)
	b.recordMiss(memType)
	return e, nil
}

func (b *Buffer) recordHit(memType vfd.MemType) {
	if memType == vfd.MemRawData {
		b.stats.RawHits++
	} else {
		b.stats.MetaHits++
	}
}

func (b *Buffer) recordMiss(memType vfd.MemType) {
	if memType == vfd.MemRawData {
		b.stats.RawMisses++
	} else {
		b.stats.MetaMisses++
	}
}

// Read implements the case-analyzed read dispatch of §4.4.
func (b *Buffer) Read(memType vfd.MemType, addr uint64, size int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out, err := b.readLocked(memType, addr, size)
	b.prevAddr, b.havePrevAddr = addr, true
	return out, err
}

func (b *Buffer) readLocked(memType vfd.MemType, addr uint64, size int) ([]byte, error) {
	ps := b.cfg.PageSize
	isRaw := memType == vfd.MemRawData
	spans := addr/uint64(ps) != (addr+uint64(size)-1)/uint64(ps) || size > int(ps)

	if isRaw {
		if spans {
			return b.readRawBypass(memType, addr, size)
		}
		pn := pageNumberOf(addr, ps)
		e, ok := b.hash[pn]
		if !ok {
			e, err := b.loadPage(memType, addr)
			if err != nil {
				return nil, err
			}
			off := addr - e.Addr
			return append([]byte(nil), e.Image[off:off+uint64(size)]...), nil
		}
		b.lru.moveToFront(e)
		b.recordHit(memType)
		off := addr - e.Addr
		return append([]byte(nil), e.Image[off:off+uint64(size)]...), nil
	}

	// metadata
	aligned := pageAligned(addr, ps)
	pageAddr := pageAddrOf(addr, ps)
	pn := pageNumberOf(addr, ps)
	e, hit := b.hash[pn]

	if !aligned {
		if hit && e.IsMPMDE {
			return nil, swmrerr.New(swmrerr.InvalidArg, "pagebuf.Read: unaligned read against an MPMDE")
		}
		if !hit {
			var err error
			e, err = b.loadPage(memType, pageAddr)
			if err != nil {
				return nil, err
			}
		} else {
			b.lru.moveToFront(e)
			b.recordHit(memType)
		}
		off := addr - e.Addr
		end := off + uint64(size)
		if end > uint64(e.Size) {
			end = uint64(e.Size)
		}
		return append([]byte(nil), e.Image[off:end]...), nil
	}

	// aligned
	if size > int(ps) {
		if !hit {
			return b.readRawBypass(memType, addr, size)
		}
		if e.IsMPMDE {
			if !b.cfg.VFDSWMRWriter {
				return nil, swmrerr.New(swmrerr.InvalidArg, "pagebuf.Read: reader cannot read an MPMDE through the buffer")
			}
			end := uint64(size)
			if end > uint64(e.Size) {
				end = uint64(e.Size)
			}
			b.recordHit(memType)
			return append([]byte(nil), e.Image[:end]...), nil
		}
		// regular entry, caller wants more than one page's worth.
		if b.havePrevAddr && b.prevAddr == addr {
			b.forceEvictClean(e)
			return b.readRawBypass(memType, addr, size)
		}
		b.lru.moveToFront(e)
		b.recordHit(memType)
		return append([]byte(nil), e.Image[:e.Size]...), nil
	}

	// aligned, size <= page
	if !hit {
		e2, err := b.loadPage(memType, addr)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), e2.Image[:size]...), nil
	}
	if e.IsMPMDE && !b.cfg.VFDSWMRWriter {
		return nil, swmrerr.New(swmrerr.InvalidArg, "pagebuf.Read: reader cannot read an MPMDE prefix through the buffer")
	}
	if !e.IsMPMDE {
		b.lru.moveToFront(e)
	}
	b.recordHit(memType)
	return append([]byte(nil), e.Image[:size]...), nil
}

// readRawBypass reads straight from the container, then patches in any
// dirty overlapping pages' in-memory images — the bypassed read must
// never return stale bytes for a page the writer has already touched.
func (b *Buffer) readRawBypass(memType vfd.MemType, addr uint64, size int) ([]byte, error) {
	buf, err := b.vfd.Read(memType, addr, size)
	if err != nil {
		return nil, swmrerr.Wrap(swmrerr.IoRead, "pagebuf.readRawBypass", err)
	}
	ps := uint64(b.cfg.PageSize)
	first := addr / ps
	last := (addr + uint64(size) - 1) / ps
	for pn := first; pn <= last; pn++ {
		e, ok := b.hash[pn]
		if !ok || !e.IsDirty {
			continue
		}
		overlapStart := maxU64(addr, e.Addr)
		overlapEnd := minU64(addr+uint64(size), e.Addr+uint64(e.Size))
		if overlapStart >= overlapEnd {
			continue
		}
		copy(buf[overlapStart-addr:overlapEnd-addr], e.Image[overlapStart-e.Addr:overlapEnd-e.Addr])
	}
	return buf, nil
}

func (b *Buffer) forceEvictClean(e *Entry) {
	if e.IsDirty || e.onTick {
		return
	}
	b.evictEntry(e)
}

// Write implements the case-analyzed write dispatch of §4.4.
func (b *Buffer) Write(memType vfd.MemType, addr uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ps := b.cfg.PageSize
	isRaw := memType == vfd.MemRawData
	size := len(data)

	if isRaw {
		if size >= int(ps) {
			return b.writeRawBypass(memType, addr, data)
		}
		pn := pageNumberOf(addr, ps)
		e, ok := b.hash[pn]
		if !ok {
			var err error
			e, err = b.loadPage(memType, addr)
			if err != nil {
				return err
			}
		}
		off := addr - e.Addr
		copy(e.Image[off:], data)
		b.markDirtyLocked(e)
		return nil
	}

	// metadata
	if size > int(ps) {
		if !b.cfg.VFDSWMRWriter {
			return b.vfd.Write(memType, addr, data)
		}
		pn := pageNumberOf(addr, ps)
		e, ok := b.hash[pn]
		if !ok {
			e = &Entry{
				PageNumber: pn,
				Addr:       pageAddrOf(addr, ps),
				Size:       uint32(size),
				Image:      make([]byte, size),
				MemType:    memType,
				IsMetadata: true,
				IsMPMDE:    true,
			}
			b.insertNew(e)
		} else if int(e.Size) < size {
			grown := make([]byte, size)
			copy(grown, e.Image)
			e.Image = grown
			e.Size = uint32(size)
		}
		copy(e.Image, data)
		b.markDirtyLocked(e)
		return nil
	}

	pn := pageNumberOf(addr, ps)
	e, ok := b.hash[pn]
	if !ok {
		var err error
		e, err = b.loadPage(memType, pageAddrOf(addr, ps))
		if err != nil {
			return err
		}
	}
	off := addr - e.Addr
	if off+uint64(size) > uint64(e.Size) {
		return swmrerr.New(swmrerr.InvalidArg, "pagebuf.Write: write exceeds page bounds")
	}
	copy(e.Image[off:], data)
	b.markDirtyLocked(e)
	return nil
}

func (b *Buffer) writeRawBypass(memType vfd.MemType, addr uint64, data []byte) error {
	if err := b.vfd.Write(memType, addr, data); err != nil {
		return swmrerr.Wrap(swmrerr.IoWrite, "pagebuf.writeRawBypass", err)
	}
	ps := uint64(b.cfg.PageSize)
	size := uint64(len(data))
	first := addr / ps
	last := (addr + size - 1) / ps
	for pn := first; pn <= last; pn++ {
		e, ok := b.hash[pn]
		if !ok {
			continue
		}
		pageStart, pageEnd := e.Addr, e.Addr+uint64(e.Size)
		if addr <= pageStart && addr+size >= pageEnd {
			// fully overwritten: the write already landed on disk.
			e.IsDirty = false
			b.evictEntry(e)
			continue
		}
		overlapStart := maxU64(addr, pageStart)
		overlapEnd := minU64(addr+size, pageEnd)
		if overlapStart >= overlapEnd {
			continue
		}
		copy(e.Image[overlapStart-e.Addr:overlapEnd-e.Addr], data[overlapStart-addr:overlapEnd-addr])
		b.markDirtyLocked(e)
	}
	return nil
}

// MarkDirty is the public entry point the cache integration shim uses
// for notify_dirty, when the consumer has mutated a page's image in
// place without going through Write.
func (b *Buffer) MarkDirty(addr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.hash[pageNumberOf(addr, b.cfg.PageSize)]
	if !ok {
		return swmrerr.New(swmrerr.NotFound, "pagebuf.MarkDirty")
	}
	b.markDirtyLocked(e)
	return nil
}

func (b *Buffer) markDirtyLocked(e *Entry) {
	if e.IsDirty && !e.IsMPMDE && e.DelayWriteUntil == 0 {
		b.lru.moveToFront(e)
		return
	}
	e.IsDirty = true
	if b.cfg.VFDSWMRWriter && e.IsMetadata && !e.onTick {
		e.ModifiedThisTick = true
		b.tick.pushFront(e)
	}
	if b.cfg.VFDSWMRWriter && e.LoadedFromFile && e.IsMetadata && b.delay != nil {
		delayUntil := b.delay.DelayUntil(b.curTick)
		if delayUntil > 0 {
			e.DelayWriteUntil = delayUntil
			b.lru.remove(e)
			b.dwl.remove(e)
			b.dwl.insertSorted(e)
			return
		}
	}
	if !e.IsMPMDE && !e.onDWL {
		b.lru.moveToFront(e)
	}
}

// MarkClean is the dual of MarkDirty; it is a no-op on an already-clean
// entry.
func (b *Buffer) MarkClean(addr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.hash[pageNumberOf(addr, b.cfg.PageSize)]
	if !ok {
		return swmrerr.New(swmrerr.NotFound, "pagebuf.MarkClean")
	}
	e.IsDirty = false
	return nil
}

// RemoveEntry drops a page from the buffer regardless of its dirty,
// delayed or tick-list status — used by the free-space manager when a
// page is freed. The dirty flag is cleared first so eviction's
// clean-on-evict precondition holds.
func (b *Buffer) RemoveEntry(addr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.hash[pageNumberOf(addr, b.cfg.PageSize)]
	if !ok {
		return swmrerr.New(swmrerr.NotFound, "pagebuf.RemoveEntry")
	}
	e.IsDirty = false
	b.tick.remove(e)
	b.dwl.remove(e)
	b.evictEntry(e)
	return nil
}

// UpdateEntry merges bytes into a resident page's image without
// marking it dirty — used by distributed variants where a peer, not
// this process, already committed the write. The entry moves to the
// LRU's MRU end since it was just touched.
func (b *Buffer) UpdateEntry(addr uint64, offset uint32, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.hash[pageNumberOf(addr, b.cfg.PageSize)]
	if !ok {
		return swmrerr.New(swmrerr.NotFound, "pagebuf.UpdateEntry")
	}
	if uint64(offset)+uint64(len(data)) > uint64(e.Size) {
		return swmrerr.New(swmrerr.InvalidArg, "pagebuf.UpdateEntry: out of bounds")
	}
	copy(e.Image[offset:], data)
	if !e.IsMPMDE {
		b.lru.moveToFront(e)
	}
	return nil
}

// Flush writes every dirty entry to the container, ignoring tick
// discipline. It is invalid to call while the writer has outstanding
// delayed writes, since that would leak not-yet-visible bytes to the
// container ahead of schedule.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dwl.head != nil {
		return swmrerr.New(swmrerr.StateMismatch, "pagebuf.Flush: outstanding delayed writes")
	}
	for _, e := range b.hash {
		if e.IsDirty {
			if err := b.flushEntry(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Buffer) flushEntry(e *Entry) error {
	if err := b.vfd.Write(e.MemType, e.Addr, e.Image[:e.Size]); err != nil {
		return swmrerr.Wrap(swmrerr.IoWrite, "pagebuf.flushEntry", err)
	}
	e.IsDirty = false
	return nil
}

// evictEntry removes e from whichever structures reference it and
// from the hash index. The caller is responsible for having already
// ensured it is safe to discard (clean, not on the tick list).
func (b *Buffer) evictEntry(e *Entry) {
	if _, ok := b.hash[e.PageNumber]; !ok {
		return
	}
	delete(b.hash, e.PageNumber)
	b.lru.remove(e)
	b.dwl.remove(e)
	b.tick.remove(e)
	b.currPages--
	if e.IsMetadata {
		b.currMDPages--
	} else {
		b.currRDPages--
	}
}

// makeSpace scans the LRU from its tail (least recently used) toward
// its head, flushing dirty entries in place and evicting clean ones,
// until curr_pages drops below max_pages or nothing more can be
// reclaimed. forType is the memory type about to be inserted, so the
// md/rd reservations can be enforced symmetrically.
func (b *Buffer) makeSpace(forType vfd.MemType) error {
	cur := b.lru.tail
	for b.currPages >= b.cfg.MaxPages && cur != nil {
		prev := cur.lruPrev
		switch {
		case cur.ModifiedThisTick:
			// protected until the tick boundary releases it.
		case cur.IsMetadata && forType == vfd.MemRawData && b.currMDPages <= b.cfg.MinMDPages:
			// evicting would breach the metadata reservation.
		case !cur.IsMetadata && forType != vfd.MemRawData && b.currRDPages <= b.cfg.MinRDPages:
			// evicting would breach the raw-data reservation.
		case cur.IsDirty:
			if err := b.flushEntry(cur); err != nil {
				return err
			}
			b.lru.moveToFront(cur)
		default:
			b.evictEntry(cur)
		}
		cur = prev
	}
	if b.currPages >= b.cfg.MaxPages {
		if b.cfg.VFDSWMRWriter {
			b.stats.Overflow++
		}
	}
	return nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// TickEntries returns the entries currently on the tick list, for the
// tick coordinator's index-update pass. The returned slice is a
// snapshot; mutating it does not affect the buffer.
func (b *Buffer) TickEntries() []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tick.entries()
}

// ReleaseTickList clears modified_this_tick on every tick-list entry
// and, per §4.5 step 4, immediately flushes and evicts any MPMDE not
// also on the delayed-write list.
func (b *Buffer) ReleaseTickList() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.tick.entries()
	b.tick.clear()
	for _, e := range entries {
		e.ModifiedThisTick = false
		if e.IsMPMDE && !e.onDWL {
			if e.IsDirty {
				if err := b.flushEntry(e); err != nil {
					return err
				}
			}
			b.evictEntry(e)
		}
	}
	return nil
}

// ReleaseDelayedWrites scans the delayed-write list's tail (lowest
// delay_until) upward, releasing every entry whose delay_until is below
// curTick; an entry whose delay_until equals curTick stays delayed.
// Non-MPMDEs rejoin the LRU at its MRU end; MPMDEs flush and evict.
func (b *Buffer) ReleaseDelayedWrites(curTick uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.dwl.tail
	for cur != nil && cur.DelayWriteUntil < curTick {
		prev := cur.dwlPrev
		b.dwl.remove(cur)
		cur.DelayWriteUntil = 0
		if cur.IsMPMDE {
			if cur.IsDirty {
				if err := b.flushEntry(cur); err != nil {
					return err
				}
			}
			b.evictEntry(cur)
		} else {
			b.lru.pushFront(cur)
		}
		cur = prev
	}
	return nil
}

// Entry looks up a resident entry by container address, for callers
// (the tick coordinator, tests) that need direct access to its fields.
func (b *Buffer) Entry(addr uint64) (*Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.hash[pageNumberOf(addr, b.cfg.PageSize)]
	return e, ok
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("pagebuf.Buffer{pages=%d md=%d rd=%d}", b.currPages, b.currMDPages, b.currRDPages)
}
