// Package tick implements the tick coordinator: the writer-side
// end-of-tick pipeline that drains the page buffer's tick list into the
// in-memory index, publishes pages, index and header to the metadata
// file in that order, and then releases the tick list and any expired
// delayed writes. Everything here runs on the writer's single
// cooperative thread; there is no locking.
package tick

import (
	"sort"

	"github.com/bljhdf/hdf5/mdfile"
	"github.com/bljhdf/hdf5/pagebuf"
	"github.com/bljhdf/hdf5/swmrerr"
)

// IndexEntry is the writer's in-memory bookkeeping for one published
// page, a superset of the on-disk mdfile.Record: it additionally
// tracks the fields the coordinator needs to decide, each tick,
// whether the entry must be rewritten or can be left alone.
type IndexEntry struct {
	PageOffset   uint64 // hdf5_page_offset, the container address / page size
	MDPageOffset uint64 // assigned slot in the metadata file
	Length       uint32

	EntryPtr         *pagebuf.Entry
	Clean            bool
	TickOfLastChange uint64
	TickOfLastFlush  uint64
	DelayedFlush     uint64

	// Published, PublishedImage and PublishedChecksum record what is
	// physically sitting in the metadata file at MDPageOffset right
	// now. While DelayedFlush has not yet expired, publish leaves the
	// metadata file alone and keeps reporting these bytes instead of
	// the page buffer's current (newer) image, so a reader who hasn't
	// reloaded still validates against the bytes that were true at the
	// tick the delay started.
	Published         bool
	PublishedImage    []byte
	PublishedChecksum uint32
}

// Coordinator owns the writer-side in-memory index and drives the
// per-tick publish pipeline against a page buffer and a metadata file.
type Coordinator struct {
	buf *pagebuf.Buffer
	md  *mdfile.File

	curTick uint64
	index   []IndexEntry // sorted ascending by PageOffset

	nextMDPage uint64
}

// New constructs a Coordinator seeded at tick 0. nextMDPage, the first
// metadata-file page slot handed out for page images, is always
// md.MDPagesReserved(); entries a prior session published into the
// metadata file are not taken into account.
func New(buf *pagebuf.Buffer, md *mdfile.File) *Coordinator {
	return &Coordinator{buf: buf, md: md, nextMDPage: uint64(md.MDPagesReserved())}
}

// CurTick returns the coordinator's last-published tick number.
func (c *Coordinator) CurTick() uint64 { return c.curTick }

// Find returns the index entry describing pageOffset, if any.
func (c *Coordinator) Find(pageOffset uint64) (IndexEntry, bool) {
	i := sort.Search(len(c.index), func(i int) bool { return c.index[i].PageOffset >= pageOffset })
	if i < len(c.index) && c.index[i].PageOffset == pageOffset {
		return c.index[i], true
	}
	return IndexEntry{}, false
}

func (c *Coordinator) insertSorted(e IndexEntry) {
	i := sort.Search(len(c.index), func(i int) bool { return c.index[i].PageOffset >= e.PageOffset })
	c.index = append(c.index, IndexEntry{})
	copy(c.index[i+1:], c.index[i:])
	c.index[i] = e
}

// updateIndex is step 2 of EndTick: merge the page buffer's tick list
// into the in-memory index, then sweep every other entry for a clean
// transition it missed.
func (c *Coordinator) updateIndex(tickEntries []*pagebuf.Entry) {
	touched := make(map[uint64]bool, len(tickEntries))
	for _, pe := range tickEntries {
		pageOffset := pe.Addr / uint64(c.md.PageSize())
		touched[pageOffset] = true

		if i := sort.Search(len(c.index), func(i int) bool { return c.index[i].PageOffset >= pageOffset }); i < len(c.index) && c.index[i].PageOffset == pageOffset {
			c.index[i].EntryPtr = pe
			c.index[i].TickOfLastChange = c.curTick + 1
			c.index[i].DelayedFlush = pe.DelayWriteUntil
			c.index[i].Clean = !pe.IsDirty
			if !pe.IsDirty {
				c.index[i].TickOfLastFlush = c.curTick + 1
			}
			continue
		}
		c.insertSorted(IndexEntry{
			PageOffset:       pageOffset,
			MDPageOffset:     c.allocMDPage(pe.Size),
			Length:           pe.Size,
			EntryPtr:         pe,
			Clean:            !pe.IsDirty,
			TickOfLastChange: c.curTick + 1,
			DelayedFlush:     pe.DelayWriteUntil,
		})
	}

	for i := range c.index {
		e := &c.index[i]
		if touched[e.PageOffset] {
			continue
		}
		if e.Clean {
			continue
		}
		if e.EntryPtr == nil || !e.EntryPtr.IsDirty {
			e.Clean = true
			e.TickOfLastFlush = c.curTick + 1
		}
	}
}

func (c *Coordinator) allocMDPage(size uint32) uint64 {
	ps := c.md.PageSize()
	pages := uint64(size) / uint64(ps)
	if uint64(size)%uint64(ps) != 0 {
		pages++
	}
	offset := c.nextMDPage
	c.nextMDPage += pages
	return offset
}

// publish is step 3: write every page whose delay has expired into the
// metadata file, then the index, then the header — in that order. An
// entry whose DelayedFlush has not yet passed nextTick is left alone:
// the metadata file keeps showing whatever was last published for it
// (or, if it has never been published, is omitted from the index
// entirely so a reader falls through to the container file), per the
// delayed-write policy's guarantee that a page's published bytes don't
// change until its delay expires.
func (c *Coordinator) publish() error {
	nextTick := c.curTick + 1

	for i := range c.index {
		e := &c.index[i]
		delayed := e.DelayedFlush != 0 && nextTick < e.DelayedFlush
		if delayed || e.EntryPtr == nil {
			continue
		}
		data := make([]byte, e.Length)
		copy(data, e.EntryPtr.Image[:e.Length])
		if err := c.md.WritePageImage(e.MDPageOffset, data); err != nil {
			return swmrerr.Wrap(swmrerr.IoWrite, "tick.publish", err)
		}
		e.PublishedImage = data
		e.PublishedChecksum = mdfile.Fletcher32(data)
		e.Published = true
	}

	records := make([]mdfile.Record, 0, len(c.index))
	for _, e := range c.index {
		if !e.Published {
			continue
		}
		records = append(records, mdfile.Record{
			PageOffset:   e.PageOffset,
			MDPageOffset: e.MDPageOffset,
			Length:       e.Length,
			Checksum:     e.PublishedChecksum,
		})
	}

	idx := mdfile.Index{TickNum: nextTick, Records: records}
	h := mdfile.Header{
		FSPageSize:  c.md.PageSize(),
		TickNum:     nextTick,
		IndexOffset: mdfile.HeaderSize,
	}
	if err := c.md.Publish(h, idx); err != nil {
		return err
	}
	return nil
}

// EndTick drives the full per-tick pipeline described in §4.5: update
// the index from the page buffer's tick list, publish, release the
// tick list, release any delayed writes that have now expired, and
// advance cur_tick by exactly one.
func (c *Coordinator) EndTick() error {
	tickEntries := c.buf.TickEntries()
	c.updateIndex(tickEntries)

	if err := c.publish(); err != nil {
		return err
	}

	if err := c.buf.ReleaseTickList(); err != nil {
		return err
	}

	nextTick := c.curTick + 1
	if err := c.buf.ReleaseDelayedWrites(nextTick); err != nil {
		return err
	}

	h, err := c.md.ReadHeaderRaw()
	if err != nil {
		return err
	}
	if h.TickNum != nextTick {
		return swmrerr.New(swmrerr.TickRegression, "tick.EndTick: published header tick did not advance by exactly one")
	}
	c.curTick = nextTick
	c.buf.SetTick(c.curTick)
	return nil
}
