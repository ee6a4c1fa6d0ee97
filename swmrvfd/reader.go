// Package swmrvfd implements the reader-side virtual file device: it
// wraps a container VFD and a metadata-file descriptor, keeps a local
// copy of the metadata file's header and index, and routes every read
// either to the metadata file (when the index says a page has been
// republished there) or straight through to the container. It never
// writes; a reader's only path to new bytes is a fresh ReloadIndex.
package swmrvfd

import (
	"fmt"
	"time"

	"github.com/bljhdf/hdf5/mdfile"
	"github.com/bljhdf/hdf5/swmrerr"
	"github.com/bljhdf/hdf5/vfd"
)

// Retry budgets named after the spec's constants; each loop backs off
// exponentially starting at one nanosecond.
const (
	HdrRetryMax      = 100
	IndexRetryMax    = 100
	MDIndexRetryMax  = 100
	backoffStart     = time.Nanosecond
	backoffMaxFactor = 1 << 20
)

func backoffSleep(attempt int) {
	factor := 1
	for i := 0; i < attempt && factor < backoffMaxFactor; i++ {
		factor *= 2
	}
	time.Sleep(backoffStart * time.Duration(factor))
}

// Reader is a read-only VFD satisfying the full vfd.VFD contract: every
// mutating method fails with swmrerr.Unsupported, matching the
// read-only-filesystem failure a writer-only container would give.
type Reader struct {
	container vfd.VFD
	md        *mdfile.File

	fsPageSize      uint32
	mdPagesReserved uint32

	header mdfile.Header
	index  mdfile.Index

	pageBufferConfigured bool
}

// Open constructs a Reader and performs the first ReloadIndex, so the
// caller always gets back a Reader with a valid local header+index.
func Open(container vfd.VFD, md *mdfile.File, mdPagesReserved uint32) (*Reader, error) {
	r := &Reader{
		container:       container,
		md:              md,
		fsPageSize:      md.PageSize(),
		mdPagesReserved: mdPagesReserved,
	}
	if err := r.ReloadIndex(); err != nil {
		return nil, err
	}
	return r, nil
}

// ConfigurePageBuffer arms the strict read mode: every index-satisfied
// read must afterward be full-page (or full-MPMDE) sized and checksum
// validated. Before this call, reads may be smaller and offset within
// a page, and skip the checksum entirely (the relaxation the reader's
// own header/open-time probing needs, before it owns a page buffer to
// cache behind).
func (r *Reader) ConfigurePageBuffer() { r.pageBufferConfigured = true }

// CurTick returns the locally cached header's tick number.
func (r *Reader) CurTick() uint64 { return r.header.TickNum }

// ReloadIndex is the entry point the cache shim calls at a tick
// boundary: reload the header, and if it advanced, reload the index
// behind it, tolerating a writer caught mid-publish.
func (r *Reader) ReloadIndex() error {
	h, err := r.reloadHeader()
	if err != nil {
		return err
	}

	if h.TickNum == r.header.TickNum && r.index.Records != nil {
		return nil
	}

	for attempt := 0; attempt < IndexRetryMax; attempt++ {
		idx, err := r.md.ReadIndexRaw(h)
		if err == nil {
			switch {
			case h.TickNum == idx.TickNum:
				r.header, r.index = h, idx
				return nil
			case h.TickNum == idx.TickNum+1:
				// writer mid-publish: index not yet caught up to header.
				// Re-probe the header in case it too has moved on.
				h2, err2 := r.reloadHeader()
				if err2 == nil {
					h = h2
				}
			default:
				return swmrerr.New(swmrerr.TickRegression, "swmrvfd.ReloadIndex: header/index tick mismatch")
			}
		}
		backoffSleep(attempt)
	}
	return swmrerr.New(swmrerr.ChecksumMismatch, "swmrvfd.ReloadIndex: index retries exhausted")
}

func (r *Reader) reloadHeader() (mdfile.Header, error) {
	var lastErr error
	for attempt := 0; attempt < HdrRetryMax; attempt++ {
		h, err := r.md.ReadHeaderRaw()
		if err != nil {
			lastErr = err
			backoffSleep(attempt)
			continue
		}
		if uint64(h.IndexOffset)+h.IndexLength > uint64(r.mdPagesReserved)*uint64(r.fsPageSize) {
			lastErr = swmrerr.New(swmrerr.Truncated, "swmrvfd.reloadHeader: index overruns reserved region")
			backoffSleep(attempt)
			continue
		}
		if h.TickNum < r.header.TickNum {
			return mdfile.Header{}, swmrerr.New(swmrerr.TickRegression, "swmrvfd.reloadHeader: header tick went backwards")
		}
		return h, nil
	}
	return mdfile.Header{}, swmrerr.Wrap(swmrerr.ChecksumMismatch, "swmrvfd.reloadHeader: retries exhausted", lastErr)
}

// Read implements vfd.VFD.Read: binary-search the local index, and
// either forward to the container VFD (miss) or to the metadata file
// (hit), with checksum-racing retries once a page buffer sits above
// this reader.
func (r *Reader) Read(typ vfd.MemType, addr uint64, size int) ([]byte, error) {
	targetPage := addr / uint64(r.fsPageSize)
	rec, ok := r.index.Find(targetPage)
	if !ok {
		buf, err := r.container.Read(typ, addr, size)
		if err != nil {
			return nil, swmrerr.Wrap(swmrerr.IoRead, "swmrvfd.Read", err)
		}
		return buf, nil
	}

	pageStart := targetPage * uint64(r.fsPageSize)
	inPage := addr - pageStart

	if r.pageBufferConfigured {
		if addr != pageStart || uint64(size) != uint64(rec.Length) {
			return nil, swmrerr.New(swmrerr.InvalidArg, "swmrvfd.Read: configured reader must request a full page/MPMDE")
		}
	} else if inPage+uint64(size) > uint64(rec.Length) {
		return nil, swmrerr.New(swmrerr.InvalidArg, "swmrvfd.Read: relaxed read crosses a page boundary")
	}

	mdOffset := rec.MDPageOffset*uint64(r.fsPageSize) + inPage

	if !r.pageBufferConfigured {
		buf, err := r.md.ReadRaw(mdOffset, size)
		if err != nil {
			return nil, swmrerr.Wrap(swmrerr.IoRead, "swmrvfd.Read", err)
		}
		return buf, nil
	}

	var lastErr error
	for attempt := 0; attempt < MDIndexRetryMax; attempt++ {
		buf, err := r.md.ReadRaw(mdOffset, size)
		if err != nil {
			lastErr = err
			backoffSleep(attempt)
			continue
		}
		if mdfile.Fletcher32(buf) == rec.Checksum {
			return buf, nil
		}
		lastErr = fmt.Errorf("swmrvfd: checksum mismatch racing a publish")
		backoffSleep(attempt)
	}
	return nil, swmrerr.Wrap(swmrerr.ChecksumMismatch, "swmrvfd.Read: retries exhausted", lastErr)
}

// Write always fails: a reader VFD is read-only by contract.
func (r *Reader) Write(vfd.MemType, uint64, []byte) error {
	return swmrerr.New(swmrerr.Unsupported, "swmrvfd.Write: reader VFD is read-only")
}

// Allocate always fails: readers never extend the container.
func (r *Reader) Allocate(vfd.MemType, uint64) (uint64, error) {
	return 0, swmrerr.New(swmrerr.Unsupported, "swmrvfd.Allocate: reader VFD is read-only")
}

func (r *Reader) GetEOA(typ vfd.MemType) uint64 { return r.container.GetEOA(typ) }

// SetEOA always fails: readers never extend the container.
func (r *Reader) SetEOA(vfd.MemType, uint64) error {
	return swmrerr.New(swmrerr.Unsupported, "swmrvfd.SetEOA: reader VFD is read-only")
}

func (r *Reader) GetEOF() uint64 { return r.container.GetEOF() }

// Truncate always fails: readers never resize the container.
func (r *Reader) Truncate() error {
	return swmrerr.New(swmrerr.Unsupported, "swmrvfd.Truncate: reader VFD is read-only")
}

func (r *Reader) Lock(mode vfd.LockMode) error {
	if mode == vfd.LockExclusive {
		return swmrerr.New(swmrerr.Unsupported, "swmrvfd.Lock: reader cannot take an exclusive lock")
	}
	return r.container.Lock(mode)
}

func (r *Reader) Unlock() error { return r.container.Unlock() }

func (r *Reader) Features() vfd.Feature {
	return r.container.Features() | vfd.FeatureSupportsSWMRIO
}

func (r *Reader) Close() error {
	if err := r.md.Close(); err != nil {
		return err
	}
	return r.container.Close()
}
