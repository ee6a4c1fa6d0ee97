// Package swmr is the open/create orchestrator: it validates the
// option set, opens or creates the container and metadata files, and
// wires together a vfd, a page buffer, and (for a writer) a tick
// coordinator and cache shim behind one Handle.
package swmr

import (
	"github.com/bljhdf/hdf5/cacheshim"
	"github.com/bljhdf/hdf5/delay"
	"github.com/bljhdf/hdf5/mdfile"
	"github.com/bljhdf/hdf5/pagebuf"
	"github.com/bljhdf/hdf5/swmrerr"
	"github.com/bljhdf/hdf5/swmrvfd"
	"github.com/bljhdf/hdf5/tick"
	"github.com/bljhdf/hdf5/vfd"
)

// Options configures Open/Create, mirroring §6's enumerated option set.
type Options struct {
	AccExcl      bool
	AccTrunc     bool
	AccRDWR      bool
	AccRDONLY    bool
	AccSWMRWrite bool
	AccSWMRRead  bool

	PageBufferSize uint32 // bytes, rounded down to a multiple of PageSize
	PageSize       uint32
	MinMetaPct     int
	MinRawPct      int

	MDPagesReserved uint32
	MDFilePath      string
	MaxLag          uint64
}

func (o Options) validate() error {
	if o.AccExcl && o.AccTrunc {
		return swmrerr.New(swmrerr.Conflict, "swmr.Options: ACC_EXCL and ACC_TRUNC are mutually exclusive")
	}
	if o.AccRDWR && o.AccRDONLY {
		return swmrerr.New(swmrerr.Conflict, "swmr.Options: ACC_RDWR and ACC_RDONLY are mutually exclusive")
	}
	if !o.AccRDWR && !o.AccRDONLY {
		return swmrerr.New(swmrerr.InvalidArg, "swmr.Options: one of ACC_RDWR/ACC_RDONLY is required")
	}
	if o.AccSWMRWrite && !o.AccRDWR {
		return swmrerr.New(swmrerr.Conflict, "swmr.Options: ACC_SWMR_WRITE requires ACC_RDWR")
	}
	if o.AccSWMRRead && !o.AccRDONLY {
		return swmrerr.New(swmrerr.Conflict, "swmr.Options: ACC_SWMR_READ requires ACC_RDONLY")
	}
	if o.AccRDWR && o.AccSWMRRead {
		return swmrerr.New(swmrerr.Conflict, "swmr.Options: SWMR_READ on an RDWR handle")
	}
	if o.AccRDONLY && o.AccSWMRWrite {
		return swmrerr.New(swmrerr.Conflict, "swmr.Options: SWMR_WRITE on an RDONLY handle")
	}
	if o.MinMetaPct < 0 || o.MinMetaPct > 100 || o.MinRawPct < 0 || o.MinRawPct > 100 || o.MinMetaPct+o.MinRawPct > 100 {
		return swmrerr.New(swmrerr.InvalidArg, "swmr.Options: min_meta_pct/min_raw_pct out of range")
	}
	return nil
}

func (o Options) pageBufferConfig() pagebuf.Config {
	ps := o.PageSize
	if ps == 0 {
		ps = 4096
	}
	maxPages := o.PageBufferSize / ps
	if maxPages == 0 {
		maxPages = 8
	}
	return pagebuf.Config{
		MaxPages:      maxPages,
		MinMDPages:    maxPages * uint32(o.MinMetaPct) / 100,
		MinRDPages:    maxPages * uint32(o.MinRawPct) / 100,
		PageSize:      ps,
		VFDSWMRWriter: o.AccSWMRWrite,
	}
}

// Handle bundles everything one open container needs. Tick is set only
// on an SWMR writer handle; every handle gets a Shim, whose UpdateIndex
// fails when there is no Tick.
type Handle struct {
	IsWriter bool

	VFD vfd.VFD
	Buf *pagebuf.Buffer

	MD   *mdfile.File
	Tick *tick.Coordinator
	Shim *cacheshim.Shim

	container *vfd.FileVFD // only set on the writer, to expose Allocate/EOA directly
}

// Create validates options and creates a fresh container, arming the
// writer-side tick machinery when ACC_SWMR_WRITE is set.
func Create(path string, opts Options) (*Handle, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if !opts.AccRDWR {
		return nil, swmrerr.New(swmrerr.InvalidArg, "swmr.Create: requires ACC_RDWR")
	}

	mode := vfd.LockExclusive
	container, err := vfd.Open(path, mode)
	if err != nil {
		return nil, swmrerr.Wrap(swmrerr.IoSeek, "swmr.Create: open container", err)
	}

	h := &Handle{IsWriter: true, VFD: container, container: container}

	if opts.AccSWMRWrite {
		md, err := mdfile.Create(opts.MDFilePath, opts.PageSize, opts.MDPagesReserved)
		if err != nil {
			container.Close()
			return nil, err
		}
		h.MD = md
		h.Buf = pagebuf.New(opts.pageBufferConfig(), container, delay.Policy{MaxLag: opts.MaxLag})
		h.Tick = tick.New(h.Buf, md)
		h.Shim = cacheshim.New(h.Buf, h.Tick)
	} else {
		h.Buf = pagebuf.New(opts.pageBufferConfig(), container, nil)
		h.Shim = cacheshim.New(h.Buf, nil)
	}
	return h, nil
}

// Open validates options, opens the container in the requested role,
// and for a reader, opens the metadata file and arms the SWMR reader
// VFD.
func Open(path string, opts Options) (*Handle, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if opts.AccRDWR {
		mode := vfd.LockExclusive
		container, err := vfd.Open(path, mode)
		if err != nil {
			return nil, swmrerr.Wrap(swmrerr.IoSeek, "swmr.Open: open container", err)
		}
		h := &Handle{IsWriter: true, VFD: container, container: container}
		if opts.AccSWMRWrite {
			md, err := mdfile.Open(opts.MDFilePath, opts.PageSize, opts.MDPagesReserved)
			if err != nil {
				container.Close()
				return nil, err
			}
			h.MD = md
			h.Buf = pagebuf.New(opts.pageBufferConfig(), container, delay.Policy{MaxLag: opts.MaxLag})
			h.Tick = tick.New(h.Buf, md)
			h.Shim = cacheshim.New(h.Buf, h.Tick)
		} else {
			h.Buf = pagebuf.New(opts.pageBufferConfig(), container, nil)
			h.Shim = cacheshim.New(h.Buf, nil)
		}
		return h, nil
	}

	// reader
	containerBack, err := vfd.Open(path, vfd.LockShared)
	if err != nil {
		return nil, swmrerr.Wrap(swmrerr.IoSeek, "swmr.Open: open container", err)
	}

	if !opts.AccSWMRRead {
		cfg := opts.pageBufferConfig()
		buf := pagebuf.New(cfg, containerBack, nil)
		return &Handle{IsWriter: false, VFD: containerBack, Buf: buf, Shim: cacheshim.New(buf, nil)}, nil
	}

	md, err := mdfile.Open(opts.MDFilePath, opts.PageSize, opts.MDPagesReserved)
	if err != nil {
		containerBack.Close()
		return nil, err
	}
	reader, err := swmrvfd.Open(containerBack, md, opts.MDPagesReserved)
	if err != nil {
		containerBack.Close()
		return nil, err
	}
	cfg := opts.pageBufferConfig()
	buf := pagebuf.New(cfg, reader, nil)
	reader.ConfigurePageBuffer()

	return &Handle{IsWriter: false, VFD: reader, Buf: buf, MD: md, Shim: cacheshim.New(buf, nil)}, nil
}

// Close flushes (writer only) and releases every resource the handle
// owns.
func (h *Handle) Close() error {
	if h.IsWriter && h.Buf != nil {
		if err := h.Buf.Flush(); err != nil {
			return err
		}
	}
	// On an SWMR reader handle, VFD is the swmrvfd.Reader, which closes
	// MD itself.
	if h.IsWriter && h.MD != nil {
		if err := h.MD.Close(); err != nil {
			return err
		}
	}
	return h.VFD.Close()
}
