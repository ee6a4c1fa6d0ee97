package mdfile

import (
	"fmt"
	"os"

	"github.com/bljhdf/hdf5/vfd"
)

// File is the low-level on-disk metadata file: a header at offset 0,
// an index immediately after it, and beyond md_pages_reserved pages,
// the buffered page/MPMDE images the writer has published. It does not
// know about ticks or retries — tick.Coordinator and swmrvfd.Reader
// layer that on top.
type File struct {
	backing         vfd.StorageFile
	path            string
	pageSize        uint32
	mdPagesReserved uint32
}

// dataBase is the byte offset at which page/MPMDE images begin, past
// the reserved header+index region.
func (f *File) dataBase() uint64 {
	return uint64(f.mdPagesReserved) * uint64(f.pageSize)
}

// Create creates a new metadata file, pre-zeroing its reserved region
// and seeding it with an empty tick-0 index.
func Create(path string, pageSize, mdPagesReserved uint32) (*File, error) {
	backing, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("mdfile: create %q: %w", path, err)
	}
	f := &File{backing: backing, path: path, pageSize: pageSize, mdPagesReserved: mdPagesReserved}

	zero := make([]byte, int(mdPagesReserved)*int(pageSize))
	if _, err := backing.WriteAt(zero, 0); err != nil {
		backing.Close()
		return nil, fmt.Errorf("mdfile: zero reserved region: %w", err)
	}
	if err := f.Publish(Header{FSPageSize: pageSize, TickNum: 0, IndexOffset: HeaderSize, IndexLength: uint64(EncodedSize(0))}, Index{TickNum: 0}); err != nil {
		backing.Close()
		return nil, err
	}
	return f, nil
}

// CreateMemory is Create backed entirely by memory, for tests and the
// in-memory demo mode.
func CreateMemory(pageSize, mdPagesReserved uint32) (*File, error) {
	f := &File{backing: vfd.NewMemFile(), path: ":memory:", pageSize: pageSize, mdPagesReserved: mdPagesReserved}
	zero := make([]byte, int(mdPagesReserved)*int(pageSize))
	if _, err := f.backing.WriteAt(zero, 0); err != nil {
		return nil, err
	}
	if err := f.Publish(Header{FSPageSize: pageSize, TickNum: 0, IndexOffset: HeaderSize, IndexLength: uint64(EncodedSize(0))}, Index{TickNum: 0}); err != nil {
		return nil, err
	}
	return f, nil
}

// Open opens an existing metadata file read-write, both for the writer
// to continue publishing into and for the SWMR reader VFD, which layers
// its own retries on top of ReadHeaderRaw, ReadIndexRaw and ReadRaw.
func Open(path string, pageSize, mdPagesReserved uint32) (*File, error) {
	backing, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("mdfile: open %q: %w", path, err)
	}
	return &File{backing: backing, path: path, pageSize: pageSize, mdPagesReserved: mdPagesReserved}, nil
}

// OpenReadOnlyRaw opens the backing file read-only and returns it as a
// bare StorageFile, with no header or index validation and no retries.
func OpenReadOnlyRaw(path string) (vfd.StorageFile, error) {
	return os.OpenFile(path, os.O_RDONLY, 0)
}

// ReadHeaderRaw loads and validates the header with no retry; callers
// that need to tolerate a writer publishing concurrently must retry
// themselves (see swmrvfd.Reader.ReloadIndex).
func (f *File) ReadHeaderRaw() (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := f.backing.ReadAt(buf, 0); err != nil {
		return Header{}, fmt.Errorf("mdfile: read header: %w", err)
	}
	return DecodeHeader(buf)
}

// ReadIndexRaw loads and validates the index described by h, with no
// retry.
func (f *File) ReadIndexRaw(h Header) (Index, error) {
	buf := make([]byte, h.IndexLength)
	if _, err := f.backing.ReadAt(buf, int64(h.IndexOffset)); err != nil {
		return Index{}, fmt.Errorf("mdfile: read index: %w", err)
	}
	return DecodeIndex(buf)
}

// WritePageImage writes a page or MPMDE image at its assigned page
// offset, an absolute page number within the metadata file (slots below
// MDPagesReserved hold the header and index).
func (f *File) WritePageImage(mdPageOffset uint64, data []byte) error {
	off := mdPageOffset * uint64(f.pageSize)
	_, err := f.backing.WriteAt(data, int64(off))
	return err
}

// ReadRaw reads size bytes at an absolute metadata-file offset,
// without any page/MPMDE interpretation; used by the reader VFD once
// it has located the record describing a page.
func (f *File) ReadRaw(off uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := f.backing.ReadAt(buf, int64(off))
	if err != nil && n < size {
		return nil, err
	}
	return buf, nil
}

// Publish writes header+index in the order the ordering contract
// requires: callers must have already written every referenced page
// image via WritePageImage before calling Publish. It writes the index
// first, then the header, so a reader that sees the new header is
// guaranteed to find a fully-written index beneath it.
func (f *File) Publish(h Header, idx Index) error {
	buf := idx.Encode()
	h.IndexLength = uint64(len(buf))
	if _, err := f.backing.WriteAt(buf, int64(h.IndexOffset)); err != nil {
		return fmt.Errorf("mdfile: write index: %w", err)
	}
	if _, err := f.backing.WriteAt(h.Encode(), 0); err != nil {
		return fmt.Errorf("mdfile: write header: %w", err)
	}
	return f.backing.Sync()
}

// MaxIndexLength returns the largest encoded index size that still fits
// in the reserved header+index region.
func (f *File) MaxIndexLength() uint64 {
	return f.dataBase() - HeaderSize
}

// PageSize returns the configured page size.
func (f *File) PageSize() uint32 { return f.pageSize }

// MDPagesReserved returns the number of pages reserved for header+index.
func (f *File) MDPagesReserved() uint32 { return f.mdPagesReserved }

// Path returns the backing path ("" / ":memory:" for in-memory files).
func (f *File) Path() string { return f.path }

// Close closes the backing file.
func (f *File) Close() error { return f.backing.Close() }
