// Package mdfile implements the bit-exact on-disk format of the
// metadata file: a fixed-size header followed by a sorted index of
// {page, md_page, length, checksum} records. Both integer encodings
// are little-endian; both the header and the index carry their own
// trailing Fletcher-32 checksum so a reader racing a writer mid-publish
// observes a mismatch rather than a torn record.
package mdfile

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/bljhdf/hdf5/swmrerr"
)

// HeaderMagic and IndexMagic are the 4-byte ASCII tags that open the
// header and index records respectively. They are deliberately
// distinct so a reader can never mistake one for the other.
var (
	HeaderMagic = [4]byte{'M', 'D', 'H', 'D'}
	IndexMagic  = [4]byte{'M', 'D', 'I', 'X'}
)

// HeaderSize is the fixed on-disk size of a Header record.
const HeaderSize = 4 + 4 + 8 + 8 + 8 + 4 // = 36

// Header is the fixed-size record at offset 0 of the metadata file.
type Header struct {
	FSPageSize  uint32
	TickNum     uint64
	IndexOffset uint64
	IndexLength uint64
}

// Encode serializes h, including its trailing checksum, into exactly
// HeaderSize bytes.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], HeaderMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.FSPageSize)
	binary.LittleEndian.PutUint64(buf[8:16], h.TickNum)
	binary.LittleEndian.PutUint64(buf[16:24], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[24:32], h.IndexLength)
	cksum := Fletcher32(buf[0:32])
	binary.LittleEndian.PutUint32(buf[32:36], cksum)
	return buf
}

// DecodeHeader validates magic and checksum before returning the
// parsed fields. Both checks are the caller's only defense against a
// write still in flight; DecodeHeader itself never retries.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, swmrerr.New(swmrerr.Truncated, "mdfile.DecodeHeader")
	}
	if buf[0] != HeaderMagic[0] || buf[1] != HeaderMagic[1] || buf[2] != HeaderMagic[2] || buf[3] != HeaderMagic[3] {
		return Header{}, swmrerr.Wrap(swmrerr.ChecksumMismatch, "mdfile.DecodeHeader", fmt.Errorf("bad magic"))
	}
	stored := binary.LittleEndian.Uint32(buf[32:36])
	computed := Fletcher32(buf[0:32])
	if stored != computed {
		return Header{}, swmrerr.Wrap(swmrerr.ChecksumMismatch, "mdfile.DecodeHeader", fmt.Errorf("stored %#x != computed %#x", stored, computed))
	}
	return Header{
		FSPageSize:  binary.LittleEndian.Uint32(buf[4:8]),
		TickNum:     binary.LittleEndian.Uint64(buf[8:16]),
		IndexOffset: binary.LittleEndian.Uint64(buf[16:24]),
		IndexLength: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// Record is the on-disk shape of one index entry: the container page it
// describes, where in the metadata file its image lives, and the
// bytes+checksum needed to validate a read of it.
type Record struct {
	PageOffset   uint64 // hdf5_page_offset
	MDPageOffset uint64 // md_file_page_offset
	Length       uint32
	Checksum     uint32
}

const recordSize = 4 + 4 + 4 + 4 // page_offset + md_page_offset + length + checksum, all u32 on disk

// Index is the decoded {tick, sorted records} pair. Entries are always
// kept sorted ascending by PageOffset; Encode and DecodeIndex both
// enforce this.
type Index struct {
	TickNum uint64
	Records []Record
}

const indexFixedSize = 4 + 8 + 4 // magic + tick_num + num_entries
const indexTrailerSize = 4       // trailing checksum

// EncodedSize returns the number of bytes Encode will produce for n
// records.
func EncodedSize(numRecords int) int {
	return indexFixedSize + numRecords*recordSize + indexTrailerSize
}

// Encode serializes the index. Panics if Records is not sorted
// ascending by PageOffset — callers are expected to maintain that
// invariant continuously, not discover it here.
func (idx Index) Encode() []byte {
	if !sort.SliceIsSorted(idx.Records, func(i, j int) bool {
		return idx.Records[i].PageOffset < idx.Records[j].PageOffset
	}) {
		panic("mdfile: Index.Encode: records not sorted by PageOffset")
	}
	size := EncodedSize(len(idx.Records))
	buf := make([]byte, size)
	copy(buf[0:4], IndexMagic[:])
	binary.LittleEndian.PutUint64(buf[4:12], idx.TickNum)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(idx.Records)))

	off := indexFixedSize
	for _, r := range idx.Records {
		binary.LittleEndian.PutUint32(buf[off:], uint32(r.PageOffset))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(r.MDPageOffset))
		binary.LittleEndian.PutUint32(buf[off+8:], r.Length)
		binary.LittleEndian.PutUint32(buf[off+12:], r.Checksum)
		off += recordSize
	}
	cksum := Fletcher32(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], cksum)
	return buf
}

// DecodeIndex validates magic, trailing checksum and ascending sort
// order before returning the parsed index.
func DecodeIndex(buf []byte) (Index, error) {
	if len(buf) < indexFixedSize+indexTrailerSize {
		return Index{}, swmrerr.New(swmrerr.Truncated, "mdfile.DecodeIndex")
	}
	if buf[0] != IndexMagic[0] || buf[1] != IndexMagic[1] || buf[2] != IndexMagic[2] || buf[3] != IndexMagic[3] {
		return Index{}, swmrerr.Wrap(swmrerr.ChecksumMismatch, "mdfile.DecodeIndex", fmt.Errorf("bad magic"))
	}
	tick := binary.LittleEndian.Uint64(buf[4:12])
	numEntries := binary.LittleEndian.Uint32(buf[12:16])

	want := EncodedSize(int(numEntries))
	if len(buf) < want {
		return Index{}, swmrerr.New(swmrerr.Truncated, "mdfile.DecodeIndex")
	}

	off := indexFixedSize
	records := make([]Record, numEntries)
	for i := range records {
		records[i] = Record{
			PageOffset:   uint64(binary.LittleEndian.Uint32(buf[off:])),
			MDPageOffset: uint64(binary.LittleEndian.Uint32(buf[off+4:])),
			Length:       binary.LittleEndian.Uint32(buf[off+8:]),
			Checksum:     binary.LittleEndian.Uint32(buf[off+12:]),
		}
		off += recordSize
	}

	stored := binary.LittleEndian.Uint32(buf[off:])
	computed := Fletcher32(buf[:off])
	if stored != computed {
		return Index{}, swmrerr.Wrap(swmrerr.ChecksumMismatch, "mdfile.DecodeIndex", fmt.Errorf("stored %#x != computed %#x", stored, computed))
	}

	for i := 1; i < len(records); i++ {
		if records[i-1].PageOffset >= records[i].PageOffset {
			return Index{}, swmrerr.Wrap(swmrerr.ChecksumMismatch, "mdfile.DecodeIndex", fmt.Errorf("records not strictly ascending at %d", i))
		}
	}

	return Index{TickNum: tick, Records: records}, nil
}

// Find returns the record describing pageOffset, if any, via binary
// search over the sorted array.
func (idx Index) Find(pageOffset uint64) (Record, bool) {
	i := sort.Search(len(idx.Records), func(i int) bool {
		return idx.Records[i].PageOffset >= pageOffset
	})
	if i < len(idx.Records) && idx.Records[i].PageOffset == pageOffset {
		return idx.Records[i], true
	}
	return Record{}, false
}
