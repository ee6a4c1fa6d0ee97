package mdfile

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/klauspost/compress/snappy"
	"github.com/natefinch/atomic"
)

// ExportSnapshot writes a diagnostic, out-of-band dump of the metadata
// file's current header, index and every page the index describes, to
// a single file at path. It is not part of the SWMR wire protocol —
// nothing ever reads it back into a live File — so unlike the
// metadata file itself it is free to use a compact, compressed
// encoding and an atomic whole-file write.
//
// Format: a 4-byte count of pages, then for each page {page_offset
// u64, snappy-compressed length u32, compressed bytes}, followed by
// the index's own Encode() bytes.
func ExportSnapshot(path string, idx Index, pages map[uint64][]byte) error {
	offsets := make([]uint64, 0, len(pages))
	for off := range pages {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	var buf []byte
	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(offsets)))
	buf = append(buf, countBuf...)

	for _, off := range offsets {
		compressed := snappy.Encode(nil, pages[off])
		head := make([]byte, 8+4)
		binary.LittleEndian.PutUint64(head[0:8], off)
		binary.LittleEndian.PutUint32(head[8:12], uint32(len(compressed)))
		buf = append(buf, head...)
		buf = append(buf, compressed...)
	}
	buf = append(buf, idx.Encode()...)

	return atomic.WriteFile(path, bytes.NewReader(buf))
}

// ImportSnapshotPages decompresses the page payloads out of a snapshot
// produced by ExportSnapshot, keyed by page offset. It does not
// attempt to reconstruct the index; callers that need it can decode
// the trailing bytes with DecodeIndex directly.
func ImportSnapshotPages(buf []byte) (map[uint64][]byte, error) {
	pages := make(map[uint64][]byte)
	if len(buf) < 4 {
		return pages, nil
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	for i := uint32(0); i < n; i++ {
		pageOffset := binary.LittleEndian.Uint64(buf[off : off+8])
		length := binary.LittleEndian.Uint32(buf[off+8 : off+12])
		off += 12
		compressed := buf[off : off+int(length)]
		off += int(length)
		decoded, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, err
		}
		pages[pageOffset] = decoded
	}
	return pages, nil
}
