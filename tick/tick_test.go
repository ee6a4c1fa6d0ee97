package tick

import (
	"bytes"
	"testing"

	"github.com/bljhdf/hdf5/delay"
	"github.com/bljhdf/hdf5/mdfile"
	"github.com/bljhdf/hdf5/pagebuf"
	"github.com/bljhdf/hdf5/swmrvfd"
	"github.com/bljhdf/hdf5/vfd"
)

func TestEndTickPublishesDirtyPages(t *testing.T) {
	v := vfd.OpenMemory()
	if _, err := v.Allocate(vfd.MemMetadata, 4096*4); err != nil {
		t.Fatal(err)
	}
	buf := pagebuf.New(pagebuf.Config{MaxPages: 16, PageSize: 4096, VFDSWMRWriter: true}, v, nil)
	if _, err := buf.AddNewPage(vfd.MemMetadata, 0, 4096); err != nil {
		t.Fatal(err)
	}
	if err := buf.Write(vfd.MemMetadata, 0, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	md, err := mdfile.CreateMemory(4096, 4)
	if err != nil {
		t.Fatal(err)
	}
	c := New(buf, md)

	if err := c.EndTick(); err != nil {
		t.Fatalf("end tick: %v", err)
	}
	if c.CurTick() != 1 {
		t.Fatalf("tick = %d, want 1", c.CurTick())
	}
	e, ok := c.Find(0)
	if !ok {
		t.Fatalf("expected an index entry for page 0")
	}
	if e.Clean {
		t.Fatalf("expected entry to stay unclean: its page is still dirty in the buffer")
	}

	h, err := md.ReadHeaderRaw()
	if err != nil {
		t.Fatal(err)
	}
	idx, err := md.ReadIndexRaw(h)
	if err != nil {
		t.Fatal(err)
	}
	rec, found := idx.Find(0)
	if !found {
		t.Fatalf("expected published index to contain page 0")
	}
	if rec.Length != 4096 {
		t.Fatalf("length = %d, want 4096", rec.Length)
	}
}

func TestEndTickAdvancesByExactlyOne(t *testing.T) {
	v := vfd.OpenMemory()
	if _, err := v.Allocate(vfd.MemMetadata, 4096*4); err != nil {
		t.Fatal(err)
	}
	buf := pagebuf.New(pagebuf.Config{MaxPages: 16, PageSize: 4096, VFDSWMRWriter: true}, v, nil)
	md, err := mdfile.CreateMemory(4096, 4)
	if err != nil {
		t.Fatal(err)
	}
	c := New(buf, md)
	for i := uint64(1); i <= 3; i++ {
		if err := c.EndTick(); err != nil {
			t.Fatalf("end tick %d: %v", i, err)
		}
		if c.CurTick() != i {
			t.Fatalf("tick = %d, want %d", c.CurTick(), i)
		}
	}
}

// A raw-data write under an SWMR writer must never reach the tick list
// or the published index: §1 and §4.4's decision table reserve the
// tick-publish pipeline for metadata pages, raw data is only
// optionally cached.
func TestRawWriteUnderSWMRWriterNeverEntersTickListOrIndex(t *testing.T) {
	const pageSize = 4096
	v := vfd.OpenMemory()
	if _, err := v.Allocate(vfd.MemRawData, pageSize); err != nil {
		t.Fatal(err)
	}
	buf := pagebuf.New(pagebuf.Config{MaxPages: 16, PageSize: pageSize, VFDSWMRWriter: true}, v, nil)
	if _, err := buf.AddNewPage(vfd.MemRawData, 0, pageSize); err != nil {
		t.Fatal(err)
	}
	if err := buf.Write(vfd.MemRawData, 0, []byte("raw-payload")); err != nil {
		t.Fatal(err)
	}
	if got := buf.TickEntries(); len(got) != 0 {
		t.Fatalf("expected no tick-list entries for a raw-data write, got %d", len(got))
	}

	md, err := mdfile.CreateMemory(pageSize, 4)
	if err != nil {
		t.Fatal(err)
	}
	c := New(buf, md)
	if err := c.EndTick(); err != nil {
		t.Fatalf("end tick: %v", err)
	}
	if _, ok := c.Find(0); ok {
		t.Fatalf("expected a raw-data page to never appear in the published index")
	}
}

// TestDelayedWriteKeepsStaleReaderOnOldBytesUntilExpiry mirrors §8
// scenario 3: a metadata page loaded from the container is overwritten
// under a delayed-write policy, and a reader who reloads its index
// every tick must keep observing the old bytes (falling through to the
// container, since the page was never published in its new form) until
// the delay expires, at which point the published index starts
// reporting the new bytes.
func TestDelayedWriteKeepsStaleReaderOnOldBytesUntilExpiry(t *testing.T) {
	const pageSize = 4096
	container := vfd.OpenMemory()
	if _, err := container.Allocate(vfd.MemMetadata, pageSize); err != nil {
		t.Fatal(err)
	}
	oldBytes := bytes.Repeat([]byte{0xAA}, pageSize)
	copy(oldBytes, []byte("old-bytes-from-a-prior-session"))
	if err := container.Write(vfd.MemMetadata, 0, oldBytes); err != nil {
		t.Fatal(err)
	}

	buf := pagebuf.New(pagebuf.Config{MaxPages: 16, PageSize: pageSize, VFDSWMRWriter: true}, container, delay.Policy{MaxLag: 3})
	md, err := mdfile.CreateMemory(pageSize, 4)
	if err != nil {
		t.Fatal(err)
	}
	c := New(buf, md)

	if err := c.EndTick(); err != nil { // tick 1: nothing dirty yet
		t.Fatalf("end tick 1: %v", err)
	}

	if _, err := buf.Read(vfd.MemMetadata, 0, pageSize); err != nil {
		t.Fatalf("load page from container: %v", err)
	}

	newBytes := bytes.Repeat([]byte{0xBB}, pageSize)
	copy(newBytes, []byte("new-bytes-written-with-a-pending-delay"))
	if err := buf.Write(vfd.MemMetadata, 0, newBytes); err != nil {
		t.Fatalf("write: %v", err)
	}

	r, err := swmrvfd.Open(container, md, 4)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	r.ConfigurePageBuffer()

	for tick := uint64(2); tick <= 3; tick++ {
		if err := c.EndTick(); err != nil {
			t.Fatalf("end tick %d: %v", tick, err)
		}
		if err := r.ReloadIndex(); err != nil {
			t.Fatalf("reload index at tick %d: %v", tick, err)
		}
		got, err := r.Read(vfd.MemMetadata, 0, pageSize)
		if err != nil {
			t.Fatalf("read at tick %d: %v", tick, err)
		}
		if !bytes.Equal(got, oldBytes) {
			t.Fatalf("tick %d: expected stale reader to still see old bytes, got %q", tick, got[:40])
		}
	}

	if err := c.EndTick(); err != nil { // tick 4: delay expires, new bytes publish
		t.Fatalf("end tick 4: %v", err)
	}
	if err := r.ReloadIndex(); err != nil {
		t.Fatalf("reload index at tick 4: %v", err)
	}
	got, err := r.Read(vfd.MemMetadata, 0, pageSize)
	if err != nil {
		t.Fatalf("read at tick 4: %v", err)
	}
	if !bytes.Equal(got, newBytes) {
		t.Fatalf("tick 4: expected reader to observe published bytes after delay expiry, got %q", got[:40])
	}
}
