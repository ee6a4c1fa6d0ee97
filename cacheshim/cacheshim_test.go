package cacheshim

import (
	"testing"

	"github.com/bljhdf/hdf5/mdfile"
	"github.com/bljhdf/hdf5/pagebuf"
	"github.com/bljhdf/hdf5/tick"
	"github.com/bljhdf/hdf5/vfd"
)

func TestShimAddWriteReadRoundtrip(t *testing.T) {
	v := vfd.OpenMemory()
	if _, err := v.Allocate(vfd.MemMetadata, 4096*4); err != nil {
		t.Fatal(err)
	}
	buf := pagebuf.New(pagebuf.Config{MaxPages: 16, PageSize: 4096, VFDSWMRWriter: true}, v, nil)
	md, err := mdfile.CreateMemory(4096, 4)
	if err != nil {
		t.Fatal(err)
	}
	coord := tick.New(buf, md)
	s := New(buf, coord)

	if _, err := s.AddNew(vfd.MemMetadata, 0, 4096); err != nil {
		t.Fatalf("add new: %v", err)
	}
	if err := s.Write(vfd.MemMetadata, 0, []byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.Read(vfd.MemMetadata, 0, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("got %q", got)
	}
	if err := s.UpdateIndex(); err != nil {
		t.Fatalf("update index: %v", err)
	}
}

func TestReaderShimUpdateIndexUnsupported(t *testing.T) {
	v := vfd.OpenMemory()
	buf := pagebuf.New(pagebuf.Config{MaxPages: 16, PageSize: 4096}, v, nil)
	s := New(buf, nil)
	if err := s.UpdateIndex(); err == nil {
		t.Fatalf("expected an error from a reader-side shim")
	}
}
