package swmr

import (
	"path/filepath"
	"testing"

	"github.com/bljhdf/hdf5/swmrerr"
	"github.com/bljhdf/hdf5/vfd"
)

func TestOptionsValidateConflicts(t *testing.T) {
	cases := []struct {
		name string
		opts Options
		ok   bool
	}{
		{"exclAndTrunc", Options{AccRDWR: true, AccExcl: true, AccTrunc: true}, false},
		{"rdwrAndRdonly", Options{AccRDWR: true, AccRDONLY: true}, false},
		{"neitherMode", Options{}, false},
		{"swmrWriteOnRdonly", Options{AccRDONLY: true, AccSWMRWrite: true}, false},
		{"swmrReadOnRdwr", Options{AccRDWR: true, AccSWMRRead: true}, false},
		{"pctOutOfRange", Options{AccRDWR: true, MinMetaPct: 60, MinRawPct: 60}, false},
		{"validWriter", Options{AccRDWR: true, MinMetaPct: 50, MinRawPct: 25}, true},
		{"validSWMRReader", Options{AccRDONLY: true, AccSWMRRead: true}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.opts.validate()
			if c.ok && err != nil {
				t.Fatalf("expected ok, got %v", err)
			}
			if !c.ok && err == nil {
				t.Fatalf("expected an error")
			}
			if !c.ok && err != nil {
				var se *swmrerr.Error
				if e, ok := err.(*swmrerr.Error); ok {
					se = e
				}
				if se == nil {
					t.Fatalf("expected a swmrerr.Error, got %T", err)
				}
			}
		})
	}
}

func TestCreateAndCloseNonSWMR(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container.h5")

	h, err := Create(path, Options{AccRDWR: true, PageBufferSize: 8 * 4096, PageSize: 4096, MinMetaPct: 50, MinRawPct: 25})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.VFD.Allocate(vfd.MemRawData, 4096); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := h.Buf.AddNewPage(vfd.MemRawData, 0, 4096); err != nil {
		t.Fatalf("add new page: %v", err)
	}
	if err := h.Buf.Write(vfd.MemRawData, 0, []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestCreateSWMRWriterPublishThenReaderReloads(t *testing.T) {
	dir := t.TempDir()
	containerPath := filepath.Join(dir, "container.h5")
	mdPath := filepath.Join(dir, "container.h5.swmr")

	writerOpts := Options{
		AccRDWR: true, AccSWMRWrite: true,
		PageBufferSize: 8 * 4096, PageSize: 4096,
		MinMetaPct: 50, MinRawPct: 25,
		MDPagesReserved: 4, MDFilePath: mdPath, MaxLag: 2,
	}
	w, err := Create(containerPath, writerOpts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := w.VFD.Allocate(vfd.MemMetadata, 4096); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := w.Buf.AddNewPage(vfd.MemMetadata, 0, 4096); err != nil {
		t.Fatalf("add new page: %v", err)
	}
	if err := w.Buf.Write(vfd.MemMetadata, 0, []byte("published-by-writer")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Tick.EndTick(); err != nil {
		t.Fatalf("end tick: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	readerOpts := Options{
		AccRDONLY: true, AccSWMRRead: true,
		PageBufferSize: 8 * 4096, PageSize: 4096,
		MDPagesReserved: 4, MDFilePath: mdPath,
	}
	r, err := Open(containerPath, readerOpts)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	got, err := r.Buf.Read(vfd.MemMetadata, 0, 4096)
	if err != nil {
		t.Fatalf("reader read: %v", err)
	}
	want := "published-by-writer"
	if string(got[:len(want)]) != want {
		t.Fatalf("got %q, want prefix %q", got[:len(want)], want)
	}
}
