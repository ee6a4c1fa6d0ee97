package mdfile

import "testing"

func TestCreateMemorySeedsTickZero(t *testing.T) {
	f, err := CreateMemory(4096, 4)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h, err := f.ReadHeaderRaw()
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if h.TickNum != 0 {
		t.Fatalf("tick = %d, want 0", h.TickNum)
	}
	idx, err := f.ReadIndexRaw(h)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if len(idx.Records) != 0 {
		t.Fatalf("expected empty index, got %d records", len(idx.Records))
	}
}

func TestPublishAdvancesTick(t *testing.T) {
	f, err := CreateMemory(4096, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.WritePageImage(4, make([]byte, 4096)); err != nil {
		t.Fatalf("write page image: %v", err)
	}
	idx := Index{TickNum: 1, Records: []Record{{PageOffset: 2, MDPageOffset: 4, Length: 4096, Checksum: 7}}}
	h := Header{FSPageSize: 4096, TickNum: 1, IndexOffset: HeaderSize}
	if err := f.Publish(h, idx); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := f.ReadHeaderRaw()
	if err != nil {
		t.Fatal(err)
	}
	if got.TickNum != 1 {
		t.Fatalf("tick = %d, want 1", got.TickNum)
	}
}

func TestMaxIndexLength(t *testing.T) {
	f, err := CreateMemory(4096, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := f.MaxIndexLength(), uint64(2*4096-HeaderSize); got != want {
		t.Fatalf("max index length = %d, want %d", got, want)
	}
}
