package vfd

import "testing"

func TestAllocateAdvancesEOA(t *testing.T) {
	f := OpenMemory(WithAlignment(4096, 1))

	addr, err := f.Allocate(MemMetadata, 4096)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if addr != 0 {
		t.Fatalf("expected first allocation at 0, got %d", addr)
	}
	if got := f.GetEOA(MemMetadata); got != 4096 {
		t.Fatalf("eoa = %d, want 4096", got)
	}

	addr2, err := f.Allocate(MemMetadata, 4096)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if addr2 != 4096 {
		t.Fatalf("expected second allocation at 4096, got %d", addr2)
	}
}

func TestWriteReadRoundtrip(t *testing.T) {
	f := OpenMemory()
	addr, err := f.Allocate(MemRawData, 16)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("0123456789abcdef")
	if err := f.Write(MemRawData, addr, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := f.Read(MemRawData, addr, len(want))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReadPastEOARejected(t *testing.T) {
	f := OpenMemory()
	if _, err := f.Read(MemMetadata, 0, 16); err == nil {
		t.Fatal("expected error reading past eoa")
	}
}

func TestSetEOARejectsRegression(t *testing.T) {
	f := OpenMemory()
	if err := f.SetEOA(MemMetadata, 4096); err != nil {
		t.Fatal(err)
	}
	if err := f.SetEOA(MemMetadata, 1024); err == nil {
		t.Fatal("expected error moving eoa backwards")
	}
}

func TestFeatures(t *testing.T) {
	f := OpenMemory(WithFeatures(FeatureSupportsSWMRIO))
	if !f.Features().Has(FeatureSupportsSWMRIO) {
		t.Fatal("expected SWMR IO feature bit set")
	}
	if f.Features().Has(FeatureDataSieve) {
		t.Fatal("did not expect data sieve feature bit set")
	}
}
