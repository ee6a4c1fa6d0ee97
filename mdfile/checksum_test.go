package mdfile

import "testing"

func TestFletcher32Deterministic(t *testing.T) {
	data := []byte("abcde")
	a := Fletcher32(data)
	b := Fletcher32(append([]byte(nil), data...))
	if a != b {
		t.Fatalf("Fletcher32 not deterministic: %#x vs %#x", a, b)
	}
	if a == 0 {
		t.Fatal("expected non-zero checksum for non-empty input")
	}
}

func TestFletcher32OddLength(t *testing.T) {
	// Exercises the trailing single-byte path (odd-length input).
	got := Fletcher32([]byte("abc"))
	if got == 0 {
		t.Fatal("expected non-zero checksum")
	}
}

func TestFletcher32EmptyIsZero(t *testing.T) {
	if got := Fletcher32(nil); got != 0 {
		t.Fatalf("Fletcher32(nil) = %#x, want 0", got)
	}
}

func TestFletcher32DetectsBitFlip(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	orig := Fletcher32(data)
	mutated := append([]byte(nil), data...)
	mutated[3] ^= 0x01
	if Fletcher32(mutated) == orig {
		t.Fatal("expected checksum to change after single-bit flip")
	}
}
