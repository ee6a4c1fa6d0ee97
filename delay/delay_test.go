package delay

import "testing"

func TestDelayUntilAddsLag(t *testing.T) {
	p := Policy{MaxLag: 3}
	if got, want := p.DelayUntil(10), uint64(13); got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestZeroMaxLagDisablesDelay(t *testing.T) {
	p := Policy{MaxLag: 0}
	if got := p.DelayUntil(10); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}
