// Package delay implements the delayed-write policy: the rule that
// decides, for a metadata page the writer has just dirtied, how many
// ticks must pass before the page buffer may actually write it back to
// the container. Without this delay a reader could observe a page's
// new bytes before it has had a chance to see the index entry that
// describes them, since the page buffer flushes independently of the
// tick coordinator's publish step.
package delay

// Policy computes delay_until = cur_tick + MaxLag, satisfying
// pagebuf.DelayPolicy structurally. MaxLag of 0 disables delay
// entirely: every dirtied page is eligible for write-back on the very
// next make-space pass, matching non-SWMR operation.
type Policy struct {
	MaxLag uint64
}

// DelayUntil returns the delay_until tick for a page dirtied during
// curTick; the page buffer releases the page for write-back only once
// the current tick is past this value. A zero result means "no delay"
// and the caller must not place the entry on the delayed-write list.
func (p Policy) DelayUntil(curTick uint64) uint64 {
	if p.MaxLag == 0 {
		return 0
	}
	return curTick + p.MaxLag
}
