package mmu

import (
	"context"
	"sort"
	"sync"

	"github.com/joshuapare/memkit/mem"
)

const (
	// defaultRangeCapacity is the pre-allocated capacity for pending ranges.
	defaultRangeCapacity = 64

	// compactThreshold is the pending count at which Add first merges ranges.
	compactThreshold = 256

	// maxPendingRanges bounds pending ranges after a merge. Past it each
	// directory collapses to one covering range, which over-invalidates.
	maxPendingRanges = 1024
)

// Range is a virtual range whose translations must be invalidated.
type Range struct {
	Dir  mem.Directory
	Virt mem.VirtAddr
	Len  uint64
}

// InvalidateFunc performs TLB maintenance for one coalesced range.
type InvalidateFunc func(ctx context.Context, r Range) error

// Tracker accumulates torn-down virtual ranges and hands them to an
// invalidate callback in page-aligned, coalesced batches. It is safe for
// concurrent use.
type Tracker struct {
	mu         sync.Mutex
	ranges     []Range
	compactAt  int
	pageSize   uint64
	invalidate InvalidateFunc

	flushes     int
	invalidated int
}

// NewTracker creates a tracker that aligns to pageSize and calls fn on Flush.
// A nil fn discards ranges on Flush.
func NewTracker(pageSize uint64, fn InvalidateFunc) *Tracker {
	return &Tracker{
		ranges:     make([]Range, 0, defaultRangeCapacity),
		compactAt:  compactThreshold,
		pageSize:   pageSize,
		invalidate: fn,
	}
}

// Add records a range. Alignment and merging happen at flush time, or
// earlier once enough ranges are pending.
func (t *Tracker) Add(dir mem.Directory, virt mem.VirtAddr, length uint64) {
	if length == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ranges = append(t.ranges, Range{Dir: dir, Virt: virt, Len: length})
	if len(t.ranges) >= t.compactAt {
		t.compact()
	}
}

// compact merges pending ranges in place and, when they are still too many,
// widens them to one range per directory. The next compaction waits until
// the pending count doubles.
func (t *Tracker) compact() {
	merged := t.coalesce()
	if len(merged) > maxPendingRanges {
		merged = spanPerDirectory(merged)
	}
	t.ranges = append(t.ranges[:0], merged...)
	t.compactAt = max(compactThreshold, 2*len(t.ranges))
}

// Flush coalesces pending ranges and invalidates each one. If ctx is cancelled
// part way, the ranges not yet invalidated stay pending.
func (t *Tracker) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.ranges) == 0 {
		return nil
	}
	merged := t.coalesce()
	for i, r := range merged {
		if err := ctx.Err(); err != nil {
			t.ranges = append(t.ranges[:0], merged[i:]...)
			return err
		}
		if t.invalidate != nil {
			if err := t.invalidate(ctx, r); err != nil {
				t.ranges = append(t.ranges[:0], merged[i:]...)
				return err
			}
		}
		t.invalidated++
	}
	t.flushes++
	t.ranges = t.ranges[:0]
	t.compactAt = compactThreshold
	return nil
}

// Pending returns a copy of the ranges not yet flushed. Below the compaction
// threshold they are exactly what Add recorded.
func (t *Tracker) Pending() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Range, len(t.ranges))
	copy(out, t.ranges)
	return out
}

// Coalesced returns the ranges Flush would invalidate.
func (t *Tracker) Coalesced() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.coalesce()
}

// Reset drops all pending ranges.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.ranges = t.ranges[:0]
	t.compactAt = compactThreshold
	t.mu.Unlock()
}

// Counts returns the number of completed flushes and invalidated ranges.
func (t *Tracker) Counts() (flushes, invalidated int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushes, t.invalidated
}

// coalesce page-aligns all ranges, sorts them by directory then address, and
// merges overlapping or adjacent ranges of the same directory.
func (t *Tracker) coalesce() []Range {
	if len(t.ranges) == 0 {
		return nil
	}

	aligned := make([]Range, len(t.ranges))
	for i, r := range t.ranges {
		start := mem.PageAlignDown(uint64(r.Virt), t.pageSize)
		end := mem.PageAlignUp(uint64(r.Virt)+r.Len, t.pageSize)
		aligned[i] = Range{Dir: r.Dir, Virt: mem.VirtAddr(start), Len: end - start}
	}

	sort.Slice(aligned, func(i, j int) bool {
		if aligned[i].Dir != aligned[j].Dir {
			return aligned[i].Dir < aligned[j].Dir
		}
		return aligned[i].Virt < aligned[j].Virt
	})

	merged := make([]Range, 0, len(aligned))
	current := aligned[0]
	for _, next := range aligned[1:] {
		curEnd := uint64(current.Virt) + current.Len
		if next.Dir == current.Dir && uint64(next.Virt) <= curEnd {
			current.Len = max(curEnd, uint64(next.Virt)+next.Len) - uint64(current.Virt)
			continue
		}
		merged = append(merged, current)
		current = next
	}
	return append(merged, current)
}

// spanPerDirectory replaces sorted, merged ranges with a single range per
// directory covering its lowest to highest address.
func spanPerDirectory(merged []Range) []Range {
	out := merged[:0:0]
	for _, r := range merged {
		if n := len(out); n > 0 && out[n-1].Dir == r.Dir {
			out[n-1].Len = uint64(r.Virt) + r.Len - uint64(out[n-1].Virt)
			continue
		}
		out = append(out, r)
	}
	return out
}
