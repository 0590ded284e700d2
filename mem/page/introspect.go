package page

import (
	"fmt"

	"github.com/joshuapare/memkit/mem"
)

// Stats returns current allocator statistics.
func (a *Allocator) Stats() Stats {
	a.cs.Enter()
	defer a.cs.Exit()
	return a.statsLocked()
}

func (a *Allocator) statsLocked() Stats {
	s := a.stats
	s.TotalBytes = a.Size()
	s.UsedBytes = a.usedPages << a.shift
	s.ReservedBytes = a.reservedPages << a.shift
	s.FreeBytes = a.freeBytesLocked()
	s.FreeBlocks = a.freeBlocks
	for h := a.freeHead; h != none; h = a.pages[h].next {
		s.LargestFree = max(s.LargestFree, a.pages[h].size)
	}
	return s
}

// Blocks returns every block in address order.
func (a *Allocator) Blocks() []Block {
	a.cs.Enter()
	defer a.cs.Exit()

	var out []Block
	for h := int32(0); int(h) < len(a.pages); h += a.blockPages(h) {
		out = append(out, Block{
			Addr:  a.addr(h),
			Size:  a.pages[h].size,
			Flags: a.pages[h].flags,
		})
	}
	return out
}

// Lookup describes the page containing addr and the block it belongs to.
func (a *Allocator) Lookup(addr mem.PhysAddr) (Descriptor, error) {
	idx, ok := a.index(addr)
	if !ok {
		return Descriptor{}, fmt.Errorf("page: lookup %v: %w", addr, mem.ErrBadAddress)
	}

	a.cs.Enter()
	defer a.cs.Exit()

	h := a.head(idx)
	return Descriptor{
		Addr:      a.addr(idx),
		Head:      a.addr(h),
		Distance:  uint64(idx - h),
		BlockSize: a.pages[h].size,
		Flags:     a.pages[h].flags,
	}, nil
}

// Snapshot copies the descriptor arena and free list for invariant checking.
func (a *Allocator) Snapshot() Snapshot {
	a.cs.Enter()
	defer a.cs.Exit()

	s := Snapshot{
		Base:     a.base,
		PageSize: a.pageSize,
		Pages:    make([]PageInfo, len(a.pages)),
		Stats:    a.statsLocked(),
	}
	for i, d := range a.pages {
		s.Pages[i] = PageInfo{Size: d.size, Flags: d.flags}
	}
	// Bound the walk so a corrupted (cyclic) list cannot hang the caller.
	for h, steps := a.freeHead, 0; h != none && steps <= len(a.pages); h, steps = a.pages[h].next, steps+1 {
		s.FreeList = append(s.FreeList, int(h))
	}
	return s
}
