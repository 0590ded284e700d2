package page

import (
	"fmt"
	"log/slog"
	"math"
	"math/bits"

	"github.com/joshuapare/memkit/internal/buf"
	"github.com/joshuapare/memkit/internal/critical"
	"github.com/joshuapare/memkit/internal/logger"
	"github.com/joshuapare/memkit/mem"
)

// Allocator is a first-fit physical page allocator with O(1) head resolution
// and merge-on-free.
type Allocator struct {
	cs *critical.Section

	base     mem.PhysAddr
	limit    uint64 // base + managed bytes (exclusive)
	pageSize uint64
	shift    uint

	pages    []descriptor
	freeHead int32

	usedPages     uint64
	reservedPages uint64
	freeBlocks    int

	stats Stats
}

// New creates an allocator managing cfg's range as a single free block.
func New(cfg Config, opts ...Option) (*Allocator, error) {
	if !mem.IsPowerOfTwo(cfg.PageSize) {
		return nil, fmt.Errorf("page: page size %d is not a power of two", cfg.PageSize)
	}
	if uint64(cfg.Base)%cfg.PageSize != 0 {
		return nil, fmt.Errorf("page: base %v is not page aligned", cfg.Base)
	}
	n := cfg.Size / cfg.PageSize
	if n == 0 {
		return nil, fmt.Errorf("page: %d bytes is less than one page: %w", cfg.Size, mem.ErrInvalidSize)
	}
	if n > math.MaxInt32 {
		return nil, fmt.Errorf("page: %d pages exceeds descriptor index range", n)
	}
	limit, ok := buf.AddOverflowSafe(uint64(cfg.Base), n*cfg.PageSize)
	if !ok {
		return nil, fmt.Errorf("page: range %v+0x%X overflows", cfg.Base, cfg.Size)
	}

	a := &Allocator{
		cs:       critical.New(nil),
		base:     cfg.Base,
		limit:    limit,
		pageSize: cfg.PageSize,
		shift:    uint(bits.TrailingZeros64(cfg.PageSize)),
		pages:    make([]descriptor, n),
		freeHead: none,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.stats.PageSize = cfg.PageSize

	a.stamp(0, int32(n), FlagHead)
	a.push(0)
	return a, nil
}

// PageSize returns the page size in bytes.
func (a *Allocator) PageSize() uint64 { return a.pageSize }

// Base returns the first managed physical address.
func (a *Allocator) Base() mem.PhysAddr { return a.base }

// Size returns the managed size in bytes.
func (a *Allocator) Size() uint64 { return uint64(len(a.pages)) << a.shift }

// Contains reports whether addr falls inside the managed range.
func (a *Allocator) Contains(addr mem.PhysAddr) bool {
	_, ok := a.index(addr)
	return ok
}

// Alloc returns the physical address of a block of at least size bytes,
// rounded up to whole pages. It returns ErrNoMemory when no free block is
// large enough.
func (a *Allocator) Alloc(size uint64) (mem.PhysAddr, error) {
	if size == 0 {
		return 0, fmt.Errorf("page: alloc: %w", mem.ErrInvalidSize)
	}

	a.cs.Enter()
	defer a.cs.Exit()

	a.stats.AllocCalls++

	if size > a.Size() {
		a.stats.AllocFailures++
		return 0, fmt.Errorf("page: alloc %d bytes: %w", size, mem.ErrNoMemory)
	}
	need := int32(mem.PageAlignUp(size, a.pageSize) >> a.shift)

	// First fit.
	h := a.freeHead
	for h != none && a.blockPages(h) < need {
		h = a.pages[h].next
	}
	if h == none {
		a.stats.AllocFailures++
		if logger.Enabled(slog.LevelDebug) {
			logger.Debug("page: out of memory", "size", size, "free_blocks", a.freeBlocks,
				"free_bytes", a.freeBytesLocked())
		}
		return 0, fmt.Errorf("page: alloc %d bytes: %w", size, mem.ErrNoMemory)
	}

	have := a.blockPages(h)
	a.remove(h)
	if have > need {
		a.stats.Splits++
		rest := h + need
		a.stamp(rest, have-need, FlagHead)
		a.push(rest)
	}
	a.stamp(h, need, FlagUsed|FlagHead)
	a.usedPages += uint64(need)

	return a.addr(h), nil
}

// Free returns the block containing addr to the allocator. addr may point
// anywhere inside the block. Freeing a block that is already free or that was
// reserved is rejected and leaves the allocator unchanged.
func (a *Allocator) Free(addr mem.PhysAddr) error {
	a.cs.Enter()
	defer a.cs.Exit()

	a.stats.FreeCalls++

	idx, ok := a.index(addr)
	if !ok {
		a.stats.InvalidFrees++
		return fmt.Errorf("page: free %v: %w", addr, mem.ErrBadAddress)
	}
	h := a.head(idx)
	flags := a.pages[h].flags
	switch {
	case flags&FlagReserved != 0:
		a.stats.InvalidFrees++
		return fmt.Errorf("page: free %v: %w", addr, mem.ErrReserved)
	case flags&FlagUsed == 0:
		a.stats.InvalidFrees++
		return fmt.Errorf("page: free %v: %w", addr, mem.ErrNotAllocated)
	}

	n := a.blockPages(h)
	a.usedPages -= uint64(n)

	start, total := h, n

	// Merge with the preceding block if it is free.
	if h > 0 {
		prev := a.head(h - 1)
		if a.pages[prev].flags&FlagUsed == 0 {
			a.stats.MergeBackward++
			a.remove(prev)
			start = prev
			total += a.blockPages(prev)
		}
	}

	// Merge with the following block if it is free.
	if next := h + n; int(next) < len(a.pages) && a.pages[next].flags&FlagUsed == 0 {
		a.stats.MergeForward++
		a.remove(next)
		total += a.blockPages(next)
	}

	a.stamp(start, total, FlagHead)
	a.push(start)
	return nil
}

// Reserve permanently removes [addr, addr+size) from the allocator. The start
// is truncated and the end rounded to page boundaries. The whole range must
// lie inside a single free block; otherwise Reserve fails with ErrRangeInUse
// and changes nothing.
func (a *Allocator) Reserve(addr mem.PhysAddr, size uint64) error {
	if size == 0 {
		return fmt.Errorf("page: reserve: %w", mem.ErrInvalidSize)
	}
	end, err := buf.CheckRange(uint64(a.base), a.limit, uint64(addr), size)
	if err != nil {
		return fmt.Errorf("page: reserve %v+0x%X: %w: %w", addr, size, mem.ErrBadAddress, err)
	}
	first := int32((mem.PageAlignDown(uint64(addr), a.pageSize) - uint64(a.base)) >> a.shift)
	last := int32((mem.PageAlignUp(end, a.pageSize) - uint64(a.base)) >> a.shift) // exclusive

	a.cs.Enter()
	defer a.cs.Exit()

	h := a.head(first)
	if a.pages[h].flags&FlagUsed != 0 {
		return fmt.Errorf("page: reserve %v+0x%X: %w", addr, size, mem.ErrRangeInUse)
	}
	blockEnd := h + a.blockPages(h)
	if last > blockEnd {
		return fmt.Errorf("page: reserve %v+0x%X: %w", addr, size, mem.ErrRangeInUse)
	}

	a.remove(h)
	if first > h {
		a.stats.Splits++
		a.stamp(h, first-h, FlagHead)
		a.push(h)
	}
	a.stamp(first, last-first, FlagUsed|FlagHead|FlagReserved)
	a.reservedPages += uint64(last - first)
	if last < blockEnd {
		a.stats.Splits++
		a.stamp(last, blockEnd-last, FlagHead)
		a.push(last)
	}
	a.stats.Reservations++
	return nil
}

// ============================================================================
// Internal helpers (callers hold the critical section)
// ============================================================================

// index converts a physical address into a descriptor index.
func (a *Allocator) index(addr mem.PhysAddr) (int32, bool) {
	if addr < a.base || uint64(addr) >= a.limit {
		return 0, false
	}
	return int32(uint64(addr-a.base) >> a.shift), true
}

func (a *Allocator) addr(i int32) mem.PhysAddr {
	return a.base + mem.PhysAddr(uint64(i)<<a.shift)
}

// head resolves the head page of the block containing page i.
func (a *Allocator) head(i int32) int32 {
	d := &a.pages[i]
	if d.flags&FlagHead != 0 {
		return i
	}
	if d.size > uint64(i) {
		panic(fmt.Sprintf("page: descriptor %d has distance %d past arena start", i, d.size))
	}
	return i - int32(d.size)
}

// blockPages returns the length in pages of the block headed by h.
func (a *Allocator) blockPages(h int32) int32 {
	return int32(a.pages[h].size >> a.shift)
}

// stamp writes a block of n pages headed by h: the head gets the byte size and
// flags, members get their distance from the head.
func (a *Allocator) stamp(h, n int32, flags Flags) {
	a.pages[h].size = uint64(n) << a.shift
	a.pages[h].flags = flags
	for k := int32(1); k < n; k++ {
		d := &a.pages[h+k]
		d.size = uint64(k)
		d.flags = 0
		d.next, d.prev = none, none
	}
}

// push inserts the free block headed by h at the front of the free list.
func (a *Allocator) push(h int32) {
	d := &a.pages[h]
	d.prev = none
	d.next = a.freeHead
	if a.freeHead != none {
		a.pages[a.freeHead].prev = h
	}
	a.freeHead = h
	a.freeBlocks++
}

// remove unlinks the free block headed by h.
func (a *Allocator) remove(h int32) {
	d := &a.pages[h]
	if d.prev != none {
		a.pages[d.prev].next = d.next
	} else {
		a.freeHead = d.next
	}
	if d.next != none {
		a.pages[d.next].prev = d.prev
	}
	d.next, d.prev = none, none
	a.freeBlocks--
}

func (a *Allocator) freeBytesLocked() uint64 {
	return (uint64(len(a.pages)) - a.usedPages - a.reservedPages) << a.shift
}
