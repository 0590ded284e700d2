package heap

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"

	"github.com/joshuapare/memkit/internal/logger"
	"github.com/joshuapare/memkit/mem"
)

// FreeList is a first-fit heap over page blocks obtained on demand.
//   - Min-heaps per size class give best fit within a class
//   - startIdx/endIdx give O(1) neighbour lookup for coalescing
//   - regions records every page block so coalescing never crosses one
type FreeList struct {
	mu  sync.Mutex
	src PageSource

	sizeTable *sizeClassTable
	align     uint64
	growPages uint64

	freeLists []freeList
	largeFree *largeBlock

	// Pool for reusing freeBlock structs
	blockPool sync.Pool

	// startIdx: addr -> size, endIdx: end addr -> addr
	startIdx map[mem.PhysAddr]uint64
	endIdx   map[mem.PhysAddr]mem.PhysAddr
	byAddr   map[mem.PhysAddr]*freeBlock

	// Sorted by start address
	regions []region

	// Allocation side table: block addr -> block size
	used map[mem.PhysAddr]uint64

	stats FreeListStats
}

// FreeListConfig tunes a FreeList. Zero fields take defaults.
type FreeListConfig struct {
	SizeClasses *SizeClassConfig // nil means DefaultSizeClasses
	Align       uint64           // Block granularity, power of two (default 16)
	GrowPages   uint64           // Minimum pages requested per growth (default 1)
}

// FreeListStats holds FreeList counters.
type FreeListStats struct {
	GrowCalls        int
	GrowBytes        uint64 // Cumulative; released regions are not subtracted
	RegionsReleased  int
	AllocCalls       int
	AllocFailures    int
	FreeCalls        int
	InvalidFrees     int
	BytesAllocated   uint64
	BytesFreed       uint64
	SplitCount       int
	CoalesceForward  int
	CoalesceBackward int
	HeapPushes       int
	HeapRemoves      int

	Regions   int
	FreeBytes uint64
	LiveBytes uint64
	Live      int
}

type region struct {
	start mem.PhysAddr
	end   mem.PhysAddr // exclusive
}

// freeList is a size-class-specific free list using a min-heap.
type freeList struct {
	heap  freeBlockHeap
	count int
}

// freeBlock is one free span, kept in a min-heap by size.
type freeBlock struct {
	addr      mem.PhysAddr
	size      uint64
	sc        int
	heapIndex int
}

// freeBlockHeap implements heap.Interface keyed on block size.
type freeBlockHeap []*freeBlock

func (h *freeBlockHeap) Len() int { return len(*h) }

func (h *freeBlockHeap) Less(i, j int) bool {
	return (*h)[i].size < (*h)[j].size
}

func (h *freeBlockHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].heapIndex = i
	(*h)[j].heapIndex = j
}

func (h *freeBlockHeap) Push(x any) {
	b := x.(*freeBlock) //nolint:errcheck // heap.Interface contract guarantees type
	b.heapIndex = len(*h)
	*h = append(*h, b)
}

func (h *freeBlockHeap) Pop() any {
	old := *h
	n := len(old)
	b := old[n-1]
	b.heapIndex = -1
	*h = old[0 : n-1]
	return b
}

// largeBlock holds free spans at or above MediumMax.
type largeBlock struct {
	addr mem.PhysAddr
	size uint64
	next *largeBlock
}

// NewFreeList creates an empty heap. It takes no pages until the first Alloc.
func NewFreeList(src PageSource, cfg FreeListConfig) (*FreeList, error) {
	if src == nil {
		return nil, fmt.Errorf("heap: nil page source")
	}
	classes := DefaultSizeClasses
	if cfg.SizeClasses != nil {
		classes = *cfg.SizeClasses
	}
	if cfg.Align == 0 {
		cfg.Align = 16
	}
	if !mem.IsPowerOfTwo(cfg.Align) {
		return nil, fmt.Errorf("heap: alignment %d is not a power of two", cfg.Align)
	}
	if cfg.GrowPages == 0 {
		cfg.GrowPages = 1
	}

	table := newSizeClassTable(classes)
	return &FreeList{
		src:       src,
		sizeTable: table,
		align:     cfg.Align,
		growPages: cfg.GrowPages,
		freeLists: make([]freeList, table.numClasses()),
		startIdx:  make(map[mem.PhysAddr]uint64),
		endIdx:    make(map[mem.PhysAddr]mem.PhysAddr),
		byAddr:    make(map[mem.PhysAddr]*freeBlock),
		used:      make(map[mem.PhysAddr]uint64),
	}, nil
}

// Alloc returns a block of at least size bytes, growing by page blocks when
// no free span fits.
func (fl *FreeList) Alloc(size uint64) (mem.PhysAddr, error) {
	if size == 0 {
		return 0, fmt.Errorf("heap: alloc: %w", mem.ErrInvalidSize)
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	fl.stats.AllocCalls++
	need := mem.PageAlignUp(size, fl.align)
	if need < size {
		fl.stats.AllocFailures++
		return 0, fmt.Errorf("heap: alloc %d bytes: %w", size, mem.ErrInvalidSize)
	}

	b := fl.take(need)
	if b == nil {
		if err := fl.growLocked(need); err != nil {
			fl.stats.AllocFailures++
			return 0, err
		}
		b = fl.take(need)
		if b == nil {
			fl.stats.AllocFailures++
			return 0, fmt.Errorf("heap: alloc %d bytes after grow: %w", size, mem.ErrNoMemory)
		}
	}

	addr, have := b.addr, b.size
	fl.putFreeBlock(b)

	if have-need >= fl.align {
		fl.stats.SplitCount++
		fl.insert(addr+mem.PhysAddr(need), have-need)
		have = need
	}

	fl.used[addr] = have
	fl.stats.BytesAllocated += have
	return addr, nil
}

// Free returns a block obtained from Alloc and coalesces it with free
// neighbours inside the same page region.
func (fl *FreeList) Free(p mem.PhysAddr) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	fl.stats.FreeCalls++
	size, ok := fl.used[p]
	if !ok {
		fl.stats.InvalidFrees++
		return fmt.Errorf("heap: free %v: %w", p, mem.ErrUnknownPointer)
	}
	delete(fl.used, p)
	fl.stats.BytesFreed += size

	r, found := fl.regionOf(p)
	if !found {
		// Cannot happen for a block we issued; insert without coalescing.
		fl.insert(p, size)
		return nil
	}

	// Coalesce forward (never past the region end)
	next := p + mem.PhysAddr(size)
	if next < r.end {
		if nsize, free := fl.startIdx[next]; free {
			fl.stats.CoalesceForward++
			fl.remove(next, nsize)
			size += nsize
		}
	}

	// Coalesce backward
	if p > r.start {
		if prev, free := fl.endIdx[p]; free {
			fl.stats.CoalesceBackward++
			psize := fl.startIdx[prev]
			fl.remove(prev, psize)
			size += psize
			p = prev
		}
	}

	fl.insert(p, size)
	return nil
}

// GrowByPages adds a region of n pages to the heap.
func (fl *FreeList) GrowByPages(n int) error {
	if n <= 0 {
		return fmt.Errorf("heap: grow by %d pages: %w", n, mem.ErrInvalidSize)
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.addRegion(uint64(n) * fl.src.PageSize())
}

// ReleaseEmpty returns every region that is entirely free to the page
// allocator and reports how many were released.
func (fl *FreeList) ReleaseEmpty() (int, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	released := 0
	kept := fl.regions[:0]
	var firstErr error
	for _, r := range fl.regions {
		size := uint64(r.end - r.start)
		if fl.startIdx[r.start] != size {
			kept = append(kept, r)
			continue
		}
		if err := fl.src.Free(r.start); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("heap: release region %v: %w", r.start, err)
			}
			kept = append(kept, r)
			continue
		}
		fl.remove(r.start, size)
		fl.stats.RegionsReleased++
		released++
	}
	fl.regions = kept
	return released, firstErr
}

// Usage implements Heap.
func (fl *FreeList) Usage() Usage {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	var live, backing uint64
	for _, sz := range fl.used {
		live += sz
	}
	for _, r := range fl.regions {
		backing += uint64(r.end - r.start)
	}
	return Usage{
		Strategy:     "freelist/" + fl.sizeTable.String(),
		Live:         len(fl.used),
		LiveBytes:    live,
		BackingBytes: backing,
		AllocCalls:   fl.stats.AllocCalls,
		FreeCalls:    fl.stats.FreeCalls,
		Failures:     fl.stats.AllocFailures + fl.stats.InvalidFrees,
	}
}

// Stats returns detailed counters.
func (fl *FreeList) Stats() FreeListStats {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	s := fl.stats
	s.Regions = len(fl.regions)
	s.Live = len(fl.used)
	for _, sz := range fl.startIdx {
		s.FreeBytes += sz
	}
	for _, sz := range fl.used {
		s.LiveBytes += sz
	}
	return s
}

// SizeOf returns the block size recorded for an outstanding allocation.
func (fl *FreeList) SizeOf(p mem.PhysAddr) (uint64, bool) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	sz, ok := fl.used[p]
	return sz, ok
}

// ============================================================================
// Internal helpers (callers hold fl.mu)
// ============================================================================

// growLocked adds a region large enough for need bytes.
func (fl *FreeList) growLocked(need uint64) error {
	pageSize := fl.src.PageSize()
	size := max(mem.PageAlignUp(need, pageSize), fl.growPages*pageSize)
	if size < need {
		return fmt.Errorf("heap: grow for %d bytes: %w", need, mem.ErrInvalidSize)
	}
	return fl.addRegion(size)
}

func (fl *FreeList) addRegion(size uint64) error {
	addr, err := fl.src.Alloc(size)
	if err != nil {
		logger.Debug("heap: grow failed", "bytes", size, "err", err)
		return fmt.Errorf("heap: grow by %d bytes: %w", size, err)
	}
	fl.stats.GrowCalls++
	fl.stats.GrowBytes += size

	r := region{start: addr, end: addr + mem.PhysAddr(size)}
	i := sort.Search(len(fl.regions), func(i int) bool { return fl.regions[i].start >= addr })
	fl.regions = append(fl.regions, region{})
	copy(fl.regions[i+1:], fl.regions[i:])
	fl.regions[i] = r

	logger.Debug("heap: grown", "addr", addr, "bytes", size, "regions", len(fl.regions))
	fl.insert(addr, size)
	return nil
}

// regionOf finds the region containing addr. O(log R).
func (fl *FreeList) regionOf(addr mem.PhysAddr) (region, bool) {
	i := sort.Search(len(fl.regions), func(i int) bool { return fl.regions[i].end > addr })
	if i < len(fl.regions) && fl.regions[i].start <= addr {
		return fl.regions[i], true
	}
	return region{}, false
}

// take removes and returns a free block of at least need bytes.
func (fl *FreeList) take(need uint64) *freeBlock {
	for sc := fl.sizeTable.class(need); sc < len(fl.freeLists); sc++ {
		if b := fl.takeFromClass(sc, need); b != nil {
			return b
		}
	}
	return fl.takeFromLarge(need)
}

// takeFromClass pops the smallest block of class sc if it fits, otherwise
// scans a bounded prefix of the heap for one that does.
func (fl *FreeList) takeFromClass(sc int, need uint64) *freeBlock {
	list := &fl.freeLists[sc]
	if list.heap.Len() == 0 {
		return nil
	}

	idx := -1
	if list.heap[0].size >= need {
		idx = 0
	} else {
		const maxScan = 32
		best := uint64(0)
		for i := 1; i < min(list.heap.Len(), maxScan); i++ {
			if s := list.heap[i].size; s >= need && (idx < 0 || s < best) {
				idx, best = i, s
			}
		}
		if idx < 0 {
			return nil
		}
	}

	fl.stats.HeapRemoves++
	b := heap.Remove(&list.heap, idx).(*freeBlock) //nolint:errcheck // heap contains only *freeBlock
	list.count--
	delete(fl.byAddr, b.addr)
	delete(fl.startIdx, b.addr)
	delete(fl.endIdx, b.addr+mem.PhysAddr(b.size))
	return b
}

func (fl *FreeList) takeFromLarge(need uint64) *freeBlock {
	var prev *largeBlock
	for curr := fl.largeFree; curr != nil; prev, curr = curr, curr.next {
		if curr.size < need {
			continue
		}
		if prev == nil {
			fl.largeFree = curr.next
		} else {
			prev.next = curr.next
		}
		delete(fl.startIdx, curr.addr)
		delete(fl.endIdx, curr.addr+mem.PhysAddr(curr.size))

		b := fl.getFreeBlock()
		b.addr, b.size = curr.addr, curr.size
		return b
	}
	return nil
}

// insert adds a free span to its size class or the large list.
func (fl *FreeList) insert(addr mem.PhysAddr, size uint64) {
	sc := fl.sizeTable.class(size)
	if sc < len(fl.freeLists) {
		b := fl.getFreeBlock()
		b.addr, b.size, b.sc = addr, size, sc
		fl.stats.HeapPushes++
		heap.Push(&fl.freeLists[sc].heap, b)
		fl.freeLists[sc].count++
		fl.byAddr[addr] = b
	} else {
		fl.largeFree = &largeBlock{addr: addr, size: size, next: fl.largeFree}
	}
	fl.startIdx[addr] = size
	fl.endIdx[addr+mem.PhysAddr(size)] = addr
}

// remove unlinks a free span found through the coalescing indexes.
func (fl *FreeList) remove(addr mem.PhysAddr, size uint64) {
	delete(fl.startIdx, addr)
	delete(fl.endIdx, addr+mem.PhysAddr(size))

	if sc := fl.sizeTable.class(size); sc < len(fl.freeLists) {
		b := fl.byAddr[addr]
		if b == nil {
			return
		}
		fl.stats.HeapRemoves++
		heap.Remove(&fl.freeLists[sc].heap, b.heapIndex)
		fl.freeLists[sc].count--
		delete(fl.byAddr, addr)
		fl.putFreeBlock(b)
		return
	}

	var prev *largeBlock
	for curr := fl.largeFree; curr != nil; prev, curr = curr, curr.next {
		if curr.addr != addr {
			continue
		}
		if prev == nil {
			fl.largeFree = curr.next
		} else {
			prev.next = curr.next
		}
		return
	}
}

func (fl *FreeList) getFreeBlock() *freeBlock {
	b, ok := fl.blockPool.Get().(*freeBlock)
	if !ok {
		return &freeBlock{heapIndex: -1}
	}
	return b
}

func (fl *FreeList) putFreeBlock(b *freeBlock) {
	b.heapIndex = -1
	b.sc = 0
	fl.blockPool.Put(b)
}
