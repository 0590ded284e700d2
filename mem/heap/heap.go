// Package heap defines the kernel heap strategy interface and the simple
// first-fit free-list heap used on small targets.
//
// Two strategies implement Heap:
//
//   - *slab.Generic: power-of-two object caches with a direct page path for
//     large requests (the default on MMU-equipped targets)
//   - *heap.FreeList: segregated free lists with coalescing, growing by whole
//     page blocks (the default on microcontrollers)
//
// A kernel instance builds exactly one of them, chosen by its profile.
package heap

import "github.com/joshuapare/memkit/mem"

// Heap is a general-purpose allocator. Free needs no size: every strategy
// records what it handed out.
type Heap interface {
	Alloc(size uint64) (mem.PhysAddr, error)
	Free(p mem.PhysAddr) error
	Usage() Usage
}

// PageSource supplies page blocks for growth.
type PageSource interface {
	Alloc(size uint64) (mem.PhysAddr, error)
	Free(addr mem.PhysAddr) error
	PageSize() uint64
}

// Usage is the strategy-independent summary every Heap reports.
type Usage struct {
	Strategy     string
	Live         int    // Outstanding allocations
	LiveBytes    uint64 // Bytes held by outstanding allocations, at block granularity
	BackingBytes uint64 // Bytes currently obtained from the page allocator
	AllocCalls   int
	FreeCalls    int
	Failures     int // Allocations that returned an error
}
