// Package page implements the physical page allocator.
//
// # Overview
//
// All physical RAM is managed as fixed-size pages. Each page has a descriptor
// in a flat arena indexed by page number, so address-to-descriptor lookup is a
// shift and a subtraction.
//
// Contiguous runs of pages form blocks. The head page of a block records the
// block's size in bytes; every other page records its distance in pages from
// the head. Resolving the head of any page is therefore O(1):
//
//	head = index - distance
//
// Every operation that changes a block boundary rewrites the distances of the
// pages it touches, so the rule holds for free and allocated blocks alike.
//
// # Operations
//
//   - Alloc(size): first fit over the free list, splitting off any remainder.
//   - Free(addr): resolves the head, rejects double and reserved frees, and
//     merges with physically adjacent free blocks.
//   - Reserve(addr, size): permanently removes a range that must be entirely
//     free, e.g. the kernel image at boot.
//
// # Invariants
//
//   - used + free + reserved bytes always equal the managed size
//   - no two free blocks are adjacent
//   - every page resolves to the head of the block that contains it
//
// # Thread Safety
//
// Every operation runs inside the allocator's critical section. Callers may
// use an Allocator from any goroutine, but must not call into it while
// holding the same section.
package page
