// Package mem holds the types shared by the kernel memory manager packages.
//
// # Overview
//
// The memory manager is split into three layers, leaves first:
//
//   - mem/page: physical page allocator. Every other allocator calls it for
//     backing storage.
//   - mem/slab: fixed-size object caches carved from page blocks, plus the
//     general-purpose size-class allocator built on them.
//   - mem/vm: per-address-space virtual segment lists, backed by pages and
//     installed through an MMU driver.
//
// mem/heap offers an alternative first-fit heap behind the same Heap interface
// as the slab allocator, and mem/kmem wires everything together at boot.
//
// # Addresses
//
// Physical and virtual addresses are plain uint64 values. Zero is the null
// address in both spaces; no allocator ever hands it out.
//
// # Errors
//
// Failures are reported with the sentinel errors in this package. They fall
// into three classes:
//
//   - exhaustion (ErrNoMemory, ErrNoSegments, ErrNoVirtualSpace, ErrMMUFull)
//   - invalid use (ErrBadAddress, ErrNotAllocated, ErrReserved, ErrNotMapped,
//     ErrUnknownPointer), which never changes allocator state
//   - range violations (ErrRangeInUse, ErrInvalidSize), rejected with no
//     partial effect
//
// Use errors.Is to match them; IsExhaustion groups the first class.
package mem
