// Package slab provides fixed-size object caches carved from physical pages
// and the generic size-class allocator built on them.
//
// # Caches
//
// A Cache serves objects of one size. It starts with one page block and grows
// by one block whenever its free list runs dry; memory is never given back to
// the page allocator. The free list is an index list over a slot vector, so
// no link words are stored inside free objects.
//
// # Generic allocation
//
// Generic owns one cache per power-of-two class from MinObject to MaxObject.
// A request of n bytes needs n+WordSize bytes (the allocation tag word) and is
// served from the smallest class that holds that, found with a
// count-leading-zeros ceil(log2). Anything larger goes straight to the page
// allocator. The tag records which path was taken so Free needs only the
// pointer:
//
//	g, err := slab.NewGeneric(pages, slab.DefaultGenericConfig)
//	if err != nil {
//	    return err
//	}
//	p, err := g.Alloc(24) // 24 + 8 -> 32-byte class
//	...
//	err = g.Free(p)
//
// # Locking
//
// Until SecondStage runs, every cache is guarded by a critical section.
// SecondStage swaps in blocking mutexes from the scheduler's provider.
package slab
