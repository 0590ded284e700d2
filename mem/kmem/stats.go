package kmem

import (
	"github.com/joshuapare/memkit/mem/heap"
	"github.com/joshuapare/memkit/mem/page"
	"github.com/joshuapare/memkit/mem/slab"
)

// Stats is a point-in-time summary of every layer.
type Stats struct {
	Profile string
	Pages   page.Stats
	Heap    heap.Usage

	Slab     *slab.GenericStats  // HeapSlab only
	FreeList *heap.FreeListStats // HeapFreeList only

	KernelSegments int    // Segments in the kernel address space
	KernelMapped   uint64 // Mapped bytes in the kernel address space
	AddressSpaces  int    // Live address spaces, kernel included
	SharedBlocks   int    // Physical blocks mapped by more than one segment

	MMUEntries         int // Installed translations (software MMU only)
	PendingInvalidates int // Torn-down ranges awaiting FlushTLB
	SecondStage        bool
}

// Stats collects statistics from every layer.
func (k *Kernel) Stats() Stats {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s := Stats{
		Profile:        k.cfg.Name,
		Pages:          k.pages.Stats(),
		Heap:           k.heap.Usage(),
		KernelSegments: len(k.kmap.Segments()),
		KernelMapped:   k.kmap.MappedBytes(),
		AddressSpaces:  k.vmm.LiveMaps(),
		SharedBlocks:   k.vmm.SharedBlocks(),
	}
	if k.generic != nil {
		gs := k.generic.Stats()
		s.Slab = &gs
	}
	if k.freelist != nil {
		fs := k.freelist.Stats()
		s.FreeList = &fs
	}
	if k.soft != nil {
		s.MMUEntries = k.soft.Entries()
	}
	if k.tlb != nil {
		s.PendingInvalidates = len(k.tlb.Coalesced())
	}
	k.stageMu.Lock()
	s.SecondStage = k.secondStage
	k.stageMu.Unlock()
	return s
}
