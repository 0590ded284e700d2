package kmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/joshuapare/memkit/internal/critical"
	"github.com/joshuapare/memkit/internal/logger"
	"github.com/joshuapare/memkit/internal/ram"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/heap"
	"github.com/joshuapare/memkit/mem/mmu"
	"github.com/joshuapare/memkit/mem/page"
	"github.com/joshuapare/memkit/mem/slab"
	"github.com/joshuapare/memkit/mem/verify"
	"github.com/joshuapare/memkit/mem/vm"
)

// ErrClosed indicates use of a kernel after Close.
var ErrClosed = errors.New("kmem: kernel closed")

// Kernel is a booted memory manager: RAM, page allocator, heap, MMU driver,
// and the kernel address space.
type Kernel struct {
	cfg Config

	ram      *ram.Arena
	cs       *critical.Section
	pages    *page.Allocator
	heap     heap.Heap
	generic  *slab.Generic  // nil unless cfg.Heap is HeapSlab
	freelist *heap.FreeList // nil unless cfg.Heap is HeapFreeList

	driver vm.Driver
	soft   *mmu.Soft // nil when WithMMU supplied the driver
	tlb    *mmu.Tracker
	vmm    *vm.Manager
	kmap   *vm.Map

	// mu is held shared by every operation and exclusively by Close, so
	// RAM is never unmapped under a running call.
	mu     sync.RWMutex
	closed bool

	stageMu     sync.Mutex
	secondStage bool
}

// Option customizes Boot.
type Option func(*bootOptions)

type bootOptions struct {
	driver     vm.Driver
	masker     critical.Masker
	invalidate mmu.InvalidateFunc
}

// WithMMU uses d instead of the software MMU.
func WithMMU(d vm.Driver) Option {
	return func(o *bootOptions) { o.driver = d }
}

// WithMasker masks interrupts with m inside the page allocator's critical
// section.
func WithMasker(m critical.Masker) Option {
	return func(o *bootOptions) { o.masker = m }
}

// WithInvalidate sets the TLB maintenance callback run by FlushTLB. Without
// it, FlushTLB only drains the pending ranges.
func WithInvalidate(fn mmu.InvalidateFunc) Option {
	return func(o *bootOptions) { o.invalidate = fn }
}

// Boot brings up the memory manager for cfg in order: RAM, page allocator,
// kernel image reservation, heap, MMU, kernel address space, kernel image
// mapping. Any failure undoes the steps already taken.
func Boot(cfg Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o bootOptions
	for _, opt := range opts {
		opt(&o)
	}

	k := &Kernel{cfg: cfg}
	booted := false
	defer func() {
		if !booted {
			_ = k.teardown()
		}
	}()

	var err error
	if k.ram, err = ram.New(cfg.RAMBase, cfg.RAMSize); err != nil {
		return nil, fmt.Errorf("kmem: boot %s: %w", cfg.Name, err)
	}

	k.cs = critical.New(o.masker)
	k.pages, err = page.New(page.Config{Base: cfg.RAMBase, Size: cfg.RAMSize, PageSize: cfg.PageSize},
		page.WithSection(k.cs))
	if err != nil {
		return nil, fmt.Errorf("kmem: boot %s: %w", cfg.Name, err)
	}
	if cfg.KernelImage.Size > 0 {
		if err = k.pages.Reserve(cfg.KernelImage.Base, cfg.KernelImage.Size); err != nil {
			return nil, fmt.Errorf("kmem: reserve kernel image: %w", err)
		}
	}

	if err = k.buildHeap(); err != nil {
		return nil, err
	}

	k.driver = o.driver
	if k.driver == nil {
		k.tlb = mmu.NewTracker(cfg.PageSize, o.invalidate)
		k.soft, err = mmu.NewSoft(mmu.Config{PageSize: cfg.PageSize, MaxEntries: cfg.MMUEntries}, mmu.WithTracker(k.tlb))
		if err != nil {
			return nil, fmt.Errorf("kmem: boot %s: %w", cfg.Name, err)
		}
		k.driver = k.soft
	}

	k.vmm, err = vm.NewManager(vm.Config{Pages: k.pages, MMU: k.driver, MaxSegments: cfg.MaxSegments})
	if err != nil {
		return nil, fmt.Errorf("kmem: boot %s: %w", cfg.Name, err)
	}
	if k.kmap, err = k.vmm.CreateMap(cfg.VirtBase, cfg.VirtLimit); err != nil {
		return nil, fmt.Errorf("kmem: kernel address space: %w", err)
	}
	if err = k.mapKernelImage(); err != nil {
		return nil, err
	}

	booted = true
	logger.Info("kmem: booted",
		"profile", cfg.Name,
		"ram", cfg.RAMSize,
		"page_size", cfg.PageSize,
		"heap", cfg.Heap,
		"free", k.pages.Stats().FreeBytes)
	return k, nil
}

func (k *Kernel) buildHeap() error {
	switch k.cfg.Heap {
	case HeapSlab:
		// Early-boot cache operations share the page allocator's section.
		opts := []slab.GenericOption{slab.WithCacheOptions(slab.WithSection(k.cs))}
		if k.cfg.Poison {
			opts = append(opts, slab.WithCacheOptions(slab.WithPoison(k.ram, int(k.cfg.WordSize))))
		}
		g, err := slab.NewGeneric(k.pages, slab.GenericConfig{
			MinObject: k.cfg.SlabMin,
			MaxObject: k.cfg.SlabMax,
			WordSize:  k.cfg.WordSize,
		}, opts...)
		if err != nil {
			return fmt.Errorf("kmem: slab heap: %w", err)
		}
		k.generic, k.heap = g, g
	case HeapFreeList:
		classes := heap.ConfigEmbedded
		fl, err := heap.NewFreeList(k.pages, heap.FreeListConfig{
			SizeClasses: &classes,
			Align:       2 * k.cfg.WordSize,
		})
		if err != nil {
			return fmt.Errorf("kmem: free-list heap: %w", err)
		}
		k.freelist, k.heap = fl, fl
	}
	return nil
}

// mapKernelImage identity maps the kernel image when it falls inside the
// kernel window, and maps it at the first free range otherwise.
func (k *Kernel) mapKernelImage() error {
	img := k.cfg.KernelImage
	if img.Size == 0 {
		return nil
	}
	flags := vm.FlagRead | vm.FlagWrite | vm.FlagExec
	err := k.kmap.MapPhys(mem.VirtAddr(img.Base), img.Base, img.Size, flags)
	if errors.Is(err, mem.ErrBadAddress) {
		_, err = k.kmap.MapPhysAnywhere(img.Base, img.Size, flags)
	}
	if err != nil {
		return fmt.Errorf("kmem: map kernel image: %w", err)
	}
	return nil
}

// Config returns the configuration the kernel booted with.
func (k *Kernel) Config() Config { return k.cfg }

// Pages returns the page allocator.
func (k *Kernel) Pages() *page.Allocator { return k.pages }

// Heap returns the general-purpose heap.
func (k *Kernel) Heap() heap.Heap { return k.heap }

// KernelMap returns the kernel address space.
func (k *Kernel) KernelMap() *vm.Map { return k.kmap }

// MMU returns the software MMU, or nil when Boot was given WithMMU.
func (k *Kernel) MMU() *mmu.Soft { return k.soft }

// Alloc allocates size bytes from the heap.
func (k *Kernel) Alloc(size uint64) (mem.PhysAddr, error) {
	if err := k.enter(); err != nil {
		return 0, err
	}
	defer k.mu.RUnlock()
	return k.heap.Alloc(size)
}

// Free returns a pointer obtained from Alloc or AllocZeroed.
func (k *Kernel) Free(p mem.PhysAddr) error {
	if err := k.enter(); err != nil {
		return err
	}
	defer k.mu.RUnlock()
	return k.heap.Free(p)
}

// AllocZeroed allocates size zeroed bytes from the heap.
func (k *Kernel) AllocZeroed(size uint64) (mem.PhysAddr, error) {
	if err := k.enter(); err != nil {
		return 0, err
	}
	defer k.mu.RUnlock()
	p, err := k.heap.Alloc(size)
	if err != nil {
		return 0, err
	}
	if err := k.ram.Zero(p, size); err != nil {
		_ = k.heap.Free(p)
		return 0, fmt.Errorf("kmem: zero %v+%d: %w", p, size, err)
	}
	return p, nil
}

// AllocPages allocates a physically contiguous, page-aligned block.
func (k *Kernel) AllocPages(size uint64) (mem.PhysAddr, error) {
	if err := k.enter(); err != nil {
		return 0, err
	}
	defer k.mu.RUnlock()
	return k.pages.Alloc(size)
}

// FreePages returns a block obtained from AllocPages or AllocDMA.
func (k *Kernel) FreePages(addr mem.PhysAddr) error {
	if err := k.enter(); err != nil {
		return err
	}
	defer k.mu.RUnlock()
	return k.pages.Free(addr)
}

// ReservePages permanently removes a physical range from the page allocator.
func (k *Kernel) ReservePages(addr mem.PhysAddr, size uint64) error {
	if err := k.enter(); err != nil {
		return err
	}
	defer k.mu.RUnlock()
	return k.pages.Reserve(addr, size)
}

// AllocDMA allocates a zeroed, physically contiguous buffer and returns its
// physical address and a view of its bytes. Release it with FreePages.
func (k *Kernel) AllocDMA(size uint64) (mem.PhysAddr, []byte, error) {
	if err := k.enter(); err != nil {
		return 0, nil, err
	}
	defer k.mu.RUnlock()
	p, err := k.pages.Alloc(size)
	if err != nil {
		return 0, nil, err
	}
	b, err := k.ram.Bytes(p, size)
	if err != nil {
		_ = k.pages.Free(p)
		return 0, nil, fmt.Errorf("kmem: dma buffer %v: %w", p, err)
	}
	clear(b)
	return p, b, nil
}

// MapDeviceMemory maps the device registers at [phys, phys+size) into the
// kernel address space with uncached device access and returns the virtual
// address of phys. The mapping is at the identity address when that range
// is free, and at the first free range otherwise. RAM cannot be mapped this
// way.
func (k *Kernel) MapDeviceMemory(phys mem.PhysAddr, size uint64) (mem.VirtAddr, error) {
	if err := k.enter(); err != nil {
		return 0, err
	}
	defer k.mu.RUnlock()
	if size == 0 {
		return 0, fmt.Errorf("kmem: map device: %w", mem.ErrInvalidSize)
	}
	end := phys + mem.PhysAddr(size)
	if end < phys {
		return 0, fmt.Errorf("kmem: map device %v+%d: %w", phys, size, mem.ErrBadAddress)
	}
	if phys < k.cfg.RAMBase+mem.PhysAddr(k.cfg.RAMSize) && end > k.cfg.RAMBase {
		return 0, fmt.Errorf("kmem: map device %v+%d overlaps RAM: %w", phys, size, mem.ErrBadAddress)
	}

	base := mem.PhysAddr(mem.PageAlignDown(uint64(phys), k.cfg.PageSize))
	off := uint64(phys - base)
	n := mem.PageAlignUp(off+size, k.cfg.PageSize)
	flags := vm.FlagRead | vm.FlagWrite | vm.FlagIOMapped

	virt := mem.VirtAddr(base)
	err := k.kmap.MapPhys(virt, base, n, flags)
	if errors.Is(err, mem.ErrRangeInUse) || errors.Is(err, mem.ErrBadAddress) {
		virt, err = k.kmap.MapPhysAnywhere(base, n, flags)
	}
	if err != nil {
		return 0, fmt.Errorf("kmem: map device %v+%d: %w", phys, size, err)
	}
	logger.Debug("kmem: device mapped", "phys", phys, "virt", virt+mem.VirtAddr(off), "bytes", n)
	return virt + mem.VirtAddr(off), nil
}

// UnmapDeviceMemory removes a mapping made by MapDeviceMemory. virt may be
// any address inside it.
func (k *Kernel) UnmapDeviceMemory(virt mem.VirtAddr) error {
	if err := k.enter(); err != nil {
		return err
	}
	defer k.mu.RUnlock()
	seg, ok := k.kmap.Lookup(virt)
	if !ok || seg.Flags&vm.FlagIOMapped == 0 {
		return fmt.Errorf("kmem: unmap device %v: %w", virt, mem.ErrNotMapped)
	}
	return k.kmap.Unmap(virt)
}

// NewAddressSpace creates a user address space covering [PageSize, VirtBase).
func (k *Kernel) NewAddressSpace() (*vm.Map, error) {
	if err := k.enter(); err != nil {
		return nil, err
	}
	defer k.mu.RUnlock()
	return k.vmm.CreateMap(0, k.cfg.VirtBase)
}

// SecondStage switches the heap from critical sections to blocking mutexes
// from p. It runs once, after the scheduler is up.
func (k *Kernel) SecondStage(p critical.Provider) error {
	if err := k.enter(); err != nil {
		return err
	}
	defer k.mu.RUnlock()
	k.stageMu.Lock()
	defer k.stageMu.Unlock()
	if k.secondStage {
		return fmt.Errorf("kmem: second stage already done")
	}
	if k.generic != nil {
		if err := k.generic.SecondStage(p); err != nil {
			return fmt.Errorf("kmem: %w", err)
		}
	}
	k.secondStage = true
	return nil
}

// Phys returns the n bytes of RAM at addr.
func (k *Kernel) Phys(addr mem.PhysAddr, n uint64) ([]byte, error) {
	if err := k.enter(); err != nil {
		return nil, err
	}
	defer k.mu.RUnlock()
	return k.ram.Bytes(addr, n)
}

// FlushTLB runs TLB maintenance for every range torn down since the last
// flush. It is a no-op with a driver from WithMMU.
func (k *Kernel) FlushTLB(ctx context.Context) error {
	if err := k.enter(); err != nil {
		return err
	}
	defer k.mu.RUnlock()
	if k.tlb == nil {
		return nil
	}
	return k.tlb.Flush(ctx)
}

// Verify checks every invariant the kernel can observe and reports all
// violations.
func (k *Kernel) Verify() error {
	if err := k.enter(); err != nil {
		return err
	}
	defer k.mu.RUnlock()
	var errs []error
	if err := verify.Pages(k.pages.Snapshot()); err != nil {
		errs = append(errs, err)
	}
	if err := verify.Segments(k.kmap.Start(), k.kmap.End(), k.kmap.Segments()); err != nil {
		errs = append(errs, err)
	}
	if k.generic != nil {
		if err := verify.Slab(k.generic.Stats()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := verify.Heap(k.heap.Usage()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close tears down the kernel address space and releases RAM. Address
// spaces from NewAddressSpace must be destroyed first.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrClosed
	}
	k.closed = true
	return k.teardown()
}

func (k *Kernel) teardown() error {
	var errs []error
	if k.kmap != nil {
		if err := k.kmap.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if k.ram != nil {
		if err := k.ram.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// enter takes the shared lifecycle lock. On success the caller releases it
// with k.mu.RUnlock.
func (k *Kernel) enter() error {
	k.mu.RLock()
	if k.closed {
		k.mu.RUnlock()
		return ErrClosed
	}
	return nil
}
