// Package kmem boots the memory manager for one target and exposes the
// kernel-facing allocation API.
//
// # Boot
//
// Boot takes a Config (usually a built-in profile) and brings the layers up
// bottom-up:
//
//  1. a RAM arena standing in for physical memory
//  2. the page allocator over all of RAM, with the kernel image reserved
//  3. the heap strategy the profile selects (slab or free list)
//  4. the MMU driver (a software MMU unless WithMMU supplies one)
//  5. the kernel address space over [VirtBase, VirtLimit), with the kernel
//     image mapped into it
//
// Example:
//
//	k, err := kmem.Boot(kmem.ProfileCortexA)
//	if err != nil {
//	    return err
//	}
//	defer k.Close()
//
//	p, err := k.Alloc(24)
//	...
//	regs, err := k.MapDeviceMemory(0x1000_0000, 4096)
//
// # Locking
//
// Until SecondStage runs, the page allocator and heap are serialized by
// critical sections. SecondStage hands every slab cache a blocking mutex
// from the scheduler's provider; it either succeeds for all caches or
// changes nothing.
package kmem
