package mem

import "errors"

var (
	// ErrNoMemory indicates that no free physical block is large enough.
	ErrNoMemory = errors.New("mem: out of physical memory")

	// ErrNoSegments indicates that an address space has no room for another segment.
	ErrNoSegments = errors.New("mem: segment table full")

	// ErrNoVirtualSpace indicates that no free virtual segment is large enough.
	ErrNoVirtualSpace = errors.New("mem: out of virtual address space")

	// ErrMMUFull indicates that the MMU driver cannot hold another translation.
	ErrMMUFull = errors.New("mem: mmu mapping capacity exhausted")

	// ErrBadAddress indicates an address outside the managed range.
	ErrBadAddress = errors.New("mem: address outside managed range")

	// ErrNotAllocated indicates a free of memory that is not currently allocated.
	ErrNotAllocated = errors.New("mem: block not allocated")

	// ErrReserved indicates an attempt to free or unmap a reserved region.
	ErrReserved = errors.New("mem: region is reserved")

	// ErrNotMapped indicates an unmap of a virtual address with no mapping.
	ErrNotMapped = errors.New("mem: address not mapped")

	// ErrUnknownPointer indicates a free of a pointer the allocator never issued.
	ErrUnknownPointer = errors.New("mem: pointer not issued by this allocator")

	// ErrRangeInUse indicates a reservation that overlaps used or reserved memory.
	ErrRangeInUse = errors.New("mem: range not entirely free")

	// ErrInvalidSize indicates a zero or otherwise unusable size.
	ErrInvalidSize = errors.New("mem: invalid size")
)

// IsExhaustion reports whether err signals that a resource ran out, as opposed
// to a caller mistake. Exhaustion is never fatal to the memory manager itself.
func IsExhaustion(err error) bool {
	return errors.Is(err, ErrNoMemory) ||
		errors.Is(err, ErrNoSegments) ||
		errors.Is(err, ErrNoVirtualSpace) ||
		errors.Is(err, ErrMMUFull)
}
