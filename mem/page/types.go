package page

import (
	"strings"

	"github.com/joshuapare/memkit/mem"
)

// Flags is the state bitset stored in a page descriptor. Only head pages carry
// flags; member pages leave them zero.
type Flags uint8

const (
	// FlagUsed marks an allocated (or reserved) block.
	FlagUsed Flags = 1 << iota
	// FlagHead marks the first page of a block.
	FlagHead
	// FlagReserved marks a block removed from the allocator for good.
	FlagReserved
)

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var parts []string
	if f&FlagUsed != 0 {
		parts = append(parts, "USED")
	}
	if f&FlagHead != 0 {
		parts = append(parts, "HEAD")
	}
	if f&FlagReserved != 0 {
		parts = append(parts, "RESERVED")
	}
	return strings.Join(parts, "|")
}

// none terminates free-list links.
const none int32 = -1

// descriptor is the per-page metadata record.
type descriptor struct {
	size  uint64 // head: block size in bytes; member: distance in pages from the head
	flags Flags
	next  int32 // free-list successor (heads of free blocks only)
	prev  int32 // free-list predecessor (heads of free blocks only)
}

// Config describes the physical range handed to an Allocator.
type Config struct {
	Base     mem.PhysAddr // First managed byte; must be page aligned
	Size     uint64       // Managed bytes; truncated to whole pages
	PageSize uint64       // Power of two
}

// Block describes one block in address order, as returned by Blocks.
type Block struct {
	Addr  mem.PhysAddr
	Size  uint64
	Flags Flags
}

// Free reports whether the block is on the free list.
func (b Block) Free() bool { return b.Flags&FlagUsed == 0 }

// Reserved reports whether the block was removed by Reserve.
func (b Block) Reserved() bool { return b.Flags&FlagReserved != 0 }

// Descriptor is the exported view of one page descriptor, as returned by Lookup.
type Descriptor struct {
	Addr      mem.PhysAddr // Page address
	Head      mem.PhysAddr // Head page of the containing block
	Distance  uint64       // Pages from the head (0 for the head itself)
	BlockSize uint64       // Size of the containing block in bytes
	Flags     Flags        // Flags of the containing block's head
}

// Stats summarizes allocator state and activity.
type Stats struct {
	PageSize      uint64
	TotalBytes    uint64
	UsedBytes     uint64 // Allocated, excluding reservations
	FreeBytes     uint64
	ReservedBytes uint64
	FreeBlocks    int
	LargestFree   uint64

	AllocCalls    int // Total Alloc() calls
	AllocFailures int // Alloc() calls that found no fit
	FreeCalls     int // Total Free() calls
	InvalidFrees  int // Frees rejected as double, reserved or out of range
	Splits        int // Free blocks split by Alloc or Reserve
	MergeForward  int // Merges with the following block
	MergeBackward int // Merges with the preceding block
	Reservations  int // Successful Reserve() calls
}

// PageInfo is the raw content of one descriptor, as captured by Snapshot.
type PageInfo struct {
	Size  uint64
	Flags Flags
}

// Snapshot is a consistent copy of the descriptor arena and free list, used by
// invariant checkers.
type Snapshot struct {
	Base     mem.PhysAddr
	PageSize uint64
	Pages    []PageInfo
	FreeList []int // Page indexes of free-list heads in list order
	Stats    Stats
}
