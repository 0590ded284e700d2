package slab

import (
	"errors"
	"sync"

	"github.com/joshuapare/memkit/mem"
)

// ErrCorrupted indicates that a free object's poison pattern was overwritten,
// i.e. something wrote to it after it was freed.
var ErrCorrupted = errors.New("slab: free object poison overwritten")

const (
	// MinObject is the smallest generic size class.
	MinObject = 16
	// MaxObject is the largest generic size class; larger requests go direct
	// to the page allocator.
	MaxObject = 8192
	// WordSize is the default allocation tag width.
	WordSize = 8

	// PoisonWord fills free objects when poisoning is enabled.
	PoisonWord uint64 = 0x6B6B6B6B6B6B6B6B
)

// PageSource supplies page-aligned blocks. *page.Allocator satisfies it.
type PageSource interface {
	Alloc(size uint64) (mem.PhysAddr, error)
	Free(addr mem.PhysAddr) error
	PageSize() uint64
}

// Memory gives byte access to physical RAM. *ram.Arena satisfies it.
type Memory interface {
	Bytes(addr mem.PhysAddr, n uint64) ([]byte, error)
}

// MutexProvider creates the blocking mutexes attached at the second boot
// stage.
type MutexProvider interface {
	NewMutex() (sync.Locker, error)
	DestroyMutex(l sync.Locker)
}

// TagKind says how an allocation must be freed.
type TagKind uint8

const (
	// TagSlab marks an object served from a size-class cache.
	TagSlab TagKind = iota + 1
	// TagDirect marks whole pages taken straight from the page allocator.
	TagDirect
)

func (k TagKind) String() string {
	switch k {
	case TagSlab:
		return "slab"
	case TagDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// Tag is the allocation metadata recorded for every generic allocation.
type Tag struct {
	Kind  TagKind
	Cache *Cache // TagSlab only
	Size  uint64 // Requested size
}

// CacheStats describes one cache.
type CacheStats struct {
	ObjectSize   uint64
	Allocated    int // Objects handed out
	Available    int // Objects on the free list
	Extents      int // Page blocks obtained from the page allocator
	ExtentBytes  uint64
	AllocCalls   int
	FreeCalls    int
	InvalidFrees int
	Corrupted    int // Objects quarantined after a poison check failed
	Locked       bool
}

// GenericStats describes the generic allocator.
type GenericStats struct {
	Classes      []CacheStats
	DirectAllocs int // Outstanding direct page allocations
	DirectBytes  uint64
	AllocCalls   int
	FreeCalls    int
	Failures     int
	UnknownFrees int
	SecondStage  bool
}
