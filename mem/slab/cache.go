package slab

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/memkit/internal/buf"
	"github.com/joshuapare/memkit/internal/critical"
	"github.com/joshuapare/memkit/internal/logger"
	"github.com/joshuapare/memkit/mem"
)

const none int32 = -1

// slot is one object in the cache's backing vector.
type slot struct {
	addr mem.PhysAddr
	next int32 // free-list successor while free
	free bool
}

// lockRef boxes the current lock so it can be swapped atomically.
type lockRef struct{ l sync.Locker }

// Cache is a pool of fixed-size objects carved from page blocks. Objects are
// never returned to the page allocator.
type Cache struct {
	lock   atomic.Pointer[lockRef]
	locked bool // a blocking mutex has been attached

	src        PageSource
	objectSize uint64
	extentSize uint64

	slots    []slot
	index    map[mem.PhysAddr]int32
	freeHead int32

	allocated int
	available int
	extents   int

	poison    Memory
	wordSize  int
	pattern   uint64
	corrupted int

	allocCalls   int
	freeCalls    int
	invalidFrees int
}

// CacheOption customizes a Cache.
type CacheOption func(*Cache)

// WithSection runs cache operations inside s until a mutex is attached. s may
// be the page allocator's own section: the cache never holds it while asking
// for pages.
func WithSection(s *critical.Section) CacheOption {
	return func(c *Cache) {
		if s != nil {
			c.lock.Store(&lockRef{s.Locker()})
		}
	}
}

// WithPoison fills freed objects with PoisonWord through m and checks the
// pattern on allocation. wordSize is 4 or 8.
func WithPoison(m Memory, wordSize int) CacheOption {
	return func(c *Cache) {
		c.poison = m
		c.wordSize = wordSize
	}
}

// NewCache creates a cache for objects of objectSize bytes and performs one
// extension so the cache is immediately usable.
func NewCache(src PageSource, objectSize uint64, opts ...CacheOption) (*Cache, error) {
	if src == nil {
		return nil, fmt.Errorf("slab: nil page source")
	}
	if objectSize == 0 {
		return nil, fmt.Errorf("slab: new cache: %w", mem.ErrInvalidSize)
	}
	pageSize := src.PageSize()
	if _, ok := buf.AddOverflowSafe(objectSize, pageSize); !ok {
		return nil, fmt.Errorf("slab: new cache of %d-byte objects: %w", objectSize, mem.ErrInvalidSize)
	}
	c := &Cache{
		src:        src,
		objectSize: objectSize,
		extentSize: mem.PageAlignUp(max(pageSize, objectSize), pageSize),
		index:      make(map[mem.PhysAddr]int32),
		freeHead:   none,
		wordSize:   WordSize,
	}
	c.lock.Store(&lockRef{critical.New(nil).Locker()})
	for _, opt := range opts {
		opt(c)
	}
	if c.poison != nil && c.wordSize != 4 && c.wordSize != 8 {
		return nil, fmt.Errorf("slab: poison word size %d unsupported", c.wordSize)
	}
	c.pattern = PoisonWord >> (64 - 8*c.wordSize)

	// Not yet shared, so the first extent is carved without the lock.
	base, err := c.allocExtent()
	if err != nil {
		return nil, err
	}
	if err := c.carve(base); err != nil {
		_ = src.Free(base)
		return nil, err
	}
	return c, nil
}

// acquire locks the current lock and returns it. A caller that queued on a
// lock replaced by AttachMutex retries on the new one.
func (c *Cache) acquire() sync.Locker {
	for {
		ref := c.lock.Load()
		ref.l.Lock()
		if c.lock.Load() == ref {
			return ref.l
		}
		ref.l.Unlock()
	}
}

// ObjectSize returns the size of every object in the cache.
func (c *Cache) ObjectSize() uint64 { return c.objectSize }

// Alloc pops an object, extending the cache by one page block when empty.
// It fails only when the page allocator does, or with ErrCorrupted when
// poisoning is on and the popped object was written after free.
func (c *Cache) Alloc() (mem.PhysAddr, error) {
	l := c.acquire()
	defer func() { l.Unlock() }()

	c.allocCalls++
	for c.freeHead == none {
		// Pages are requested with the lock released; another caller may
		// refill the list meanwhile, which leaves a spare extent.
		l.Unlock()
		base, err := c.allocExtent()
		l = c.acquire()
		if err != nil {
			return 0, err
		}
		if err := c.carve(base); err != nil {
			_ = c.src.Free(base)
			return 0, err
		}
	}

	i := c.freeHead
	s := &c.slots[i]
	c.freeHead = s.next
	s.next = none
	s.free = false
	c.available--

	if c.poison != nil {
		if err := c.checkPoison(s.addr); err != nil {
			// The object stays out of circulation; marking it free makes a
			// later Free of it fail as a double free.
			s.free = true
			c.corrupted++
			logger.Warn("slab: use after free detected", "object", s.addr, "size", c.objectSize)
			return 0, err
		}
	}

	c.allocated++
	return s.addr, nil
}

// Free pushes p back onto the free list in O(1). Pointers the cache never
// issued and objects that are already free are rejected without effect.
func (c *Cache) Free(p mem.PhysAddr) error {
	defer c.acquire().Unlock()

	c.freeCalls++
	i, ok := c.index[p]
	if !ok {
		c.invalidFrees++
		return fmt.Errorf("slab: free %v in %d-byte cache: %w", p, c.objectSize, mem.ErrUnknownPointer)
	}
	s := &c.slots[i]
	if s.free {
		c.invalidFrees++
		return fmt.Errorf("slab: free %v in %d-byte cache: %w", p, c.objectSize, mem.ErrNotAllocated)
	}

	if c.poison != nil {
		c.fillPoison(s.addr)
	}
	s.free = true
	s.next = c.freeHead
	c.freeHead = i
	c.allocated--
	c.available++
	return nil
}

// Owns reports whether p is the address of an object in this cache.
func (c *Cache) Owns(p mem.PhysAddr) bool {
	defer c.acquire().Unlock()
	_, ok := c.index[p]
	return ok
}

// AttachMutex replaces the critical section with a blocking mutex. It is
// called once during the second boot stage and is safe while other
// goroutines use the cache.
func (c *Cache) AttachMutex(l sync.Locker) {
	if l == nil {
		return
	}
	old := c.acquire()
	c.locked = true
	c.lock.Store(&lockRef{l})
	old.Unlock()
}

// Stats returns the cache counters.
func (c *Cache) Stats() CacheStats {
	defer c.acquire().Unlock()
	return CacheStats{
		ObjectSize:   c.objectSize,
		Allocated:    c.allocated,
		Available:    c.available,
		Extents:      c.extents,
		ExtentBytes:  uint64(c.extents) * c.extentSize,
		AllocCalls:   c.allocCalls,
		FreeCalls:    c.freeCalls,
		InvalidFrees: c.invalidFrees,
		Corrupted:    c.corrupted,
		Locked:       c.locked,
	}
}

// allocExtent takes one extent from the page allocator. It must be called
// without the cache lock, which may be the page allocator's own section.
func (c *Cache) allocExtent() (mem.PhysAddr, error) {
	base, err := c.src.Alloc(c.extentSize)
	if err != nil {
		logger.Debug("slab: extend failed", "object_size", c.objectSize, "bytes", c.extentSize, "err", err)
		return 0, fmt.Errorf("slab: extend %d-byte cache: %w", c.objectSize, err)
	}
	return base, nil
}

// carve splits the extent at base into objects. Caller holds the lock.
func (c *Cache) carve(base mem.PhysAddr) error {
	n := c.extentSize / c.objectSize
	span, ok := buf.MulOverflowSafe(n, c.objectSize)
	if !ok || span > c.extentSize {
		return fmt.Errorf("slab: %d objects of %d bytes overrun a %d-byte extent", n, c.objectSize, c.extentSize)
	}
	if _, ok := buf.AddOverflowSafe(uint64(base), span); !ok {
		return fmt.Errorf("slab: extent at %v: %w", base, mem.ErrBadAddress)
	}

	// Chain the new objects in address order ahead of the existing list.
	first := int32(len(c.slots))
	for k := range n {
		addr := base + mem.PhysAddr(k*c.objectSize)
		next := first + int32(k) + 1
		if k == n-1 {
			next = c.freeHead
		}
		c.index[addr] = int32(len(c.slots))
		c.slots = append(c.slots, slot{addr: addr, next: next, free: true})
		if c.poison != nil {
			c.fillPoison(addr)
		}
	}
	c.freeHead = first
	c.available += int(n)
	c.extents++

	logger.Debug("slab: extended", "object_size", c.objectSize, "objects", n, "base", base)
	return nil
}

func (c *Cache) fillPoison(addr mem.PhysAddr) {
	b, err := c.poison.Bytes(addr, c.objectSize)
	if err != nil {
		return
	}
	buf.FillWord(b, c.wordSize, c.pattern)
}

func (c *Cache) checkPoison(addr mem.PhysAddr) error {
	b, err := c.poison.Bytes(addr, c.objectSize)
	if err != nil {
		return nil
	}
	if !buf.AllWords(b, c.wordSize, c.pattern) {
		return fmt.Errorf("slab: object %v: %w", addr, ErrCorrupted)
	}
	return nil
}
