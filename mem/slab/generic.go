package slab

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/joshuapare/memkit/internal/logger"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/heap"
)

// GenericConfig configures the size classes of a Generic allocator.
type GenericConfig struct {
	MinObject uint64 // Smallest class, power of two
	MaxObject uint64 // Largest class, power of two
	WordSize  uint64 // Allocation tag overhead per object (4 or 8)
}

// DefaultGenericConfig is the 16 B to 8 KiB class table with 8-byte tags.
var DefaultGenericConfig = GenericConfig{
	MinObject: MinObject,
	MaxObject: MaxObject,
	WordSize:  WordSize,
}

// Generic routes general-purpose allocations to power-of-two caches, or
// straight to the page allocator when a request exceeds the largest class.
//
// Every pointer handed out sits WordSize bytes past the start of its block,
// leaving room for an in-memory tag word; the tag itself is kept in a side
// table keyed by the pointer.
type Generic struct {
	cfg      GenericConfig
	src      PageSource
	minShift uint
	caches   []*Cache

	mu           sync.Mutex
	tags         map[mem.PhysAddr]Tag
	directBytes  uint64
	directAllocs int
	allocCalls   int
	freeCalls    int
	failures     int
	unknownFrees int
	secondStage  bool
}

var _ heap.Heap = (*Generic)(nil)

// GenericOption customizes a Generic allocator.
type GenericOption func(*genericOptions)

type genericOptions struct {
	cacheOpts []CacheOption
}

// WithCacheOptions applies opts to every class cache.
func WithCacheOptions(opts ...CacheOption) GenericOption {
	return func(o *genericOptions) {
		o.cacheOpts = append(o.cacheOpts, opts...)
	}
}

// NewGeneric creates one cache per size class between cfg.MinObject and
// cfg.MaxObject, each with its initial extension.
func NewGeneric(src PageSource, cfg GenericConfig, opts ...GenericOption) (*Generic, error) {
	if !mem.IsPowerOfTwo(cfg.MinObject) || !mem.IsPowerOfTwo(cfg.MaxObject) || cfg.MinObject > cfg.MaxObject {
		return nil, fmt.Errorf("slab: invalid class range %d..%d", cfg.MinObject, cfg.MaxObject)
	}
	if cfg.WordSize != 4 && cfg.WordSize != 8 {
		return nil, fmt.Errorf("slab: word size %d unsupported", cfg.WordSize)
	}
	if cfg.MinObject <= cfg.WordSize {
		return nil, fmt.Errorf("slab: smallest class %d leaves no room past the %d-byte tag", cfg.MinObject, cfg.WordSize)
	}

	var o genericOptions
	for _, opt := range opts {
		opt(&o)
	}

	g := &Generic{
		cfg:      cfg,
		src:      src,
		minShift: uint(bits.TrailingZeros64(cfg.MinObject)),
		tags:     make(map[mem.PhysAddr]Tag),
	}
	for size := cfg.MinObject; size <= cfg.MaxObject; size <<= 1 {
		c, err := NewCache(src, size, o.cacheOpts...)
		if err != nil {
			return nil, fmt.Errorf("slab: generic class %d: %w", size, err)
		}
		g.caches = append(g.caches, c)
	}
	return g, nil
}

// ClassFor returns the object size of the class that serves a request of
// size bytes, or false when the request goes direct to the page allocator.
// A 24-byte request needs 32 bytes with an 8-byte tag and lands in the 32
// class.
func (g *Generic) ClassFor(size uint64) (uint64, bool) {
	i, ok := g.classIndex(size)
	if !ok {
		return 0, false
	}
	return g.caches[i].ObjectSize(), true
}

// classIndex picks the class for size plus the tag word with a
// count-leading-zeros ceil(log2).
func (g *Generic) classIndex(size uint64) (int, bool) {
	need := size + g.cfg.WordSize
	if need < size || need > g.cfg.MaxObject {
		return 0, false
	}
	if need <= g.cfg.MinObject {
		return 0, true
	}
	shift := uint(64 - bits.LeadingZeros64(need-1))
	return int(shift - g.minShift), true
}

// Alloc returns a pointer to at least size usable bytes.
func (g *Generic) Alloc(size uint64) (mem.PhysAddr, error) {
	if size == 0 {
		return 0, fmt.Errorf("slab: alloc: %w", mem.ErrInvalidSize)
	}

	var (
		block mem.PhysAddr
		tag   = Tag{Size: size}
		err   error
	)
	if i, ok := g.classIndex(size); ok {
		tag.Kind, tag.Cache = TagSlab, g.caches[i]
		block, err = tag.Cache.Alloc()
	} else {
		tag.Kind = TagDirect
		need := size + g.cfg.WordSize
		if need < size {
			err = fmt.Errorf("slab: alloc %d bytes: %w", size, mem.ErrInvalidSize)
		} else {
			block, err = g.src.Alloc(need)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.allocCalls++
	if err != nil {
		g.failures++
		return 0, err
	}

	p := block + mem.PhysAddr(g.cfg.WordSize)
	g.tags[p] = tag
	if tag.Kind == TagDirect {
		g.directAllocs++
		g.directBytes += mem.PageAlignUp(size+g.cfg.WordSize, g.src.PageSize())
	}
	return p, nil
}

// Free releases a pointer returned by Alloc, routed by its tag.
func (g *Generic) Free(p mem.PhysAddr) error {
	g.mu.Lock()
	g.freeCalls++
	tag, ok := g.tags[p]
	if !ok {
		g.unknownFrees++
		g.mu.Unlock()
		return fmt.Errorf("slab: free %v: %w", p, mem.ErrUnknownPointer)
	}
	delete(g.tags, p)
	if tag.Kind == TagDirect {
		g.directAllocs--
		g.directBytes -= mem.PageAlignUp(tag.Size+g.cfg.WordSize, g.src.PageSize())
	}
	g.mu.Unlock()

	block := p - mem.PhysAddr(g.cfg.WordSize)
	var err error
	switch tag.Kind {
	case TagSlab:
		err = tag.Cache.Free(block)
	case TagDirect:
		err = g.src.Free(block)
	}
	if err != nil {
		// The tag was ours, so this is internal corruption rather than misuse.
		logger.Error("slab: tagged free failed", "ptr", p, "kind", tag.Kind, "err", err)
		return fmt.Errorf("slab: free %v (%s): %w", p, tag.Kind, err)
	}
	return nil
}

// TagOf returns the recorded tag for an outstanding pointer.
func (g *Generic) TagOf(p mem.PhysAddr) (Tag, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tags[p]
	return t, ok
}

// Caches returns the class caches, smallest first.
func (g *Generic) Caches() []*Cache {
	return append([]*Cache(nil), g.caches...)
}

// SecondStage attaches a blocking mutex from p to every class cache. Either
// every cache gets a mutex or none does.
func (g *Generic) SecondStage(p MutexProvider) error {
	locks := make([]sync.Locker, 0, len(g.caches))
	for _, c := range g.caches {
		l, err := p.NewMutex()
		if err != nil {
			for _, made := range locks {
				p.DestroyMutex(made)
			}
			return fmt.Errorf("slab: second stage for %d-byte cache: %w", c.ObjectSize(), err)
		}
		locks = append(locks, l)
	}
	for i, c := range g.caches {
		c.AttachMutex(locks[i])
	}

	g.mu.Lock()
	g.secondStage = true
	g.mu.Unlock()
	logger.Debug("slab: second stage complete", "caches", len(g.caches))
	return nil
}

// Stats returns per-class and direct-path counters.
func (g *Generic) Stats() GenericStats {
	s := GenericStats{Classes: make([]CacheStats, 0, len(g.caches))}
	for _, c := range g.caches {
		s.Classes = append(s.Classes, c.Stats())
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s.DirectAllocs = g.directAllocs
	s.DirectBytes = g.directBytes
	s.AllocCalls = g.allocCalls
	s.FreeCalls = g.freeCalls
	s.Failures = g.failures
	s.UnknownFrees = g.unknownFrees
	s.SecondStage = g.secondStage
	return s
}

// Usage implements heap.Heap.
func (g *Generic) Usage() heap.Usage {
	s := g.Stats()
	u := heap.Usage{
		Strategy:     "slab",
		Live:         s.DirectAllocs,
		LiveBytes:    s.DirectBytes,
		BackingBytes: s.DirectBytes,
		AllocCalls:   s.AllocCalls,
		FreeCalls:    s.FreeCalls,
		Failures:     s.Failures + s.UnknownFrees,
	}
	for _, c := range s.Classes {
		u.Live += c.Allocated
		u.LiveBytes += uint64(c.Allocated) * c.ObjectSize
		u.BackingBytes += c.ExtentBytes
	}
	return u
}
