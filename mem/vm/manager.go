package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/memkit/internal/logger"
	"github.com/joshuapare/memkit/mem"
)

// Config wires a Manager to its collaborators.
type Config struct {
	Pages       PageSource
	MMU         Driver
	MaxSegments int // Per-map segment table size; 0 is unlimited
}

// Manager creates address-space maps that share one page allocator and one
// MMU driver.
type Manager struct {
	pages       PageSource
	mmu         Driver
	pageSize    uint64
	maxSegments int

	nextID atomic.Uint64
	live   atomic.Int64

	mu     sync.Mutex
	shares map[mem.PhysAddr]*shareRef
}

// shareRef counts the segments mapping one shared physical block.
type shareRef struct {
	refs  int
	owned bool // free the block when the last reference goes
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Pages == nil || cfg.MMU == nil {
		return nil, fmt.Errorf("vm: page source and MMU driver are required")
	}
	if cfg.MaxSegments < 0 {
		return nil, fmt.Errorf("vm: negative segment limit %d", cfg.MaxSegments)
	}
	return &Manager{
		pages:       cfg.Pages,
		mmu:         cfg.MMU,
		pageSize:    cfg.Pages.PageSize(),
		maxSegments: cfg.MaxSegments,
		shares:      make(map[mem.PhysAddr]*shareRef),
	}, nil
}

// PageSize returns the mapping granule.
func (mg *Manager) PageSize() uint64 { return mg.pageSize }

// LiveMaps returns the number of maps not yet destroyed.
func (mg *Manager) LiveMaps() int { return int(mg.live.Load()) }

// CreateMap creates an address space covering [start, end) with one free
// segment. Address 0 is never covered, so a start of 0 begins at the second
// page. start is rounded up and end down to page boundaries.
func (mg *Manager) CreateMap(start, end mem.VirtAddr) (*Map, error) {
	lo := mem.VirtAddr(mem.PageAlignUp(uint64(start), mg.pageSize))
	if lo == 0 {
		lo = mem.VirtAddr(mg.pageSize)
	}
	hi := mem.VirtAddr(mem.PageAlignDown(uint64(end), mg.pageSize))
	if lo >= hi {
		return nil, fmt.Errorf("vm: create map [%v, %v): %w", start, end, mem.ErrInvalidSize)
	}

	dir, err := mg.mmu.NewDirectory()
	if err != nil {
		return nil, fmt.Errorf("vm: new directory: %w", err)
	}
	m := &Map{
		mgr:   mg,
		id:    mg.nextID.Add(1),
		dir:   dir,
		refs:  1,
		start: lo,
		end:   hi,
		segs:  []segment{freeSegment(lo, uint64(hi-lo))},
	}
	mg.live.Add(1)
	logger.Debug("vm: map created", "dir", dir, "start", lo, "end", hi)
	return m, nil
}

// addShare registers one more mapping of a block. The first call for a block
// counts the source mapping too.
func (mg *Manager) addShare(phys mem.PhysAddr, owned bool) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if ref, ok := mg.shares[phys]; ok {
		ref.refs++
		return
	}
	mg.shares[phys] = &shareRef{refs: 2, owned: owned}
}

// release drops a torn-down segment's claim on its backing pages.
func (mg *Manager) release(s segment) {
	if s.Flags&FlagShared != 0 {
		mg.mu.Lock()
		ref, ok := mg.shares[s.Phys]
		if ok {
			ref.refs--
			if ref.refs > 0 {
				mg.mu.Unlock()
				return
			}
			delete(mg.shares, s.Phys)
		}
		mg.mu.Unlock()
		if !ok || !ref.owned {
			return
		}
	} else if !s.owned {
		return
	}

	if err := mg.pages.Free(s.Phys); err != nil {
		logger.Error("vm: returning backing pages failed", "phys", s.Phys, "size", s.Size, "err", err)
	}
}

// SharedBlocks returns the number of physical blocks mapped by more than one
// segment.
func (mg *Manager) SharedBlocks() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.shares)
}
