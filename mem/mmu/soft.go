// Package mmu provides a software MMU driver and TLB invalidation tracking.
//
// Soft keeps one page table per directory in ordinary maps. It enforces a
// global translation capacity so callers see the same exhaustion behaviour a
// fixed-size hardware table would give them.
package mmu

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/joshuapare/memkit/mem"
)

var (
	// ErrUnknownDirectory indicates a directory handle that was never issued
	// or has been destroyed.
	ErrUnknownDirectory = errors.New("mmu: unknown directory")

	// ErrAlreadyMapped indicates an install over an existing translation.
	ErrAlreadyMapped = errors.New("mmu: virtual page already mapped")

	// ErrMisaligned indicates an address or size that is not page aligned.
	ErrMisaligned = errors.New("mmu: address not page aligned")
)

// Config sizes a Soft driver.
type Config struct {
	PageSize   uint64 // Translation granule, power of two
	MaxEntries int    // Total page translations across all directories; 0 is unlimited
}

type entry struct {
	phys   mem.PhysAddr
	access mem.Access
}

type table map[uint64]entry // virtual page number -> entry

// Soft is a software page-table driver.
type Soft struct {
	mu       sync.Mutex
	pageSize uint64
	max      int
	entries  int
	nextDir  mem.Directory
	tables   map[mem.Directory]table
	tlb      *Tracker
}

// Option customizes a Soft driver.
type Option func(*Soft)

// WithTracker records every teardown in t for later invalidation.
func WithTracker(t *Tracker) Option {
	return func(s *Soft) { s.tlb = t }
}

// NewSoft creates a driver with no directories.
func NewSoft(cfg Config, opts ...Option) (*Soft, error) {
	if !mem.IsPowerOfTwo(cfg.PageSize) {
		return nil, fmt.Errorf("mmu: page size %d is not a power of two", cfg.PageSize)
	}
	if cfg.MaxEntries < 0 {
		return nil, fmt.Errorf("mmu: negative capacity %d", cfg.MaxEntries)
	}
	s := &Soft{
		pageSize: cfg.PageSize,
		max:      cfg.MaxEntries,
		nextDir:  1,
		tables:   make(map[mem.Directory]table),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewDirectory issues a fresh, empty page directory.
func (s *Soft) NewDirectory() (mem.Directory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.nextDir
	s.nextDir++
	s.tables[d] = make(table)
	return d, nil
}

// Map installs translations for [virt, virt+size). Either every page is
// installed or none is.
func (s *Soft) Map(dir mem.Directory, phys mem.PhysAddr, virt mem.VirtAddr, size uint64, access mem.Access) error {
	if err := s.checkAligned(uint64(virt), size); err != nil {
		return err
	}
	if uint64(phys)%s.pageSize != 0 {
		return fmt.Errorf("mmu: map phys %v: %w", phys, ErrMisaligned)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[dir]
	if !ok {
		return fmt.Errorf("mmu: map in %v: %w", dir, ErrUnknownDirectory)
	}
	n := int(size / s.pageSize)
	if s.max > 0 && s.entries+n > s.max {
		return fmt.Errorf("mmu: map %d pages with %d of %d used: %w", n, s.entries, s.max, mem.ErrMMUFull)
	}
	first := uint64(virt) / s.pageSize
	for k := range uint64(n) {
		if _, mapped := t[first+k]; mapped {
			return fmt.Errorf("mmu: map %v: %w", mem.VirtAddr((first+k)*s.pageSize), ErrAlreadyMapped)
		}
	}
	for k := range uint64(n) {
		t[first+k] = entry{phys: phys + mem.PhysAddr(k*s.pageSize), access: access}
	}
	s.entries += n
	return nil
}

// Unmap removes translations for [virt, virt+size). Pages without a
// translation are skipped; ErrNotMapped is returned only if none had one.
func (s *Soft) Unmap(dir mem.Directory, virt mem.VirtAddr, size uint64) error {
	if err := s.checkAligned(uint64(virt), size); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[dir]
	if !ok {
		return fmt.Errorf("mmu: unmap in %v: %w", dir, ErrUnknownDirectory)
	}
	first := uint64(virt) / s.pageSize
	removed := 0
	for k := range size / s.pageSize {
		if _, mapped := t[first+k]; mapped {
			delete(t, first+k)
			removed++
		}
	}
	if removed == 0 {
		return fmt.Errorf("mmu: unmap %v: %w", virt, mem.ErrNotMapped)
	}
	s.entries -= removed
	if s.tlb != nil {
		s.tlb.Add(dir, virt, size)
	}
	return nil
}

// DestroyDirectory drops dir and every translation in it.
func (s *Soft) DestroyDirectory(dir mem.Directory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[dir]
	if !ok {
		return fmt.Errorf("mmu: destroy %v: %w", dir, ErrUnknownDirectory)
	}
	if s.tlb != nil {
		vpns := slices.Sorted(maps.Keys(t))
		for i := 0; i < len(vpns); {
			j := i + 1
			for j < len(vpns) && vpns[j] == vpns[j-1]+1 {
				j++
			}
			s.tlb.Add(dir, mem.VirtAddr(vpns[i]*s.pageSize), uint64(j-i)*s.pageSize)
			i = j
		}
	}
	s.entries -= len(t)
	delete(s.tables, dir)
	return nil
}

// Translate resolves virt in dir to a physical address and its access flags.
func (s *Soft) Translate(dir mem.Directory, virt mem.VirtAddr) (mem.PhysAddr, mem.Access, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[dir]
	if !ok {
		return 0, 0, fmt.Errorf("mmu: translate in %v: %w", dir, ErrUnknownDirectory)
	}
	e, ok := t[uint64(virt)/s.pageSize]
	if !ok {
		return 0, 0, fmt.Errorf("mmu: translate %v: %w", virt, mem.ErrNotMapped)
	}
	return e.phys + mem.PhysAddr(uint64(virt)%s.pageSize), e.access, nil
}

// Entries returns the number of installed page translations.
func (s *Soft) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries
}

// Directories returns the number of live directories.
func (s *Soft) Directories() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables)
}

// PageSize returns the translation granule.
func (s *Soft) PageSize() uint64 { return s.pageSize }

// Tracker returns the invalidation tracker, or nil.
func (s *Soft) Tracker() *Tracker { return s.tlb }

func (s *Soft) checkAligned(virt, size uint64) error {
	if size == 0 {
		return fmt.Errorf("mmu: %w", mem.ErrInvalidSize)
	}
	if virt%s.pageSize != 0 || size%s.pageSize != 0 {
		return fmt.Errorf("mmu: range 0x%X+0x%X: %w", virt, size, ErrMisaligned)
	}
	return nil
}
