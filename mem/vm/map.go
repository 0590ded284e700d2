package vm

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/joshuapare/memkit/internal/buf"
	"github.com/joshuapare/memkit/internal/logger"
	"github.com/joshuapare/memkit/mem"
)

// Map is one address space: a sorted segment list covering [Start, End)
// with no gaps and no overlaps, plus the MMU directory that mirrors it.
// Every operation takes the map's mutex; distinct maps proceed in parallel.
type Map struct {
	mgr *Manager
	id  uint64

	mu        sync.Mutex
	dir       mem.Directory
	refs      int
	mapped    uint64
	start     mem.VirtAddr
	end       mem.VirtAddr
	segs      []segment
	destroyed bool
}

// Start returns the first covered virtual address.
func (m *Map) Start() mem.VirtAddr { return m.start }

// End returns the first virtual address past the map.
func (m *Map) End() mem.VirtAddr { return m.end }

// Directory returns the MMU directory handle.
func (m *Map) Directory() mem.Directory { return m.dir }

// Alloc maps size bytes of fresh pages at the first free virtual range that
// fits and returns its address.
func (m *Map) Alloc(size uint64, flags Flags) (mem.VirtAddr, error) {
	size, err := m.roundSize(size)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return 0, ErrMapDestroyed
	}

	idx := m.firstFit(size)
	if idx < 0 {
		logger.Debug("vm: no virtual space", "dir", m.dir, "size", size)
		return 0, fmt.Errorf("vm: alloc %d bytes: %w", size, mem.ErrNoVirtualSpace)
	}
	virt := m.segs[idx].Virt
	if err := m.installLocked(idx, virt, size, flags, nil); err != nil {
		return 0, err
	}
	return virt, nil
}

// Reserve maps fresh pages at a fixed virtual address. The range is widened
// to page boundaries and must lie inside one free segment.
func (m *Map) Reserve(virt mem.VirtAddr, size uint64, flags Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrMapDestroyed
	}

	idx, lo, n, err := m.fixedRange(virt, size)
	if err != nil {
		return err
	}
	return m.installLocked(idx, lo, n, flags, nil)
}

// MapPhys maps externally owned physical memory, such as device registers,
// at a fixed virtual address. virt and phys must be page aligned. The
// physical range is never returned to the page allocator.
func (m *Map) MapPhys(virt mem.VirtAddr, phys mem.PhysAddr, size uint64, flags Flags) error {
	if err := m.checkPhys(phys); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrMapDestroyed
	}
	if uint64(virt)%m.mgr.pageSize != 0 {
		return fmt.Errorf("vm: map phys at %v: unaligned: %w", virt, mem.ErrBadAddress)
	}

	idx, lo, n, err := m.fixedRange(virt, size)
	if err != nil {
		return err
	}
	return m.installLocked(idx, lo, n, flags, &phys)
}

// MapPhysAnywhere maps externally owned physical memory at the first free
// virtual range that fits.
func (m *Map) MapPhysAnywhere(phys mem.PhysAddr, size uint64, flags Flags) (mem.VirtAddr, error) {
	if err := m.checkPhys(phys); err != nil {
		return 0, err
	}
	size, err := m.roundSize(size)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return 0, ErrMapDestroyed
	}

	idx := m.firstFit(size)
	if idx < 0 {
		return 0, fmt.Errorf("vm: map %d bytes: %w", size, mem.ErrNoVirtualSpace)
	}
	virt := m.segs[idx].Virt
	if err := m.installLocked(idx, virt, size, flags, &phys); err != nil {
		return 0, err
	}
	return virt, nil
}

// Unmap tears down the mapped segment containing virt, returns its pages to
// the page allocator when they were allocated for it and are not shared,
// and merges the freed range with free neighbours.
func (m *Map) Unmap(virt mem.VirtAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrMapDestroyed
	}

	idx := m.find(virt)
	if idx < 0 {
		return fmt.Errorf("vm: unmap %v: %w", virt, mem.ErrBadAddress)
	}
	if m.segs[idx].Free() {
		return fmt.Errorf("vm: unmap %v: %w", virt, mem.ErrNotMapped)
	}
	return m.teardownLocked(idx)
}

// Share maps the block behind the segment containing virt into dst at the
// first free range that fits. Both segments become Shared; the pages are
// returned only when the last sharing segment is unmapped.
func (m *Map) Share(dst *Map, virt mem.VirtAddr) (mem.VirtAddr, error) {
	unlock := lockPair(m, dst)
	defer unlock()
	if m.destroyed || dst.destroyed {
		return 0, ErrMapDestroyed
	}

	si := m.find(virt)
	if si < 0 || m.segs[si].Free() {
		return 0, fmt.Errorf("vm: share %v: %w", virt, mem.ErrNotMapped)
	}
	src := m.segs[si]

	di := dst.firstFit(src.Size)
	if di < 0 {
		return 0, fmt.Errorf("vm: share %d bytes: %w", src.Size, mem.ErrNoVirtualSpace)
	}
	dv := dst.segs[di].Virt
	if err := dst.checkCapacity(di, dv, src.Size); err != nil {
		return 0, err
	}
	access := src.Flags & userFlags
	if err := dst.mgr.mmu.Map(dst.dir, src.Phys, dv, src.Size, access.access()); err != nil {
		return 0, fmt.Errorf("vm: share into %v: %w", dst.dir, err)
	}

	if src.Flags&FlagShared == 0 {
		m.mgr.addShare(src.Phys, src.owned)
		m.segs[si].Flags |= FlagShared
		m.segs[si].owned = false
	} else {
		m.mgr.addShare(src.Phys, false)
	}
	dst.carve(di, segment{Segment: Segment{
		Virt:  dv,
		Phys:  src.Phys,
		Size:  src.Size,
		Flags: access | FlagMapped | FlagShared,
	}})
	dst.mapped += src.Size
	return dv, nil
}

// Acquire adds a reference to the map.
func (m *Map) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrMapDestroyed
	}
	m.refs++
	return nil
}

// Destroy drops a reference. The last reference unmaps every segment,
// releasing backing pages, and destroys the MMU directory.
func (m *Map) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrMapDestroyed
	}
	m.refs--
	if m.refs > 0 {
		return nil
	}

	var errs []error
	for i := 0; i < len(m.segs); {
		if m.segs[i].Free() {
			i++
			continue
		}
		if err := m.teardownLocked(i); err != nil {
			// Leave the segment mapped and move on.
			errs = append(errs, err)
			i++
			continue
		}
		// The freed range may have merged into its predecessor.
		if i > 0 {
			i--
		}
	}
	if err := m.mgr.mmu.DestroyDirectory(m.dir); err != nil {
		errs = append(errs, fmt.Errorf("vm: destroy directory %v: %w", m.dir, err))
	}
	m.destroyed = true
	m.mgr.live.Add(-1)
	logger.Debug("vm: map destroyed", "dir", m.dir, "errors", len(errs))
	return errors.Join(errs...)
}

// Segments returns a copy of the segment list in address order.
func (m *Map) Segments() []Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Segment, len(m.segs))
	for i, s := range m.segs {
		out[i] = s.Segment
	}
	return out
}

// Lookup returns the segment containing virt.
func (m *Map) Lookup(virt mem.VirtAddr) (Segment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.find(virt); i >= 0 {
		return m.segs[i].Segment, true
	}
	return Segment{}, false
}

// Translate resolves virt through the segment list.
func (m *Map) Translate(virt mem.VirtAddr) (mem.PhysAddr, error) {
	s, ok := m.Lookup(virt)
	if !ok || s.Free() {
		return 0, fmt.Errorf("vm: translate %v: %w", virt, mem.ErrNotMapped)
	}
	return s.Phys + mem.PhysAddr(virt-s.Virt), nil
}

// MappedBytes returns the total size of mapped segments.
func (m *Map) MappedBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapped
}

// Refs returns the reference count.
func (m *Map) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// ============================================================================
// Internal helpers (callers hold m.mu)
// ============================================================================

// installLocked backs [virt, virt+size) inside free segment idx, installs the
// translation, and only then rewrites the segment list. phys nil means
// allocate fresh pages.
func (m *Map) installLocked(idx int, virt mem.VirtAddr, size uint64, flags Flags, phys *mem.PhysAddr) error {
	if err := m.checkCapacity(idx, virt, size); err != nil {
		return err
	}
	flags &= userFlags

	var (
		p     mem.PhysAddr
		owned bool
	)
	if phys == nil {
		var err error
		p, err = m.mgr.pages.Alloc(size)
		if err != nil {
			return fmt.Errorf("vm: back %d bytes at %v: %w", size, virt, err)
		}
		owned = true
	} else {
		p = *phys
	}

	if err := m.mgr.mmu.Map(m.dir, p, virt, size, flags.access()); err != nil {
		if owned {
			_ = m.mgr.pages.Free(p)
		}
		logger.Debug("vm: mmu install failed", "dir", m.dir, "virt", virt, "size", size, "err", err)
		return fmt.Errorf("vm: install %v+0x%X: %w", virt, size, err)
	}

	m.carve(idx, segment{
		Segment: Segment{Virt: virt, Phys: p, Size: size, Flags: flags | FlagMapped},
		owned:   owned,
	})
	m.mapped += size
	return nil
}

// teardownLocked unmaps segment idx and turns it into free space.
func (m *Map) teardownLocked(idx int) error {
	s := m.segs[idx]
	if err := m.mgr.mmu.Unmap(m.dir, s.Virt, s.Size); err != nil {
		return fmt.Errorf("vm: teardown %v+0x%X: %w", s.Virt, s.Size, err)
	}
	m.mgr.release(s)
	m.mapped -= s.Size
	m.segs[idx] = freeSegment(s.Virt, s.Size)
	m.mergeAround(idx)
	return nil
}

// carve replaces the free segment at idx with up to three pieces: leading
// free, seg, trailing free.
func (m *Map) carve(idx int, seg segment) {
	free := m.segs[idx]
	pieces := make([]segment, 0, 3)
	if seg.Virt > free.Virt {
		pieces = append(pieces, freeSegment(free.Virt, uint64(seg.Virt-free.Virt)))
	}
	pieces = append(pieces, seg)
	if end, fend := seg.End(), free.End(); end < fend {
		pieces = append(pieces, freeSegment(end, uint64(fend-end)))
	}
	m.segs = slices.Replace(m.segs, idx, idx+1, pieces...)
}

// mergeAround joins free segment idx with free neighbours.
func (m *Map) mergeAround(idx int) {
	if idx+1 < len(m.segs) && m.segs[idx+1].Free() {
		m.segs[idx].Size += m.segs[idx+1].Size
		m.segs = slices.Delete(m.segs, idx+1, idx+2)
	}
	if idx > 0 && m.segs[idx-1].Free() {
		m.segs[idx-1].Size += m.segs[idx].Size
		m.segs = slices.Delete(m.segs, idx, idx+1)
	}
}

// checkCapacity fails with ErrNoSegments if carving [virt, virt+size) out of
// segment idx would overflow the segment table.
func (m *Map) checkCapacity(idx int, virt mem.VirtAddr, size uint64) error {
	limit := m.mgr.maxSegments
	if limit == 0 {
		return nil
	}
	free := m.segs[idx]
	extra := 0
	if virt > free.Virt {
		extra++
	}
	if virt+mem.VirtAddr(size) < free.End() {
		extra++
	}
	if len(m.segs)+extra > limit {
		logger.Debug("vm: segment table full", "dir", m.dir, "segments", len(m.segs), "limit", limit)
		return fmt.Errorf("vm: %d segments + %d exceeds %d: %w", len(m.segs), extra, limit, mem.ErrNoSegments)
	}
	return nil
}

// firstFit returns the index of the first free segment of at least size
// bytes, or -1.
func (m *Map) firstFit(size uint64) int {
	for i, s := range m.segs {
		if s.Free() && s.Size >= size {
			return i
		}
	}
	return -1
}

// find returns the index of the segment containing virt, or -1.
func (m *Map) find(virt mem.VirtAddr) int {
	i, found := slices.BinarySearchFunc(m.segs, virt, func(s segment, v mem.VirtAddr) int {
		switch {
		case s.End() <= v:
			return -1
		case s.Virt > v:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return -1
	}
	return i
}

// fixedRange widens [virt, virt+size) to pages and finds the free segment
// holding all of it.
func (m *Map) fixedRange(virt mem.VirtAddr, size uint64) (int, mem.VirtAddr, uint64, error) {
	if size == 0 {
		return 0, 0, 0, fmt.Errorf("vm: reserve: %w", mem.ErrInvalidSize)
	}
	end, err := buf.CheckRange(uint64(m.start), uint64(m.end), uint64(virt), size)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("vm: reserve %v+0x%X: %w: %w", virt, size, mem.ErrBadAddress, err)
	}
	lo := mem.VirtAddr(mem.PageAlignDown(uint64(virt), m.mgr.pageSize))
	hi := mem.VirtAddr(mem.PageAlignUp(end, m.mgr.pageSize))

	idx := m.find(lo)
	if idx < 0 || !m.segs[idx].Free() || hi > m.segs[idx].End() {
		return 0, 0, 0, fmt.Errorf("vm: reserve %v+0x%X: %w", virt, size, mem.ErrRangeInUse)
	}
	return idx, lo, uint64(hi - lo), nil
}

func (m *Map) roundSize(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("vm: %w", mem.ErrInvalidSize)
	}
	r := mem.PageAlignUp(size, m.mgr.pageSize)
	if r < size {
		return 0, fmt.Errorf("vm: size %d: %w", size, mem.ErrInvalidSize)
	}
	return r, nil
}

func (m *Map) checkPhys(phys mem.PhysAddr) error {
	if uint64(phys)%m.mgr.pageSize != 0 {
		return fmt.Errorf("vm: physical %v unaligned: %w", phys, mem.ErrBadAddress)
	}
	return nil
}

// lockPair locks two maps in id order and returns the matching unlock.
func lockPair(a, b *Map) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if b.id < a.id {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}
