// Package ram provides the byte arena that stands in for physical RAM.
//
// The arena covers [Base, Base+Size) of the physical address space. On Unix
// hosts it is an anonymous private mapping so untouched pages cost nothing;
// elsewhere it falls back to a Go slice.
package ram

import (
	"errors"
	"fmt"

	"github.com/joshuapare/memkit/internal/buf"
	"github.com/joshuapare/memkit/mem"
)

// ErrClosed indicates use of an arena after Close.
var ErrClosed = errors.New("ram: arena closed")

// Arena is a window of simulated physical memory.
type Arena struct {
	base    mem.PhysAddr
	data    []byte
	release func() error
}

// New maps size bytes of RAM starting at physical address base.
func New(base mem.PhysAddr, size uint64) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("ram: %w", mem.ErrInvalidSize)
	}
	if _, ok := buf.AddOverflowSafe(uint64(base), size); !ok {
		return nil, fmt.Errorf("ram: range 0x%X+0x%X overflows", uint64(base), size)
	}
	// The mapping is a whole number of host pages; the arena exposes only size.
	hostPage := uint64(HostPageSize())
	length, ok := buf.AddOverflowSafe(size, hostPage-1)
	if !ok || length&^(hostPage-1) > uint64(^uint(0)>>1) {
		return nil, fmt.Errorf("ram: arena too large to map (%d bytes)", size)
	}
	length &^= hostPage - 1
	data, release, err := mapAnon(int(length))
	if err != nil {
		return nil, fmt.Errorf("ram: map %d bytes: %w", length, err)
	}
	return &Arena{base: base, data: data[:size:size], release: release}, nil
}

// Base returns the first physical address covered by the arena.
func (a *Arena) Base() mem.PhysAddr { return a.base }

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.data)) }

// Bytes returns the n bytes of RAM starting at addr. The slice aliases the
// arena, so writes are visible to every other holder of the same range.
func (a *Arena) Bytes(addr mem.PhysAddr, n uint64) ([]byte, error) {
	if a.data == nil {
		return nil, ErrClosed
	}
	if addr < a.base {
		return nil, fmt.Errorf("ram: %v: %w", addr, mem.ErrBadAddress)
	}
	b, ok := buf.Slice(a.data, uint64(addr-a.base), n)
	if !ok {
		return nil, fmt.Errorf("ram: %v+%d: %w", addr, n, mem.ErrBadAddress)
	}
	return b, nil
}

// Zero clears n bytes starting at addr.
func (a *Arena) Zero(addr mem.PhysAddr, n uint64) error {
	b, err := a.Bytes(addr, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

// Close releases the arena. Calling Close twice is a no-op.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	a.data = nil
	return a.release()
}
