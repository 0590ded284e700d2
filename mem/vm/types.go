package vm

import (
	"errors"
	"strings"

	"github.com/joshuapare/memkit/mem"
)

// ErrMapDestroyed indicates use of a map whose last reference was dropped.
var ErrMapDestroyed = errors.New("vm: map destroyed")

// Driver is the architecture MMU capability consumed by the segment manager.
type Driver interface {
	NewDirectory() (mem.Directory, error)
	Map(dir mem.Directory, phys mem.PhysAddr, virt mem.VirtAddr, size uint64, access mem.Access) error
	Unmap(dir mem.Directory, virt mem.VirtAddr, size uint64) error
	DestroyDirectory(dir mem.Directory) error
}

// PageSource supplies physical backing. *page.Allocator satisfies it.
type PageSource interface {
	Alloc(size uint64) (mem.PhysAddr, error)
	Free(addr mem.PhysAddr) error
	PageSize() uint64
}

// Flags is the state and permission bitset of a segment.
type Flags uint16

const (
	FlagFree Flags = 1 << iota
	FlagRead
	FlagWrite
	FlagExec
	FlagShared
	FlagMapped
	FlagIOMapped
)

// userFlags are the bits callers may request.
const userFlags = FlagRead | FlagWrite | FlagExec | FlagIOMapped

var flagNames = []struct {
	bit  Flags
	name string
}{
	{FlagFree, "FREE"},
	{FlagMapped, "MAPPED"},
	{FlagIOMapped, "IOMAPPED"},
	{FlagShared, "SHARED"},
	{FlagRead, "R"},
	{FlagWrite, "W"},
	{FlagExec, "X"},
}

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// access converts segment permissions to MMU access bits. IOMapped segments
// get uncached device access.
func (f Flags) access() mem.Access {
	var a mem.Access
	if f&FlagRead != 0 {
		a |= mem.Read
	}
	if f&FlagWrite != 0 {
		a |= mem.Write
	}
	if f&FlagExec != 0 {
		a |= mem.Exec
	}
	if f&FlagIOMapped != 0 {
		a |= mem.Device
	}
	return a
}

// Segment is a contiguous virtual range of a map.
type Segment struct {
	Virt  mem.VirtAddr
	Phys  mem.PhysAddr // Zero for free segments
	Size  uint64
	Flags Flags
}

// End returns the first address past the segment.
func (s Segment) End() mem.VirtAddr { return s.Virt + mem.VirtAddr(s.Size) }

// Free reports whether the segment is unmapped.
func (s Segment) Free() bool { return s.Flags&FlagFree != 0 }

// Contains reports whether v falls inside the segment.
func (s Segment) Contains(v mem.VirtAddr) bool { return v >= s.Virt && v < s.End() }

// segment is a Segment plus bookkeeping the caller never sees.
type segment struct {
	Segment
	owned bool // backing pages came from the page allocator and return to it
}

func freeSegment(virt mem.VirtAddr, size uint64) segment {
	return segment{Segment: Segment{Virt: virt, Size: size, Flags: FlagFree}}
}
