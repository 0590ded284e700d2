package mem

import (
	"fmt"
	"strings"
)

// PhysAddr is a physical memory address.
type PhysAddr uint64

// VirtAddr is a virtual memory address.
type VirtAddr uint64

// Directory is an opaque page-directory handle issued by an MMU driver.
type Directory uint64

func (a PhysAddr) String() string { return fmt.Sprintf("0x%08X", uint64(a)) }

func (a VirtAddr) String() string { return fmt.Sprintf("0x%08X", uint64(a)) }

// Access describes the permissions requested for a translation.
type Access uint8

const (
	Read Access = 1 << iota
	Write
	Exec
	// Device marks an uncached, strongly ordered device-register mapping.
	Device
)

func (a Access) String() string {
	if a == 0 {
		return "---"
	}
	var b strings.Builder
	for _, f := range []struct {
		bit Access
		ch  byte
	}{{Read, 'r'}, {Write, 'w'}, {Exec, 'x'}, {Device, 'd'}} {
		if a&f.bit != 0 {
			b.WriteByte(f.ch)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// PageAlignUp returns n rounded up to the next multiple of pageSize.
// pageSize must be a power of two.
//
// Example:
//
//	PageAlignUp(1, 4096)    = 4096
//	PageAlignUp(4096, 4096) = 4096
//	PageAlignUp(4097, 4096) = 8192
func PageAlignUp(n, pageSize uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// PageAlignDown returns n truncated to a multiple of pageSize.
// pageSize must be a power of two.
func PageAlignDown(n, pageSize uint64) uint64 {
	return n &^ (pageSize - 1)
}
