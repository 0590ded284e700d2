package verify

import (
	"fmt"

	"github.com/joshuapare/memkit/mem/heap"
	"github.com/joshuapare/memkit/mem/slab"
)

// Slab validates generic allocator statistics:
//   - class sizes double from one class to the next
//   - every object carved from a class's extents is either allocated,
//     available, or quarantined
//   - direct-path counters are consistent
func Slab(s slab.GenericStats) error {
	for i, c := range s.Classes {
		if i > 0 && c.ObjectSize != 2*s.Classes[i-1].ObjectSize {
			return &ValidationError{
				Type:    "Slab",
				Message: fmt.Sprintf("class %d follows class %d", c.ObjectSize, s.Classes[i-1].ObjectSize),
				Addr:    -1,
			}
		}
		if c.Extents == 0 {
			if c.Allocated != 0 || c.Available != 0 {
				return &ValidationError{Type: "Slab", Message: fmt.Sprintf("class %d has objects but no extents", c.ObjectSize), Addr: -1}
			}
			continue
		}
		perExtent := int(c.ExtentBytes / uint64(c.Extents) / c.ObjectSize)
		if total := c.Allocated + c.Available + c.Corrupted; total != c.Extents*perExtent {
			return &ValidationError{
				Type:    "Slab",
				Message: fmt.Sprintf("class %d accounts for %d of %d objects", c.ObjectSize, total, c.Extents*perExtent),
				Addr:    -1,
				Details: map[string]any{
					"allocated": c.Allocated,
					"available": c.Available,
					"corrupted": c.Corrupted,
					"extents":   c.Extents,
				},
			}
		}
	}
	if s.DirectAllocs < 0 || (s.DirectAllocs == 0) != (s.DirectBytes == 0) {
		return &ValidationError{
			Type:    "Slab",
			Message: fmt.Sprintf("direct path holds %d bytes in %d allocations", s.DirectBytes, s.DirectAllocs),
			Addr:    -1,
		}
	}
	return nil
}

// Heap validates the strategy-independent usage summary of any heap.
func Heap(u heap.Usage) error {
	if u.Live < 0 || (u.Live == 0 && u.LiveBytes != 0) {
		return &ValidationError{Type: "Heap", Message: fmt.Sprintf("%d live allocations hold %d bytes", u.Live, u.LiveBytes), Addr: -1}
	}
	if u.LiveBytes > u.BackingBytes {
		return &ValidationError{
			Type:    "Heap",
			Message: fmt.Sprintf("%s heap hands out %d bytes from %d bytes of backing", u.Strategy, u.LiveBytes, u.BackingBytes),
			Addr:    -1,
		}
	}
	return nil
}
