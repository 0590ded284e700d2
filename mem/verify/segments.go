package verify

import (
	"fmt"

	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/vm"
)

// Segments validates that segs exactly cover [start, end):
//   - the first segment begins at start and the last ends at end
//   - each segment begins where the previous one ended (no gaps, no overlaps)
//   - sizes are non-zero
//   - free segments carry no other flags and no two are adjacent
//   - mapped segments are flagged MAPPED
func Segments(start, end mem.VirtAddr, segs []vm.Segment) error {
	if len(segs) == 0 {
		return &ValidationError{Type: "Segments", Message: "empty segment list", Addr: int64(start)}
	}
	if segs[0].Virt != start {
		return &ValidationError{
			Type:    "Segments",
			Message: fmt.Sprintf("first segment starts at %v, map starts at %v", segs[0].Virt, start),
			Addr:    int64(segs[0].Virt),
		}
	}

	cursor := start
	prevFree := false
	for i, s := range segs {
		if s.Size == 0 {
			return &ValidationError{Type: "Segments", Message: "zero-size segment", Addr: int64(s.Virt),
				Details: map[string]any{"index": i}}
		}
		if s.Virt != cursor {
			kind := "gap"
			if s.Virt < cursor {
				kind = "overlap"
			}
			return &ValidationError{
				Type:    "Segments",
				Message: fmt.Sprintf("%s before segment %d: expected %v", kind, i, cursor),
				Addr:    int64(s.Virt),
			}
		}
		if s.Free() {
			if s.Flags != vm.FlagFree {
				return &ValidationError{Type: "Segments", Message: fmt.Sprintf("free segment has flags %v", s.Flags),
					Addr: int64(s.Virt)}
			}
			if prevFree {
				return &ValidationError{Type: "Segments", Message: "adjacent free segments", Addr: int64(s.Virt)}
			}
		} else if s.Flags&vm.FlagMapped == 0 {
			return &ValidationError{Type: "Segments", Message: fmt.Sprintf("used segment has flags %v", s.Flags),
				Addr: int64(s.Virt)}
		}
		prevFree = s.Free()
		cursor = s.End()
	}
	if cursor != end {
		return &ValidationError{
			Type:    "Segments",
			Message: fmt.Sprintf("segments end at %v, map ends at %v", cursor, end),
			Addr:    int64(cursor),
		}
	}
	return nil
}
