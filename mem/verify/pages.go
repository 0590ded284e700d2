package verify

import (
	"fmt"

	"github.com/joshuapare/memkit/mem/page"
)

// Pages validates a page allocator snapshot:
//   - every block starts with a HEAD page whose size is a non-zero page multiple
//   - every member page stores its distance from the head and no flags
//   - no two free blocks are adjacent
//   - the free list holds exactly the free block heads, once each
//   - used + free + reserved bytes equal the managed size and match the walk
func Pages(s page.Snapshot) error {
	n := len(s.Pages)
	addrOf := func(i int) int64 { return int64(s.Base) + int64(i)*int64(s.PageSize) }

	freeHeads := make(map[int]bool)
	var usedPages, freePages, reservedPages uint64
	prevFree := false

	for h := 0; h < n; {
		d := s.Pages[h]
		if d.Flags&page.FlagHead == 0 {
			return &ValidationError{
				Type:    "Pages",
				Message: fmt.Sprintf("block walk reached page %d without HEAD flag", h),
				Addr:    addrOf(h),
			}
		}
		if d.Size == 0 || d.Size%s.PageSize != 0 {
			return &ValidationError{
				Type:    "Pages",
				Message: fmt.Sprintf("head size %d is not a non-zero page multiple", d.Size),
				Addr:    addrOf(h),
			}
		}
		count := int(d.Size / s.PageSize)
		if h+count > n {
			return &ValidationError{
				Type:    "Pages",
				Message: fmt.Sprintf("block of %d pages runs past the arena end", count),
				Addr:    addrOf(h),
			}
		}
		for k := 1; k < count; k++ {
			m := s.Pages[h+k]
			if m.Size != uint64(k) || m.Flags != 0 {
				return &ValidationError{
					Type:    "Pages",
					Message: fmt.Sprintf("member page has distance %d flags %v, want distance %d", m.Size, m.Flags, k),
					Addr:    addrOf(h + k),
					Details: map[string]any{"head": addrOf(h)},
				}
			}
		}

		free := d.Flags&page.FlagUsed == 0
		switch {
		case free:
			if prevFree {
				return &ValidationError{
					Type:    "Pages",
					Message: "free block adjacent to preceding free block",
					Addr:    addrOf(h),
				}
			}
			freeHeads[h] = true
			freePages += uint64(count)
		case d.Flags&page.FlagReserved != 0:
			reservedPages += uint64(count)
		default:
			usedPages += uint64(count)
		}
		prevFree = free
		h += count
	}

	seen := make(map[int]bool, len(s.FreeList))
	for _, h := range s.FreeList {
		if !freeHeads[h] {
			return &ValidationError{
				Type:    "FreeList",
				Message: fmt.Sprintf("free list entry %d is not the head of a free block", h),
				Addr:    addrOf(h),
			}
		}
		if seen[h] {
			return &ValidationError{
				Type:    "FreeList",
				Message: fmt.Sprintf("free list visits page %d twice", h),
				Addr:    addrOf(h),
			}
		}
		seen[h] = true
	}
	if len(seen) != len(freeHeads) {
		return &ValidationError{
			Type:    "FreeList",
			Message: fmt.Sprintf("free list has %d blocks, walk found %d", len(seen), len(freeHeads)),
			Addr:    -1,
		}
	}

	st := s.Stats
	if st.UsedBytes+st.FreeBytes+st.ReservedBytes != st.TotalBytes {
		return &ValidationError{
			Type:    "Conservation",
			Message: "used + free + reserved != total",
			Addr:    -1,
			Details: map[string]any{
				"used": st.UsedBytes, "free": st.FreeBytes,
				"reserved": st.ReservedBytes, "total": st.TotalBytes,
			},
		}
	}
	if usedPages*s.PageSize != st.UsedBytes ||
		freePages*s.PageSize != st.FreeBytes ||
		reservedPages*s.PageSize != st.ReservedBytes {
		return &ValidationError{
			Type:    "Conservation",
			Message: "counters disagree with block walk",
			Addr:    -1,
			Details: map[string]any{
				"walk_used": usedPages * s.PageSize, "used": st.UsedBytes,
				"walk_free": freePages * s.PageSize, "free": st.FreeBytes,
				"walk_reserved": reservedPages * s.PageSize, "reserved": st.ReservedBytes,
			},
		}
	}
	return nil
}
