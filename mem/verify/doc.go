// Package verify provides invariant checks for the memory manager's data
// structures.
//
// # Overview
//
// These helpers are used in tests and by `memctl verify` to prove that a
// sequence of operations left the allocators consistent.
//
// Validation categories:
//   - Pages: head resolution, distance stamps, free-list membership,
//     no adjacent free blocks, byte conservation
//   - Segments: sorted, non-overlapping coverage of an address space with no
//     gaps and no adjacent free segments
//   - Slab: per-class object accounting and direct-path counters
//   - Heap: live bytes never exceed backing bytes for either strategy
//
// # Quick Start
//
//	if err := verify.Pages(alloc.Snapshot()); err != nil {
//	    fmt.Printf("page allocator corrupted: %v\n", err)
//	}
//
//	if err := verify.Segments(m.Start(), m.End(), m.Segments()); err != nil {
//	    fmt.Printf("address space corrupted: %v\n", err)
//	}
//
// # ValidationError
//
// All validation functions return *ValidationError on failure:
//
//	type ValidationError struct {
//	    Type    string         // Error category (e.g., "Pages")
//	    Message string         // Human-readable description
//	    Addr    int64          // Address where the error occurred (-1 if N/A)
//	    Details map[string]any // Additional context
//	}
package verify
