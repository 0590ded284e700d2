// Package vm manages virtual address spaces as sorted segment lists.
//
// A Map covers [Start, End) with segments that never overlap and leave no
// gaps: every byte is either in a free segment or in a mapped one. Mapping
// carves a range out of a free segment (splitting off leading and trailing
// remainders); unmapping turns it back into free space and merges it with
// free neighbours, so a map/unmap pair restores the segment list exactly.
//
// Backing comes from two places:
//
//   - Alloc and Reserve take fresh pages from the page allocator and give
//     them back on Unmap
//   - MapPhys and MapPhysAnywhere map memory the caller owns (device
//     registers); those pages are never freed
//
// Segments mapped into several maps with Share are reference counted through
// the Manager and their pages are freed with the last mapping.
//
// Every failing call leaves the segment list and the MMU untouched.
package vm
