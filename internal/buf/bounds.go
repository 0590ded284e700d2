package buf

import (
	"fmt"
	"math"
)

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow uint64.
func AddOverflowSafe(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, false
	}
	return a + b, true
}

// MulOverflowSafe multiplies a and b, returning ok = false when the result would overflow uint64.
func MulOverflowSafe(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxUint64/b {
		return 0, false
	}
	return a * b, true
}

// CheckRange validates that [addr, addr+size) lies inside [base, limit) and
// returns the exclusive end of the range.
//
// This is the recommended way to validate a caller-supplied region before
// touching descriptors or segments:
//
//	end, err := buf.CheckRange(a.base, a.limit, addr, size)
//	if err != nil {
//	    return fmt.Errorf("reserve: %w", err)
//	}
func CheckRange(base, limit, addr, size uint64) (uint64, error) {
	if addr < base {
		return 0, fmt.Errorf("below base: addr=0x%X < base=0x%X", addr, base)
	}
	end, ok := AddOverflowSafe(addr, size)
	if !ok {
		return 0, fmt.Errorf("overflow: addr=0x%X + size=0x%X", addr, size)
	}
	if end > limit {
		return 0, fmt.Errorf("bounds: end=0x%X > limit=0x%X", end, limit)
	}
	return end, nil
}

// Slice returns the sub-slice [off:off+n] if it fits within len(b).
func Slice(b []byte, off, n uint64) ([]byte, bool) {
	if off > uint64(len(b)) {
		return nil, false
	}
	end, ok := AddOverflowSafe(off, n)
	if !ok || end > uint64(len(b)) {
		return nil, false
	}
	return b[off:end], true
}
