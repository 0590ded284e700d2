package heap

import "math"

// SizeClassConfig defines how free blocks are bucketed into segregated lists.
type SizeClassConfig struct {
	// Name for this configuration (for benchmarking and stats output)
	Name string

	// Small block settings (linear increments)
	SmallMin       uint64 // Smallest block size
	SmallMax       uint64 // Max for linear increments
	SmallIncrement uint64 // Step between small classes

	// Medium block settings (geometric growth)
	MediumMax    uint64  // Blocks at or above this go to the large list
	GrowthFactor float64 // Geometric growth factor (1.5, 2.0, ...)
}

// Predefined configurations.
var (
	// ConfigEmbedded keeps few lists for small targets.
	// 16-128 step 16 (7 classes) + 128-4K doubling (5 classes) = 12 total.
	ConfigEmbedded = SizeClassConfig{
		Name:           "Embedded",
		SmallMin:       16,
		SmallMax:       128,
		SmallIncrement: 16,
		MediumMax:      4096,
		GrowthFactor:   2.0,
	}

	// ConfigBalanced trades list count against internal fragmentation.
	// 16-512 step 16 (31 classes) + 512-16K log growth (~9 classes) = ~40 total.
	ConfigBalanced = SizeClassConfig{
		Name:           "Balanced",
		SmallMin:       16,
		SmallMax:       512,
		SmallIncrement: 16,
		MediumMax:      16384,
		GrowthFactor:   1.5,
	}

	// ConfigCoarse has fewer buckets, faster operations but more fragmentation.
	ConfigCoarse = SizeClassConfig{
		Name:           "Coarse",
		SmallMin:       16,
		SmallMax:       512,
		SmallIncrement: 64,
		MediumMax:      16384,
		GrowthFactor:   2.0,
	}

	// DefaultSizeClasses is used when no configuration is given.
	DefaultSizeClasses = ConfigEmbedded
)

// sizeClassTable holds the computed size class boundaries.
type sizeClassTable struct {
	config     SizeClassConfig
	boundaries []uint64 // Upper bound (inclusive) for each size class
}

// newSizeClassTable computes size class boundaries from config.
func newSizeClassTable(config SizeClassConfig) *sizeClassTable {
	t := &sizeClassTable{
		config:     config,
		boundaries: make([]uint64, 0, 64),
	}

	if config.SmallIncrement > 0 {
		for size := config.SmallMin; size < config.SmallMax; size += config.SmallIncrement {
			t.boundaries = append(t.boundaries, size+config.SmallIncrement-1)
		}
	}

	size := max(config.SmallMax, config.SmallMin)
	for size < config.MediumMax {
		next := uint64(math.Ceil(float64(size) * config.GrowthFactor))
		if next <= size {
			next = size + 1 // Ensure progress
		}
		t.boundaries = append(t.boundaries, next-1)
		size = next
	}
	return t
}

// class returns the size class index for a block size, or numClasses() for
// blocks that belong on the large list.
func (t *sizeClassTable) class(size uint64) int {
	lo, hi := 0, len(t.boundaries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if size <= t.boundaries[mid] {
			if mid == 0 || size > t.boundaries[mid-1] {
				return mid
			}
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return len(t.boundaries)
}

// numClasses returns the number of size classes, excluding the large list.
func (t *sizeClassTable) numClasses() int {
	return len(t.boundaries)
}

func (t *sizeClassTable) String() string {
	return t.config.Name
}
