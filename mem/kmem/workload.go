package kmem

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/joshuapare/memkit/mem"
)

// Workload describes a seeded random mix of heap, page and device-mapping
// operations run against a booted kernel.
type Workload struct {
	// Ops is the number of operations to run.
	// Default: 10000
	Ops int

	// MinSize and MaxSize bound heap request sizes.
	// Default: 1 and 2 * SlabMax (so both slab and direct paths are hit)
	MinSize uint64
	MaxSize uint64

	// FreePct is the share of operations that free a live allocation (0-1).
	// Default: 0.45
	FreePct float64

	// PagePct is the share of allocations that take whole pages (0-1).
	PagePct float64

	// DevicePct is the share of operations that map and unmap a device
	// window (0-1).
	DevicePct float64

	// VerifyEvery runs Verify after every n operations (0 = only at the end).
	VerifyEvery int

	// Drain frees every live allocation when the run ends.
	Drain bool

	// Seed for reproducibility (0 = random)
	Seed uint64
}

// WorkloadResult counts what a Run did.
type WorkloadResult struct {
	Seed          uint64
	Ops           int
	Allocs        int
	Frees         int
	PageAllocs    int
	DeviceMaps    int
	Exhausted     int // Allocations that failed for lack of memory
	PeakLive      int
	PeakLiveBytes uint64
	Verifications int
}

type liveAlloc struct {
	addr  mem.PhysAddr
	size  uint64
	pages bool
}

// Run executes w. It stops early when ctx is done or an operation fails
// for any reason other than exhaustion, returning the counts so far.
func (k *Kernel) Run(ctx context.Context, w Workload) (WorkloadResult, error) {
	if w.Ops == 0 {
		w.Ops = 10000
	}
	if w.MinSize == 0 {
		w.MinSize = 1
	}
	if w.MaxSize == 0 {
		w.MaxSize = 2 * k.cfg.SlabMax
	}
	if w.FreePct == 0 {
		w.FreePct = 0.45
	}
	if w.MaxSize < w.MinSize {
		return WorkloadResult{}, fmt.Errorf("kmem: workload sizes %d..%d: %w", w.MinSize, w.MaxSize, mem.ErrInvalidSize)
	}
	if w.Seed == 0 {
		w.Seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(w.Seed, w.Seed^0x9E3779B97F4A7C15))

	res := WorkloadResult{Seed: w.Seed}
	var (
		live      []liveAlloc
		liveBytes uint64
	)
	release := func(i int) error {
		a := live[i]
		var err error
		if a.pages {
			err = k.FreePages(a.addr)
		} else {
			err = k.Free(a.addr)
		}
		if err != nil {
			return fmt.Errorf("kmem: workload free %v: %w", a.addr, err)
		}
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
		liveBytes -= a.size
		res.Frees++
		return nil
	}

	for op := 0; op < w.Ops; op++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Ops++

		switch r := rng.Float64(); {
		case r < w.DevicePct:
			if err := k.deviceRoundTrip(rng); err != nil {
				return res, err
			}
			res.DeviceMaps++

		case r < w.DevicePct+w.FreePct && len(live) > 0:
			if err := release(rng.IntN(len(live))); err != nil {
				return res, err
			}

		default:
			size := w.MinSize + rng.Uint64N(w.MaxSize-w.MinSize+1)
			pages := rng.Float64() < w.PagePct
			var (
				p   mem.PhysAddr
				err error
			)
			if pages {
				p, err = k.AllocPages(size)
			} else {
				p, err = k.Alloc(size)
			}
			switch {
			case err == nil:
				live = append(live, liveAlloc{addr: p, size: size, pages: pages})
				liveBytes += size
				res.Allocs++
				if pages {
					res.PageAllocs++
				}
				res.PeakLive = max(res.PeakLive, len(live))
				res.PeakLiveBytes = max(res.PeakLiveBytes, liveBytes)
			case mem.IsExhaustion(err):
				res.Exhausted++
			default:
				return res, fmt.Errorf("kmem: workload alloc %d: %w", size, err)
			}
		}

		if w.VerifyEvery > 0 && res.Ops%w.VerifyEvery == 0 {
			if err := k.Verify(); err != nil {
				return res, fmt.Errorf("kmem: after op %d: %w", res.Ops, err)
			}
			res.Verifications++
		}
	}

	if w.Drain {
		for len(live) > 0 {
			if err := release(len(live) - 1); err != nil {
				return res, err
			}
		}
	}
	if err := k.Verify(); err != nil {
		return res, fmt.Errorf("kmem: after workload: %w", err)
	}
	res.Verifications++
	return res, nil
}

// deviceRoundTrip maps a random device window above RAM and unmaps it,
// checking the kernel segment list comes back unchanged.
func (k *Kernel) deviceRoundTrip(rng *rand.Rand) error {
	before := len(k.kmap.Segments())
	ramEnd := uint64(k.cfg.RAMBase) + k.cfg.RAMSize
	phys := mem.PhysAddr(mem.PageAlignUp(ramEnd, k.cfg.PageSize) + rng.Uint64N(64)*k.cfg.PageSize)
	size := 1 + rng.Uint64N(4*k.cfg.PageSize)

	v, err := k.MapDeviceMemory(phys, size)
	if err != nil {
		if mem.IsExhaustion(err) {
			return nil
		}
		return err
	}
	if err := k.UnmapDeviceMemory(v); err != nil {
		return err
	}
	if after := len(k.kmap.Segments()); after != before {
		return fmt.Errorf("kmem: device round trip left %d segments, had %d", after, before)
	}
	return nil
}
