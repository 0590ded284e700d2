package slab_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/memkit/internal/critical"
	"github.com/joshuapare/memkit/internal/ram"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/page"
	"github.com/joshuapare/memkit/mem/slab"
)

const (
	ramBase = mem.PhysAddr(0x4000_0000)
	kib     = 1024
)

func newPages(t testing.TB, size uint64) *page.Allocator {
	t.Helper()
	a, err := page.New(page.Config{Base: ramBase, Size: size, PageSize: 4 * kib})
	require.NoError(t, err)
	return a
}

func newArena(t testing.TB, size uint64) *ram.Arena {
	t.Helper()
	a, err := ram.New(ramBase, size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewCache_InitialExtension(t *testing.T) {
	pages := newPages(t, 64*kib)

	c, err := slab.NewCache(pages, 64)
	require.NoError(t, err)

	st := c.Stats()
	require.Equal(t, uint64(64), st.ObjectSize)
	require.Equal(t, 1, st.Extents)
	require.Equal(t, 64, st.Available)
	require.Equal(t, 0, st.Allocated)
	require.Equal(t, uint64(4*kib), pages.Stats().UsedBytes)
}

func TestNewCache_Invalid(t *testing.T) {
	pages := newPages(t, 64*kib)

	_, err := slab.NewCache(pages, 0)
	require.ErrorIs(t, err, mem.ErrInvalidSize)

	_, err = slab.NewCache(pages, 64, slab.WithPoison(newArena(t, 64*kib), 3))
	require.Error(t, err)
}

func TestCache_AllocInAddressOrder(t *testing.T) {
	pages := newPages(t, 64*kib)
	c, err := slab.NewCache(pages, 128)
	require.NoError(t, err)

	for i := range 4 {
		p, err := c.Alloc()
		require.NoError(t, err)
		require.Equal(t, ramBase+mem.PhysAddr(i*128), p)
		require.True(t, c.Owns(p))
	}
	require.False(t, c.Owns(ramBase+1))
}

func TestCache_RoundTripRestoresCounters(t *testing.T) {
	pages := newPages(t, 256*kib)

	for _, size := range []uint64{16, 24, 100, 512, 4096, 5000} {
		c, err := slab.NewCache(pages, size)
		require.NoError(t, err)

		before := c.Stats()
		p, err := c.Alloc()
		require.NoError(t, err)
		require.NoError(t, c.Free(p))
		after := c.Stats()

		require.Equal(t, before.Allocated, after.Allocated, "size %d", size)
		require.Equal(t, before.Available, after.Available, "size %d", size)
	}
}

func TestCache_ExtendsWhenEmpty(t *testing.T) {
	pages := newPages(t, 64*kib)
	c, err := slab.NewCache(pages, 1024)
	require.NoError(t, err)

	var objs []mem.PhysAddr
	for range 5 {
		p, err := c.Alloc()
		require.NoError(t, err)
		objs = append(objs, p)
	}

	st := c.Stats()
	require.Equal(t, 2, st.Extents)
	require.Equal(t, 5, st.Allocated)
	require.Equal(t, 3, st.Available)
	require.Equal(t, uint64(8*kib), st.ExtentBytes)

	// Objects never cross into another extent.
	for _, p := range objs {
		d, err := pages.Lookup(p)
		require.NoError(t, err)
		require.LessOrEqual(t, uint64(p-d.Head)+1024, d.BlockSize)
	}
}

func TestCache_ObjectLargerThanPage(t *testing.T) {
	pages := newPages(t, 64*kib)
	c, err := slab.NewCache(pages, 5000)
	require.NoError(t, err)

	st := c.Stats()
	require.Equal(t, 1, st.Available)
	require.Equal(t, uint64(8*kib), st.ExtentBytes)
}

func TestCache_ExtensionFailure(t *testing.T) {
	pages := newPages(t, 8*kib)
	c, err := slab.NewCache(pages, 4*kib)
	require.NoError(t, err)

	_, err = c.Alloc()
	require.NoError(t, err)
	_, err = c.Alloc() // second extension
	require.NoError(t, err)

	_, err = c.Alloc()
	require.ErrorIs(t, err, mem.ErrNoMemory)
	require.True(t, mem.IsExhaustion(err))
	require.Equal(t, 2, c.Stats().Allocated)
}

func TestCache_InvalidFreeIsNoOp(t *testing.T) {
	pages := newPages(t, 64*kib)
	c, err := slab.NewCache(pages, 64)
	require.NoError(t, err)

	p, err := c.Alloc()
	require.NoError(t, err)

	require.ErrorIs(t, c.Free(p+8), mem.ErrUnknownPointer)
	require.ErrorIs(t, c.Free(ramBase+32*kib), mem.ErrUnknownPointer)

	require.NoError(t, c.Free(p))
	before := c.Stats()
	require.ErrorIs(t, c.Free(p), mem.ErrNotAllocated)

	after := c.Stats()
	require.Equal(t, before.Available, after.Available)
	require.Equal(t, before.Allocated, after.Allocated)
	require.Equal(t, 3, after.InvalidFrees)
}

func TestCache_PoisonDetectsUseAfterFree(t *testing.T) {
	for _, wordSize := range []int{4, 8} {
		arena := newArena(t, 64*kib)
		pages := newPages(t, 64*kib)

		c, err := slab.NewCache(pages, 64, slab.WithPoison(arena, wordSize))
		require.NoError(t, err)

		p, err := c.Alloc()
		require.NoError(t, err)
		require.NoError(t, c.Free(p))

		obj, err := arena.Bytes(p, 64)
		require.NoError(t, err)
		for _, b := range obj {
			require.Equal(t, byte(0x6B), b)
		}
		obj[17] = 0xFF // write after free

		_, err = c.Alloc()
		require.ErrorIs(t, err, slab.ErrCorrupted, "word size %d", wordSize)
		require.Equal(t, 1, c.Stats().Corrupted)

		// The next object is intact.
		q, err := c.Alloc()
		require.NoError(t, err)
		require.NotEqual(t, p, q)
	}
}

func TestCache_AttachMutex(t *testing.T) {
	pages := newPages(t, 1024*kib)
	c, err := slab.NewCache(pages, 32)
	require.NoError(t, err)
	require.False(t, c.Stats().Locked)

	c.AttachMutex(&sync.Mutex{})
	require.True(t, c.Stats().Locked)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var mine []mem.PhysAddr
			for range 200 {
				p, err := c.Alloc()
				if err != nil {
					t.Errorf("alloc: %v", err)
					return
				}
				mine = append(mine, p)
			}
			for _, p := range mine {
				if err := c.Free(p); err != nil {
					t.Errorf("free: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	st := c.Stats()
	require.Equal(t, 0, st.Allocated)
	require.Equal(t, st.Extents*(4*kib/32), st.Available)
}

type countingMasker struct {
	disabled atomic.Int64
	restored atomic.Int64
}

func (m *countingMasker) Disable() uint64 { m.disabled.Add(1); return 0 }
func (m *countingMasker) Restore(uint64)  { m.restored.Add(1) }

func TestCache_SharesPageAllocatorSection(t *testing.T) {
	m := &countingMasker{}
	cs := critical.New(m)
	pages, err := page.New(page.Config{Base: ramBase, Size: 64 * kib, PageSize: 4 * kib}, page.WithSection(cs))
	require.NoError(t, err)

	c, err := slab.NewCache(pages, 1024, slab.WithSection(cs))
	require.NoError(t, err)

	before := cs.Entries()
	var objs []mem.PhysAddr
	for range 6 { // the fifth forces an extension
		p, err := c.Alloc()
		require.NoError(t, err)
		objs = append(objs, p)
	}
	for _, p := range objs {
		require.NoError(t, c.Free(p))
	}

	require.Equal(t, 2, c.Stats().Extents)
	require.Greater(t, cs.Entries(), before+12)
	require.Equal(t, m.disabled.Load(), m.restored.Load())
}

func TestCache_AttachMutexUnderLoad(t *testing.T) {
	pages := newPages(t, 1024*kib)
	c, err := slab.NewCache(pages, 64)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p, err := c.Alloc()
				if err != nil {
					t.Errorf("alloc: %v", err)
					return
				}
				if err := c.Free(p); err != nil {
					t.Errorf("free: %v", err)
					return
				}
			}
		}()
	}

	c.AttachMutex(&sync.Mutex{})
	close(stop)
	wg.Wait()

	st := c.Stats()
	require.True(t, st.Locked)
	require.Equal(t, 0, st.Allocated)
	require.Equal(t, st.Extents*(4*kib/64), st.Available)
}
