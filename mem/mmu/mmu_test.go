package mmu_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/mmu"
	"github.com/joshuapare/memkit/mem/vm"
)

const pageSize = 4096

var _ vm.Driver = (*mmu.Soft)(nil)

func newSoft(t *testing.T, maxEntries int, opts ...mmu.Option) *mmu.Soft {
	t.Helper()
	s, err := mmu.NewSoft(mmu.Config{PageSize: pageSize, MaxEntries: maxEntries}, opts...)
	require.NoError(t, err)
	return s
}

func TestNewSoft_Validation(t *testing.T) {
	_, err := mmu.NewSoft(mmu.Config{PageSize: 3000})
	require.Error(t, err)
	_, err = mmu.NewSoft(mmu.Config{PageSize: pageSize, MaxEntries: -1})
	require.Error(t, err)
}

func TestSoft_MapTranslateUnmap(t *testing.T) {
	s := newSoft(t, 0)
	dir, err := s.NewDirectory()
	require.NoError(t, err)
	require.Equal(t, mem.Directory(1), dir)

	require.NoError(t, s.Map(dir, 0x8000_0000, 0x10_0000, 2*pageSize, mem.Read|mem.Write))
	require.Equal(t, 2, s.Entries())

	phys, access, err := s.Translate(dir, 0x10_1234)
	require.NoError(t, err)
	require.Equal(t, mem.PhysAddr(0x8000_1234), phys)
	require.Equal(t, mem.Read|mem.Write, access)

	require.NoError(t, s.Unmap(dir, 0x10_0000, 2*pageSize))
	require.Equal(t, 0, s.Entries())

	_, _, err = s.Translate(dir, 0x10_0000)
	require.ErrorIs(t, err, mem.ErrNotMapped)
	require.ErrorIs(t, s.Unmap(dir, 0x10_0000, pageSize), mem.ErrNotMapped)
}

func TestSoft_RemapIsRejectedAtomically(t *testing.T) {
	s := newSoft(t, 0)
	dir, err := s.NewDirectory()
	require.NoError(t, err)

	require.NoError(t, s.Map(dir, 0x8000_0000, 0x2000, pageSize, mem.Read))
	err = s.Map(dir, 0x9000_0000, 0x1000, 3*pageSize, mem.Read)
	require.ErrorIs(t, err, mmu.ErrAlreadyMapped)
	require.Equal(t, 1, s.Entries())

	_, _, err = s.Translate(dir, 0x1000)
	require.ErrorIs(t, err, mem.ErrNotMapped)
}

func TestSoft_CapacityExhaustion(t *testing.T) {
	s := newSoft(t, 4)
	a, err := s.NewDirectory()
	require.NoError(t, err)
	b, err := s.NewDirectory()
	require.NoError(t, err)

	require.NoError(t, s.Map(a, 0, 0x1000, 3*pageSize, mem.Read))
	err = s.Map(b, 0, 0x1000, 2*pageSize, mem.Read)
	require.ErrorIs(t, err, mem.ErrMMUFull)
	require.True(t, mem.IsExhaustion(err))
	require.Equal(t, 3, s.Entries())

	require.NoError(t, s.Map(b, 0, 0x1000, pageSize, mem.Read))
	require.Equal(t, 4, s.Entries())
}

func TestSoft_Misaligned(t *testing.T) {
	s := newSoft(t, 0)
	dir, err := s.NewDirectory()
	require.NoError(t, err)

	require.ErrorIs(t, s.Map(dir, 0x100, 0x1000, pageSize, mem.Read), mmu.ErrMisaligned)
	require.ErrorIs(t, s.Map(dir, 0, 0x1001, pageSize, mem.Read), mmu.ErrMisaligned)
	require.ErrorIs(t, s.Map(dir, 0, 0x1000, 100, mem.Read), mmu.ErrMisaligned)
	require.ErrorIs(t, s.Map(dir, 0, 0x1000, 0, mem.Read), mem.ErrInvalidSize)
}

func TestSoft_DestroyDirectory(t *testing.T) {
	tr := mmu.NewTracker(pageSize, nil)
	s := newSoft(t, 0, mmu.WithTracker(tr))
	dir, err := s.NewDirectory()
	require.NoError(t, err)
	other, err := s.NewDirectory()
	require.NoError(t, err)

	require.NoError(t, s.Map(dir, 0, 0x4000, 2*pageSize, mem.Read))
	require.NoError(t, s.Map(other, 0, 0x4000, pageSize, mem.Read))

	require.NoError(t, s.DestroyDirectory(dir))
	require.Equal(t, 1, s.Entries())
	require.Equal(t, 1, s.Directories())
	require.ErrorIs(t, s.DestroyDirectory(dir), mmu.ErrUnknownDirectory)
	require.ErrorIs(t, s.Map(dir, 0, 0, pageSize, mem.Read), mmu.ErrUnknownDirectory)

	require.Len(t, tr.Pending(), 1)
	require.Equal(t, []mmu.Range{{Dir: dir, Virt: 0x4000, Len: 2 * pageSize}}, tr.Coalesced())
}

func TestTracker_Coalesce(t *testing.T) {
	tr := mmu.NewTracker(pageSize, nil)
	tr.Add(2, 0x5000, 0x1000)
	tr.Add(1, 0x3100, 0x10) // widened to 0x3000..0x4000
	tr.Add(1, 0x1000, 0x2000)
	tr.Add(1, 0x8000, 0x1000)
	tr.Add(2, 0x6000, 0x1000)
	tr.Add(1, 0x1000, 0) // ignored

	require.Len(t, tr.Pending(), 5)
	require.Equal(t, []mmu.Range{
		{Dir: 1, Virt: 0x1000, Len: 0x3000},
		{Dir: 1, Virt: 0x8000, Len: 0x1000},
		{Dir: 2, Virt: 0x5000, Len: 0x2000},
	}, tr.Coalesced())

	tr.Reset()
	require.Empty(t, tr.Pending())
	require.Nil(t, tr.Coalesced())
}

func TestTracker_Flush(t *testing.T) {
	var got []mmu.Range
	tr := mmu.NewTracker(pageSize, func(_ context.Context, r mmu.Range) error {
		got = append(got, r)
		return nil
	})
	tr.Add(1, 0x1000, 0x1000)
	tr.Add(1, 0x2000, 0x1000)

	require.NoError(t, tr.Flush(context.Background()))
	require.Equal(t, []mmu.Range{{Dir: 1, Virt: 0x1000, Len: 0x2000}}, got)
	require.Empty(t, tr.Pending())

	flushes, invalidated := tr.Counts()
	require.Equal(t, 1, flushes)
	require.Equal(t, 1, invalidated)

	// Nothing pending is not a flush.
	require.NoError(t, tr.Flush(context.Background()))
	flushes, _ = tr.Counts()
	require.Equal(t, 1, flushes)
}

func TestTracker_FlushKeepsRemainderOnError(t *testing.T) {
	errHW := errors.New("tlb maintenance failed")
	calls := 0
	tr := mmu.NewTracker(pageSize, func(_ context.Context, r mmu.Range) error {
		calls++
		if r.Dir == 2 {
			return errHW
		}
		return nil
	})
	tr.Add(1, 0x1000, 0x1000)
	tr.Add(2, 0x1000, 0x1000)
	tr.Add(3, 0x1000, 0x1000)

	require.ErrorIs(t, tr.Flush(context.Background()), errHW)
	require.Equal(t, 2, calls)
	require.Equal(t, []mmu.Range{
		{Dir: 2, Virt: 0x1000, Len: 0x1000},
		{Dir: 3, Virt: 0x1000, Len: 0x1000},
	}, tr.Pending())
}

func TestTracker_FlushCancelled(t *testing.T) {
	tr := mmu.NewTracker(pageSize, nil)
	tr.Add(1, 0x1000, 0x1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tr.Flush(ctx), context.Canceled)
	require.Len(t, tr.Pending(), 1)
}

func TestSoft_UnmapRecordsInvalidation(t *testing.T) {
	tr := mmu.NewTracker(pageSize, nil)
	s := newSoft(t, 0, mmu.WithTracker(tr))
	require.Same(t, tr, s.Tracker())

	dir, err := s.NewDirectory()
	require.NoError(t, err)
	require.NoError(t, s.Map(dir, 0, 0x1000, 4*pageSize, mem.Read))
	require.NoError(t, s.Unmap(dir, 0x1000, pageSize))
	require.NoError(t, s.Unmap(dir, 0x2000, 2*pageSize))

	require.Equal(t, []mmu.Range{{Dir: dir, Virt: 0x1000, Len: 3 * pageSize}}, tr.Coalesced())
}

func TestTracker_AddCompactsPendingRanges(t *testing.T) {
	tr := mmu.NewTracker(pageSize, nil)
	for i := range 10_000 {
		tr.Add(1, mem.VirtAddr(uint64(i)*pageSize), pageSize)
	}
	require.LessOrEqual(t, len(tr.Pending()), 256)
	require.Equal(t, []mmu.Range{{Dir: 1, Virt: 0, Len: 10_000 * pageSize}}, tr.Coalesced())
}

func TestTracker_DisjointRangesStayBounded(t *testing.T) {
	var got []mmu.Range
	tr := mmu.NewTracker(pageSize, func(_ context.Context, r mmu.Range) error {
		got = append(got, r)
		return nil
	})
	// Every other page, so nothing merges.
	const n = 5000
	for i := range n {
		tr.Add(7, mem.VirtAddr(uint64(2*i)*pageSize), pageSize)
	}
	require.LessOrEqual(t, len(tr.Pending()), 2048)

	require.NoError(t, tr.Flush(context.Background()))
	var covered uint64
	for _, r := range got {
		require.Equal(t, mem.Directory(7), r.Dir)
		covered += r.Len
	}
	require.GreaterOrEqual(t, covered, uint64(n)*pageSize)
	require.Equal(t, mem.VirtAddr(0), got[0].Virt)
	last := got[len(got)-1]
	require.Equal(t, uint64(2*(n-1)+1)*pageSize, uint64(last.Virt)+last.Len)
}

func TestSoft_DestroyDirectoryRecordsRuns(t *testing.T) {
	tr := mmu.NewTracker(pageSize, nil)
	s := newSoft(t, 0, mmu.WithTracker(tr))

	dir, err := s.NewDirectory()
	require.NoError(t, err)
	require.NoError(t, s.Map(dir, 0, 0x10000, 64*pageSize, mem.Read))
	require.NoError(t, s.Map(dir, 0, 0x100000, 2*pageSize, mem.Read))

	require.NoError(t, s.DestroyDirectory(dir))
	require.Len(t, tr.Pending(), 2)
	require.Equal(t, []mmu.Range{
		{Dir: dir, Virt: 0x10000, Len: 64 * pageSize},
		{Dir: dir, Virt: 0x100000, Len: 2 * pageSize},
	}, tr.Coalesced())
}
