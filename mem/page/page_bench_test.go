package page_test

import (
	"math/rand"
	"testing"

	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/page"
)

// Benchmark_Page_AllocFree benchmarks a single-page alloc/free cycle.
func Benchmark_Page_AllocFree(b *testing.B) {
	a, err := page.New(page.Config{Base: testBase, Size: 16 * 1024 * kib, PageSize: 4 * kib})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		p, allocErr := a.Alloc(4 * kib)
		if allocErr != nil {
			b.Fatal(allocErr)
		}
		if freeErr := a.Free(p); freeErr != nil {
			b.Fatal(freeErr)
		}
	}
}

// Benchmark_Page_Fragmented benchmarks alloc/free against a fragmented free list.
func Benchmark_Page_Fragmented(b *testing.B) {
	a, err := page.New(page.Config{Base: testBase, Size: 16 * 1024 * kib, PageSize: 4 * kib})
	if err != nil {
		b.Fatal(err)
	}

	// Alternate used and free pages so the free list holds many small blocks.
	var pages []mem.PhysAddr
	for range 2048 {
		p, allocErr := a.Alloc(4 * kib)
		if allocErr != nil {
			b.Fatal(allocErr)
		}
		pages = append(pages, p)
	}
	for i := 1; i < len(pages); i += 2 {
		_ = a.Free(pages[i])
	}

	rng := rand.New(rand.NewSource(1))
	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		p, allocErr := a.Alloc(uint64(1+rng.Intn(8)) * kib)
		if allocErr != nil {
			b.Fatal(allocErr)
		}
		if freeErr := a.Free(p); freeErr != nil {
			b.Fatal(freeErr)
		}
	}
}
