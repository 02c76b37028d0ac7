// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package alloc

import (
	"testing"

	"github.com/gviegas/rgraph/driver"
)

// fakeHeapAllocator hands out a distinct HeapAllocation of exactly
// the requested size on every call, recording each one so a test
// can assert on heap growth.
type fakeHeapAllocator struct {
	heaps []*fakeHeap
}

type fakeHeap struct {
	size int64
	cat  driver.HeapCategory
}

func (h *fakeHeap) Size() int64 { return h.size }
func (h *fakeHeap) Destroy()    {}

func (a *fakeHeapAllocator) NewHeap(size int64, cat driver.HeapCategory, align driver.HeapAlign) (driver.HeapAllocation, error) {
	h := &fakeHeap{size: size, cat: cat}
	a.heaps = append(a.heaps, h)
	return h, nil
}

// NewPlacedBuffer/NewPlacedImage are never exercised by Allocator
// itself (only NewHeap is), but are required to satisfy
// driver.HeapAllocator.
func (a *fakeHeapAllocator) NewPlacedBuffer(alloc driver.HeapAllocation, offset, size int64, usg driver.Usage) (driver.Buffer, error) {
	return nil, nil
}

func (a *fakeHeapAllocator) NewPlacedImage(alloc driver.HeapAllocation, offset int64, pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	return nil, nil
}

func testCategory() Category { return Category{Kind: driver.CatGeneral} }

func TestPlanNonOverlappingLifetimesAlias(t *testing.T) {
	backend := &fakeHeapAllocator{}
	a := New(backend, Config{HeapGranularity: 1024})

	reqs := []Request{
		{ID: 1, Category: testCategory(), Size: 256, Alignment: 1, FirstUse: 0, LastUse: 1},
		{ID: 2, Category: testCategory(), Size: 256, Alignment: 1, FirstUse: 2, LastUse: 3},
	}
	res, err := a.Plan(reqs)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Aliases) != 1 {
		t.Fatalf("expected one alias pair for sequential lifetimes, got %d", len(res.Aliases))
	}
	if res.Aliases[0].Prev != 1 || res.Aliases[0].Next != 2 {
		t.Fatalf("unexpected alias pair: %+v", res.Aliases[0])
	}
	if len(backend.heaps) != 1 {
		t.Fatalf("expected a single heap to cover both non-overlapping requests, got %d", len(backend.heaps))
	}
}

func TestPlanOverlappingLifetimesDoNotAlias(t *testing.T) {
	backend := &fakeHeapAllocator{}
	a := New(backend, Config{HeapGranularity: 1024})

	reqs := []Request{
		{ID: 1, Category: testCategory(), Size: 256, Alignment: 1, FirstUse: 0, LastUse: 3},
		{ID: 2, Category: testCategory(), Size: 256, Alignment: 1, FirstUse: 1, LastUse: 2},
	}
	res, err := a.Plan(reqs)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Aliases) != 0 {
		t.Fatalf("expected no aliasing between overlapping lifetimes, got %d", len(res.Aliases))
	}
	p1, p2 := res.Placements[1], res.Placements[2]
	if p1.Alloc == p2.Alloc && overlaps(p1, p2) {
		t.Fatal("overlapping lifetimes must not share overlapping byte ranges")
	}
}

func overlaps(a, b Placement) bool {
	return a.Offset < b.Offset+b.Size && b.Offset < a.Offset+a.Size
}

func TestPlanDistinctCategoriesNeverAlias(t *testing.T) {
	backend := &fakeHeapAllocator{}
	a := New(backend, Config{HeapGranularity: 1024})

	reqs := []Request{
		{ID: 1, Category: Category{Kind: driver.CatBuffer}, Size: 256, Alignment: 1, FirstUse: 0, LastUse: 1},
		{ID: 2, Category: Category{Kind: driver.CatTexture}, Size: 256, Alignment: 1, FirstUse: 2, LastUse: 3},
	}
	res, err := a.Plan(reqs)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Aliases) != 0 {
		t.Fatal("requests in different categories must never alias, even with sequential lifetimes")
	}
	if len(backend.heaps) != 2 {
		t.Fatalf("expected a separate heap per category, got %d", len(backend.heaps))
	}
}

func TestPlanBudgetExceeded(t *testing.T) {
	backend := &fakeHeapAllocator{}
	a := New(backend, Config{HeapGranularity: 128, BudgetBytes: 128})

	reqs := []Request{
		{ID: 1, Category: testCategory(), Size: 256, Alignment: 1, FirstUse: 0, LastUse: 1},
	}
	if _, err := a.Plan(reqs); err == nil {
		t.Fatal("expected a CapacityError when a request exceeds the configured budget")
	} else if _, ok := err.(*CapacityError); !ok {
		t.Fatalf("expected *CapacityError, got %T", err)
	}
}

type fakeFence struct{ signaled bool }

func (f *fakeFence) Destroy()                {}
func (f *fakeFence) Signaled() (bool, error) { return f.signaled, nil }
func (f *fakeFence) Wait() error             { f.signaled = true; return nil }
func (f *fakeFence) Reset() error            { f.signaled = false; return nil }

func TestRecycleReclaim(t *testing.T) {
	backend := &fakeHeapAllocator{}
	a := New(backend, Config{HeapGranularity: 1024})

	reqs := []Request{{ID: 1, Category: testCategory(), Size: 256, Alignment: 1, FirstUse: 0, LastUse: 1}}
	res, err := a.Plan(reqs)
	if err != nil {
		t.Fatal(err)
	}

	fence := &fakeFence{}
	a.Recycle(testCategory(), res.Placements[1], fence)
	if len(a.free[testCategory()]) != 0 {
		t.Fatal("a recycled segment must not return to the free set before its fence signals")
	}

	fence.signaled = true
	a.Reclaim()
	if len(a.free[testCategory()]) != 1 {
		t.Fatal("a recycled segment must return to the free set once its fence signals")
	}
}

func TestPlanCoalescesAdjacentFreedSegments(t *testing.T) {
	backend := &fakeHeapAllocator{}
	a := New(backend, Config{HeapGranularity: 256})

	// Two requests fill an entire heap (128+128=256) and release
	// before a third, larger request arrives. Without coalescing
	// their freed halves, neither alone fits 192 bytes and a and
	// second heap would be requested; merged, the reunified [0,256)
	// range satisfies it from the first heap.
	first := []Request{
		{ID: 1, Category: testCategory(), Size: 128, Alignment: 1, FirstUse: 0, LastUse: 1},
		{ID: 2, Category: testCategory(), Size: 128, Alignment: 1, FirstUse: 0, LastUse: 1},
	}
	if _, err := a.Plan(first); err != nil {
		t.Fatal(err)
	}
	if len(backend.heaps) != 1 {
		t.Fatalf("expected one heap after the first plan, got %d", len(backend.heaps))
	}

	second := []Request{
		{ID: 3, Category: testCategory(), Size: 192, Alignment: 1, FirstUse: 0, LastUse: 1},
	}
	res, err := a.Plan(second)
	if err != nil {
		t.Fatal(err)
	}
	if len(backend.heaps) != 1 {
		t.Fatalf("expected the merged free range to satisfy the second plan without growing, got %d heaps", len(backend.heaps))
	}
	if len(res.Aliases) != 2 {
		t.Fatalf("expected aliasing against both prior occupants of the merged range, got %d", len(res.Aliases))
	}
	seen := map[int]bool{}
	for _, p := range res.Aliases {
		if p.Next != 3 {
			t.Fatalf("unexpected alias pair: %+v", p)
		}
		seen[p.Prev] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("expected aliasing against both request 1 and request 2, got %+v", res.Aliases)
	}
}

func TestPlanReusesFreedSegmentBeforeGrowing(t *testing.T) {
	backend := &fakeHeapAllocator{}
	a := New(backend, Config{HeapGranularity: 256})

	reqs := []Request{
		{ID: 1, Category: testCategory(), Size: 128, Alignment: 1, FirstUse: 0, LastUse: 1},
		{ID: 2, Category: testCategory(), Size: 128, Alignment: 1, FirstUse: 2, LastUse: 3},
	}
	if _, err := a.Plan(reqs); err != nil {
		t.Fatal(err)
	}
	if len(backend.heaps) != 1 {
		t.Fatalf("expected reuse of the first heap's remaining space, got %d heaps", len(backend.heaps))
	}
}
