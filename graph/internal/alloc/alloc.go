// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package alloc implements the render graph's transient memory
// allocator: an event-driven Allocate/Release sweep over internal
// resource lifetimes that assigns each one a placed-resource slice
// on a driver.HeapAllocator, aliasing memory across non-overlapping
// lifetimes within the same category.
package alloc

import (
	"sort"
	"sync"

	"github.com/gviegas/rgraph/driver"
)

// Category groups resources that may alias the same heap. See
// driver.HeapCategory/driver.HeapAlign.
type Category struct {
	Kind  driver.HeapCategory
	Align driver.HeapAlign
}

// Request describes one internal resource's transient memory
// need. ID is caller-assigned and must be unique within a single
// Plan call; it is only used to key the returned Result.
type Request struct {
	ID        int
	Category  Category
	Size      int64
	Alignment int64
	FirstUse  int
	LastUse   int
}

// Placement is the backing slice assigned to a Request.
type Placement struct {
	Alloc  driver.HeapAllocation
	Offset int64
	Size   int64
}

// AliasPair reports that Next's placement reuses memory most
// recently held by Prev, because Prev's lifetime ended before
// Next's began. The executor uses this to emit an aliasing
// barrier before Next's first use.
type AliasPair struct {
	Prev, Next int
}

// Result is the outcome of one Plan call.
type Result struct {
	Placements map[int]Placement
	Aliases    []AliasPair
}

// CapacityError is returned (carrying a reason) when the backend
// cannot satisfy a request within the configured budget.
type CapacityError struct{ Reason string }

func (e *CapacityError) Error() string { return "alloc: " + e.Reason }

// segment is a free (or about-to-be-freed) byte range within one
// HeapAllocation. owners lists the Request.IDs that most recently
// held some part of it, or is nil if none of its bytes has been
// handed out yet (the unused remainder of a fresh heap). Splitting
// a segment keeps its owners on both leftover pieces, and
// coalescing two free segments unions their owners, since neither
// step re-derives which bytes belonged to which original owner.
type segment struct {
	alloc  driver.HeapAllocation
	offset int64
	size   int64
	owners []int
}

// Allocator is the persistent, cross-frame state of the transient
// allocator: the free-segment set per category, and the recycle
// list of segments pending return once their submission's fence
// signals.
type Allocator struct {
	mu      sync.Mutex
	backend driver.HeapAllocator
	cfg     Config
	budget  int64 // bytes granted from the backend so far.
	free    map[Category][]segment
	recycle []recycleEntry
}

type recycleEntry struct {
	fence driver.Fence
	cat   Category
	seg   segment
}

// New creates an Allocator backed by backend, using cfg to govern
// heap growth and budget.
func New(backend driver.HeapAllocator, cfg Config) *Allocator {
	return &Allocator{backend: backend, cfg: cfg, free: make(map[Category][]segment)}
}

func alignUp(v, align int64) int64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// Plan runs the event-driven Allocate/Release sweep over reqs,
// which need not be sorted, and returns the placement and aliasing
// result. Requests are independent across calls: Plan does not
// retain reqs, only the free segments it consumes or produces.
func (a *Allocator) Plan(reqs []Request) (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	type event struct {
		key int
		req *Request
		rel bool
	}
	evs := make([]event, 0, len(reqs)*2)
	for i := range reqs {
		r := &reqs[i]
		evs = append(evs, event{key: 2 * r.FirstUse, req: r})
		evs = append(evs, event{key: 2*r.LastUse + 1, req: r, rel: true})
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].key < evs[j].key })

	res := &Result{Placements: make(map[int]Placement, len(reqs))}
	active := make(map[int]segment, len(reqs)) // ID -> its current segment, while live.

	for _, e := range evs {
		if e.rel {
			seg := active[e.req.ID]
			delete(active, e.req.ID)
			seg.owners = []int{e.req.ID}
			a.addFree(e.req.Category, seg)
			continue
		}
		seg, prevOwners, err := a.acquire(e.req.Category, e.req.Size, e.req.Alignment)
		if err != nil {
			return nil, err
		}
		active[e.req.ID] = seg
		res.Placements[e.req.ID] = Placement{Alloc: seg.alloc, Offset: seg.offset, Size: e.req.Size}
		for _, prevOwner := range prevOwners {
			res.Aliases = append(res.Aliases, AliasPair{Prev: prevOwner, Next: e.req.ID})
		}
	}
	return res, nil
}

// acquire removes (or splits) a free segment of at least size
// bytes, aligned to align, from cat's free list. If none fits, it
// requests a new heap from the backend. It returns the owners of
// the consumed segment (nil if the segment was never handed out
// before); a coalesced segment may report more than one, since a
// split does not re-derive which owner held which bytes within a
// merged range.
func (a *Allocator) acquire(cat Category, size, align int64) (segment, []int, error) {
	list := a.free[cat]
	for i, s := range list {
		off := alignUp(s.offset, align)
		pad := off - s.offset
		if s.size-pad < size {
			continue
		}
		owners := s.owners
		remain := s.size - pad - size
		// Remove segment i, splitting off any unused head/tail.
		list = append(list[:i:i], list[i+1:]...)
		if pad > 0 {
			list = append(list, segment{alloc: s.alloc, offset: s.offset, size: pad, owners: s.owners})
		}
		if remain > 0 {
			list = append(list, segment{alloc: s.alloc, offset: off + size, size: remain, owners: s.owners})
		}
		a.free[cat] = list
		return segment{alloc: s.alloc, offset: off, size: size}, owners, nil
	}
	// Nothing fits: grow by requesting a new heap.
	heapSize := a.cfg.HeapGranularity
	if size > heapSize {
		heapSize = alignUp(size, align)
	}
	if a.cfg.BudgetBytes > 0 && a.budget+heapSize > a.cfg.BudgetBytes {
		return segment{}, nil, &CapacityError{Reason: "heap budget exceeded"}
	}
	h, err := a.backend.NewHeap(heapSize, cat.Kind, cat.Align)
	if err != nil {
		return segment{}, nil, &CapacityError{Reason: err.Error()}
	}
	a.budget += heapSize
	if heapSize > size {
		a.free[cat] = append(a.free[cat], segment{alloc: h, offset: size, size: heapSize - size})
	}
	return segment{alloc: h, offset: 0, size: size}, nil, nil
}

// addFree returns seg to cat's free set, coalescing it with any
// byte-adjacent segment already there within the same
// HeapAllocation (§4.3: "freed slices merge with neighbours").
// Merging repeats until no further neighbour is found, so three or
// more consecutive releases collapse into a single free range.
func (a *Allocator) addFree(cat Category, seg segment) {
	list := a.free[cat]
	for merged := true; merged; {
		merged = false
		for i, s := range list {
			if s.alloc != seg.alloc {
				continue
			}
			switch {
			case s.offset+s.size == seg.offset:
				seg = segment{alloc: seg.alloc, offset: s.offset, size: s.size + seg.size, owners: mergeOwners(s.owners, seg.owners)}
			case seg.offset+seg.size == s.offset:
				seg = segment{alloc: seg.alloc, offset: seg.offset, size: seg.size + s.size, owners: mergeOwners(s.owners, seg.owners)}
			default:
				continue
			}
			list = append(list[:i:i], list[i+1:]...)
			merged = true
			break
		}
	}
	a.free[cat] = append(list, seg)
}

// mergeOwners unions two owner sets, deduplicated and sorted for
// deterministic AliasPair ordering.
func mergeOwners(a, b []int) []int {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	set := make(map[int]bool, len(a)+len(b))
	for _, o := range a {
		set[o] = true
	}
	for _, o := range b {
		set[o] = true
	}
	out := make([]int, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	sort.Ints(out)
	return out
}

// Recycle schedules the memory of p, a placement returned by a
// previous Plan call for a request in category cat, to return to
// the free set once fence signals. The executor calls this once a
// submission group's completion fence is known, for every
// transient resource that submission group was the last user of.
func (a *Allocator) Recycle(cat Category, p Placement, fence driver.Fence) {
	a.mu.Lock()
	a.recycle = append(a.recycle, recycleEntry{fence: fence, cat: cat, seg: segment{alloc: p.Alloc, offset: p.Offset, size: p.Size}})
	a.mu.Unlock()
}

// Reclaim scans the recycle list and returns every segment whose
// fence has signaled back to its category's free set. It is safe
// to call at the start of every frame.
func (a *Allocator) Reclaim() {
	a.mu.Lock()
	defer a.mu.Unlock()
	rem := a.recycle[:0]
	for _, e := range a.recycle {
		signaled, err := e.fence.Signaled()
		if err == nil && signaled {
			a.addFree(e.cat, e.seg)
			continue
		}
		rem = append(rem, e)
	}
	a.recycle = rem
}
