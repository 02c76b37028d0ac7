// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"sort"

	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/graph/internal/alloc"
)

// passBatch is the pre- or post-barrier batch attached to one
// phase of one pass.
type passBatch struct {
	mem   []driver.Barrier
	trans []textureTransition
}

// textureTransition pairs a driver.Transition with enough context
// for the executor to resolve the concrete ImageView at emission
// time.
type textureTransition struct {
	driver.Transition
	texIdx int
	sub    Subresource
	alias  bool // true for an aliasing transition synthesized from step 8.
}

func (b *passBatch) empty() bool { return len(b.mem) == 0 && len(b.trans) == 0 }

// submissionGroup is a maximal contiguous run of passes in plan
// order on a single queue, per GLOSSARY "Submission group".
type submissionGroup struct {
	queue           driver.QueueType
	passes          []*Pass
	waitSem         []driver.Semaphore
	signalSem       []driver.Semaphore
	waitSwapchain   bool
	signalSwapchain bool
	fence           driver.Fence // set for the group ending the plan, or a pass with SetSignalFence.
}

// flushEntry is a final-state write-back for one external
// subresource, per compiler step 7.
type flushEntry struct {
	isTexture bool
	idx       int
	sub       Subresource
	state     trackedState
}

// allocReq records which resource a transient-allocator request
// ID refers back to.
type allocReq struct {
	isTexture bool
	idx       int
}

// plan is the compiled output consumed by Executor.Execute.
type plan struct {
	order    []*Pass
	pre      map[*Pass]*passBatch
	post     map[*Pass]*passBatch
	groups   []*submissionGroup
	groupOf  map[*Pass]int
	allocRes *alloc.Result
	flush    []flushEntry
	reqByID  map[int]allocReq
}

// bucketEntry is one pass's merged use of a single subresource,
// ordered by the bucket that owns it.
type bucketEntry struct {
	pass *Pass
	decl UseDecl
}

func (g *Graph) compile() (*plan, error) {
	if err := g.checkSwapchainQueue(); err != nil {
		return nil, err
	}

	bufBuckets := make(map[int][]bucketEntry)
	texBuckets := make(map[int]map[Subresource][]bucketEntry) // texIdx -> sub -> entries

	// Step 1: use normalization.
	for _, p := range g.passes {
		merged := make(map[subKey]*UseDecl)
		var order []subKey
		for _, ru := range p.useOrd {
			var keys []subKey
			switch {
			case ru.key.texture && ru.key.all:
				t := g.textures[ru.key.index]
				for _, s := range t.subresources() {
					keys = append(keys, subKey{texture: true, index: ru.key.index, sub: s})
				}
			default:
				keys = []subKey{ru.key}
			}
			for _, k := range keys {
				if d, ok := merged[k]; ok {
					if err := mergeDecl(d, ru.decl, k.texture); err != nil {
						if me, ok := err.(*Error); ok {
							me.Pass = p.name
						}
						return nil, err
					}
				} else {
					d := ru.decl
					merged[k] = &d
					order = append(order, k)
				}
			}
		}
		sort.Slice(order, func(i, j int) bool { return lessSubKey(order[i], order[j]) })
		for _, k := range order {
			d := *merged[k]
			if k.texture {
				if texBuckets[k.index] == nil {
					texBuckets[k.index] = make(map[Subresource][]bucketEntry)
				}
				texBuckets[k.index][k.sub] = append(texBuckets[k.index][k.sub], bucketEntry{pass: p, decl: d})
			} else {
				bufBuckets[k.index] = append(bufBuckets[k.index], bucketEntry{pass: p, decl: d})
			}
		}
	}

	// Step 2: implicit edges + explicit edges -> adjacency/indegree.
	succ := make(map[*Pass][]*Pass)
	indeg := make(map[*Pass]int, len(g.passes))
	for _, p := range g.passes {
		indeg[p] = 0
	}
	addEdge := func(from, to *Pass) {
		if from == to {
			return
		}
		for _, s := range succ[from] {
			if s == to {
				return
			}
		}
		succ[from] = append(succ[from], to)
		indeg[to]++
	}
	for _, p := range g.passes {
		for _, pr := range p.preds {
			addEdge(pr, p)
		}
	}
	bufIndices := sortedIntKeys(bufBuckets)
	texIndices := sortedIntKeys(texBuckets)

	for _, idx := range bufIndices {
		bkt := bufBuckets[idx]
		for i := 1; i < len(bkt); i++ {
			prev, next := bkt[i-1], bkt[i]
			if needsEdge(prev.decl, next.decl, prev.pass.queue, next.pass.queue, false) {
				addEdge(prev.pass, next.pass)
			}
		}
	}
	for _, idx := range texIndices {
		for _, sub := range sortedSubKeys(texBuckets[idx]) {
			bkt := texBuckets[idx][sub]
			for i := 1; i < len(bkt); i++ {
				prev, next := bkt[i-1], bkt[i]
				if needsEdge(prev.decl, next.decl, prev.pass.queue, next.pass.queue, true) {
					addEdge(prev.pass, next.pass)
				}
			}
		}
	}

	// Step 3: stable topological sort, tie-break by creation index.
	order, err := topoSort(g.passes, succ, indeg)
	if err != nil {
		return nil, err
	}
	pos := make(map[*Pass]int, len(order))
	for i, p := range order {
		pos[p] = i
	}

	// Submission grouping: computed from topo order alone, ahead of
	// the barrier walk, since cross-queue edges need to know which
	// group a pass belongs to.
	groups, groupOf := buildGroups(order)

	pl := &plan{
		order:   order,
		pre:     make(map[*Pass]*passBatch, len(order)),
		post:    make(map[*Pass]*passBatch, len(order)),
		groups:  groups,
		groupOf: groupOf,
		reqByID: make(map[int]allocReq),
	}
	for _, p := range order {
		pl.pre[p] = &passBatch{}
		pl.post[p] = &passBatch{}
	}

	crossQueueSem := make(map[[2]int]bool)
	ensureCrossQueueSem := func(fromGroup, toGroup int) error {
		key := [2]int{fromGroup, toGroup}
		if crossQueueSem[key] {
			return nil
		}
		s, err := g.gpu.NewSemaphore()
		if err != nil {
			return wrapBackendErr("<compile>", err)
		}
		crossQueueSem[key] = true
		groups[fromGroup].signalSem = append(groups[fromGroup].signalSem, s)
		groups[toGroup].waitSem = append(groups[toGroup].waitSem, s)
		return nil
	}

	sortByPos := func(bkt []bucketEntry) {
		sort.SliceStable(bkt, func(i, j int) bool { return pos[bkt[i].pass] < pos[bkt[j].pass] })
	}

	// Step 4+5+7: buffer subresource walk. bufIndices is sorted so
	// that a pass touching more than one buffer always receives its
	// barriers in the same, index-ordered sequence (testable
	// property 8, Determinism).
	for _, idx := range bufIndices {
		bkt := bufBuckets[idx]
		sortByPos(bkt)
		r := g.buffers[idx]
		prior := r.state
		if r.kind == kindInternalBuffer {
			prior = trackedState{}
		}
		final, err := walkBucket(pl, bkt, prior, false, idx, Subresource{}, pos, ensureCrossQueueSem)
		if err != nil {
			return nil, err
		}
		if r.kind == kindExternalBuffer {
			pl.flush = append(pl.flush, flushEntry{isTexture: false, idx: idx, state: final})
		}
		r.state = final
		if len(bkt) > 0 {
			r.firstUse, r.lastUse = pos[bkt[0].pass], pos[bkt[len(bkt)-1].pass]
			r.firstDecl = bkt[0].decl
			r.lastState = final
		}
	}

	// Step 4+5+6+7: texture subresource walk (including swapchain).
	// Both texIndices and the per-texture subresource keys are
	// sorted, for the same reason as the buffer walk above: a pass
	// using several textures or subresources must see its barriers
	// in a stable order regardless of map iteration.
	for _, idx := range texIndices {
		byIdx := texBuckets[idx]
		r := g.textures[idx]
		for _, sub := range sortedSubKeys(byIdx) {
			bkt := byIdx[sub]
			sortByPos(bkt)
			prior := *r.stateOf(sub)
			if r.kind == kindInternalTexture {
				prior = trackedState{layout: driver.LUndefined}
			}
			final, err := walkBucket(pl, bkt, prior, true, idx, sub, pos, ensureCrossQueueSem)
			if err != nil {
				return nil, err
			}

			if r.kind == kindSwapchainTexture && len(bkt) > 0 {
				first, last := bkt[0], bkt[len(bkt)-1]
				groups[groupOf[first.pass]].waitSwapchain = true
				groups[groupOf[last.pass]].signalSwapchain = true
				pl.post[last.pass].trans = append(pl.post[last.pass].trans, textureTransition{
					Transition: driver.Transition{
						Barrier: driver.Barrier{
							SyncBefore: last.decl.Stages, AccessBefore: last.decl.Access,
							SrcQueue: last.pass.queue, DstQueue: last.pass.queue,
						},
						LayoutBefore: last.decl.Layout,
						LayoutAfter:  driver.LPresent,
					},
					texIdx: idx,
					sub:    sub,
				})
				final.layout = driver.LPresent
			}

			st := r.stateOf(sub)
			*st = final
			st.hasUser = true
			if r.kind == kindExternalTexture {
				pl.flush = append(pl.flush, flushEntry{isTexture: true, idx: idx, sub: sub, state: final})
			}
			if len(bkt) > 0 {
				first, last := pos[bkt[0].pass], pos[bkt[len(bkt)-1].pass]
				if r.firstUse == -1 || first < r.firstUse {
					r.firstUse = first
					r.firstSub = sub
					r.firstDecl = bkt[0].decl
				}
				if last > r.lastUse {
					r.lastUse = last
					r.lastState = final
				}
			}
		}
	}

	// Step 8: transient allocation plan.
	if err := g.allocate(pl); err != nil {
		return nil, err
	}

	// Fence wiring: the graph's completion fence always signals on
	// the last submission group; a pass's own signal fence ends its
	// group early.
	for gi, grp := range groups {
		last := grp.passes[len(grp.passes)-1]
		if last.signalFence != nil {
			grp.fence = last.signalFence
		}
		if gi == len(groups)-1 && g.completeFence != nil {
			grp.fence = g.completeFence
		}
	}

	return pl, nil
}

// sortedIntKeys returns a bucket map's keys in ascending order, so
// callers iterate resources in a stable, index-ordered sequence
// instead of Go's randomized map order.
func sortedIntKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// sortedSubKeys returns a texture's subresource keys ordered by
// Mip, then Layer, then Aspect, for the same reason as
// sortedIntKeys.
func sortedSubKeys(m map[Subresource][]bucketEntry) []Subresource {
	keys := make([]Subresource, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Mip != b.Mip {
			return a.Mip < b.Mip
		}
		if a.Layer != b.Layer {
			return a.Layer < b.Layer
		}
		return a.Aspect < b.Aspect
	})
	return keys
}

func lessSubKey(a, b subKey) bool {
	if a.texture != b.texture {
		return !a.texture
	}
	if a.index != b.index {
		return a.index < b.index
	}
	if a.sub.Mip != b.sub.Mip {
		return a.sub.Mip < b.sub.Mip
	}
	if a.sub.Layer != b.sub.Layer {
		return a.sub.Layer < b.sub.Layer
	}
	return a.sub.Aspect < b.sub.Aspect
}

// checkSwapchainQueue enforces that every declared use of the
// graph's SwapchainTexture, if any, binds to the same queue.
func (g *Graph) checkSwapchainQueue() error {
	if !g.swapchainSet {
		return nil
	}
	var q driver.QueueType
	set := false
	for _, p := range g.passes {
		for _, ru := range p.useOrd {
			if ru.key.texture && ru.key.index == g.swapchainIdx {
				if !set {
					q, set = p.queue, true
				} else if p.queue != q {
					return newErr(ConfigError, "swapchain texture used across more than one queue")
				}
			}
		}
	}
	return nil
}

// topoSort performs Kahn's algorithm, always selecting the
// lowest-creation-index ready pass, so that the result is
// deterministic and a user can control sub-ordering via creation
// order alone (compiler step 3, testable property 8, scenario S6).
func topoSort(passes []*Pass, succ map[*Pass][]*Pass, indeg map[*Pass]int) ([]*Pass, error) {
	remaining := make(map[*Pass]int, len(indeg))
	for p, d := range indeg {
		remaining[p] = d
	}
	done := make(map[*Pass]bool, len(passes))
	order := make([]*Pass, 0, len(passes))
	for len(order) < len(passes) {
		var next *Pass
		for _, p := range passes {
			if done[p] || remaining[p] > 0 {
				continue
			}
			next = p
			break
		}
		if next == nil {
			return nil, newErr(TopologyError, "cycle in pass dependency graph")
		}
		done[next] = true
		order = append(order, next)
		for _, s := range succ[next] {
			remaining[s]--
		}
	}
	return order, nil
}

// buildGroups splits order into submission groups: a new group
// starts whenever the queue changes or the previous pass carries a
// signal fence.
func buildGroups(order []*Pass) ([]*submissionGroup, map[*Pass]int) {
	var groups []*submissionGroup
	groupOf := make(map[*Pass]int, len(order))
	for i, p := range order {
		newGroup := i == 0
		if i > 0 {
			prev := order[i-1]
			if prev.queue != p.queue || prev.signalFence != nil {
				newGroup = true
			}
		}
		if newGroup {
			groups = append(groups, &submissionGroup{queue: p.queue})
		}
		gi := len(groups) - 1
		groups[gi].passes = append(groups[gi].passes, p)
		groupOf[p] = gi
	}
	return groups, groupOf
}

// walkBucket performs compiler steps 4-5 for a single subresource's
// ordered use list, attaching barrier batches to pl and returning
// the final tracked state (step 7's input). prior is the state the
// subresource carried into the graph (Undefined for a fresh
// internal resource, the external's registered state otherwise).
func walkBucket(
	pl *plan,
	bkt []bucketEntry,
	prior trackedState,
	isTexture bool,
	idx int,
	sub Subresource,
	pos map[*Pass]int,
	ensureCrossQueueSem func(fromGroup, toGroup int) error,
) (trackedState, error) {
	if len(bkt) == 0 {
		return prior, nil
	}
	prevState := prior
	var prevPass *Pass
	for i, e := range bkt {
		prevDecl := UseDecl{Stages: prevState.stages, Access: prevState.access, Layout: prevState.layout, Write: isWrite(prevState.access)}
		sameQueue := i == 0 || prevPass.queue == e.pass.queue
		switch {
		case !sameQueue:
			fromGroup, toGroup := pl.groupOf[prevPass], pl.groupOf[e.pass]
			if err := ensureCrossQueueSem(fromGroup, toGroup); err != nil {
				return trackedState{}, err
			}
			pl.post[prevPass].mem = append(pl.post[prevPass].mem, buildBarrier(prevDecl, e.decl, prevPass.queue, e.pass.queue))
			if isTexture {
				pl.pre[e.pass].trans = append(pl.pre[e.pass].trans, textureTransition{
					Transition: buildTransition(prevDecl, e.decl, prevState.layout, prevPass.queue, e.pass.queue),
					texIdx:     idx,
					sub:        sub,
				})
			} else {
				pl.pre[e.pass].mem = append(pl.pre[e.pass].mem, buildBarrier(prevDecl, e.decl, prevPass.queue, e.pass.queue))
			}
		case isTexture:
			if !noopTransition(prevDecl, e.decl, true) || prevState.layout != e.decl.Layout {
				pl.pre[e.pass].trans = append(pl.pre[e.pass].trans, textureTransition{
					Transition: buildTransition(prevDecl, e.decl, prevState.layout, e.pass.queue, e.pass.queue),
					texIdx:     idx,
					sub:        sub,
				})
			}
		default:
			if !noopTransition(prevDecl, e.decl, false) {
				pl.pre[e.pass].mem = append(pl.pre[e.pass].mem, buildBarrier(prevDecl, e.decl, e.pass.queue, e.pass.queue))
			}
		}
		prevState = trackedState{stages: e.decl.Stages, access: e.decl.Access, layout: e.decl.Layout, queue: e.pass.queue, hasUser: true}
		prevPass = e.pass
	}
	return prevState, nil
}
