// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/graph/internal/alloc"
)

// AllocatorConfig governs how the transient allocator grows heaps
// and reclaims memory. See internal/alloc.Config; it is re-exported
// here since internal/ packages are not importable by callers.
type AllocatorConfig = alloc.Config

// DefaultAllocatorConfig is the config LoadAllocatorConfig returns
// for a missing file. NewAllocator does not fall back to it on its
// own; a caller with no config file passes it explicitly.
var DefaultAllocatorConfig = alloc.DefaultConfig

// LoadAllocatorConfig reads an AllocatorConfig from a YAML file. A
// missing file yields DefaultAllocatorConfig rather than an error.
func LoadAllocatorConfig(path string) (AllocatorConfig, error) {
	return alloc.LoadConfig(path)
}

// Allocator is the persistent, cross-frame transient memory
// allocator. A single Allocator is meant to be shared by every
// Graph built against the same GPU, so that free segments survive
// between frames. It is nil-safe: a nil *Allocator (or one built
// from a GPU that reports no HeapAllocator) disables aliasing, and
// internal resources fall back to non-transient, individually
// committed backend resources.
type Allocator struct {
	inner *alloc.Allocator
}

// NewAllocator creates an Allocator backed by gpu's HeapAllocator.
// It returns nil if gpu does not support placed resources.
func NewAllocator(gpu driver.GPU, cfg AllocatorConfig) *Allocator {
	backend := gpu.HeapAllocator()
	if backend == nil {
		return nil
	}
	return &Allocator{inner: alloc.New(backend, cfg)}
}

// Reclaim returns every recycled segment whose submission fence
// has signaled back to the free set. Call it once per frame,
// before building the next Graph.
func (a *Allocator) Reclaim() {
	if a != nil {
		a.inner.Reclaim()
	}
}

// bytesPerPixel approximates the storage cost of one texel of f,
// enough to size a transient heap request; it is not meant to
// match a real driver's exact memory layout.
func bytesPerPixel(f driver.PixelFmt) int64 {
	switch f {
	case driver.RGBA8un, driver.RGBA8n, driver.RGBA8sRGB, driver.BGRA8un, driver.BGRA8sRGB, driver.D24unS8ui:
		return 4
	case driver.RG8un, driver.RG8n, driver.D16un:
		return 2
	case driver.R8un, driver.R8n, driver.S8ui:
		return 1
	case driver.RGBA16f:
		return 8
	case driver.RG16f, driver.D32f:
		return 4
	case driver.R16f:
		return 2
	case driver.RGBA32f, driver.D32fS8ui:
		return 16
	case driver.RG32f:
		return 8
	case driver.R32f:
		return 4
	default:
		return 4
	}
}

// textureByteSize sums the mip chain's approximate storage cost.
func textureByteSize(d TextureDesc) int64 {
	w, h, depth := d.Width, d.Height, d.Depth
	if depth == 0 {
		depth = 1
	}
	layers := d.ArraySize
	if layers == 0 {
		layers = 1
	}
	levels := d.MipLevels
	if levels == 0 {
		levels = 1
	}
	samples := d.Samples
	if samples == 0 {
		samples = 1
	}
	bpp := bytesPerPixel(d.Format)
	var total int64
	cw, ch, cd := w, h, depth
	for m := 0; m < levels; m++ {
		total += int64(cw) * int64(ch) * int64(cd) * bpp
		if cw > 1 {
			cw /= 2
		}
		if ch > 1 {
			ch /= 2
		}
		if cd > 1 {
			cd /= 2
		}
	}
	return total * int64(layers) * int64(samples)
}

const defaultPlacementAlign = 256

// bufAllocID and texAllocID map resource indices into the single
// integer ID space internal/alloc.Request uses, keeping buffer and
// texture IDs disjoint. allocReq itself is declared in compile.go,
// alongside the rest of the plan type.
func bufAllocID(idx int) int { return idx*2 + 1 }
func texAllocID(idx int) int { return idx * 2 }

// allocate runs compiler step 8: it asks g.allocator to place
// every internal (transient) resource, applies the resulting
// placements to their resource records, and synthesizes aliasing
// barriers (§4.4) before each aliased resource's first use.
func (g *Graph) allocate(pl *plan) error {
	if g.allocator == nil || g.allocator.inner == nil {
		return nil
	}
	tier := driver.HeapTier2
	if g.gpu != nil {
		tier = g.gpu.Limits().HeapTier
	}

	cats := make(map[int]alloc.Category)

	var reqs []alloc.Request
	for _, b := range g.buffers {
		if b == nil || b.kind != kindInternalBuffer || b.firstUse < 0 {
			continue
		}
		cat := alloc.Category{Kind: driver.CatGeneral}
		if tier == driver.HeapTier1 {
			cat.Kind = driver.CatBuffer
		}
		id := bufAllocID(b.index)
		cats[id] = cat
		pl.reqByID[id] = allocReq{isTexture: false, idx: b.index}
		reqs = append(reqs, alloc.Request{
			ID:        id,
			Category:  cat,
			Size:      b.desc.Size,
			Alignment: defaultPlacementAlign,
			FirstUse:  b.firstUse,
			LastUse:   b.lastUse,
		})
	}
	for _, t := range g.textures {
		if t == nil || t.kind != kindInternalTexture || t.firstUse < 0 {
			continue
		}
		align := driver.AlignRegular
		if t.desc.Samples > 1 {
			align = driver.AlignMSAA
		}
		cat := alloc.Category{Kind: driver.CatGeneral, Align: align}
		if tier == driver.HeapTier1 {
			if t.desc.Usage&driver.URenderTarget != 0 || isDepthStencilFormat(t.desc.Format) {
				cat.Kind = driver.CatRTDS
			} else {
				cat.Kind = driver.CatTexture
			}
		}
		id := texAllocID(t.index)
		cats[id] = cat
		pl.reqByID[id] = allocReq{isTexture: true, idx: t.index}
		reqs = append(reqs, alloc.Request{
			ID:        id,
			Category:  cat,
			Size:      textureByteSize(t.desc),
			Alignment: defaultPlacementAlign,
			FirstUse:  t.firstUse,
			LastUse:   t.lastUse,
		})
	}
	if len(reqs) == 0 {
		return nil
	}

	res, err := g.allocator.inner.Plan(reqs)
	if err != nil {
		if ce, ok := err.(*alloc.CapacityError); ok {
			return newErr(CapacityError, ce.Reason)
		}
		return wrapBackendErr("<allocate>", err)
	}
	pl.allocRes = res

	for id, p := range res.Placements {
		req := pl.reqByID[id]
		placed := &placement{alloc: p.Alloc, offset: p.Offset, size: p.Size, cat: cats[id]}
		if req.isTexture {
			g.textures[req.idx].placed = placed
		} else {
			g.buffers[req.idx].placed = placed
		}
	}

	for _, pair := range res.Aliases {
		nextReq := pl.reqByID[pair.Next]
		prevReq := pl.reqByID[pair.Prev]
		g.emitAliasBarrier(pl, prevReq, nextReq)
	}
	return nil
}

func isDepthStencilFormat(f driver.PixelFmt) bool {
	switch f {
	case driver.D16un, driver.D32f, driver.S8ui, driver.D24unS8ui, driver.D32fS8ui:
		return true
	default:
		return false
	}
}

// emitAliasBarrier synthesizes the memory barrier (and, for
// textures, the discard transition) moving memory from prev's
// last use to next's first use, per §4.4's aliasing-transition
// rule, and attaches it to next's first-using pass's pre-batch.
func (g *Graph) emitAliasBarrier(pl *plan, prev, next allocReq) {
	var prevStages driver.Sync
	var prevAccess driver.Access
	var nextPass *Pass
	var nextDecl UseDecl
	var nextSub Subresource

	if prev.isTexture {
		t := g.textures[prev.idx]
		prevStages, prevAccess = t.lastState.stages, t.lastState.access
	} else {
		b := g.buffers[prev.idx]
		prevStages, prevAccess = b.lastState.stages, b.lastState.access
	}

	if next.isTexture {
		t := g.textures[next.idx]
		nextPass = pl.order[t.firstUse]
		nextDecl = t.firstDecl
		nextSub = t.firstSub
	} else {
		b := g.buffers[next.idx]
		nextPass = pl.order[b.firstUse]
		nextDecl = b.firstDecl
	}

	barrier := driver.Barrier{
		SyncBefore: prevStages, SyncAfter: nextDecl.Stages,
		AccessBefore: prevAccess, AccessAfter: nextDecl.Access,
		SrcQueue: nextPass.queue, DstQueue: nextPass.queue,
	}
	batch := pl.pre[nextPass]
	if next.isTexture {
		batch.trans = append(batch.trans, textureTransition{
			Transition: driver.Transition{Barrier: barrier, LayoutBefore: driver.LUndefined, LayoutAfter: nextDecl.Layout},
			texIdx:     next.idx,
			sub:        nextSub,
			alias:      true,
		})
	} else {
		batch.mem = append(batch.mem, barrier)
	}
}
