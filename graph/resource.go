// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/graph/internal/alloc"
)

// HostAccess describes whether, and how, the host CPU may access
// a buffer's contents directly.
type HostAccess int

// Host access kinds.
const (
	HostNone HostAccess = iota
	HostUpload
	HostReadback
)

// BufferDesc describes an internal buffer at creation time.
type BufferDesc struct {
	Size   int64
	Usage  driver.Usage
	Host   HostAccess
	Stride int          // default structured stride, for default-view construction.
	Format driver.PixelFmt // default texel format, for default-view construction.
}

// Dimension identifies the shape of a texture.
type Dimension int

// Texture dimensions.
const (
	Dim1D Dimension = iota
	Dim2D
	Dim3D
)

// TextureDesc describes an internal texture at creation time.
type TextureDesc struct {
	Format    driver.PixelFmt
	Dimension Dimension
	Width     int
	Height    int
	Depth     int
	ArraySize int
	MipLevels int
	Samples   int
	Usage     driver.Usage
	Clear     *driver.ClearValue
}

// Aspect identifies which plane of a texture a subresource key
// refers to.
type Aspect int

// Texture aspects.
const (
	AspectColor Aspect = iota
	AspectDepth
	AspectStencil
)

// Subresource identifies the smallest addressable unit of a
// resource for state tracking: the whole buffer, or a single
// (mip, layer, aspect) triple of a texture.
type Subresource struct {
	Mip, Layer int
	Aspect     Aspect
}

// trackedState is the most recently observed (stages, accesses,
// layout, owner-queue) tuple for a subresource. It always
// reflects the most recent producer, never the next consumer.
type trackedState struct {
	stages  driver.Sync
	access  driver.Access
	layout  driver.Layout // textures only.
	queue   driver.QueueType
	hasUser bool // set by the first use walked, or at registration for an external's carried-in state.
}

// resourceKind tags the variant a resource record belongs to.
type resourceKind int

const (
	kindInternalBuffer resourceKind = iota
	kindExternalBuffer
	kindInternalTexture
	kindExternalTexture
	kindSwapchainTexture
)

// bufferResource is the record kept for every entry in a Graph's
// buffer table, whether it is internal or external. A nil entry
// marks an index that instead belongs to the texture table, per
// the parallel-tables shape (see registry.go).
type bufferResource struct {
	kind  resourceKind
	name  string
	index int
	desc  BufferDesc

	handle   driver.Buffer // set at registration for externals, by the executor for internals.
	state    trackedState
	readOnly bool // external only: never referenced by a write use.

	// transient allocation, filled in by the compiler/allocator:
	// firstUse/lastUse are positions in the topological order;
	// firstDecl/lastState are the tracked state observed at those
	// positions, used to build aliasing barriers.
	firstUse, lastUse int
	firstDecl         UseDecl
	lastState         trackedState
	placed            *placement
}

// textureResource is the per-kind analogue of bufferResource for
// textures, including the swapchain variant.
type textureResource struct {
	kind  resourceKind
	name  string
	index int
	desc  TextureDesc

	handle    driver.Image // set at registration for externals, by the executor for internals; nil for the swapchain.
	viewCache map[Subresource]driver.ImageView
	states    map[Subresource]*trackedState
	readOnly  bool

	// swapchain-specific.
	swap         driver.Swapchain
	acquireSem   driver.Semaphore
	presentSem   driver.Semaphore
	swapIndex    int
	swapAttached bool

	firstUse, lastUse int
	firstSub          Subresource
	firstDecl         UseDecl
	lastState         trackedState
	placed            *placement
}

func newBufferResource(kind resourceKind, index int, name string, desc BufferDesc) *bufferResource {
	return &bufferResource{kind: kind, index: index, name: name, desc: desc, firstUse: -1, lastUse: -1}
}

func newTextureResource(kind resourceKind, index int, name string, desc TextureDesc) *textureResource {
	return &textureResource{
		kind:      kind,
		index:     index,
		name:      name,
		desc:      desc,
		states:    make(map[Subresource]*trackedState),
		viewCache: make(map[Subresource]driver.ImageView),
		firstUse:  -1,
		lastUse:   -1,
	}
}

// subresources enumerates every subresource key of a texture
// resource (full mip/layer range, single color aspect unless the
// format is a depth/stencil format).
func (t *textureResource) subresources() []Subresource {
	aspects := []Aspect{AspectColor}
	switch t.desc.Format {
	case driver.D24unS8ui, driver.D32fS8ui:
		aspects = []Aspect{AspectDepth, AspectStencil}
	case driver.D16un, driver.D32f:
		aspects = []Aspect{AspectDepth}
	case driver.S8ui:
		aspects = []Aspect{AspectStencil}
	}
	layers := t.desc.ArraySize
	if layers == 0 {
		layers = 1
	}
	levels := t.desc.MipLevels
	if levels == 0 {
		levels = 1
	}
	subs := make([]Subresource, 0, layers*levels*len(aspects))
	for _, a := range aspects {
		for l := 0; l < layers; l++ {
			for m := 0; m < levels; m++ {
				subs = append(subs, Subresource{Mip: m, Layer: l, Aspect: a})
			}
		}
	}
	return subs
}

func (t *textureResource) stateOf(s Subresource) *trackedState {
	st, ok := t.states[s]
	if !ok {
		st = &trackedState{}
		t.states[s] = st
	}
	return st
}

// viewType picks the driver.ViewType matching the texture's
// dimension, array-ness and multisample state.
func (t *textureResource) viewType() driver.ViewType {
	layers := t.desc.ArraySize
	if layers == 0 {
		layers = 1
	}
	samples := t.desc.Samples
	if samples == 0 {
		samples = 1
	}
	switch t.desc.Dimension {
	case Dim1D:
		if layers > 1 {
			return driver.IView1DArray
		}
		return driver.IView1D
	case Dim3D:
		return driver.IView3D
	default:
		switch {
		case samples > 1 && layers > 1:
			return driver.IView2DMSArray
		case samples > 1:
			return driver.IView2DMS
		case layers > 1:
			return driver.IView2DArray
		default:
			return driver.IView2D
		}
	}
}

// resolveView returns the ImageView for sub, creating and caching
// it on first use. The swapchain's backbuffer view always comes
// from the Swapchain itself, since the render graph never holds
// the underlying driver.Image for it.
func (t *textureResource) resolveView(sub Subresource) (driver.ImageView, error) {
	if t.kind == kindSwapchainTexture {
		return t.swap.Views()[t.swapIndex], nil
	}
	if v, ok := t.viewCache[sub]; ok {
		return v, nil
	}
	v, err := t.handle.NewView(t.viewType(), sub.Layer, 1, sub.Mip, 1)
	if err != nil {
		return nil, wrapBackendErr("<view>", err)
	}
	t.viewCache[sub] = v
	return v, nil
}

// tlasResource wraps a backing buffer resource. Per the design
// notes, the relation is a back-reference, never ownership: a
// TLAS holds the index of its backing buffer and looks it up on
// demand rather than duplicating its state.
type tlasResource struct {
	handle  any
	backing int // buffer index.
}

// placement is filled in by the transient allocator for internal
// resources; see internal/alloc. cat is kept alongside the
// placement itself so the executor can hand the segment back to
// the right free list on recycle without recomputing it.
type placement struct {
	alloc  driver.HeapAllocation
	offset int64
	size   int64
	cat    alloc.Category
}
