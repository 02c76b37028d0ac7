// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package graph implements the core of a retained-mode GPU render
// graph: a per-frame registry of resources and passes, a compiler
// that turns declared uses into a barrier-annotated execution
// plan, a transient memory allocator that aliases non-overlapping
// resource lifetimes, and an executor that walks the plan and
// emits a linear command stream against a driver.GPU.
package graph

import (
	"sync"

	"github.com/gviegas/rgraph/driver"
)

// Graph holds one frame's worth of resource and pass records. A
// Graph is built up by a single goroutine, compiled once, and
// executed once; it is not meant to outlive the frame it
// describes.
type Graph struct {
	mu sync.Mutex

	gpu   driver.GPU
	queue driver.QueueType // recorded by NewGraph; CreatePass never reads it.

	// Parallel tables: buffers[i] and textures[i] are never both
	// non-nil. Every registration call, regardless of kind,
	// consumes the next index from this shared counter so that
	// BufferRef and TextureRef indices are unique across both
	// tables (see SPEC_FULL.md / DESIGN.md "parallel tables").
	buffers  []*bufferResource
	textures []*textureResource

	tlases []*tlasResource

	// externalByHandle de-duplicates re-registration of the same
	// backend object, keyed by its identity.
	externalByHandle map[any]int

	swapchainSet bool
	swapchainIdx int // texture-table index of the SwapchainTexture, if swapchainSet.

	passes []*Pass
	labels *LabelStack

	completeFence driver.Fence

	// allocator is nil unless SetAllocator was called; compile step
	// 8 leaves internal resources unplaced (non-transient) when it
	// is nil, so the executor must fall back to committed resources.
	allocator *Allocator
}

// NewGraph creates an empty graph bound to gpu. queue is stored on
// the graph but does not pick any pass's queue: every pass names
// its own queue in CreatePass.
func NewGraph(gpu driver.GPU, queue driver.QueueType) *Graph {
	return &Graph{
		gpu:              gpu,
		queue:            queue,
		externalByHandle: make(map[any]int),
		labels:           newLabelStack(),
	}
}

// SetAllocator installs the persistent transient allocator a used
// to place this graph's internal resources. It is optional: a
// Graph with no Allocator creates every internal resource as an
// individually committed backend resource, with no aliasing.
func (g *Graph) SetAllocator(a *Allocator) {
	g.mu.Lock()
	g.allocator = a
	g.mu.Unlock()
}

// BufferRef is a stable reference to a buffer resource (internal
// or external) registered in a Graph.
type BufferRef struct {
	g   *Graph
	idx int
}

// TextureRef is the texture analogue of BufferRef. It also
// identifies the SwapchainTexture, if any.
type TextureRef struct {
	g   *Graph
	idx int
}

// TLASRef identifies a TLAS wrapper registered in a Graph. It
// never carries resource state of its own; every state query
// forwards to the backing buffer.
type TLASRef struct {
	g   *Graph
	idx int
}

// resourceRef is satisfied by BufferRef and TextureRef so that
// Pass.Use and Pass.UseSub can accept either.
type resourceRef interface {
	graph() *Graph
	index() int
	isTexture() bool
}

func (r BufferRef) graph() *Graph   { return r.g }
func (r BufferRef) index() int      { return r.idx }
func (r BufferRef) isTexture() bool { return false }

func (r TextureRef) graph() *Graph   { return r.g }
func (r TextureRef) index() int      { return r.idx }
func (r TextureRef) isTexture() bool { return true }

// nextIndex allocates a fresh shared index and appends a nil
// placeholder to the other table, preserving parallel-tables
// invariant that buffers[i] and textures[i] are never both
// non-nil. Callers must hold g.mu.
func (g *Graph) nextIndex(textureSide bool) int {
	idx := len(g.buffers)
	if len(g.textures) > idx {
		idx = len(g.textures)
	}
	for len(g.buffers) <= idx {
		g.buffers = append(g.buffers, nil)
	}
	for len(g.textures) <= idx {
		g.textures = append(g.textures, nil)
	}
	return idx
}

// CreateBuffer registers a new internal buffer and returns a
// reference to it.
func (g *Graph) CreateBuffer(desc BufferDesc, name string) BufferRef {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.nextIndex(false)
	g.buffers[idx] = newBufferResource(kindInternalBuffer, idx, name, desc)
	return BufferRef{g: g, idx: idx}
}

// CreateTexture registers a new internal texture and returns a
// reference to it.
func (g *Graph) CreateTexture(desc TextureDesc, name string) TextureRef {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.nextIndex(true)
	g.textures[idx] = newTextureResource(kindInternalTexture, idx, name, desc)
	return TextureRef{g: g, idx: idx}
}

// ExternalBufferState describes the tracked state a buffer
// carries into the graph, and the state the graph should flush
// back to on completion.
type ExternalBufferState struct {
	Stages driver.Sync
	Access driver.Access
	Queue  driver.QueueType
}

// RegisterExternalBuffer registers handle as a read/write
// external buffer. Registration is idempotent by handle identity:
// a second call with the same handle returns the original
// reference rather than creating a duplicate.
func (g *Graph) RegisterExternalBuffer(handle driver.Buffer, desc BufferDesc, name string, in ExternalBufferState) (BufferRef, error) {
	return g.registerExternalBuffer(handle, desc, name, in, false)
}

func (g *Graph) registerExternalBuffer(handle driver.Buffer, desc BufferDesc, name string, in ExternalBufferState, readOnly bool) (BufferRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if idx, ok := g.externalByHandle[handle]; ok {
		r := g.buffers[idx]
		if r.readOnly != readOnly {
			return BufferRef{}, newErrf(ConfigError,
				"external buffer %q re-registered with a different read-only mode", r.name)
		}
		return BufferRef{g: g, idx: idx}, nil
	}
	idx := g.nextIndex(false)
	r := newBufferResource(kindExternalBuffer, idx, name, desc)
	r.handle = handle
	r.readOnly = readOnly
	r.state = trackedState{stages: in.Stages, access: in.Access, queue: in.Queue, hasUser: true}
	g.buffers[idx] = r
	g.externalByHandle[handle] = idx
	return BufferRef{g: g, idx: idx}, nil
}

// ExternalTextureState is the texture analogue of
// ExternalBufferState.
type ExternalTextureState struct {
	Stages driver.Sync
	Access driver.Access
	Layout driver.Layout
	Queue  driver.QueueType
}

// RegisterExternalTexture registers handle as a read/write
// external texture. See RegisterExternalBuffer for the
// idempotency contract.
func (g *Graph) RegisterExternalTexture(handle driver.Image, desc TextureDesc, name string, in ExternalTextureState) (TextureRef, error) {
	return g.registerExternalTexture(handle, desc, name, in, false)
}

// RegisterReadOnlyTexture registers handle as a read-only
// external texture. Any later declared write use against it is a
// ConfigError at Pass.Use time.
func (g *Graph) RegisterReadOnlyTexture(handle driver.Image, desc TextureDesc, name string, in ExternalTextureState) (TextureRef, error) {
	return g.registerExternalTexture(handle, desc, name, in, true)
}

func (g *Graph) registerExternalTexture(handle driver.Image, desc TextureDesc, name string, in ExternalTextureState, readOnly bool) (TextureRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if idx, ok := g.externalByHandle[handle]; ok {
		r := g.textures[idx]
		if r.readOnly != readOnly {
			return TextureRef{}, newErrf(ConfigError,
				"external texture %q re-registered with a different read-only mode", r.name)
		}
		return TextureRef{g: g, idx: idx}, nil
	}
	idx := g.nextIndex(true)
	r := newTextureResource(kindExternalTexture, idx, name, desc)
	r.handle = handle
	r.readOnly = readOnly
	for _, s := range r.subresources() {
		r.states[s] = &trackedState{stages: in.Stages, access: in.Access, layout: in.Layout, queue: in.Queue, hasUser: true}
	}
	g.textures[idx] = r
	g.externalByHandle[handle] = idx
	return TextureRef{g: g, idx: idx}, nil
}

// RegisterSwapchainTexture registers sc's current backbuffer as
// the graph's single SwapchainTexture. It is an error to call this
// more than once per graph.
func (g *Graph) RegisterSwapchainTexture(sc driver.Swapchain, index int, desc TextureDesc, name string) (TextureRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.swapchainSet {
		return TextureRef{}, newErr(ConfigError, "graph already has a swapchain texture")
	}
	idx := g.nextIndex(true)
	r := newTextureResource(kindSwapchainTexture, idx, name, desc)
	r.handle = nil
	r.swap = sc
	r.acquireSem = sc.AcquireSemaphore()
	r.presentSem = sc.PresentSemaphore()
	r.swapIndex = index
	for _, s := range r.subresources() {
		r.states[s] = &trackedState{layout: driver.LPresent, hasUser: false}
	}
	g.textures[idx] = r
	g.swapchainSet = true
	g.swapchainIdx = idx
	return TextureRef{g: g, idx: idx}, nil
}

// RegisterTLAS attaches a TLAS wrapper to backing, an existing
// buffer resource. The backing buffer remains an independent,
// first-class resource; only reads may be declared against the
// returned TLASRef (builds are modelled as writes to backing
// itself, via Pass.MarkASBuild).
func (g *Graph) RegisterTLAS(handle any, backing BufferRef) (TLASRef, error) {
	if backing.g != g {
		return TLASRef{}, newErr(ConfigError, "TLAS backing buffer belongs to a different graph")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if backing.idx < 0 || backing.idx >= len(g.buffers) || g.buffers[backing.idx] == nil {
		return TLASRef{}, newErr(ConfigError, "TLAS backing buffer: unknown resource index")
	}
	idx := len(g.tlases)
	g.tlases = append(g.tlases, &tlasResource{handle: handle, backing: backing.idx})
	return TLASRef{g: g, idx: idx}, nil
}

// Backing returns the buffer resource a TLAS is built on top of.
func (r TLASRef) Backing() BufferRef {
	r.g.mu.Lock()
	defer r.g.mu.Unlock()
	return BufferRef{g: r.g, idx: r.g.tlases[r.idx].backing}
}

// CreatePass creates a new pass, capturing the graph's current
// label-group nesting.
func (g *Graph) CreatePass(name string, queue driver.QueueType) *Pass {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := &Pass{
		g:     g,
		index: len(g.passes),
		name:  name,
		queue: queue,
		label: g.labels.Current(),
	}
	g.passes = append(g.passes, p)
	return p
}

// PushLabelGroup opens a new nested debug-marker group; passes
// created before the matching PopLabelGroup capture it as their
// label path's innermost node.
func (g *Graph) PushLabelGroup(name string) {
	g.mu.Lock()
	g.labels.Push(name)
	g.mu.Unlock()
}

// PopLabelGroup closes the innermost open debug-marker group.
func (g *Graph) PopLabelGroup() {
	g.mu.Lock()
	g.labels.Pop()
	g.mu.Unlock()
}

// FinalBufferState returns the tracked state ref carried out of
// the graph after Executor.Execute runs, for passing as the `in`
// parameter of next frame's RegisterExternalBuffer call. Calling
// it before execution returns the state the buffer was registered
// with (or the zero value, for an internal buffer).
func (g *Graph) FinalBufferState(ref BufferRef) ExternalBufferState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.buffers[ref.idx].state
	return ExternalBufferState{Stages: st.stages, Access: st.access, Queue: st.queue}
}

// FinalTextureState is the texture analogue of FinalBufferState,
// queried per subresource.
func (g *Graph) FinalTextureState(ref TextureRef, sub Subresource) ExternalTextureState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := *g.textures[ref.idx].stateOf(sub)
	return ExternalTextureState{Stages: st.stages, Access: st.access, Layout: st.layout, Queue: st.queue}
}

// SetCompleteFence sets the fence the executor signals on the
// graph's final submission.
func (g *Graph) SetCompleteFence(f driver.Fence) {
	g.mu.Lock()
	g.completeFence = f
	g.mu.Unlock()
}
