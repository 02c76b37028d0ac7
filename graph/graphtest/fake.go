// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package graphtest implements a small, record-only driver.GPU
// backend: every operation that would touch real hardware instead
// appends to an in-memory log, so graph package tests can drive the
// compiler and executor deterministically without cgo or a real
// device, following the teacher's habit of a minimal fake
// implementation standing in for an expensive external dependency.
package graphtest

import (
	"sync"
	"sync/atomic"

	"github.com/gviegas/rgraph/driver"
)

// Call is one recorded CmdBuffer operation.
type Call struct {
	Op   string
	Args []any
}

type destroyer struct{ destroyed bool }

func (d *destroyer) Destroy() { d.destroyed = true }

// Buffer is the fake driver.Buffer. It owns a real byte slice so
// host-visible round trips (Fill/CopyBuffer recorded against it)
// can be inspected by a test that wants to.
type Buffer struct {
	destroyer
	data    []byte
	visible bool
	usage   driver.Usage
}

func (b *Buffer) Visible() bool { return b.visible }
func (b *Buffer) Bytes() []byte { return b.data }
func (b *Buffer) Cap() int64    { return int64(len(b.data)) }

// Image is the fake driver.Image.
type Image struct {
	destroyer
	Format  driver.PixelFmt
	Size    driver.Dim3D
	Layers  int
	Levels  int
	Samples int
	Usage   driver.Usage
	views   []*ImageView
}

func (im *Image) NewView(typ driver.ViewType, layer, layers, level, levels int) (driver.ImageView, error) {
	v := &ImageView{typ: typ, layer: layer, layers: layers, level: level, levels: levels, img: im}
	im.views = append(im.views, v)
	return v, nil
}

// ImageView is the fake driver.ImageView.
type ImageView struct {
	destroyer
	typ           driver.ViewType
	layer, layers int
	level, levels int
	img           *Image
}

// Image returns the view's owning Image, for assertions.
func (v *ImageView) Image() *Image { return v.img }

// Semaphore is the fake driver.Semaphore.
type Semaphore struct{ destroyer }

// Fence is the fake driver.Fence: a test (or GPU.Commit, for this
// fake) can Signal it directly, since there is no real GPU timeline
// to wait on.
type Fence struct {
	destroyer
	mu       sync.Mutex
	signaled bool
}

func NewFence(signaled bool) *Fence { return &Fence{signaled: signaled} }

func (f *Fence) Signaled() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled, nil
}

func (f *Fence) Wait() error {
	f.mu.Lock()
	f.signaled = true
	f.mu.Unlock()
	return nil
}

func (f *Fence) Reset() error {
	f.mu.Lock()
	f.signaled = false
	f.mu.Unlock()
	return nil
}

// Signal marks the fence signaled; exported for tests that need to
// drive Allocator.Reclaim explicitly.
func (f *Fence) Signal() {
	f.mu.Lock()
	f.signaled = true
	f.mu.Unlock()
}

// HeapAllocation is the fake driver.HeapAllocation.
type HeapAllocation struct {
	destroyer
	size  int64
	cat   driver.HeapCategory
	align driver.HeapAlign
}

func (h *HeapAllocation) Size() int64 { return h.size }

// HeapAllocator is the fake driver.HeapAllocator: NewHeap always
// succeeds (no budget of its own; graph/internal/alloc.Config
// enforces the budget), and placed resources are ordinary fake
// Buffer/Image values; the heap and offset they were placed at are
// not recorded on them.
type HeapAllocator struct {
	mu    sync.Mutex
	heaps []*HeapAllocation
}

func (a *HeapAllocator) NewHeap(size int64, cat driver.HeapCategory, align driver.HeapAlign) (driver.HeapAllocation, error) {
	h := &HeapAllocation{size: size, cat: cat, align: align}
	a.mu.Lock()
	a.heaps = append(a.heaps, h)
	a.mu.Unlock()
	return h, nil
}

func (a *HeapAllocator) NewPlacedBuffer(alloc driver.HeapAllocation, offset, size int64, usg driver.Usage) (driver.Buffer, error) {
	return &Buffer{data: make([]byte, size), visible: false, usage: usg}, nil
}

func (a *HeapAllocator) NewPlacedImage(alloc driver.HeapAllocation, offset int64, pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	return &Image{Format: pf, Size: size, Layers: layers, Levels: levels, Samples: samples, Usage: usg}, nil
}

// RenderPass/Framebuf are fakes sufficient for util.go's
// clear-texture pass: they record nothing, since no command
// issued against them carries pixel data in this fake backend.
type RenderPass struct {
	destroyer
	att []driver.Attachment
	sub []driver.Subpass
}

func (rp *RenderPass) NewFB(iv []driver.ImageView, width, height, layers int) (driver.Framebuf, error) {
	return &Framebuf{}, nil
}

type Framebuf struct{ destroyer }

type ShaderCode struct{ destroyer }

type DescHeap struct {
	destroyer
	count int
}

func (h *DescHeap) New(n int) error { h.count = n; return nil }
func (h *DescHeap) SetBuffer(cpy, nr, start int, buf []driver.Buffer, off, size []int64) {}
func (h *DescHeap) SetImage(cpy, nr, start int, iv []driver.ImageView)                    {}
func (h *DescHeap) SetSampler(cpy, nr, start int, splr []driver.Sampler)                  {}
func (h *DescHeap) Count() int                                                            { return h.count }

type DescTable struct{ destroyer }

type Pipeline struct{ destroyer }

type Sampler struct{ destroyer }

// Swapchain is the fake driver.Swapchain: a fixed ring of image
// views, cycled by Next.
type Swapchain struct {
	destroyer
	views      []driver.ImageView
	acquireSem *Semaphore
	presentSem *Semaphore
	next       int32
	Presented  []int // indices passed to Present, in order.
}

// NewSwapchain creates a fake swapchain with n backbuffer views.
func NewSwapchain(n int) *Swapchain {
	views := make([]driver.ImageView, n)
	for i := range views {
		views[i] = &ImageView{}
	}
	return &Swapchain{views: views, acquireSem: &Semaphore{}, presentSem: &Semaphore{}}
}

func (s *Swapchain) Views() []driver.ImageView { return s.views }

func (s *Swapchain) Next() (int, error) {
	i := int(atomic.AddInt32(&s.next, 1)-1) % len(s.views)
	return i, nil
}

func (s *Swapchain) Present(index int) error {
	s.Presented = append(s.Presented, index)
	return nil
}

func (s *Swapchain) AcquireSemaphore() driver.Semaphore { return s.acquireSem }
func (s *Swapchain) PresentSemaphore() driver.Semaphore { return s.presentSem }

// CmdBuffer is the fake driver.CmdBuffer: every call appends a Call
// to Log, in order, instead of touching hardware.
type CmdBuffer struct {
	destroyer
	Queue     driver.QueueType
	Log       []Call
	recording bool
}

func (c *CmdBuffer) record(op string, args ...any) { c.Log = append(c.Log, Call{Op: op, Args: args}) }

func (c *CmdBuffer) Begin() error {
	c.recording = true
	c.Log = nil
	c.record("Begin")
	return nil
}

func (c *CmdBuffer) BeginPass(pass driver.RenderPass, fb driver.Framebuf, clear []driver.ClearValue) {
	c.record("BeginPass", pass, fb, clear)
}
func (c *CmdBuffer) NextSubpass() { c.record("NextSubpass") }
func (c *CmdBuffer) EndPass()     { c.record("EndPass") }

func (c *CmdBuffer) BeginWork(wait bool) { c.record("BeginWork", wait) }
func (c *CmdBuffer) EndWork()            { c.record("EndWork") }

func (c *CmdBuffer) BeginBlit(wait bool) { c.record("BeginBlit", wait) }
func (c *CmdBuffer) EndBlit()            { c.record("EndBlit") }

func (c *CmdBuffer) SetPipeline(pl driver.Pipeline)               { c.record("SetPipeline", pl) }
func (c *CmdBuffer) SetViewport(vp []driver.Viewport)             { c.record("SetViewport", vp) }
func (c *CmdBuffer) SetScissor(sciss []driver.Scissor)            { c.record("SetScissor", sciss) }
func (c *CmdBuffer) SetBlendColor(r, g, b, a float32)             { c.record("SetBlendColor", r, g, b, a) }
func (c *CmdBuffer) SetStencilRef(value uint32)                   { c.record("SetStencilRef", value) }
func (c *CmdBuffer) SetVertexBuf(start int, buf []driver.Buffer, off []int64) {
	c.record("SetVertexBuf", start, buf, off)
}
func (c *CmdBuffer) SetIndexBuf(format driver.IndexFmt, buf driver.Buffer, off int64) {
	c.record("SetIndexBuf", format, buf, off)
}
func (c *CmdBuffer) SetDescTableGraph(table driver.DescTable, start int, heapCopy []int) {
	c.record("SetDescTableGraph", table, start, heapCopy)
}
func (c *CmdBuffer) SetDescTableComp(table driver.DescTable, start int, heapCopy []int) {
	c.record("SetDescTableComp", table, start, heapCopy)
}

func (c *CmdBuffer) Draw(vertCount, instCount, baseVert, baseInst int) {
	c.record("Draw", vertCount, instCount, baseVert, baseInst)
}
func (c *CmdBuffer) DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst int) {
	c.record("DrawIndexed", idxCount, instCount, baseIdx, vertOff, baseInst)
}
func (c *CmdBuffer) Dispatch(x, y, z int) { c.record("Dispatch", x, y, z) }

func (c *CmdBuffer) CopyBuffer(param *driver.BufferCopy)   { c.record("CopyBuffer", *param) }
func (c *CmdBuffer) CopyImage(param *driver.ImageCopy)     { c.record("CopyImage", *param) }
func (c *CmdBuffer) CopyBufToImg(param *driver.BufImgCopy) { c.record("CopyBufToImg", *param) }
func (c *CmdBuffer) CopyImgToBuf(param *driver.BufImgCopy) { c.record("CopyImgToBuf", *param) }
func (c *CmdBuffer) Fill(buf driver.Buffer, off int64, value byte, size int64) {
	c.record("Fill", buf, off, value, size)
}

func (c *CmdBuffer) Barrier(b []driver.Barrier)       { c.record("Barrier", append([]driver.Barrier{}, b...)) }
func (c *CmdBuffer) Transition(t []driver.Transition) { c.record("Transition", append([]driver.Transition{}, t...)) }

func (c *CmdBuffer) End() error {
	c.recording = false
	c.record("End")
	return nil
}

func (c *CmdBuffer) Reset() error {
	c.Log = nil
	c.recording = false
	return nil
}

// GPU is the fake driver.GPU. Commit runs synchronously: it signals
// fence (if any) and sends wk back on ch immediately, so a test
// using it never blocks waiting on real hardware.
type GPU struct {
	mu      sync.Mutex
	heapAlc *HeapAllocator
	limits  driver.Limits
	cmdBufs []*CmdBuffer
	Commits []CommitRecord
}

// CommitRecord is one recorded GPU.Commit call.
type CommitRecord struct {
	Queue driver.QueueType
	Work  *driver.WorkItem
}

// New creates a fake GPU. limits lets a test exercise both
// HeapTier1 and HeapTier2 allocation strategies; the zero value
// selects HeapTier1, so set HeapTier explicitly for HeapTier2.
func New(limits driver.Limits) *GPU {
	return &GPU{heapAlc: &HeapAllocator{}, limits: limits}
}

func (g *GPU) Driver() driver.Driver { return nil }

func (g *GPU) Commit(q driver.QueueType, wk *driver.WorkItem, fence driver.Fence, ch chan<- *driver.WorkItem) {
	g.mu.Lock()
	g.Commits = append(g.Commits, CommitRecord{Queue: q, Work: wk})
	g.mu.Unlock()
	if fence != nil {
		fence.Reset()
		if f, ok := fence.(*Fence); ok {
			f.Signal()
		}
	}
	ch <- wk
}

func (g *GPU) NewCmdBuffer(q driver.QueueType) (driver.CmdBuffer, error) {
	cb := &CmdBuffer{Queue: q}
	g.mu.Lock()
	g.cmdBufs = append(g.cmdBufs, cb)
	g.mu.Unlock()
	return cb, nil
}

func (g *GPU) NewSemaphore() (driver.Semaphore, error) { return &Semaphore{}, nil }

func (g *GPU) NewFence(signaled bool) (driver.Fence, error) { return NewFence(signaled), nil }

func (g *GPU) NewRenderPass(att []driver.Attachment, sub []driver.Subpass) (driver.RenderPass, error) {
	return &RenderPass{att: att, sub: sub}, nil
}

func (g *GPU) NewShaderCode(data []byte) (driver.ShaderCode, error) { return &ShaderCode{}, nil }

func (g *GPU) NewDescHeap(ds []driver.Descriptor) (driver.DescHeap, error) { return &DescHeap{}, nil }

func (g *GPU) NewDescTable(dh []driver.DescHeap) (driver.DescTable, error) { return &DescTable{}, nil }

func (g *GPU) NewPipeline(state any) (driver.Pipeline, error) { return &Pipeline{}, nil }

func (g *GPU) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	return &Buffer{data: make([]byte, size), visible: visible, usage: usg}, nil
}

func (g *GPU) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	return &Image{Format: pf, Size: size, Layers: layers, Levels: levels, Samples: samples, Usage: usg}, nil
}

func (g *GPU) NewSampler(spln *driver.Sampling) (driver.Sampler, error) { return &Sampler{}, nil }

func (g *GPU) HeapAllocator() driver.HeapAllocator { return g.heapAlc }

// CmdBufs returns every command buffer created so far, in creation
// order, for a test that wants to inspect recorded Log entries.
func (g *GPU) CmdBufs() []*CmdBuffer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*CmdBuffer(nil), g.cmdBufs...)
}

func (g *GPU) Limits() driver.Limits { return g.limits }
