// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/graph/internal/alloc"
)

// ExecContext is passed to every Pass callback during execution. It
// gives the callback access to the open command buffer and the
// resolved physical handles of every resource the pass declared a
// use against.
type ExecContext struct {
	g  *Graph
	cb driver.CmdBuffer
}

// CmdBuffer returns the command buffer currently being recorded.
func (c *ExecContext) CmdBuffer() driver.CmdBuffer { return c.cb }

// Buffer resolves ref to its backend handle.
func (c *ExecContext) Buffer(ref BufferRef) driver.Buffer {
	return c.g.buffers[ref.idx].handle
}

// Texture resolves ref to its backend handle. It returns nil for
// the SwapchainTexture; use TextureView instead.
func (c *ExecContext) Texture(ref TextureRef) driver.Image {
	return c.g.textures[ref.idx].handle
}

// TextureView resolves ref's sub subresource to a view, creating
// and caching it on first use.
func (c *ExecContext) TextureView(ref TextureRef, sub Subresource) (driver.ImageView, error) {
	return c.g.textures[ref.idx].resolveView(sub)
}

// TLAS resolves ref to the opaque handle it was registered with.
func (c *ExecContext) TLAS(ref TLASRef) any {
	return c.g.tlases[ref.idx].handle
}

// GPU returns the backend the executing Graph is bound to, for
// utility passes (see util.go) that need to create transient
// backend objects of their own (a render pass, a framebuffer).
func (c *ExecContext) GPU() driver.GPU {
	return c.g.gpu
}

// Executor walks a Graph's compiled plan and emits a linear command
// stream against a driver.GPU: it instantiates transient resources,
// records every pass in topological order inside its submission
// group, and submits each group with the semaphores and fences the
// compiler attached to it.
type Executor struct {
	gpu driver.GPU
}

// NewExecutor creates an Executor bound to gpu.
func NewExecutor(gpu driver.GPU) *Executor {
	return &Executor{gpu: gpu}
}

// Execute compiles g and runs its plan to completion, blocking
// until every submission group's work has finished on the GPU. It
// is safe to call Execute at most once per Graph.
func (e *Executor) Execute(g *Graph) error {
	pl, err := g.compile()
	if err != nil {
		return err
	}
	if err := e.instantiate(g); err != nil {
		return err
	}
	if err := e.run(g, pl); err != nil {
		return err
	}
	for _, f := range pl.flush {
		log().Debug().
			Bool("texture", f.isTexture).
			Int("index", f.idx).
			Msg("render graph: external resource flushed")
	}
	return nil
}

// instantiate creates the backend handle for every internal
// resource that doesn't have one yet: a placed resource when the
// compiler assigned it a transient placement, a committed one
// otherwise (no Allocator installed, or the GPU reports no
// HeapAllocator).
func (e *Executor) instantiate(g *Graph) error {
	for _, b := range g.buffers {
		if b == nil || b.kind != kindInternalBuffer || b.handle != nil {
			continue
		}
		var (
			buf driver.Buffer
			err error
		)
		if b.placed != nil {
			buf, err = g.gpu.HeapAllocator().NewPlacedBuffer(b.placed.alloc, b.placed.offset, b.desc.Size, b.desc.Usage)
		} else {
			buf, err = g.gpu.NewBuffer(b.desc.Size, b.desc.Host != HostNone, b.desc.Usage)
		}
		if err != nil {
			return wrapBackendErr("<instantiate>", err)
		}
		b.handle = buf
	}
	for _, t := range g.textures {
		if t == nil || t.kind != kindInternalTexture || t.handle != nil {
			continue
		}
		layers, levels, samples := t.desc.ArraySize, t.desc.MipLevels, t.desc.Samples
		if layers == 0 {
			layers = 1
		}
		if levels == 0 {
			levels = 1
		}
		if samples == 0 {
			samples = 1
		}
		size := driver.Dim3D{Width: t.desc.Width, Height: t.desc.Height, Depth: t.desc.Depth}
		var (
			img driver.Image
			err error
		)
		if t.placed != nil {
			img, err = g.gpu.HeapAllocator().NewPlacedImage(t.placed.alloc, t.placed.offset, t.desc.Format, size, layers, levels, samples, t.desc.Usage)
		} else {
			img, err = g.gpu.NewImage(t.desc.Format, size, layers, levels, samples, t.desc.Usage)
		}
		if err != nil {
			return wrapBackendErr("<instantiate>", err)
		}
		t.handle = img
	}
	return nil
}

// emitBatch records b's memory barriers and texture transitions
// into cb, resolving each transition's view on demand.
func emitBatch(g *Graph, cb driver.CmdBuffer, b *passBatch) error {
	if b.empty() {
		return nil
	}
	if len(b.mem) > 0 {
		cb.Barrier(b.mem)
	}
	if len(b.trans) > 0 {
		trans := make([]driver.Transition, len(b.trans))
		for i, tt := range b.trans {
			view, err := g.textures[tt.texIdx].resolveView(tt.sub)
			if err != nil {
				return err
			}
			trans[i] = tt.Transition
			trans[i].IView = view
		}
		cb.Transition(trans)
	}
	return nil
}

// run records and submits every submission group in plan order,
// then schedules every transient resource whose last use falls in
// that group for recycling once the group's fence signals.
func (e *Executor) run(g *Graph, pl *plan) error {
	recyclable := e.groupRecycleLists(g, pl)

	var prevPath []string
	for gi, grp := range pl.groups {
		cb, err := g.gpu.NewCmdBuffer(grp.queue)
		if err != nil {
			return wrapBackendErr("<execute>", err)
		}
		if err := cb.Begin(); err != nil {
			return wrapBackendErr("<execute>", err)
		}

		ctx := &ExecContext{g: g, cb: cb}
		for _, p := range grp.passes {
			path := p.LabelPath()
			logLabelDiff(prevPath, path)
			prevPath = path

			if err := emitBatch(g, cb, pl.pre[p]); err != nil {
				return err
			}
			if p.callback != nil {
				if err := p.callback(ctx); err != nil {
					return &Error{Kind: BackendError, Reason: err.Error(), Pass: p.name}
				}
			}
			if err := emitBatch(g, cb, pl.post[p]); err != nil {
				return err
			}
		}

		if err := cb.End(); err != nil {
			return wrapBackendErr("<execute>", err)
		}

		wait := append([]driver.Semaphore(nil), grp.waitSem...)
		signal := append([]driver.Semaphore(nil), grp.signalSem...)
		if grp.waitSwapchain {
			wait = append(wait, g.textures[g.swapchainIdx].acquireSem)
		}
		if grp.signalSwapchain {
			signal = append(signal, g.textures[g.swapchainIdx].presentSem)
		}

		fence := grp.fence
		if fence == nil && len(recyclable[gi]) > 0 {
			fence, err = g.gpu.NewFence(false)
			if err != nil {
				return wrapBackendErr("<execute>", err)
			}
		}

		done := make(chan *driver.WorkItem, 1)
		g.gpu.Commit(grp.queue, &driver.WorkItem{Work: []driver.CmdBuffer{cb}, Wait: wait, Signal: signal}, fence, done)
		wk := <-done
		if wk.Err != nil {
			return wrapBackendErr("<execute>", wk.Err)
		}

		for _, r := range recyclable[gi] {
			p := r.placement()
			g.allocator.inner.Recycle(p.cat, alloc.Placement{Alloc: p.alloc, Offset: p.offset, Size: p.size}, fence)
		}

		log().Debug().
			Int("group", gi).
			Int("passes", len(grp.passes)).
			Str("queue", queueName(grp.queue)).
			Msg("render graph: submission group committed")
	}
	return nil
}

func queueName(q driver.QueueType) string {
	switch q {
	case driver.QGraphics:
		return "graphics"
	case driver.QCompute:
		return "compute"
	case driver.QCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// logLabelDiff emits open/close log events for the non-common
// suffix between two consecutive passes' label paths, the logging
// analogue of a GPU debug-marker stack: the driver interface this
// render graph targets exposes no marker primitive of its own.
func logLabelDiff(prev, cur []string) {
	l := log()
	common := commonPrefixLen(prev, cur)
	for i := len(prev) - 1; i >= common; i-- {
		l.Debug().Str("group", prev[i]).Msg("render graph: label group closed")
	}
	for i := common; i < len(cur); i++ {
		l.Debug().Str("group", cur[i]).Msg("render graph: label group opened")
	}
}

// placedResource is satisfied by bufferResource and
// textureResource so groupRecycleLists can treat them uniformly.
type placedResource interface {
	placement() *placement
}

func (b *bufferResource) placement() *placement  { return b.placed }
func (t *textureResource) placement() *placement { return t.placed }

// groupRecycleLists partitions every transient (placed) resource
// by the submission-group index of its last use, so run can hand
// each resource's memory back to the allocator as soon as that
// group's fence signals.
func (e *Executor) groupRecycleLists(g *Graph, pl *plan) map[int][]placedResource {
	out := make(map[int][]placedResource)
	if g.allocator == nil {
		return out
	}
	for _, b := range g.buffers {
		if b == nil || b.placed == nil {
			continue
		}
		gi := pl.groupOf[pl.order[b.lastUse]]
		out[gi] = append(out[gi], b)
	}
	for _, t := range g.textures {
		if t == nil || t.placed == nil {
			continue
		}
		gi := pl.groupOf[pl.order[t.lastUse]]
		out[gi] = append(out[gi], t)
	}
	return out
}
