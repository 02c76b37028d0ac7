// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import "github.com/gviegas/rgraph/driver"

// This file is a small library of utility passes covering the copy
// and clear operations most graphs need somewhere in their frame,
// so callers rarely have to hand-write CmdBuffer recording for the
// common case. Every AddX function returns the created *Pass so
// the caller can still add explicit predecessor edges or a signal
// fence to it.

// AddClearBufferPass adds a pass that fills size bytes of dst,
// starting at off, with copies of value. off and size must be
// aligned to 4 bytes, per CmdBuffer.Fill.
func AddClearBufferPass(g *Graph, queue driver.QueueType, name string, dst BufferRef, off int64, value byte, size int64) (*Pass, error) {
	p := g.CreatePass(name, queue)
	if err := p.Use(dst, ClearDst); err != nil {
		return nil, err
	}
	p.SetCallback(func(ctx *ExecContext) error {
		cb := ctx.CmdBuffer()
		cb.BeginBlit(false)
		cb.Fill(ctx.Buffer(dst), off, value, size)
		cb.EndBlit()
		return nil
	})
	return p, nil
}

// AddCopyBufferPass adds a pass that copies size bytes from src
// (at srcOff) to dst (at dstOff).
func AddCopyBufferPass(g *Graph, queue driver.QueueType, name string, dst, src BufferRef, dstOff, srcOff, size int64) (*Pass, error) {
	p := g.CreatePass(name, queue)
	if err := p.Use(src, CopySrc); err != nil {
		return nil, err
	}
	if err := p.Use(dst, CopyDst); err != nil {
		return nil, err
	}
	p.SetCallback(func(ctx *ExecContext) error {
		cb := ctx.CmdBuffer()
		cb.BeginBlit(false)
		cb.CopyBuffer(&driver.BufferCopy{From: ctx.Buffer(src), FromOff: srcOff, To: ctx.Buffer(dst), ToOff: dstOff, Size: size})
		cb.EndBlit()
		return nil
	})
	return p, nil
}

// AddCopyTexturePass adds a pass that copies one subresource range
// of src into dst. Both subresources must share format and extent;
// the driver performs no scaling.
func AddCopyTexturePass(g *Graph, queue driver.QueueType, name string, dst, src TextureRef, dstSub, srcSub Subresource, size driver.Dim3D) (*Pass, error) {
	p := g.CreatePass(name, queue)
	if err := p.UseSub(src, srcSub, copySrcTex); err != nil {
		return nil, err
	}
	if err := p.UseSub(dst, dstSub, copyDstTex); err != nil {
		return nil, err
	}
	p.SetCallback(func(ctx *ExecContext) error {
		cb := ctx.CmdBuffer()
		cb.BeginBlit(false)
		cb.CopyImage(&driver.ImageCopy{
			From:      ctx.Texture(src),
			FromLayer: srcSub.Layer,
			FromLevel: srcSub.Mip,
			To:        ctx.Texture(dst),
			ToLayer:   dstSub.Layer,
			ToLevel:   dstSub.Mip,
			Size:      size,
			Layers:    1,
		})
		cb.EndBlit()
		return nil
	})
	return p, nil
}

// copySrcTex/copyDstTex carry the same stages, access, layout and
// required usage flag as CopySrc/CopyDst in pass.go, but are
// restricted to texture targets.
var (
	copySrcTex = UseKind{name: "CopySrcTex", stages: driver.SCopy, access: driver.ACopyRead, layout: driver.LCopySrc, needs: driver.UCopySrc, texture: true}
	copyDstTex = UseKind{name: "CopyDstTex", stages: driver.SCopy, access: driver.ACopyWrite, layout: driver.LCopyDst, needs: driver.UCopyDst, texture: true}
)

// AddBlitTexturePass is an alias for AddCopyTexturePass: the driver
// this render graph targets has no scaling blit command, only an
// extent-preserving image copy, so a "blit" between same-sized
// subresources is exactly a copy.
func AddBlitTexturePass(g *Graph, queue driver.QueueType, name string, dst, src TextureRef, dstSub, srcSub Subresource, size driver.Dim3D) (*Pass, error) {
	return AddCopyTexturePass(g, queue, name, dst, src, dstSub, srcSub, size)
}

// AddClearTexturePass adds a pass that clears sub of dst to clear,
// via a single-attachment render pass with a clear load op. It is
// valid for both color and depth/stencil formats.
func AddClearTexturePass(g *Graph, queue driver.QueueType, name string, dst TextureRef, sub Subresource, clear driver.ClearValue) (*Pass, error) {
	g.mu.Lock()
	desc := g.textures[dst.idx].desc
	g.mu.Unlock()

	color := !isDepthStencilFormat(desc.Format)
	kind := RenderTarget
	if !color {
		kind = DepthStencilReadWrite
	}

	p := g.CreatePass(name, queue)
	if err := p.UseSub(dst, sub, kind); err != nil {
		return nil, err
	}
	p.SetCallback(func(ctx *ExecContext) error {
		view, err := ctx.TextureView(dst, sub)
		if err != nil {
			return err
		}
		samples := desc.Samples
		if samples == 0 {
			samples = 1
		}
		att := driver.Attachment{
			Format:  desc.Format,
			Samples: samples,
			Load:    [2]driver.LoadOp{driver.LClear, driver.LDontCare},
			Store:   [2]driver.StoreOp{driver.SStore, driver.SDontCare},
		}
		subp := driver.Subpass{DS: -1}
		if color {
			subp.Color = []int{0}
		} else {
			subp.DS = 0
		}
		rp, err := ctx.GPU().NewRenderPass([]driver.Attachment{att}, []driver.Subpass{subp})
		if err != nil {
			return wrapBackendErr(name, err)
		}
		defer rp.Destroy()
		fb, err := rp.NewFB([]driver.ImageView{view}, desc.Width, desc.Height, 1)
		if err != nil {
			return wrapBackendErr(name, err)
		}
		defer fb.Destroy()

		cb := ctx.CmdBuffer()
		cb.BeginPass(rp, fb, []driver.ClearValue{clear})
		cb.EndPass()
		return nil
	})
	return p, nil
}

// AddDummyPass adds a pass with no callback, useful for building
// barrier-only scaffolding in tests: a pass that declares uses (and
// therefore participates in the barrier walk and topological sort)
// without recording any commands of its own.
func AddDummyPass(g *Graph, queue driver.QueueType, name string) *Pass {
	return g.CreatePass(name, queue)
}
