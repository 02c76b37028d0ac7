// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"testing"

	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/graph/graphtest"
)

func TestCompileDeterministicTopoOrder(t *testing.T) {
	_, g := newTestGraph()
	buf := g.CreateBuffer(BufferDesc{Size: 64, Usage: driver.UShaderRead | driver.UShaderWrite}, "buf")

	var names []string
	for i := 0; i < 4; i++ {
		p := g.CreatePass(string(rune('a'+i)), driver.QGraphics)
		if err := p.Use(buf, CS_RWBuffer_WriteOnly); err != nil {
			t.Fatal(err)
		}
		names = append(names, p.name)
	}

	pl, err := g.compile()
	if err != nil {
		t.Fatal(err)
	}
	if len(pl.order) != 4 {
		t.Fatalf("expected 4 passes in order, got %d", len(pl.order))
	}
	for i, p := range pl.order {
		if p.name != names[i] {
			t.Fatalf("expected creation order %v, got pass %d = %q", names, i, p.name)
		}
	}
}

func TestCompileWriteWriteAlwaysBarriers(t *testing.T) {
	_, g := newTestGraph()
	buf := g.CreateBuffer(BufferDesc{Size: 64, Usage: driver.UShaderRead | driver.UShaderWrite}, "buf")
	p1 := g.CreatePass("p1", driver.QGraphics)
	p2 := g.CreatePass("p2", driver.QGraphics)
	if err := p1.Use(buf, CS_RWBuffer_WriteOnly); err != nil {
		t.Fatal(err)
	}
	if err := p2.Use(buf, CS_RWBuffer_WriteOnly); err != nil {
		t.Fatal(err)
	}

	pl, err := g.compile()
	if err != nil {
		t.Fatal(err)
	}
	if len(pl.pre[p2].mem) != 1 {
		t.Fatalf("expected a barrier between two writes, got %d", len(pl.pre[p2].mem))
	}
}

func TestCompileReadReadSameStageIsNoop(t *testing.T) {
	_, g := newTestGraph()
	buf := g.CreateBuffer(BufferDesc{Size: 64, Usage: driver.UShaderRead}, "buf")
	p1 := g.CreatePass("p1", driver.QGraphics)
	p2 := g.CreatePass("p2", driver.QGraphics)
	if err := p1.Use(buf, CS_Buffer); err != nil {
		t.Fatal(err)
	}
	if err := p2.Use(buf, CS_Buffer); err != nil {
		t.Fatal(err)
	}

	pl, err := g.compile()
	if err != nil {
		t.Fatal(err)
	}
	if len(pl.pre[p2].mem) != 0 {
		t.Fatalf("expected no barrier between two identical reads, got %d", len(pl.pre[p2].mem))
	}
}

func TestCompileTextureLayoutChangeAlwaysBarriers(t *testing.T) {
	_, g := newTestGraph()
	tex := g.CreateTexture(TextureDesc{
		Format: driver.RGBA8un, Width: 4, Height: 4,
		Usage: driver.UShaderSample | driver.URenderTarget,
	}, "t")
	p1 := g.CreatePass("p1", driver.QGraphics)
	p2 := g.CreatePass("p2", driver.QGraphics)
	if err := p1.Use(tex, RenderTarget); err != nil {
		t.Fatal(err)
	}
	if err := p2.Use(tex, PS_Texture); err != nil {
		t.Fatal(err)
	}

	pl, err := g.compile()
	if err != nil {
		t.Fatal(err)
	}
	if len(pl.pre[p2].trans) == 0 {
		t.Fatal("expected a layout transition moving from RenderTarget to PS_Texture")
	}
}

func TestCompileBarrierOrderIsStable(t *testing.T) {
	build := func() *plan {
		_, g := newTestGraph()
		bufs := make([]BufferRef, 6)
		for i := range bufs {
			bufs[i] = g.CreateBuffer(BufferDesc{Size: 64, Usage: driver.UShaderRead | driver.UShaderWrite}, "b")
		}
		p1 := g.CreatePass("writer", driver.QGraphics)
		for _, b := range bufs {
			if err := p1.Use(b, CS_RWBuffer_WriteOnly); err != nil {
				t.Fatal(err)
			}
		}
		p2 := g.CreatePass("reader", driver.QGraphics)
		for _, b := range bufs {
			if err := p2.Use(b, CS_Buffer); err != nil {
				t.Fatal(err)
			}
		}
		pl, err := g.compile()
		if err != nil {
			t.Fatal(err)
		}
		return pl
	}

	first := build()
	for i := 0; i < 20; i++ {
		pl := build()
		if len(pl.pre[pl.order[1]].mem) != len(first.pre[first.order[1]].mem) {
			t.Fatalf("run %d: barrier count for the second pass changed between identically-built graphs", i)
		}
		for j, b := range pl.pre[pl.order[1]].mem {
			want := first.pre[first.order[1]].mem[j]
			if b != want {
				t.Fatalf("run %d: barrier %d differs between identically-built graphs: got %+v, want %+v", i, j, b, want)
			}
		}
	}
}

func TestCompileCrossQueueAlwaysSynchronizes(t *testing.T) {
	_, g := newTestGraph()
	buf := g.CreateBuffer(BufferDesc{Size: 64, Usage: driver.UShaderRead | driver.UShaderWrite}, "buf")
	p1 := g.CreatePass("p1", driver.QCompute)
	p2 := g.CreatePass("p2", driver.QGraphics)
	if err := p1.Use(buf, CS_RWBuffer_WriteOnly); err != nil {
		t.Fatal(err)
	}
	if err := p2.Use(buf, CS_Buffer); err != nil {
		t.Fatal(err)
	}

	pl, err := g.compile()
	if err != nil {
		t.Fatal(err)
	}
	if len(pl.post[p1].mem) != 1 {
		t.Fatalf("expected a release barrier on the producing queue, got %d", len(pl.post[p1].mem))
	}
	if len(pl.pre[p2].mem) != 1 {
		t.Fatalf("expected an acquire barrier on the consuming queue, got %d", len(pl.pre[p2].mem))
	}
	if len(pl.groups) != 2 {
		t.Fatalf("expected two submission groups (one per queue run), got %d", len(pl.groups))
	}
	fromGroup, toGroup := pl.groupOf[p1], pl.groupOf[p2]
	if len(pl.groups[fromGroup].signalSem) != 1 || len(pl.groups[toGroup].waitSem) != 1 {
		t.Fatal("expected a cross-queue semaphore pairing the two groups")
	}
	rel, acq := pl.post[p1].mem[0], pl.pre[p2].mem[0]
	if rel.SrcQueue != driver.QCompute || rel.DstQueue != driver.QGraphics {
		t.Fatalf("expected the release barrier to carry the donor/recipient queues, got %+v", rel)
	}
	if acq.SrcQueue != driver.QCompute || acq.DstQueue != driver.QGraphics {
		t.Fatalf("expected the acquire barrier to carry matching queue indices, got %+v", acq)
	}
}

func TestCompileSwapchainHandshake(t *testing.T) {
	gpu, g := newTestGraph()
	sc := graphtest.NewSwapchain(2)
	tex, err := g.RegisterSwapchainTexture(sc, 0, TextureDesc{Format: driver.RGBA8un, Width: 8, Height: 8, Usage: driver.URenderTarget}, "backbuffer")
	if err != nil {
		t.Fatal(err)
	}
	p := g.CreatePass("present-target", driver.QGraphics)
	if err := p.Use(tex, RenderTarget); err != nil {
		t.Fatal(err)
	}
	_ = gpu

	pl, err := g.compile()
	if err != nil {
		t.Fatal(err)
	}
	gi := pl.groupOf[p]
	if !pl.groups[gi].waitSwapchain {
		t.Fatal("expected the swapchain-using group to wait on the acquire semaphore")
	}
	if !pl.groups[gi].signalSwapchain {
		t.Fatal("expected the swapchain-using group to signal the present semaphore")
	}
	if len(pl.post[p].trans) != 1 {
		t.Fatalf("expected one post-barrier transition to LPresent, got %d", len(pl.post[p].trans))
	}
	if pl.post[p].trans[0].LayoutAfter != driver.LPresent {
		t.Fatal("expected the swapchain's final layout to be LPresent")
	}
}

func TestCompileSwapchainUnusedIsNoop(t *testing.T) {
	gpu, g := newTestGraph()
	sc := graphtest.NewSwapchain(2)
	if _, err := g.RegisterSwapchainTexture(sc, 0, TextureDesc{Format: driver.RGBA8un, Width: 8, Height: 8}, "backbuffer"); err != nil {
		t.Fatal(err)
	}
	// No pass references the swapchain texture at all.
	p := g.CreatePass("unrelated", driver.QGraphics)
	_ = p
	_ = gpu

	if _, err := g.compile(); err != nil {
		t.Fatalf("an attached-but-unused swapchain should compile cleanly: %v", err)
	}
}

func TestCompileSwapchainMultiQueueRejected(t *testing.T) {
	_, g := newTestGraph()
	sc := graphtest.NewSwapchain(2)
	tex, err := g.RegisterSwapchainTexture(sc, 0, TextureDesc{Format: driver.RGBA8un, Width: 8, Height: 8, Usage: driver.URenderTarget}, "backbuffer")
	if err != nil {
		t.Fatal(err)
	}
	p1 := g.CreatePass("p1", driver.QGraphics)
	p2 := g.CreatePass("p2", driver.QCompute)
	if err := p1.Use(tex, RenderTarget); err != nil {
		t.Fatal(err)
	}
	if err := p2.UseSub(tex, Subresource{}, CS_RWTexture); err != nil {
		t.Fatal(err)
	}
	if _, err := g.compile(); err == nil {
		t.Fatal("expected ConfigError: swapchain texture used across more than one queue")
	}
}

func TestCompileCycleIsRejected(t *testing.T) {
	_, g := newTestGraph()
	p1 := g.CreatePass("p1", driver.QGraphics)
	p2 := g.CreatePass("p2", driver.QGraphics)
	if err := p1.DependsOn(p2); err != nil {
		t.Fatal(err)
	}
	if err := p2.DependsOn(p1); err != nil {
		t.Fatal(err)
	}
	if _, err := g.compile(); err == nil {
		t.Fatal("expected TopologyError for a cyclic dependency graph")
	}
}

func TestCompileExternalFlushBack(t *testing.T) {
	_, g := newTestGraph()
	buf := &graphtest.Buffer{}
	ref, err := g.RegisterExternalBuffer(buf, BufferDesc{Size: 64, Usage: driver.UShaderRead | driver.UShaderWrite}, "ext",
		ExternalBufferState{Stages: driver.SComputeShading, Access: driver.AShaderRead})
	if err != nil {
		t.Fatal(err)
	}
	p := g.CreatePass("p", driver.QCompute)
	if err := p.Use(ref, CS_RWBuffer_WriteOnly); err != nil {
		t.Fatal(err)
	}

	pl, err := g.compile()
	if err != nil {
		t.Fatal(err)
	}
	if len(pl.flush) != 1 {
		t.Fatalf("expected one flush-back entry for the external buffer, got %d", len(pl.flush))
	}
	got := g.FinalBufferState(ref)
	if got.Access != driver.AShaderWrite {
		t.Fatalf("expected flushed-back access to reflect the last write, got %v", got.Access)
	}
}
