// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"testing"

	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/graph/graphtest"
)

func TestExecuteSimpleCopyGraph(t *testing.T) {
	gpu, g := newTestGraph()
	src := g.CreateBuffer(BufferDesc{Size: 256, Usage: driver.UCopySrc}, "src")
	dst := g.CreateBuffer(BufferDesc{Size: 256, Usage: driver.UCopyDst}, "dst")
	if _, err := AddCopyBufferPass(g, driver.QGraphics, "copy", dst, src, 0, 0, 256); err != nil {
		t.Fatal(err)
	}

	if err := NewExecutor(gpu).Execute(g); err != nil {
		t.Fatal(err)
	}
	if len(gpu.Commits) != 1 {
		t.Fatalf("expected a single submission group, got %d commits", len(gpu.Commits))
	}
}

func TestExecuteSwapchainPresent(t *testing.T) {
	gpu, g := newTestGraph()
	sc := graphtest.NewSwapchain(2)
	tex, err := g.RegisterSwapchainTexture(sc, 0, TextureDesc{
		Format: driver.RGBA8un, Width: 16, Height: 16, Usage: driver.URenderTarget,
	}, "backbuffer")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := AddClearTexturePass(g, driver.QGraphics, "clear", tex, Subresource{}, driver.ClearValue{}); err != nil {
		t.Fatal(err)
	}

	if err := NewExecutor(gpu).Execute(g); err != nil {
		t.Fatal(err)
	}
	if len(gpu.Commits) != 1 {
		t.Fatalf("expected a single submission group, got %d", len(gpu.Commits))
	}
	wk := gpu.Commits[0].Work
	if len(wk.Wait) != 1 {
		t.Fatalf("expected the group to wait on the swapchain's acquire semaphore, got %d waits", len(wk.Wait))
	}
	if len(wk.Signal) != 1 {
		t.Fatalf("expected the group to signal the swapchain's present semaphore, got %d signals", len(wk.Signal))
	}
}

func TestExecuteTransientResourcesAlias(t *testing.T) {
	gpu, g := newTestGraph()
	allocator := NewAllocator(gpu, DefaultAllocatorConfig)
	if allocator == nil {
		t.Fatal("expected a non-nil Allocator for a GPU that supports placed resources")
	}
	g.SetAllocator(allocator)

	a := g.CreateBuffer(BufferDesc{Size: 1024, Usage: driver.UShaderRead | driver.UShaderWrite}, "a")
	b := g.CreateBuffer(BufferDesc{Size: 1024, Usage: driver.UShaderRead | driver.UShaderWrite}, "b")

	p1 := g.CreatePass("produce-a", driver.QCompute)
	if err := p1.Use(a, CS_RWBuffer_WriteOnly); err != nil {
		t.Fatal(err)
	}
	p1.SetCallback(func(ctx *ExecContext) error { return nil })

	p2 := g.CreatePass("consume-a", driver.QCompute)
	if err := p2.Use(a, CS_Buffer); err != nil {
		t.Fatal(err)
	}
	p2.SetCallback(func(ctx *ExecContext) error { return nil })

	p3 := g.CreatePass("produce-b", driver.QCompute)
	if err := p3.Use(b, CS_RWBuffer_WriteOnly); err != nil {
		t.Fatal(err)
	}
	p3.SetCallback(func(ctx *ExecContext) error { return nil })
	if err := p3.DependsOn(p2); err != nil {
		t.Fatal(err)
	}

	if err := NewExecutor(gpu).Execute(g); err != nil {
		t.Fatal(err)
	}
	if g.buffers[a.idx].placed == nil || g.buffers[b.idx].placed == nil {
		t.Fatal("expected both internal buffers to receive a transient placement")
	}
	if g.buffers[a.idx].placed.alloc != g.buffers[b.idx].placed.alloc ||
		g.buffers[a.idx].placed.offset != g.buffers[b.idx].placed.offset {
		t.Fatal("expected a's and b's non-overlapping lifetimes to alias the same memory")
	}
}

func TestExecuteExternalCallbackError(t *testing.T) {
	gpu, g := newTestGraph()
	buf := g.CreateBuffer(BufferDesc{Size: 64, Usage: driver.UShaderRead}, "buf")
	p := g.CreatePass("fails", driver.QGraphics)
	if err := p.Use(buf, CS_Buffer); err != nil {
		t.Fatal(err)
	}
	wantErr := newErr(ConfigError, "boom")
	p.SetCallback(func(ctx *ExecContext) error { return wantErr })

	err := NewExecutor(gpu).Execute(g)
	if err == nil {
		t.Fatal("expected the pass callback's error to propagate from Execute")
	}
}
