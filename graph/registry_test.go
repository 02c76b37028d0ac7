// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"testing"

	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/graph/graphtest"
)

func newTestGraph() (*graphtest.GPU, *Graph) {
	gpu := graphtest.New(driver.Limits{HeapTier: driver.HeapTier2})
	return gpu, NewGraph(gpu, driver.QGraphics)
}

func TestCreateBufferAndTexture(t *testing.T) {
	_, g := newTestGraph()
	b := g.CreateBuffer(BufferDesc{Size: 256, Usage: driver.UCopyDst}, "buf0")
	tex := g.CreateTexture(TextureDesc{Format: driver.RGBA8un, Width: 64, Height: 64}, "tex0")

	if b.idx != 0 {
		t.Fatalf("expected buffer index 0, got %d", b.idx)
	}
	if tex.idx != 1 {
		t.Fatalf("expected texture index 1 (shared counter), got %d", tex.idx)
	}
	if g.buffers[1] != nil {
		t.Fatalf("parallel-tables invariant violated: buffers[1] should be nil")
	}
	if g.textures[0] != nil {
		t.Fatalf("parallel-tables invariant violated: textures[0] should be nil")
	}
}

func TestRegisterExternalBufferIdempotent(t *testing.T) {
	_, g := newTestGraph()
	buf := &graphtest.Buffer{}
	in := ExternalBufferState{Stages: driver.SComputeShading, Access: driver.AShaderRead}

	r1, err := g.RegisterExternalBuffer(buf, BufferDesc{Size: 64}, "ext", in)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := g.RegisterExternalBuffer(buf, BufferDesc{Size: 64}, "ext", in)
	if err != nil {
		t.Fatal(err)
	}
	if r1.idx != r2.idx {
		t.Fatalf("re-registration of the same handle should return the same index, got %d and %d", r1.idx, r2.idx)
	}
	if len(g.buffers) != 1 {
		t.Fatalf("re-registration should not create a duplicate resource, have %d buffers", len(g.buffers))
	}
}

func TestRegisterExternalBufferConflictingReadOnly(t *testing.T) {
	_, g := newTestGraph()
	buf := &graphtest.Buffer{}
	in := ExternalBufferState{}
	if _, err := g.RegisterExternalBuffer(buf, BufferDesc{Size: 64}, "ext", in); err != nil {
		t.Fatal(err)
	}
	img := &graphtest.Image{}
	_ = img
	if _, err := g.registerExternalBuffer(buf, BufferDesc{Size: 64}, "ext", in, true); err == nil {
		t.Fatal("expected ConfigError re-registering with a different read-only mode")
	}
}

func TestRegisterSwapchainTextureOnce(t *testing.T) {
	_, g := newTestGraph()
	sc := graphtest.NewSwapchain(2)
	desc := TextureDesc{Format: driver.RGBA8un, Width: 640, Height: 480}
	if _, err := g.RegisterSwapchainTexture(sc, 0, desc, "backbuffer"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.RegisterSwapchainTexture(sc, 0, desc, "backbuffer2"); err == nil {
		t.Fatal("expected ConfigError registering a second swapchain texture")
	}
}

func TestRegisterTLASWrongGraph(t *testing.T) {
	_, g1 := newTestGraph()
	_, g2 := newTestGraph()
	b := g1.CreateBuffer(BufferDesc{Size: 128, Usage: driver.UAccelStruct}, "as")
	if _, err := g2.RegisterTLAS(nil, b); err == nil {
		t.Fatal("expected ConfigError registering a TLAS against a buffer from another graph")
	}
}

func TestRegisterTLASBacking(t *testing.T) {
	_, g := newTestGraph()
	b := g.CreateBuffer(BufferDesc{Size: 128, Usage: driver.UAccelStruct}, "as")
	tlas, err := g.RegisterTLAS("opaque-handle", b)
	if err != nil {
		t.Fatal(err)
	}
	if tlas.Backing().idx != b.idx {
		t.Fatalf("TLAS.Backing() should return the original buffer ref")
	}
}
