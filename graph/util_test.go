// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"testing"

	"github.com/gviegas/rgraph/driver"
	"github.com/gviegas/rgraph/graph/graphtest"
)

func TestAddClearBufferPassRecordsFill(t *testing.T) {
	gpu, g := newTestGraph()
	dst := g.CreateBuffer(BufferDesc{Size: 256, Usage: driver.UCopyDst}, "dst")
	if _, err := AddClearBufferPass(g, driver.QGraphics, "clear", dst, 0, 0xAB, 256); err != nil {
		t.Fatal(err)
	}
	if err := NewExecutor(gpu).Execute(g); err != nil {
		t.Fatal(err)
	}
	if !hasOp(gpu, "Fill") {
		t.Fatal("expected the clear pass to record a Fill call")
	}
}

func TestAddCopyTexturePassRecordsCopyImage(t *testing.T) {
	gpu, g := newTestGraph()
	src := g.CreateTexture(TextureDesc{Format: driver.RGBA8un, Width: 8, Height: 8, Usage: driver.UCopySrc}, "src")
	dst := g.CreateTexture(TextureDesc{Format: driver.RGBA8un, Width: 8, Height: 8, Usage: driver.UCopyDst}, "dst")
	size := driver.Dim3D{Width: 8, Height: 8, Depth: 1}
	if _, err := AddCopyTexturePass(g, driver.QGraphics, "copy", dst, src, Subresource{}, Subresource{}, size); err != nil {
		t.Fatal(err)
	}
	if err := NewExecutor(gpu).Execute(g); err != nil {
		t.Fatal(err)
	}
	if !hasOp(gpu, "CopyImage") {
		t.Fatal("expected the copy-texture pass to record a CopyImage call")
	}
}

func TestAddClearTexturePassDepthStencil(t *testing.T) {
	gpu, g := newTestGraph()
	dst := g.CreateTexture(TextureDesc{
		Format: driver.D32f, Width: 8, Height: 8, Usage: driver.URenderTarget,
	}, "depth")
	if _, err := AddClearTexturePass(g, driver.QGraphics, "clear-depth", dst, Subresource{Aspect: AspectDepth}, driver.ClearValue{}); err != nil {
		t.Fatal(err)
	}
	if err := NewExecutor(gpu).Execute(g); err != nil {
		t.Fatal(err)
	}
	if !hasOp(gpu, "BeginPass") || !hasOp(gpu, "EndPass") {
		t.Fatal("expected the clear-texture pass to record a BeginPass/EndPass pair")
	}
}

func hasOp(gpu *graphtest.GPU, op string) bool {
	for _, cb := range gpu.CmdBufs() {
		for _, c := range cb.Log {
			if c.Op == op {
				return true
			}
		}
	}
	return false
}
