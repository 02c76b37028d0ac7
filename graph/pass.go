// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import "github.com/gviegas/rgraph/driver"

// UseKind is one of the standard, closed set of use declarations
// a caller may draw from. Each UseKind lowers to a fixed
// (stages, accesses, layout) triple and names the usage flag the
// target resource must have declared at creation time.
type UseKind struct {
	name    string
	stages  driver.Sync
	access  driver.Access
	layout  driver.Layout
	needs   driver.Usage
	texture bool // true if only valid against a TextureRef.
	buffer  bool // true if only valid against a BufferRef.
}

func (k UseKind) String() string { return k.name }

// write reports whether k's access mask includes any write kind.
func (k UseKind) write() bool {
	const writeMask = driver.AColorWrite | driver.ADSWrite | driver.AResolveWrite |
		driver.ACopyWrite | driver.AShaderWrite | driver.AAnyWrite
	return k.access&writeMask != 0
}

// Standard UseDecl constants. Every pass use a caller declares
// draws from this closed set.
var (
	CopySrc  = UseKind{name: "CopySrc", stages: driver.SCopy, access: driver.ACopyRead, layout: driver.LCopySrc, needs: driver.UCopySrc}
	CopyDst  = UseKind{name: "CopyDst", stages: driver.SCopy, access: driver.ACopyWrite, layout: driver.LCopyDst, needs: driver.UCopyDst}
	ClearDst = UseKind{name: "ClearDst", stages: driver.SCopy, access: driver.ACopyWrite, layout: driver.LCopyDst, needs: driver.UCopyDst}

	VertexBuffer = UseKind{name: "VertexBuffer", stages: driver.SVertexInput, access: driver.AVertexBufRead, needs: driver.UVertexData, buffer: true}
	IndexBuffer  = UseKind{name: "IndexBuffer", stages: driver.SVertexInput, access: driver.AIndexBufRead, needs: driver.UIndexData, buffer: true}
	IndirectArg  = UseKind{name: "IndirectArg", stages: driver.SDraw, access: driver.AAnyRead, needs: driver.UShaderRead, buffer: true}

	VS_StructuredBuffer = UseKind{name: "VS_StructuredBuffer", stages: driver.SVertexShading, access: driver.AShaderRead, needs: driver.UShaderRead, buffer: true}
	PS_Texture          = UseKind{name: "PS_Texture", stages: driver.SFragmentShading, access: driver.AShaderRead, layout: driver.LShaderRead, needs: driver.UShaderSample, texture: true}

	CS_Buffer                       = UseKind{name: "CS_Buffer", stages: driver.SComputeShading, access: driver.AShaderRead, needs: driver.UShaderRead, buffer: true}
	CS_RWBuffer_WriteOnly           = UseKind{name: "CS_RWBuffer_WriteOnly", stages: driver.SComputeShading, access: driver.AShaderWrite, needs: driver.UShaderWrite, buffer: true}
	CS_RWStructuredBuffer_WriteOnly = UseKind{name: "CS_RWStructuredBuffer_WriteOnly", stages: driver.SComputeShading, access: driver.AShaderWrite, needs: driver.UShaderWrite, buffer: true}
	CS_RWTexture                    = UseKind{name: "CS_RWTexture", stages: driver.SComputeShading, access: driver.AShaderRead | driver.AShaderWrite, layout: driver.LCommon, needs: driver.UShaderWrite, texture: true}

	ColorAttachmentReadOnly  = UseKind{name: "ColorAttachmentReadOnly", stages: driver.SColorOutput, access: driver.AColorRead, layout: driver.LColorTarget, needs: driver.URenderTarget, texture: true}
	ColorAttachmentWriteOnly = UseKind{name: "ColorAttachmentWriteOnly", stages: driver.SColorOutput, access: driver.AColorWrite, layout: driver.LColorTarget, needs: driver.URenderTarget, texture: true}
	DepthStencilReadOnly     = UseKind{name: "DepthStencilReadOnly", stages: driver.SDSOutput, access: driver.ADSRead, layout: driver.LDSRead, needs: driver.URenderTarget, texture: true}
	DepthStencilReadWrite    = UseKind{name: "DepthStencilReadWrite", stages: driver.SDSOutput, access: driver.ADSRead | driver.ADSWrite, layout: driver.LDSTarget, needs: driver.URenderTarget, texture: true}
	RenderTarget             = UseKind{name: "RenderTarget", stages: driver.SColorOutput, access: driver.AColorWrite, layout: driver.LColorTarget, needs: driver.URenderTarget, texture: true}

	RayTracing_ReadAS = UseKind{name: "RayTracing_ReadAS", stages: driver.SComputeShading, access: driver.AShaderRead, needs: driver.UAccelStruct, buffer: true}
	BuildAS_Scratch   = UseKind{name: "BuildAS_Scratch", stages: driver.SComputeShading, access: driver.AShaderRead | driver.AShaderWrite, needs: driver.UASScratch, buffer: true}
	BuildAS_Output    = UseKind{name: "BuildAS_Output", stages: driver.SComputeShading, access: driver.AShaderWrite, needs: driver.UAccelStruct, buffer: true}
)

// UseDecl is the normalized use a pass declares against one
// subresource (or the ALL wildcard, before step 1 of compilation
// expands it). It is produced internally by Pass.Use/UseSub; most
// callers only ever construct a UseKind.
type UseDecl struct {
	Stages driver.Sync
	Access driver.Access
	Layout driver.Layout
	Write  bool
}

// subKey identifies one subresource-or-ALL target within a pass's
// use list: either a buffer (always whole-resource) or a texture
// subresource, or the ALL wildcard over every subresource of a
// texture.
type subKey struct {
	texture bool
	index   int
	all     bool
	sub     Subresource
}

type rawUse struct {
	key  subKey
	kind UseKind
	decl UseDecl
}

// Pass is a single node of the render graph: a name, the queue it
// binds to, its declared resource uses, explicit predecessor
// edges, a callback, and an optional signal fence.
type Pass struct {
	g     *Graph
	index int
	name  string
	queue driver.QueueType
	label *LabelNode

	useOrd []rawUse // insertion order, preserved for step-1 normalization diagnostics.

	preds     []*Pass // explicit predecessors.
	callback  func(*ExecContext) error
	signalFence driver.Fence
}

// Name returns the pass's name.
func (p *Pass) Name() string { return p.name }

// Queue returns the queue the pass is bound to.
func (p *Pass) Queue() driver.QueueType { return p.queue }

// Index returns the pass's creation-order index within its graph.
func (p *Pass) Index() int { return p.index }

// LabelPath returns the debug-marker nesting the pass was created
// under.
func (p *Pass) LabelPath() []string { return p.label.Path() }

// checkUsage validates that kind may target ref, returning a
// ConfigError describing the mismatch if not. It runs eagerly, at
// declaration time, per SPEC_FULL.md's split between build-time
// and compile-time validation.
func (g *Graph) checkUsage(ref resourceRef, kind UseKind) error {
	if ref.graph() != g {
		return newErr(ConfigError, "use: resource belongs to a different graph")
	}
	if ref.isTexture() {
		if kind.buffer {
			return newErrf(ConfigError, "use %s: requires a buffer, got a texture", kind)
		}
		if ref.index() < 0 || ref.index() >= len(g.textures) || g.textures[ref.index()] == nil {
			return newErr(ConfigError, "use: unknown texture index")
		}
		t := g.textures[ref.index()]
		if kind.write() && t.readOnly {
			return newErrf(ConfigError, "use %s: texture %q is read-only", kind, t.name)
		}
		if kind.needs != 0 && t.desc.Usage&kind.needs == 0 && t.kind != kindSwapchainTexture {
			return newErrf(ConfigError, "use %s: texture %q lacks required usage flag", kind, t.name)
		}
	} else {
		if kind.texture {
			return newErrf(ConfigError, "use %s: requires a texture, got a buffer", kind)
		}
		if ref.index() < 0 || ref.index() >= len(g.buffers) || g.buffers[ref.index()] == nil {
			return newErr(ConfigError, "use: unknown buffer index")
		}
		b := g.buffers[ref.index()]
		if kind.write() && b.readOnly {
			return newErrf(ConfigError, "use %s: buffer %q is read-only", kind, b.name)
		}
		if kind.needs != 0 && b.desc.Usage&kind.needs == 0 {
			return newErrf(ConfigError, "use %s: buffer %q lacks required usage flag", kind, b.name)
		}
	}
	return nil
}

func toDecl(k UseKind) UseDecl {
	return UseDecl{Stages: k.stages, Access: k.access, Layout: k.layout, Write: k.write()}
}

// Use declares that the pass touches every subresource of ref
// under kind. For a buffer this always means the whole buffer;
// for a texture it is the ALL wildcard, expanded into one entry
// per subresource during compilation.
func (p *Pass) Use(ref resourceRef, kind UseKind) error {
	if err := p.g.checkUsage(ref, kind); err != nil {
		return err
	}
	key := subKey{texture: ref.isTexture(), index: ref.index(), all: true}
	p.addUse(key, kind)
	return nil
}

// UseSub declares that the pass touches a single texture
// subresource under kind.
func (p *Pass) UseSub(ref TextureRef, sub Subresource, kind UseKind) error {
	if err := p.g.checkUsage(ref, kind); err != nil {
		return err
	}
	key := subKey{texture: true, index: ref.index(), sub: sub}
	p.addUse(key, kind)
	return nil
}

// UseTLAS declares a read-only use of a TLAS, lowering to
// RayTracing_ReadAS against its backing buffer. A TLAS may only
// ever be referenced via reads; builds are declared with
// MarkASBuild against the backing buffer directly.
func (p *Pass) UseTLAS(ref TLASRef) error {
	return p.Use(ref.Backing(), RayTracing_ReadAS)
}

// MarkASBuild declares the two uses a build-acceleration-structure
// pass needs: a write to output (the backing buffer, via
// BuildAS_Output) and a read/write to scratch (via
// BuildAS_Scratch).
func (p *Pass) MarkASBuild(output, scratch BufferRef) error {
	if err := p.Use(output, BuildAS_Output); err != nil {
		return err
	}
	return p.Use(scratch, BuildAS_Scratch)
}

func (p *Pass) addUse(key subKey, kind UseKind) {
	decl := toDecl(kind)
	p.useOrd = append(p.useOrd, rawUse{key: key, kind: kind, decl: decl})
}

// DependsOn adds an explicit predecessor edge from other to p.
func (p *Pass) DependsOn(other *Pass) error {
	if other.g != p.g {
		return newErr(ConfigError, "depends_on: pass belongs to a different graph")
	}
	p.preds = append(p.preds, other)
	return nil
}

// SetCallback sets the function invoked during execution with a
// context giving access to the open command buffer and the
// resolved physical handles of every resource the pass uses.
func (p *Pass) SetCallback(fn func(*ExecContext) error) {
	p.callback = fn
}

// SetSignalFence binds a fence the executor signals when the
// submission group containing p completes. Setting it on a pass
// introduces a submission-group boundary after p.
func (p *Pass) SetSignalFence(f driver.Fence) {
	p.signalFence = f
}
