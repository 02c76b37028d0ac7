// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import "github.com/gviegas/rgraph/driver"

// writeMask is the set of Access bits that count as a write for
// barrier-minimality purposes.
const writeMask = driver.AColorWrite | driver.ADSWrite | driver.AResolveWrite |
	driver.ACopyWrite | driver.AShaderWrite | driver.AAnyWrite

func isWrite(a driver.Access) bool { return a&writeMask != 0 }

// mergeDecl unions two uses of the same subresource declared by
// the same pass. It reports an error if the uses require
// different layouts (only meaningful for textures; a buffer use's
// Layout is always the zero value).
func mergeDecl(dst *UseDecl, add UseDecl, isTexture bool) error {
	if isTexture && dst.Layout != add.Layout && dst.Stages != 0 {
		return newErrf(ConfigError, "conflicting layouts for the same subresource in one pass")
	}
	dst.Stages |= add.Stages
	dst.Access |= add.Access
	dst.Layout = add.Layout
	dst.Write = dst.Write || add.Write
	return nil
}

// needsEdge decides whether an implicit predecessor edge is
// required between two passes that use the same subresource in
// creation order, per compiler step 2.
func needsEdge(prev, next UseDecl, prevQueue, nextQueue driver.QueueType, isTexture bool) bool {
	if prev.Write || next.Write {
		return true
	}
	if isTexture && prev.Layout != next.Layout {
		return true
	}
	if prevQueue != nextQueue {
		return true
	}
	return false
}

// noopTransition reports whether moving from prev to next requires
// no barrier at all: both are reads, same stages, same layout.
func noopTransition(prev, next UseDecl, isTexture bool) bool {
	if prev.Write || next.Write {
		return false
	}
	if prev.Stages != next.Stages {
		return false
	}
	if isTexture && prev.Layout != next.Layout {
		return false
	}
	return true
}

// buildBarrier constructs the memory barrier moving a subresource
// from prev to next. srcQueue and dstQueue are equal for an
// ordinary same-queue barrier; a cross-queue release/acquire pair
// passes the donor's and recipient's queues so the two halves carry
// matching queue indices.
func buildBarrier(prev, next UseDecl, srcQueue, dstQueue driver.QueueType) driver.Barrier {
	return driver.Barrier{
		SyncBefore:   prev.Stages,
		SyncAfter:    next.Stages,
		AccessBefore: prev.Access,
		AccessAfter:  next.Access,
		SrcQueue:     srcQueue,
		DstQueue:     dstQueue,
	}
}

// buildTransition constructs the layout transition moving a
// texture subresource from prev to next. view may be nil if the
// caller has not yet resolved a per-subresource view; the
// executor fills it in at emission time.
func buildTransition(prev, next UseDecl, prevLayout driver.Layout, srcQueue, dstQueue driver.QueueType) driver.Transition {
	return driver.Transition{
		Barrier:      buildBarrier(prev, next, srcQueue, dstQueue),
		LayoutBefore: prevLayout,
		LayoutAfter:  next.Layout,
	}
}
