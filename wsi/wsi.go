// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package wsi provides the minimal window system integration
// (WSI) surface a driver.Presenter needs to create a swapchain.
// Event dispatch, input handling and platform backends live
// outside the render graph core; this package only defines the
// Window interface that a driver.Swapchain presents into.
package wsi

// Window is the interface that defines a drawable window.
// The purpose of a window is to provide a surface into
// which a GPU can draw.
type Window interface {
	// Width returns the window's width, in pixels.
	Width() int

	// Height returns the window's height, in pixels.
	Height() int

	// Title returns the window's title.
	Title() string
}
