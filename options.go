package vdisplay

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/vdisplay/bufq"
)

// Option configures a Surface during creation.
//
// Example:
//
//	// Default scratch pool (CPU-backed, two buffers deep)
//	vd, err := vdisplay.New(composer, id, sink, "recording")
//
//	// GPU-backed scratch buffers and a deeper pool
//	vd, err := vdisplay.New(composer, id, sink, "recording",
//	    vdisplay.WithScratchAllocator(halAlloc),
//	    vdisplay.WithScratchDepth(3))
type Option func(*surfaceOptions)

// surfaceOptions holds optional configuration for Surface creation.
type surfaceOptions struct {
	scratchDepth int
	allocator    bufq.Allocator
	observer     func(ProtocolViolation)
	extraUsage   gputypes.TextureUsage
}

// defaultOptions returns the default surface options.
func defaultOptions() surfaceOptions {
	return surfaceOptions{
		scratchDepth: 2, // one in flight at the composer, one being rendered
	}
}

// WithScratchDepth sets the maximum number of buffers in the scratch
// pool. The default of two covers one buffer at the composer while the
// next is rendered.
func WithScratchDepth(n int) Option {
	return func(o *surfaceOptions) {
		o.scratchDepth = n
	}
}

// WithScratchAllocator sets the allocator backing the scratch pool. Use
// this to allocate scratch buffers as GPU textures, e.g. via gpualloc.
// The default is the CPU allocator.
func WithScratchAllocator(a bufq.Allocator) Option {
	return func(o *surfaceOptions) {
		o.allocator = a
	}
}

// WithProtocolObserver installs a callback invoked for every producer
// protocol violation the surface observes. Violations are non-fatal; the
// observer exists so orchestration bugs surface in tests and diagnostics
// rather than passing silently.
func WithProtocolObserver(fn func(ProtocolViolation)) Option {
	return func(o *surfaceOptions) {
		o.observer = fn
	}
}

// WithUsage adds usage bits to every buffer the surface dequeues, on top
// of the composer-readable bits it always requests.
func WithUsage(usage gputypes.TextureUsage) Option {
	return func(o *surfaceOptions) {
		o.extraUsage = usage
	}
}
