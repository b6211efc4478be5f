// Package vdisplay routes and synchronizes graphics buffers for virtual
// displays: outputs such as screen recording, wireless mirroring, or a
// secondary render target that are driven through the same buffer-queue
// producer interface as real hardware displays.
//
// # Overview
//
// A Surface sits between an upstream renderer (the GPU composition path),
// the hardware composer, and an externally supplied sink (for example a
// recording pipe's buffer queue). Depending on how a frame is composed
// (pure GPU, pure hardware composer, or a mix of both) it transparently
// multiplexes buffers from two sources into one producer-visible slot
// space:
//
//   - the sink's own queue, for buffers that end up at the sink directly
//   - an internally owned scratch pool of intermediate buffers, used when
//     GPU output still has to pass through the hardware composer
//
// Per frame the display server drives the sequence
//
//	s.PrepareFrame(ct)   // declare the composition strategy
//	// GPU path dequeues, renders, queues through s.Producer()
//	s.AdvanceFrame()     // hand framebuffer + output buffer to the composer
//	s.FrameCommitted()   // collect composer fences, recycle buffers
//
// Fences model GPU and composer asynchrony: the Surface only forwards
// them, it never waits on one.
//
// # Quick Start
//
//	sink := bufq.New(nil)
//	sink.SetDefaultBufferSize(1280, 720)
//
//	vd, err := vdisplay.New(composer, displayID, sink, "screenrecord")
//	if err != nil {
//	    // ...
//	}
//	producer := vd.Producer() // hand to the upstream renderer
//
// # Architecture
//
// The module is organized into:
//   - Public API: Surface, CompositionType, Options (this package)
//   - bufq: the generic producer/consumer buffer queue and buffer handles
//   - fence: one-shot synchronization tokens
//   - hwc: the hardware composer contract (plus hwctest fakes)
//   - gpualloc: HAL-texture-backed buffer allocation
//   - imagesink: a software sink consuming frames into image.RGBA
package vdisplay
