// Package hwc defines the hardware composer contract used by the virtual
// display core.
//
// The core holds only a borrowed reference to a Composer; it never manages
// the composer's lifetime or scheduling. All calls are keyed by a stable
// DisplayID assigned when the display is created. A negative DisplayID
// means the display has no hardware composer backing at all, which
// disables the core's frame state machine and connects the producer
// straight through to the sink.
package hwc

import (
	"github.com/gogpu/vdisplay/bufq"
	"github.com/gogpu/vdisplay/fence"
)

// DisplayID identifies a display to the hardware composer. Negative values
// mean "no composer backing".
type DisplayID int32

// Valid reports whether the ID names a composer-backed display.
func (id DisplayID) Valid() bool { return id >= 0 }

// Composer is the hardware composer as seen by the virtual display core.
//
// PostFramebuffer and SetOutputBuffer hand the composer the buffer it
// composites from and the buffer it writes the composited result into; for
// composer-only frames these may be the same buffer. The fences passed in
// gate the composer's access, and the fences retrieved afterwards gate the
// next user's access; no call blocks on a fence.
type Composer interface {
	// PostFramebuffer sets the framebuffer for the display. f signals when
	// the buffer's producer has finished writing it.
	PostFramebuffer(display DisplayID, f *fence.Fence, buf *bufq.Buffer) error

	// SetOutputBuffer sets the buffer the composited output is written
	// into. f signals when the buffer is safe to write.
	SetOutputBuffer(display DisplayID, f *fence.Fence, buf *bufq.Buffer) error

	// ReleaseFence returns a fence that signals when the composer is done
	// reading the current framebuffer. Retrieval resets it.
	ReleaseFence(display DisplayID) *fence.Fence

	// RetireFence returns a fence that signals when the composer has
	// finished writing the display's output for the committed frame.
	RetireFence(display DisplayID) *fence.Fence
}
