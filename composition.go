package vdisplay

// CompositionType classifies which hardware path produces a frame's final
// image. It is declared once per frame by PrepareFrame and drives every
// downstream source and fence decision for that frame.
type CompositionType int

const (
	// CompositionUnknown is the reset value between frames.
	CompositionUnknown CompositionType = iota

	// CompositionGLES means the frame is rendered entirely by the GPU.
	CompositionGLES

	// CompositionHWC means the frame is composed entirely by the hardware
	// composer.
	CompositionHWC

	// CompositionMixed means the GPU renders part of the frame and the
	// hardware composer blends it with the rest.
	CompositionMixed
)

// String returns the composition type name for diagnostics.
func (t CompositionType) String() string {
	switch t {
	case CompositionUnknown:
		return "UNKNOWN"
	case CompositionGLES:
		return "GLES"
	case CompositionHWC:
		return "HWC"
	case CompositionMixed:
		return "MIXED"
	default:
		return "<INVALID>"
	}
}

// source selects which buffer pool backs a producer operation.
type source int

const (
	// sourceSink is the externally supplied sink endpoint.
	sourceSink source = iota

	// sourceScratch is the internally owned pool of intermediate buffers.
	sourceScratch
)

func (s source) String() string {
	switch s {
	case sourceSink:
		return "SINK"
	case sourceScratch:
		return "SCRATCH"
	default:
		return "<INVALID>"
	}
}

// fbSource returns the source the GPU renders into for the given
// composition type. This is the single decision point for where GPU
// output goes when hardware-composer mixing also happens: Mixed frames
// render into the scratch pool, everything else goes to the sink.
func fbSource(t CompositionType) source {
	if t == CompositionMixed {
		return sourceScratch
	}
	return sourceSink
}
