package vdisplay

import (
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/vdisplay/bufq"
	"github.com/gogpu/vdisplay/fence"
	"github.com/gogpu/vdisplay/hwc"
)

// Surface errors.
var (
	// ErrNilSink is returned by New when no sink endpoint is supplied.
	ErrNilSink = errors.New("vdisplay: nil sink")

	// ErrNilComposer is returned by New when a composer-backed display ID
	// is given without a composer.
	ErrNilComposer = errors.New("vdisplay: nil composer for composer-backed display")

	// ErrNoBuffer is returned by AdvanceFrame when the framebuffer or
	// output slot is unresolved. This is a defensive bailout: an upstream
	// failure (for example a disconnected sink) left the frame without a
	// buffer, the frame is dropped, and the surface recovers on the next
	// PrepareFrame.
	ErrNoBuffer = errors.New("vdisplay: no buffer for frame")
)

// composerUsage is requested on every buffer the surface dequeues so the
// hardware composer can consume it as an attachment.
const composerUsage = gputypes.TextureUsageRenderAttachment

// frameData is the per-frame scratch state. It is reset wholesale at the
// commit transition so nothing leaks across frames.
type frameData struct {
	composition CompositionType

	// sinkWidth/sinkHeight capture the sink geometry the frame operates
	// under; zero means "use the source's default".
	sinkWidth  uint32
	sinkHeight uint32

	// fbSlot/fbFence identify the framebuffer handed to the composer.
	// Immutable once resolved, until commit.
	fbSlot  int
	fbFence *fence.Fence

	// outSlot identifies the buffer the composed output lands in.
	outSlot int
}

func (f *frameData) reset() {
	*f = frameData{fbSlot: -1, outSlot: -1}
}

// Surface routes buffers between an upstream producer, the hardware
// composer, and a sink endpoint for one virtual display. It implements
// bufq.Producer so the upstream renderer cannot tell it from a real
// display's queue.
//
// A single owning goroutine must drive the per-frame sequence
// (PrepareFrame → dequeue/queue → AdvanceFrame → FrameCommitted); only
// the scratch pool's own bookkeeping is internally locked, because
// composer fence callbacks may release scratch buffers from another
// goroutine.
type Surface struct {
	composer hwc.Composer
	display  hwc.DisplayID
	name     string

	// src holds the two buffer sources, indexed by source. The sink is
	// borrowed; the scratch queue is owned.
	src [2]bufq.Producer

	scratch *bufq.Queue
	slots   slotCache

	// usage carries the upstream producer's requested usage bits, OR'd
	// with composerUsage. Updated on every GPU dequeue.
	usage gputypes.TextureUsage

	observer func(ProtocolViolation)

	// queueOutput caches the sink's negotiated geometry, refreshed on
	// connect and after every sink queue.
	queueOutput bufq.QueueOutput

	state           frameState
	lastComposition CompositionType

	frame frameData
}

var _ bufq.Producer = (*Surface)(nil)

// New creates a surface for the virtual display identified by display,
// feeding composed frames to sink. The surface holds only borrowed
// references to composer and sink; it owns its scratch pool.
//
// A negative display ID means the display has no hardware composer
// backing: the frame lifecycle methods become no-ops and Producer returns
// the sink itself, so buffers flow straight through.
func New(composer hwc.Composer, display hwc.DisplayID, sink bufq.Producer, name string, opts ...Option) (*Surface, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	if display.Valid() && composer == nil {
		return nil, ErrNilComposer
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Surface{
		composer: composer,
		display:  display,
		name:     name,
		usage:    composerUsage | o.extraUsage,
		observer: o.observer,
	}
	s.frame.reset()

	scratch := bufq.New(o.allocator)
	scratch.SetConsumerName("vds:" + name)
	scratch.SetConsumerUsageBits(composerUsage)
	if err := scratch.SetDefaultMaxBufferCount(o.scratchDepth); err != nil {
		return nil, fmt.Errorf("vdisplay: scratch depth: %w", err)
	}

	// Size the scratch pool to the sink's current geometry. Best-effort:
	// a sink that cannot answer yet negotiates through Connect later.
	sinkW, errW := sink.Query(bufq.QueryWidth)
	sinkH, errH := sink.Query(bufq.QueryHeight)
	if errW == nil && errH == nil {
		scratch.SetDefaultBufferSize(uint32(sinkW), uint32(sinkH))
		s.queueOutput.Width = uint32(sinkW)
		s.queueOutput.Height = uint32(sinkH)
	} else {
		Logger().Warn("sink geometry unavailable", "display", name,
			"width_err", errW, "height_err", errH)
	}

	l := Logger()
	scratch.SetLogger(l)
	propagateLogger(o.allocator, l)

	s.scratch = scratch
	s.src[sourceSink] = sink
	s.src[sourceScratch] = scratch
	return s, nil
}

// Producer returns the producer endpoint the upstream renderer should
// attach to. For displays without composer backing this is the sink
// itself, since there is no composer interaction to serialize against.
func (s *Surface) Producer() bufq.Producer {
	if s.display.Valid() {
		return s
	}
	return s.src[sourceSink]
}

// ScratchStats exposes the scratch pool's counters for diagnostics.
func (s *Surface) ScratchStats() bufq.QueueStats {
	return s.scratch.Stats()
}

// PrepareFrame declares the composition strategy for the next frame. It
// must be the first call of a frame cycle.
func (s *Surface) PrepareFrame(t CompositionType) error {
	if !s.display.Valid() {
		return nil
	}
	s.transition("PrepareFrame", statePrepared, stateIdle)

	s.frame.composition = t
	if t != s.lastComposition {
		Logger().Debug("composition type changed", "display", s.name, "type", t.String())
		s.lastComposition = t
	}
	return nil
}

// CompositionComplete is a notification hook for display surfaces that
// need to flush GPU work before the composer runs. The virtual display
// carries all ordering in fences, so there is nothing to do.
func (s *Surface) CompositionComplete() error {
	return nil
}

// AdvanceFrame resolves the frame's framebuffer and output buffers and
// hands them to the hardware composer. For composer-only frames it
// dequeues the sink here (no GPU dequeue happened); for mixed frames the
// framebuffer was captured at QueueBuffer and only the output buffer is
// dequeued; for pure GPU frames the queued buffer serves as both.
func (s *Surface) AdvanceFrame() error {
	if !s.display.Valid() {
		return nil
	}
	if s.frame.composition == CompositionHWC {
		s.transition("AdvanceFrame", stateHWC, statePrepared)
	} else {
		s.transition("AdvanceFrame", stateHWC, stateGLESDone)
	}

	var outFence *fence.Fence
	if s.frame.composition != CompositionGLES {
		// Dequeue an output buffer from the sink at its last negotiated
		// geometry.
		s.frame.sinkWidth = s.queueOutput.Width
		s.frame.sinkHeight = s.queueOutput.Height
		pslot, f, _, err := s.dequeueFrom(sourceSink, 0)
		if err != nil {
			return err
		}
		s.frame.outSlot = pslot
		outFence = f
	}

	switch s.frame.composition {
	case CompositionHWC:
		// The output buffer doubles as the framebuffer: the composer
		// composes into and outputs the same buffer.
		s.frame.fbSlot = s.frame.outSlot
		s.frame.fbFence = outFence
	case CompositionGLES:
		// The GPU's queued buffer serves as the output as well; no
		// separate sink dequeue happened.
		s.frame.outSlot = s.frame.fbSlot
		outFence = s.frame.fbFence
	default:
		// Mixed: fbSlot/fbFence were captured in QueueBuffer, the output
		// pair was resolved above.
	}

	if s.frame.fbSlot < 0 || s.frame.outSlot < 0 {
		// Last-chance bailout. If the sink disappears mid-frame the GPU
		// path never queues a buffer, yet the display server still calls
		// AdvanceFrame; drop the frame rather than posting nothing.
		Logger().Error("advance with no buffer, dropping frame",
			"display", s.name, "fb", s.frame.fbSlot, "out", s.frame.outSlot)
		return ErrNoBuffer
	}

	fb := s.slots.buffers[s.frame.fbSlot]
	out := s.slots.buffers[s.frame.outSlot]
	Logger().Debug("advance frame", "display", s.name,
		"type", s.frame.composition.String(),
		"fb_slot", s.frame.fbSlot, "out_slot", s.frame.outSlot)

	if err := s.composer.PostFramebuffer(s.display, s.frame.fbFence, fb); err != nil {
		return fmt.Errorf("vdisplay: post framebuffer: %w", err)
	}
	if err := s.composer.SetOutputBuffer(s.display, outFence, out); err != nil {
		return fmt.Errorf("vdisplay: set output buffer: %w", err)
	}
	return nil
}

// FrameCommitted must be called after the hardware composer has
// composited the frame. It retrieves the composer's fences, returns the
// scratch framebuffer to its pool (mixed frames) and queues the output
// buffer to the sink, then resets the per-frame state.
func (s *Surface) FrameCommitted() {
	if !s.display.Valid() {
		return
	}
	s.transition("FrameCommitted", stateIdle, stateHWC)

	fbFence := s.composer.ReleaseFence(s.display)
	if s.frame.composition == CompositionMixed && s.frame.fbSlot >= 0 {
		// The scratch buffer was genuinely consumed by the composer, so
		// release it back to the pool with the composer's fence rather
		// than cancelling it.
		sslot := sourceSlot(sourceScratch, s.frame.fbSlot)
		Logger().Debug("release scratch buffer", "display", s.name, "sslot", sslot)
		if err := s.scratch.ReleaseBuffer(sslot, fbFence); err != nil {
			Logger().Warn("scratch release failed", "display", s.name,
				"sslot", sslot, "err", err)
		}
	}

	if s.frame.outSlot >= 0 {
		sslot := sourceSlot(sourceSink, s.frame.outSlot)
		retire := s.composer.RetireFence(s.display)
		Logger().Debug("queue output to sink", "display", s.name, "sslot", sslot)
		out, err := s.src[sourceSink].QueueBuffer(sslot, bufq.QueueInput{
			Timestamp:   time.Now(),
			Crop:        image.Rect(0, 0, int(s.frame.sinkWidth), int(s.frame.sinkHeight)),
			ScalingMode: bufq.ScalingModeFreeze,
			Fence:       retire,
		})
		if err != nil {
			Logger().Warn("sink queue failed", "display", s.name, "err", err)
		} else {
			s.updateQueueOutput(out)
		}
	}

	s.frame.reset()
}

// dequeueFrom executes a dequeue against one source, translating the
// source-local slot into the producer slot space and keeping the handle
// cache coherent. A zero format selects the source's default format.
func (s *Surface) dequeueFrom(src source, format gputypes.TextureFormat) (int, *fence.Fence, bufq.DequeueFlags, error) {
	prod := s.src[src]
	sslot, f, flags, err := prod.DequeueBuffer(s.frame.sinkWidth, s.frame.sinkHeight, format, s.usage)
	if err != nil {
		// ResourceUnavailable from the source is fatal for this frame;
		// the caller must not retry.
		return -1, nil, 0, fmt.Errorf("vdisplay: dequeue from %s: %w", src, err)
	}
	pslot := producerSlot(src, sslot)
	Logger().Debug("dequeue", "display", s.name, "source", src.String(),
		"sslot", sslot, "pslot", pslot, "flags", uint32(flags))

	if s.slots.retag(src, pslot) {
		// The slot last belonged to the other source; the cached handle
		// is stale regardless of what the source reported.
		flags |= bufq.FlagBufferNeedsReallocation
	}
	if flags&bufq.FlagReleaseAllBuffers != 0 {
		s.slots.purge(src)
	}
	if flags&bufq.FlagBufferNeedsReallocation != 0 {
		buf, err := prod.RequestBuffer(sslot)
		if err != nil {
			return -1, nil, 0, fmt.Errorf("vdisplay: request from %s: %w", src, err)
		}
		s.slots.buffers[pslot] = buf
	}
	return pslot, f, flags, nil
}

// DequeueBuffer implements bufq.Producer for the upstream GPU path. The
// buffer comes from the scratch pool on mixed frames and from the sink
// otherwise.
func (s *Surface) DequeueBuffer(width, height uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) (int, *fence.Fence, bufq.DequeueFlags, error) {
	if !s.display.Valid() {
		return s.src[sourceSink].DequeueBuffer(width, height, format, usage)
	}
	s.transition("DequeueBuffer", stateGLES, statePrepared)

	s.usage = usage | composerUsage
	src := fbSource(s.frame.composition)
	if src == sourceSink {
		s.frame.sinkWidth = width
		s.frame.sinkHeight = height
	}
	return s.dequeueFrom(src, format)
}

// RequestBuffer implements bufq.Producer: it returns the cached handle
// for a producer slot previously validated by DequeueBuffer. Calling it
// out of order is a protocol violation; the possibly-nil cached handle is
// returned regardless.
func (s *Surface) RequestBuffer(slot int) (*bufq.Buffer, error) {
	if !s.display.Valid() {
		return s.src[sourceSink].RequestBuffer(slot)
	}
	if slot < 0 || slot >= bufq.NumSlots {
		return nil, fmt.Errorf("%w: %d", bufq.ErrBadSlot, slot)
	}
	if s.state != stateGLES {
		s.observeViolation(ProtocolViolation{
			Op:     "RequestBuffer",
			State:  s.state.String(),
			Detail: fmt.Sprintf("pslot=%d", slot),
		})
	}
	return s.slots.buffers[slot], nil
}

// QueueBuffer implements bufq.Producer for the upstream GPU path.
//
// On mixed frames the rendered buffer is queued into the scratch pool and
// immediately re-acquired: the queue abstraction only exposes fences
// through its acquire path, and the composer needs that fence to consume
// the buffer as its framebuffer. On pure GPU frames the fence comes
// straight from the queue input and no round trip is needed.
func (s *Surface) QueueBuffer(slot int, in bufq.QueueInput) (bufq.QueueOutput, error) {
	if !s.display.Valid() {
		return s.src[sourceSink].QueueBuffer(slot, in)
	}
	s.transition("QueueBuffer", stateGLESDone, stateGLES)
	Logger().Debug("queue buffer", "display", s.name, "pslot", slot)

	switch s.frame.composition {
	case CompositionMixed:
		sslot := sourceSlot(sourceScratch, slot)
		if _, err := s.scratch.QueueBuffer(sslot, in); err != nil {
			return bufq.QueueOutput{}, fmt.Errorf("vdisplay: scratch queue: %w", err)
		}
		item, err := s.scratch.AcquireBuffer()
		if err != nil {
			return bufq.QueueOutput{}, fmt.Errorf("vdisplay: scratch acquire: %w", err)
		}
		if item.Slot != sslot {
			s.observeViolation(ProtocolViolation{
				Op:     "QueueBuffer",
				State:  s.state.String(),
				Detail: fmt.Sprintf("acquired scratch sslot %d after queueing %d", item.Slot, sslot),
			})
		}
		s.frame.fbSlot = producerSlot(sourceScratch, item.Slot)
		s.frame.fbFence = item.Fence

	case CompositionGLES:
		// The GPU's completion fence gates the composer directly.
		s.frame.fbFence = in.Fence
		s.frame.fbSlot = slot

	default:
		// A queue on an HWC or unknown frame cannot happen if the display
		// server honored PrepareFrame; there is no sane recovery.
		panic(fmt.Sprintf("vdisplay: QueueBuffer with composition type %s", s.frame.composition))
	}

	return s.queueOutput, nil
}

// CancelBuffer implements bufq.Producer, returning a dequeued buffer to
// the source implied by the frame's composition type.
func (s *Surface) CancelBuffer(slot int, f *fence.Fence) error {
	if !s.display.Valid() {
		return s.src[sourceSink].CancelBuffer(slot, f)
	}
	if s.state != stateGLES {
		s.observeViolation(ProtocolViolation{
			Op:     "CancelBuffer",
			State:  s.state.String(),
			Detail: fmt.Sprintf("pslot=%d", slot),
		})
	}
	src := fbSource(s.frame.composition)
	return s.src[src].CancelBuffer(sourceSlot(src, slot), f)
}

// Connect implements bufq.Producer, delegating to the sink. Geometry
// negotiation is entirely the sink's concern; the surface caches the
// result for per-frame use.
func (s *Surface) Connect(api bufq.API) (bufq.QueueOutput, error) {
	if !s.display.Valid() {
		return s.src[sourceSink].Connect(api)
	}
	out, err := s.src[sourceSink].Connect(api)
	if err != nil {
		return bufq.QueueOutput{}, err
	}
	s.updateQueueOutput(out)
	return s.queueOutput, nil
}

// Disconnect implements bufq.Producer, delegating to the sink.
func (s *Surface) Disconnect(api bufq.API) error {
	return s.src[sourceSink].Disconnect(api)
}

// Query implements bufq.Producer, delegating to the sink.
func (s *Surface) Query(what bufq.Query) (int, error) {
	return s.src[sourceSink].Query(what)
}

// SetBufferCount implements bufq.Producer, delegating to the sink.
func (s *Surface) SetBufferCount(count int) error {
	return s.src[sourceSink].SetBufferCount(count)
}

// updateQueueOutput refreshes the cached sink geometry. The transform
// hint is deliberately zeroed: the upstream renderer must not pre-rotate
// for a virtual display.
func (s *Surface) updateQueueOutput(out bufq.QueueOutput) {
	out.TransformHint = 0
	s.queueOutput = out
}

// Dump writes a diagnostic snapshot of the surface.
func (s *Surface) Dump(w io.Writer) {
	fmt.Fprintf(w, "VirtualDisplay %q (display=%d)\n", s.name, s.display)
	fmt.Fprintf(w, "  state=%s composition=%s\n", s.state, s.frame.composition)
	fmt.Fprintf(w, "  fbSlot=%d outSlot=%d sink=%dx%d\n",
		s.frame.fbSlot, s.frame.outSlot, s.frame.sinkWidth, s.frame.sinkHeight)
	fmt.Fprintf(w, "  cached handles=%d scratch=%s\n", s.slots.cached(), s.scratch.Stats())
}
