package vdisplay

import (
	"errors"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/vdisplay/bufq"
	"github.com/gogpu/vdisplay/fence"
	"github.com/gogpu/vdisplay/hwc"
	"github.com/gogpu/vdisplay/hwc/hwctest"
)

const testDisplay = hwc.DisplayID(1)

// fakeSink wraps a real queue so tests can count request calls and
// inject dequeue failures.
type fakeSink struct {
	*bufq.Queue
	requests   int
	dequeueErr error
}

func newFakeSink(w, h uint32) *fakeSink {
	q := bufq.New(nil)
	q.SetDefaultBufferSize(w, h)
	return &fakeSink{Queue: q}
}

func (f *fakeSink) DequeueBuffer(w, h uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) (int, *fence.Fence, bufq.DequeueFlags, error) {
	if f.dequeueErr != nil {
		return -1, nil, 0, f.dequeueErr
	}
	return f.Queue.DequeueBuffer(w, h, format, usage)
}

func (f *fakeSink) RequestBuffer(slot int) (*bufq.Buffer, error) {
	f.requests++
	return f.Queue.RequestBuffer(slot)
}

type testRig struct {
	sink       *fakeSink
	composer   *hwctest.Composer
	surface    *Surface
	violations []ProtocolViolation
}

func newTestRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()
	rig := &testRig{
		sink:     newFakeSink(320, 240),
		composer: &hwctest.Composer{},
	}
	opts = append(opts, WithProtocolObserver(func(v ProtocolViolation) {
		rig.violations = append(rig.violations, v)
	}))
	s, err := New(rig.composer, testDisplay, rig.sink, "test", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rig.surface = s
	return rig
}

func (r *testRig) assertIdleReset(t *testing.T) {
	t.Helper()
	s := r.surface
	if s.state != stateIdle {
		t.Errorf("state = %s, want IDLE", s.state)
	}
	if s.frame.composition != CompositionUnknown {
		t.Errorf("composition = %s, want UNKNOWN", s.frame.composition)
	}
	if s.frame.fbSlot != -1 || s.frame.outSlot != -1 {
		t.Errorf("fbSlot=%d outSlot=%d, want -1/-1", s.frame.fbSlot, s.frame.outSlot)
	}
	if s.frame.fbFence != nil {
		t.Error("fbFence not reset")
	}
	if s.frame.sinkWidth != 0 || s.frame.sinkHeight != 0 {
		t.Errorf("sink dims %dx%d, want 0x0", s.frame.sinkWidth, s.frame.sinkHeight)
	}
}

func TestGLESFrameCycle(t *testing.T) {
	rig := newTestRig(t)
	s := rig.surface

	if err := s.PrepareFrame(CompositionGLES); err != nil {
		t.Fatalf("PrepareFrame: %v", err)
	}

	slot, _, flags, err := s.DequeueBuffer(320, 240, gputypes.TextureFormatRGBA8Unorm, 0)
	if err != nil {
		t.Fatalf("DequeueBuffer: %v", err)
	}
	if flags&bufq.FlagBufferNeedsReallocation == 0 {
		t.Error("first dequeue should require a buffer request")
	}
	buf, err := s.RequestBuffer(slot)
	if err != nil || buf == nil {
		t.Fatalf("RequestBuffer: buf=%v err=%v", buf, err)
	}

	renderDone := fence.New()
	if _, err := s.QueueBuffer(slot, bufq.QueueInput{Fence: renderDone}); err != nil {
		t.Fatalf("QueueBuffer: %v", err)
	}

	if err := s.AdvanceFrame(); err != nil {
		t.Fatalf("AdvanceFrame: %v", err)
	}
	calls := rig.composer.Calls()
	if len(calls) != 2 || calls[0].Op != "post" || calls[1].Op != "output" {
		t.Fatalf("composer calls = %+v, want post then output", calls)
	}
	if calls[0].Buffer != buf || calls[1].Buffer != buf {
		t.Error("pure GPU frame must post the queued buffer as both fb and output")
	}
	if calls[0].Fence != renderDone || calls[1].Fence != renderDone {
		t.Error("composer must be gated on the renderer's fence")
	}

	retire := fence.New()
	rig.composer.SetRetireFence(retire)
	s.FrameCommitted()
	rig.assertIdleReset(t)

	item, err := rig.sink.AcquireBuffer()
	if err != nil {
		t.Fatalf("sink acquire after commit: %v", err)
	}
	if item.Fence != retire {
		t.Error("sink buffer must carry the composer's retire fence")
	}
	if item.ScalingMode != bufq.ScalingModeFreeze {
		t.Errorf("scaling mode = %d, want freeze", item.ScalingMode)
	}
	if len(rig.violations) != 0 {
		t.Errorf("unexpected protocol violations: %v", rig.violations)
	}
}

func TestMixedFrameCycle(t *testing.T) {
	rig := newTestRig(t)
	s := rig.surface

	if err := s.PrepareFrame(CompositionMixed); err != nil {
		t.Fatalf("PrepareFrame: %v", err)
	}

	slot, _, _, err := s.DequeueBuffer(0, 0, gputypes.TextureFormatRGBA8Unorm, 0)
	if err != nil {
		t.Fatalf("DequeueBuffer: %v", err)
	}
	// Scratch slots occupy the top of the producer slot space.
	if slot != bufq.NumSlots-1 {
		t.Errorf("mixed dequeue slot = %d, want %d", slot, bufq.NumSlots-1)
	}
	scratchBuf, err := s.RequestBuffer(slot)
	if err != nil || scratchBuf == nil {
		t.Fatalf("RequestBuffer: buf=%v err=%v", scratchBuf, err)
	}

	renderDone := fence.New()
	if _, err := s.QueueBuffer(slot, bufq.QueueInput{Fence: renderDone}); err != nil {
		t.Fatalf("QueueBuffer: %v", err)
	}
	// Round trip through scratch: the framebuffer pair must be exactly
	// what the scratch acquire returned for the queued slot.
	if s.frame.fbSlot != slot {
		t.Errorf("fbSlot = %d, want %d", s.frame.fbSlot, slot)
	}
	if s.frame.fbFence != renderDone {
		t.Error("fbFence must be the fence recovered from the scratch acquire")
	}

	if err := s.AdvanceFrame(); err != nil {
		t.Fatalf("AdvanceFrame: %v", err)
	}
	calls := rig.composer.Calls()
	if len(calls) != 2 {
		t.Fatalf("composer calls = %d, want 2", len(calls))
	}
	if calls[0].Buffer != scratchBuf {
		t.Error("framebuffer must be the GPU's scratch buffer")
	}
	if calls[1].Buffer == scratchBuf {
		t.Error("output buffer must come from the sink, not scratch")
	}

	release := fence.New()
	rig.composer.SetReleaseFence(release)
	s.FrameCommitted()
	rig.assertIdleReset(t)

	// The scratch buffer was released (not cancelled): the next mixed
	// dequeue reuses the slot and is gated on the composer's release
	// fence.
	if err := s.PrepareFrame(CompositionMixed); err != nil {
		t.Fatalf("PrepareFrame: %v", err)
	}
	slot2, waitFence, _, err := s.DequeueBuffer(0, 0, gputypes.TextureFormatRGBA8Unorm, 0)
	if err != nil {
		t.Fatalf("second DequeueBuffer: %v", err)
	}
	if slot2 != slot {
		t.Errorf("scratch slot not recycled: got %d, want %d", slot2, slot)
	}
	if waitFence != release {
		t.Error("recycled scratch buffer must be gated on the composer's release fence")
	}
	if len(rig.violations) != 0 {
		t.Errorf("unexpected protocol violations: %v", rig.violations)
	}
}

func TestHWCFrameCycle(t *testing.T) {
	rig := newTestRig(t)
	s := rig.surface

	if err := s.PrepareFrame(CompositionHWC); err != nil {
		t.Fatalf("PrepareFrame: %v", err)
	}
	if err := s.AdvanceFrame(); err != nil {
		t.Fatalf("AdvanceFrame: %v", err)
	}

	calls := rig.composer.Calls()
	if len(calls) != 2 {
		t.Fatalf("composer calls = %d, want 2", len(calls))
	}
	if calls[0].Buffer != calls[1].Buffer {
		t.Error("composer-only frame must use one sink buffer as fb and output")
	}
	if st := s.ScratchStats(); st.Allocations != 0 {
		t.Errorf("composer-only frame touched scratch: %s", st)
	}

	s.FrameCommitted()
	rig.assertIdleReset(t)
	if _, err := rig.sink.AcquireBuffer(); err != nil {
		t.Fatalf("sink should hold the composed output: %v", err)
	}
	if len(rig.violations) != 0 {
		t.Errorf("unexpected protocol violations: %v", rig.violations)
	}
}

func TestAdvanceFailsWhenSinkUnavailable(t *testing.T) {
	rig := newTestRig(t)
	s := rig.surface
	rig.sink.dequeueErr = bufq.ErrDisconnected

	if err := s.PrepareFrame(CompositionHWC); err != nil {
		t.Fatalf("PrepareFrame: %v", err)
	}
	err := s.AdvanceFrame()
	if !errors.Is(err, bufq.ErrDisconnected) {
		t.Fatalf("AdvanceFrame err = %v, want ErrDisconnected", err)
	}
	if calls := rig.composer.Calls(); len(calls) != 0 {
		t.Errorf("composer must not be called after a failed dequeue: %+v", calls)
	}
}

func TestAdvanceNoBufferBailout(t *testing.T) {
	rig := newTestRig(t)
	s := rig.surface

	// A GLES frame where the GPU never queued: fbSlot stays unresolved.
	if err := s.PrepareFrame(CompositionGLES); err != nil {
		t.Fatalf("PrepareFrame: %v", err)
	}
	err := s.AdvanceFrame()
	if !errors.Is(err, ErrNoBuffer) {
		t.Fatalf("AdvanceFrame err = %v, want ErrNoBuffer", err)
	}
	if calls := rig.composer.Calls(); len(calls) != 0 {
		t.Errorf("composer must not be called on a dropped frame: %+v", calls)
	}
}

func TestReallocationRefreshesHandle(t *testing.T) {
	rig := newTestRig(t)
	s := rig.surface

	if err := s.PrepareFrame(CompositionGLES); err != nil {
		t.Fatalf("PrepareFrame: %v", err)
	}
	slot, _, _, err := s.DequeueBuffer(320, 240, gputypes.TextureFormatRGBA8Unorm, 0)
	if err != nil {
		t.Fatalf("DequeueBuffer: %v", err)
	}
	h1 := s.slots.buffers[slot]
	reqs := rig.sink.requests
	if reqs == 0 {
		t.Fatal("initial dequeue should have requested the handle")
	}
	if err := s.CancelBuffer(slot, nil); err != nil {
		t.Fatalf("CancelBuffer: %v", err)
	}
	s.FrameCommitted() // abandon frame; violation expected, recovery path
	rig.violations = nil

	// A geometry change invalidates the slot; the next dequeue must fetch
	// a fresh handle via a new request call.
	if err := s.PrepareFrame(CompositionGLES); err != nil {
		t.Fatalf("PrepareFrame: %v", err)
	}
	slot2, _, flags, err := s.DequeueBuffer(640, 480, gputypes.TextureFormatRGBA8Unorm, 0)
	if err != nil {
		t.Fatalf("second DequeueBuffer: %v", err)
	}
	if flags&bufq.FlagBufferNeedsReallocation == 0 {
		t.Error("geometry change must report reallocation")
	}
	if rig.sink.requests <= reqs {
		t.Error("reallocation must trigger a fresh RequestBuffer call")
	}
	h2 := s.slots.buffers[slot2]
	if h2 == nil || h2 == h1 {
		t.Error("cache must hold a freshly requested handle")
	}
}

func TestReleaseAllPurgesSourceSlots(t *testing.T) {
	rig := newTestRig(t)
	s := rig.surface

	if err := s.PrepareFrame(CompositionGLES); err != nil {
		t.Fatalf("PrepareFrame: %v", err)
	}
	slot, _, _, err := s.DequeueBuffer(320, 240, gputypes.TextureFormatRGBA8Unorm, 0)
	if err != nil {
		t.Fatalf("DequeueBuffer: %v", err)
	}
	if s.slots.buffers[slot] == nil {
		t.Fatal("handle not cached after dequeue")
	}
	if err := s.CancelBuffer(slot, nil); err != nil {
		t.Fatalf("CancelBuffer: %v", err)
	}
	s.FrameCommitted()
	rig.violations = nil

	// Pool-wide invalidation on the sink: every sink-tagged handle is
	// purged, then re-requested on the dequeue that reported it.
	if err := rig.sink.SetBufferCount(4); err != nil {
		t.Fatalf("SetBufferCount: %v", err)
	}
	if err := s.PrepareFrame(CompositionGLES); err != nil {
		t.Fatalf("PrepareFrame: %v", err)
	}
	slot2, _, flags, err := s.DequeueBuffer(320, 240, gputypes.TextureFormatRGBA8Unorm, 0)
	if err != nil {
		t.Fatalf("DequeueBuffer: %v", err)
	}
	if flags&bufq.FlagReleaseAllBuffers == 0 {
		t.Fatal("sink invalidation must surface FlagReleaseAllBuffers")
	}
	// Only the freshly re-requested slot may hold a handle; all other
	// sink-tagged slots must read empty.
	for i, b := range s.slots.buffers {
		if i == slot2 {
			if b == nil {
				t.Error("re-requested slot should hold a handle")
			}
			continue
		}
		if b != nil {
			t.Errorf("slot %d should have been purged", i)
		}
	}
}

func TestPrepareOutOfOrderObserved(t *testing.T) {
	rig := newTestRig(t)
	s := rig.surface

	if err := s.PrepareFrame(CompositionGLES); err != nil {
		t.Fatalf("PrepareFrame: %v", err)
	}
	if err := s.PrepareFrame(CompositionGLES); err != nil {
		t.Fatalf("second PrepareFrame: %v", err)
	}
	if len(rig.violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(rig.violations))
	}
	v := rig.violations[0]
	if v.Op != "PrepareFrame" || v.State != "PREPARED" {
		t.Errorf("violation = %+v", v)
	}
}

func TestQueueBufferOnHWCFramePanics(t *testing.T) {
	rig := newTestRig(t)
	s := rig.surface
	if err := s.PrepareFrame(CompositionHWC); err != nil {
		t.Fatalf("PrepareFrame: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("QueueBuffer on an HWC frame must panic")
		}
	}()
	_, _ = s.QueueBuffer(0, bufq.QueueInput{})
}

func TestPassThroughWithoutComposer(t *testing.T) {
	sink := newFakeSink(100, 100)
	s, err := New(nil, hwc.DisplayID(-1), sink, "passthrough")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Producer() != bufq.Producer(sink) {
		t.Error("Producer() must be the sink itself without composer backing")
	}
	if err := s.PrepareFrame(CompositionGLES); err != nil {
		t.Errorf("PrepareFrame should be a no-op: %v", err)
	}
	if err := s.AdvanceFrame(); err != nil {
		t.Errorf("AdvanceFrame should be a no-op: %v", err)
	}
	s.FrameCommitted()
	if s.state != stateIdle {
		t.Error("state machine must stay idle without composer backing")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(&hwctest.Composer{}, testDisplay, nil, "x"); !errors.Is(err, ErrNilSink) {
		t.Errorf("nil sink err = %v, want ErrNilSink", err)
	}
	if _, err := New(nil, testDisplay, newFakeSink(1, 1), "x"); !errors.Is(err, ErrNilComposer) {
		t.Errorf("nil composer err = %v, want ErrNilComposer", err)
	}
}

func TestConnectCachesGeometry(t *testing.T) {
	rig := newTestRig(t)
	s := rig.surface
	out, err := s.Connect(bufq.APIEGL)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if out.Width != 320 || out.Height != 240 {
		t.Errorf("Connect geometry %dx%d, want 320x240", out.Width, out.Height)
	}
	if out.TransformHint != 0 {
		t.Error("transform hint must be zeroed for virtual displays")
	}
	if err := s.Disconnect(bufq.APIEGL); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}

func TestDump(t *testing.T) {
	rig := newTestRig(t)
	var b strings.Builder
	rig.surface.Dump(&b)
	got := b.String()
	for _, want := range []string{"test", "IDLE", "UNKNOWN"} {
		if !strings.Contains(got, want) {
			t.Errorf("dump missing %q:\n%s", want, got)
		}
	}
}
