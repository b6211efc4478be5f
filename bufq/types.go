package bufq

import (
	"image"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/vdisplay/fence"
)

// NumSlots is the size of the producer-visible slot space. Slot indices
// returned by DequeueBuffer are always in [0, NumSlots).
const NumSlots = 32

// DequeueFlags carries status bits alongside a successful dequeue.
type DequeueFlags uint32

const (
	// FlagBufferNeedsReallocation indicates the slot's previous contents
	// were invalidated; the caller must re-fetch the handle with
	// RequestBuffer before using it.
	FlagBufferNeedsReallocation DequeueFlags = 1 << iota

	// FlagReleaseAllBuffers indicates every buffer in the pool was
	// invalidated (for example after a geometry or buffer-count change);
	// the caller must drop every handle it has cached from this queue.
	FlagReleaseAllBuffers
)

// ScalingMode tells the consumer how queued content maps onto its output.
type ScalingMode int32

const (
	// ScalingModeFreeze presents the buffer as-is; content must not be
	// rescaled by the consumer.
	ScalingModeFreeze ScalingMode = iota

	// ScalingModeScaleToWindow stretches the crop to the consumer's
	// output size.
	ScalingModeScaleToWindow

	// ScalingModeScaleCrop scales uniformly to fill the output, cropping
	// overflow.
	ScalingModeScaleCrop
)

// API identifies the producer kind connecting to a queue.
type API int32

// Producer API identifiers.
const (
	APIEGL API = iota + 1
	APICPU
	APIMedia
	APIComposer
)

// Query selects a value for Producer.Query.
type Query int

const (
	// QueryWidth is the default buffer width.
	QueryWidth Query = iota
	// QueryHeight is the default buffer height.
	QueryHeight
	// QueryMaxBufferCount is the active slot count.
	QueryMaxBufferCount
	// QueryPendingBuffers is the number of queued, unacquired buffers.
	QueryPendingBuffers
)

// QueueInput describes a buffer being queued by the producer.
type QueueInput struct {
	// Timestamp is the content's presentation time.
	Timestamp time.Time

	// Crop is the valid region of the buffer, in buffer pixel coordinates.
	Crop image.Rectangle

	// ScalingMode tells the consumer how to map the crop to its output.
	ScalingMode ScalingMode

	// Transform is a display transform hint (rotation/flip bits), passed
	// through untouched.
	Transform uint32

	// Fence signals when the producer's writes to the buffer complete.
	Fence *fence.Fence
}

// QueueOutput reports the queue's negotiated geometry back to the
// producer after connect and queue operations.
type QueueOutput struct {
	// Width and Height are the queue's current default buffer size.
	Width  uint32
	Height uint32

	// TransformHint suggests a pre-rotation for the producer.
	TransformHint uint32

	// PendingBuffers is the number of queued buffers not yet acquired.
	PendingBuffers int
}

// BufferItem is a queued buffer delivered to the consumer by
// AcquireBuffer.
type BufferItem struct {
	// Slot is the queue-local slot index holding the buffer.
	Slot int

	// Buffer is the buffer handle.
	Buffer *Buffer

	// Fence signals when the producer finished writing the buffer.
	Fence *fence.Fence

	// Timestamp, Crop, ScalingMode and Transform are copied from the
	// producer's QueueInput.
	Timestamp   time.Time
	Crop        image.Rectangle
	ScalingMode ScalingMode
	Transform   uint32
}

// Producer is the buffer-queue producer contract. A Queue implements it;
// so does the virtual display surface, which multiplexes one on top of a
// sink Producer and its own scratch Queue.
type Producer interface {
	// DequeueBuffer reserves a slot and returns it with a fence the
	// caller must respect before writing, plus status flags (see
	// DequeueFlags). Width and height of zero select the queue's default
	// buffer size.
	DequeueBuffer(width, height uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) (slot int, f *fence.Fence, flags DequeueFlags, err error)

	// RequestBuffer returns the buffer handle bound to a dequeued slot.
	RequestBuffer(slot int) (*Buffer, error)

	// QueueBuffer hands a filled slot to the consumer side.
	QueueBuffer(slot int, in QueueInput) (QueueOutput, error)

	// CancelBuffer returns a dequeued slot to the free pool unused.
	CancelBuffer(slot int, f *fence.Fence) error

	// Connect attaches a producer and returns the negotiated geometry.
	Connect(api API) (QueueOutput, error)

	// Disconnect detaches the producer connected with api.
	Disconnect(api API) error

	// Query returns a queue parameter.
	Query(what Query) (int, error)

	// SetBufferCount sets the number of usable slots.
	SetBufferCount(count int) error
}
