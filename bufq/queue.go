package bufq

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/vdisplay/fence"
)

// Queue errors.
var (
	// ErrDisconnected is returned for producer operations on a closed
	// queue, for example when the consumer endpoint has gone away.
	ErrDisconnected = errors.New("bufq: queue disconnected")

	// ErrNoFreeSlot is returned when every usable slot is in flight.
	ErrNoFreeSlot = errors.New("bufq: no free slot")

	// ErrBadSlot is returned for slot indices outside the usable range.
	ErrBadSlot = errors.New("bufq: slot out of range")

	// ErrSlotNotDequeued is returned when an operation requires a slot in
	// the dequeued state.
	ErrSlotNotDequeued = errors.New("bufq: slot not dequeued")

	// ErrSlotNotAcquired is returned when releasing a slot the consumer
	// does not hold.
	ErrSlotNotAcquired = errors.New("bufq: slot not acquired")

	// ErrNoBufferAcquired is returned by AcquireBuffer when nothing is
	// queued.
	ErrNoBufferAcquired = errors.New("bufq: no buffer queued")

	// ErrAlreadyConnected is returned by Connect when a producer is
	// already attached.
	ErrAlreadyConnected = errors.New("bufq: producer already connected")

	// ErrNotConnected is returned by Disconnect when the given API is not
	// the connected one.
	ErrNotConnected = errors.New("bufq: producer not connected")
)

var _ Producer = (*Queue)(nil)

type slotState uint8

const (
	slotFree slotState = iota
	slotDequeued
	slotQueued
	slotAcquired
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotDequeued:
		return "dequeued"
	case slotQueued:
		return "queued"
	case slotAcquired:
		return "acquired"
	default:
		return "invalid"
	}
}

type slotEntry struct {
	state slotState

	// buffer is the storage bound to this slot; replaced on reallocation.
	buffer *Buffer

	// releaseFence was attached when the consumer released (or the
	// producer cancelled) the slot; handed out on the next dequeue.
	releaseFence *fence.Fence

	// item holds the queued metadata while state is queued or acquired.
	item BufferItem
}

// Queue is a bounded buffer queue. The zero value is not usable; call New.
//
// Queue is safe for concurrent use: the producer and consumer halves may
// run on different goroutines (a release callback firing when a composer
// fence signals commonly does).
type Queue struct {
	mu sync.Mutex

	name      string
	allocator Allocator
	logger    *slog.Logger

	slots [NumSlots]slotEntry
	fifo  []int // queued slot indices, oldest first

	maxBuffers    int
	defWidth      uint32
	defHeight     uint32
	defFormat     gputypes.TextureFormat
	consumerUsage gputypes.TextureUsage

	connected API // 0 while no producer is attached
	closed    bool

	// pendingReleaseAll is set when a pool-wide invalidation (geometry or
	// buffer-count change) happened; reported once on the next dequeue.
	pendingReleaseAll bool

	generation   uint64
	allocCount   uint64
	requestCount uint64
}

// New creates a queue backed by alloc. A nil alloc selects the CPU
// allocator.
func New(alloc Allocator) *Queue {
	if alloc == nil {
		alloc = NewCPUAllocator()
	}
	return &Queue{
		allocator:  alloc,
		maxBuffers: NumSlots,
		defFormat:  gputypes.TextureFormatRGBA8Unorm,
	}
}

// SetLogger attaches a logger for queue diagnostics. Nil disables logging.
func (q *Queue) SetLogger(l *slog.Logger) {
	q.mu.Lock()
	q.logger = l
	q.mu.Unlock()
}

// logDebug logs with the queue name attached. Caller must hold q.mu.
func (q *Queue) logDebug(msg string, args ...any) {
	if q.logger != nil {
		q.logger.Debug(msg, append([]any{"queue", q.name}, args...)...)
	}
}

// SetConsumerName sets the name used in diagnostics.
func (q *Queue) SetConsumerName(name string) {
	q.mu.Lock()
	q.name = name
	q.mu.Unlock()
}

// SetConsumerUsageBits adds usage bits to every allocation made for this
// queue, on top of whatever the producer requests.
func (q *Queue) SetConsumerUsageBits(usage gputypes.TextureUsage) {
	q.mu.Lock()
	q.consumerUsage = usage
	q.mu.Unlock()
}

// SetDefaultBufferSize sets the geometry used when the producer dequeues
// with zero width/height. Changing it invalidates the pool: the next
// dequeue reports FlagReleaseAllBuffers.
func (q *Queue) SetDefaultBufferSize(width, height uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.defWidth == width && q.defHeight == height {
		return
	}
	q.defWidth = width
	q.defHeight = height
	q.invalidateLocked()
	q.logDebug("default buffer size changed", "width", width, "height", height)
}

// SetDefaultBufferFormat sets the format used when the producer dequeues
// with a zero format.
func (q *Queue) SetDefaultBufferFormat(format gputypes.TextureFormat) {
	q.mu.Lock()
	q.defFormat = format
	q.mu.Unlock()
}

// SetDefaultMaxBufferCount bounds the number of usable slots without a
// producer-side negotiation.
func (q *Queue) SetDefaultMaxBufferCount(count int) error {
	return q.setBufferCount(count)
}

// Close marks the queue disconnected. Subsequent producer operations fail
// with ErrDisconnected. Used when the consumer endpoint goes away.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *Queue) setBufferCount(count int) error {
	if count < 1 || count > NumSlots {
		return fmt.Errorf("bufq: buffer count %d out of range [1, %d]", count, NumSlots)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if count == q.maxBuffers {
		return nil
	}
	q.maxBuffers = count
	q.invalidateLocked()
	q.logDebug("buffer count changed", "count", count)
	return nil
}

// invalidateLocked drops all parked buffer storage and arms the one-shot
// FlagReleaseAllBuffers report. Buffers in flight keep their storage; they
// reallocate on their next dequeue if they no longer match. Caller must
// hold q.mu.
func (q *Queue) invalidateLocked() {
	for i := range q.slots {
		if q.slots[i].state == slotFree && q.slots[i].buffer != nil {
			q.allocator.Release(q.slots[i].buffer)
			q.slots[i].buffer = nil
		}
	}
	q.pendingReleaseAll = true
}

func (q *Queue) outputLocked() QueueOutput {
	return QueueOutput{
		Width:          q.defWidth,
		Height:         q.defHeight,
		PendingBuffers: len(q.fifo),
	}
}

// DequeueBuffer implements Producer.
func (q *Queue) DequeueBuffer(width, height uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) (int, *fence.Fence, DequeueFlags, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return -1, nil, 0, ErrDisconnected
	}
	if width == 0 || height == 0 {
		width, height = q.defWidth, q.defHeight
	}
	if width == 0 || height == 0 {
		return -1, nil, 0, fmt.Errorf("%w: no default geometry set", ErrInvalidSize)
	}
	if format == 0 {
		format = q.defFormat
	}
	usage |= q.consumerUsage

	// Prefer a free slot whose buffer already matches, to avoid churning
	// allocations; otherwise take the first free slot.
	slot := -1
	for i := 0; i < q.maxBuffers; i++ {
		st := &q.slots[i]
		if st.state != slotFree {
			continue
		}
		if b := st.buffer; b != nil && b.Width == width && b.Height == height && b.Format == format && b.Usage == usage {
			slot = i
			break
		}
		if slot < 0 {
			slot = i
		}
	}
	if slot < 0 {
		return -1, nil, 0, ErrNoFreeSlot
	}

	var flags DequeueFlags
	if q.pendingReleaseAll {
		flags |= FlagReleaseAllBuffers
		q.pendingReleaseAll = false
	}

	st := &q.slots[slot]
	b := st.buffer
	if b == nil || b.Width != width || b.Height != height || b.Format != format || b.Usage != usage {
		if b != nil {
			q.allocator.Release(b)
			st.buffer = nil
		}
		nb, err := q.allocator.Allocate(width, height, format, usage)
		if err != nil {
			return -1, nil, 0, fmt.Errorf("bufq: allocate %dx%d: %w", width, height, err)
		}
		q.generation++
		nb.Generation = q.generation
		st.buffer = nb
		q.allocCount++
		flags |= FlagBufferNeedsReallocation
	}

	st.state = slotDequeued
	f := st.releaseFence
	st.releaseFence = nil
	q.logDebug("dequeue", "slot", slot, "flags", uint32(flags))
	return slot, f, flags, nil
}

// RequestBuffer implements Producer.
func (q *Queue) RequestBuffer(slot int) (*Buffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if slot < 0 || slot >= NumSlots {
		return nil, fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}
	st := &q.slots[slot]
	if st.state != slotDequeued {
		return nil, fmt.Errorf("%w: slot %d is %s", ErrSlotNotDequeued, slot, st.state)
	}
	q.requestCount++
	return st.buffer, nil
}

// QueueBuffer implements Producer.
func (q *Queue) QueueBuffer(slot int, in QueueInput) (QueueOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return QueueOutput{}, ErrDisconnected
	}
	if slot < 0 || slot >= NumSlots {
		return QueueOutput{}, fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}
	st := &q.slots[slot]
	if st.state != slotDequeued {
		return QueueOutput{}, fmt.Errorf("%w: slot %d is %s", ErrSlotNotDequeued, slot, st.state)
	}

	crop := in.Crop
	if crop.Empty() && st.buffer != nil {
		crop = image.Rect(0, 0, int(st.buffer.Width), int(st.buffer.Height))
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	st.state = slotQueued
	st.item = BufferItem{
		Slot:        slot,
		Buffer:      st.buffer,
		Fence:       in.Fence,
		Timestamp:   ts,
		Crop:        crop,
		ScalingMode: in.ScalingMode,
		Transform:   in.Transform,
	}
	q.fifo = append(q.fifo, slot)
	q.logDebug("queue", "slot", slot, "pending", len(q.fifo))
	return q.outputLocked(), nil
}

// CancelBuffer implements Producer. The buffer returns to the free pool
// unused; f gates the slot's next dequeue.
func (q *Queue) CancelBuffer(slot int, f *fence.Fence) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if slot < 0 || slot >= NumSlots {
		return fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}
	st := &q.slots[slot]
	if st.state != slotDequeued {
		return fmt.Errorf("%w: slot %d is %s", ErrSlotNotDequeued, slot, st.state)
	}
	st.state = slotFree
	st.releaseFence = f
	q.logDebug("cancel", "slot", slot)
	return nil
}

// Connect implements Producer.
func (q *Queue) Connect(api API) (QueueOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return QueueOutput{}, ErrDisconnected
	}
	if q.connected != 0 {
		return QueueOutput{}, fmt.Errorf("%w: api %d", ErrAlreadyConnected, q.connected)
	}
	q.connected = api
	return q.outputLocked(), nil
}

// Disconnect implements Producer. Dequeued slots return to the free pool.
func (q *Queue) Disconnect(api API) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.connected != api {
		return fmt.Errorf("%w: api %d", ErrNotConnected, api)
	}
	q.connected = 0
	for i := range q.slots {
		if q.slots[i].state == slotDequeued {
			q.slots[i].state = slotFree
		}
	}
	return nil
}

// Query implements Producer.
func (q *Queue) Query(what Query) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch what {
	case QueryWidth:
		return int(q.defWidth), nil
	case QueryHeight:
		return int(q.defHeight), nil
	case QueryMaxBufferCount:
		return q.maxBuffers, nil
	case QueryPendingBuffers:
		return len(q.fifo), nil
	default:
		return 0, fmt.Errorf("bufq: unknown query %d", what)
	}
}

// SetBufferCount implements Producer.
func (q *Queue) SetBufferCount(count int) error {
	return q.setBufferCount(count)
}

// AcquireBuffer hands the oldest queued buffer to the consumer.
func (q *Queue) AcquireBuffer() (BufferItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo) == 0 {
		return BufferItem{}, ErrNoBufferAcquired
	}
	slot := q.fifo[0]
	q.fifo = q.fifo[1:]
	st := &q.slots[slot]
	st.state = slotAcquired
	q.logDebug("acquire", "slot", slot)
	return st.item, nil
}

// ReleaseBuffer returns an acquired buffer to the free pool. f gates the
// slot's next dequeue: the producer must not write until it signals.
func (q *Queue) ReleaseBuffer(slot int, f *fence.Fence) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if slot < 0 || slot >= NumSlots {
		return fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}
	st := &q.slots[slot]
	if st.state != slotAcquired {
		return fmt.Errorf("%w: slot %d is %s", ErrSlotNotAcquired, slot, st.state)
	}
	st.state = slotFree
	st.releaseFence = f
	st.item = BufferItem{}
	q.logDebug("release", "slot", slot)
	return nil
}

// QueueStats is a snapshot of queue occupancy and allocation counters.
type QueueStats struct {
	// Free, Dequeued, Queued and Acquired count slots per state.
	Free     int
	Dequeued int
	Queued   int
	Acquired int

	// Allocations is the number of buffer allocations performed.
	Allocations uint64

	// Requests is the number of RequestBuffer calls served.
	Requests uint64
}

// String returns a human-readable form of the stats.
func (s QueueStats) String() string {
	return fmt.Sprintf("Queue[free=%d deq=%d queued=%d acq=%d allocs=%d reqs=%d]",
		s.Free, s.Dequeued, s.Queued, s.Acquired, s.Allocations, s.Requests)
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := QueueStats{Allocations: q.allocCount, Requests: q.requestCount}
	for i := 0; i < q.maxBuffers; i++ {
		switch q.slots[i].state {
		case slotFree:
			st.Free++
		case slotDequeued:
			st.Dequeued++
		case slotQueued:
			st.Queued++
		case slotAcquired:
			st.Acquired++
		}
	}
	return st
}
