package bufq

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

// Allocation errors.
var (
	// ErrUnsupportedFormat is returned when an allocator cannot back the
	// requested texture format.
	ErrUnsupportedFormat = errors.New("bufq: unsupported buffer format")

	// ErrInvalidSize is returned for zero-sized allocation requests.
	ErrInvalidSize = errors.New("bufq: invalid buffer size")
)

// Buffer is a graphics buffer handle. The handle identifies the storage;
// which party may touch the storage at any moment is governed by the
// owning queue's slot state and the fences passed alongside the handle,
// never by the handle itself.
type Buffer struct {
	// Width and Height are the buffer dimensions in pixels.
	Width  uint32
	Height uint32

	// Format is the pixel format of the backing storage.
	Format gputypes.TextureFormat

	// Usage records the usage bits the buffer was allocated with.
	Usage gputypes.TextureUsage

	// Generation distinguishes reallocations: a queue bumps it every time
	// fresh storage is bound to a slot, so callers caching handles can
	// detect that a re-request returned new storage even when dimensions
	// and format are unchanged.
	Generation uint64

	// Pix is the CPU backing store in row-major order, 4 bytes per pixel,
	// or nil for GPU-backed buffers.
	Pix []byte

	// Stride is the length in bytes of one row of Pix.
	Stride int

	// Backing is the opaque GPU-side backing for buffers produced by GPU
	// allocators (for example a hal.Texture), or nil.
	Backing any
}

// String returns a short diagnostic description of the buffer.
func (b *Buffer) String() string {
	if b == nil {
		return "Buffer(nil)"
	}
	return fmt.Sprintf("Buffer(%dx%d fmt=%d gen=%d)", b.Width, b.Height, b.Format, b.Generation)
}

// Allocator provides buffer storage for a Queue.
type Allocator interface {
	// Allocate creates a buffer of the given geometry. The returned
	// buffer's Generation is zero; the owning queue assigns it.
	Allocate(width, height uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) (*Buffer, error)

	// Release frees the buffer's backing storage.
	Release(*Buffer)
}

// bytesPerPixel returns the pixel stride for the formats the CPU
// allocator can back.
func bytesPerPixel(format gputypes.TextureFormat) (int, bool) {
	switch format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm:
		return 4, true
	default:
		return 0, false
	}
}

// CPUAllocator backs buffers with plain byte slices. It is the default
// allocator for a Queue and is sufficient for software sinks and tests.
type CPUAllocator struct{}

// NewCPUAllocator returns an allocator backing buffers with byte slices.
func NewCPUAllocator() *CPUAllocator { return &CPUAllocator{} }

// Allocate implements Allocator.
func (*CPUAllocator) Allocate(width, height uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) (*Buffer, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	bpp, ok := bytesPerPixel(format)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, format)
	}
	stride := int(width) * bpp
	return &Buffer{
		Width:  width,
		Height: height,
		Format: format,
		Usage:  usage,
		Pix:    make([]byte, stride*int(height)),
		Stride: stride,
	}, nil
}

// Release implements Allocator. CPU buffers are garbage collected, so
// Release only drops the pixel slice.
func (*CPUAllocator) Release(b *Buffer) {
	if b != nil {
		b.Pix = nil
	}
}
