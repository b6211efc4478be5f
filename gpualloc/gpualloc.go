// Package gpualloc allocates buffer storage as GPU textures through a
// shared device provider.
//
// The virtual display core does not care what backs its buffers; this
// package plugs into bufq.Allocator so scratch-pool buffers live as HAL
// textures on the same device the host application renders with. The
// device is received from the host, never created here, which keeps GPU
// resources shared across the stack.
package gpualloc

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vdisplay/bufq"
)

// Allocator errors.
var (
	// ErrNoHAL is returned when the provider does not expose HAL types.
	ErrNoHAL = errors.New("gpualloc: provider does not expose HAL types")

	// ErrNilProvider is returned when a nil provider is passed.
	ErrNilProvider = errors.New("gpualloc: nil device provider")
)

// Texture is the GPU-side backing attached to buffers produced by this
// allocator, stored in bufq.Buffer.Backing.
type Texture struct {
	Tex  hal.Texture
	View hal.TextureView
}

// Allocator creates buffers backed by HAL textures. It implements
// bufq.Allocator.
type Allocator struct {
	device hal.Device
	logger *slog.Logger
	serial uint64
}

var _ bufq.Allocator = (*Allocator)(nil)

// New creates an allocator on the device shared by provider. The provider
// must expose HAL access via HalDevice() any returning a hal.Device.
func New(provider gpucontext.DeviceProvider) (*Allocator, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	return &Allocator{device: device}, nil
}

// SetLogger attaches a logger for allocation diagnostics.
func (a *Allocator) SetLogger(l *slog.Logger) {
	a.logger = l
}

// Allocate implements bufq.Allocator, creating the buffer's storage as a
// 2D texture plus a default view.
func (a *Allocator) Allocate(width, height uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) (*bufq.Buffer, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", bufq.ErrInvalidSize, width, height)
	}
	if usage == 0 {
		usage = gputypes.TextureUsageRenderAttachment
	}
	a.serial++
	label := fmt.Sprintf("vds_buffer_%d", a.serial)

	tex, err := a.device.CreateTexture(&hal.TextureDescriptor{
		Label:         label,
		Size:          hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         usage,
	})
	if err != nil {
		return nil, fmt.Errorf("gpualloc: create texture: %w", err)
	}
	view, err := a.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label: label + "_view",
	})
	if err != nil {
		a.device.DestroyTexture(tex)
		return nil, fmt.Errorf("gpualloc: create texture view: %w", err)
	}
	if a.logger != nil {
		a.logger.Debug("allocated texture", "label", label, "width", width, "height", height)
	}
	return &bufq.Buffer{
		Width:   width,
		Height:  height,
		Format:  format,
		Usage:   usage,
		Backing: &Texture{Tex: tex, View: view},
	}, nil
}

// Release implements bufq.Allocator, destroying the buffer's texture.
func (a *Allocator) Release(b *bufq.Buffer) {
	if b == nil {
		return
	}
	t, ok := b.Backing.(*Texture)
	if !ok {
		return
	}
	if t.View != nil {
		a.device.DestroyTextureView(t.View)
		t.View = nil
	}
	if t.Tex != nil {
		a.device.DestroyTexture(t.Tex)
		t.Tex = nil
	}
	b.Backing = nil
}
