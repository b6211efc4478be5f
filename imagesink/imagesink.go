// Package imagesink provides a software sink endpoint for virtual
// displays: queued buffers are consumed into image.RGBA frames, ready for
// encoding, inspection, or saving.
//
// The sink owns a bufq.Queue; hand its Producer to vdisplay.New as the
// sink endpoint, then pull composed frames with NextFrame. The consumer
// waits on each buffer's fence before touching pixels, which keeps the
// no-wait rule inside the routing core intact.
package imagesink

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/vdisplay/bufq"
	"github.com/gogpu/vdisplay/fence"
)

// Sink errors.
var (
	// ErrNoCPUAccess is returned for buffers without CPU-visible pixels,
	// for example GPU-texture-backed scratch buffers routed here by
	// mistake.
	ErrNoCPUAccess = errors.New("imagesink: buffer has no CPU-visible pixels")

	// ErrBadFormat is returned for pixel formats the sink cannot convert.
	ErrBadFormat = errors.New("imagesink: unsupported pixel format")
)

// Sink consumes queued buffers into RGBA images at a fixed output
// geometry.
type Sink struct {
	queue  *bufq.Queue
	width  int
	height int
}

// New creates a sink with the given output geometry.
func New(width, height uint32) *Sink {
	q := bufq.New(nil)
	q.SetConsumerName("imagesink")
	q.SetDefaultBufferSize(width, height)
	return &Sink{queue: q, width: int(width), height: int(height)}
}

// Producer returns the producer endpoint to hand to the virtual display.
func (s *Sink) Producer() bufq.Producer { return s.queue }

// Pending returns the number of composed frames waiting to be consumed.
func (s *Sink) Pending() int {
	n, _ := s.queue.Query(bufq.QueryPendingBuffers)
	return n
}

// Close disconnects the sink; subsequent producer operations fail.
func (s *Sink) Close() { s.queue.Close() }

// NextFrame consumes the oldest queued buffer into a new image. It waits
// for the buffer's fence to signal (bounded by ctx), converts the crop
// according to the queued scaling mode, and releases the buffer back to
// the pool.
//
// Returns bufq.ErrNoBufferAcquired when no frame is queued.
func (s *Sink) NextFrame(ctx context.Context) (*image.RGBA, error) {
	item, err := s.queue.AcquireBuffer()
	if err != nil {
		return nil, err
	}
	if err := item.Fence.Wait(ctx); err != nil {
		// The producer's writes may still be in flight; give the buffer
		// back unread with no fence of our own.
		_ = s.queue.ReleaseBuffer(item.Slot, nil)
		return nil, fmt.Errorf("imagesink: waiting for frame fence: %w", err)
	}

	img, err := s.convert(item)
	relErr := s.queue.ReleaseBuffer(item.Slot, fence.Signaled())
	if err != nil {
		return nil, err
	}
	if relErr != nil {
		return nil, fmt.Errorf("imagesink: release: %w", relErr)
	}
	return img, nil
}

// convert renders the item's crop into an output-sized RGBA image.
func (s *Sink) convert(item bufq.BufferItem) (*image.RGBA, error) {
	src, err := bufferImage(item.Buffer)
	if err != nil {
		return nil, err
	}
	crop := item.Crop
	if crop.Empty() {
		crop = src.Bounds()
	}

	dst := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	switch item.ScalingMode {
	case bufq.ScalingModeFreeze:
		// Content must not be rescaled: copy the crop 1:1.
		draw.Copy(dst, image.Point{}, src, crop, draw.Src, nil)
	case bufq.ScalingModeScaleToWindow:
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)
	case bufq.ScalingModeScaleCrop:
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, cropToAspect(crop, s.width, s.height), draw.Src, nil)
	default:
		draw.Copy(dst, image.Point{}, src, crop, draw.Src, nil)
	}
	return dst, nil
}

// cropToAspect shrinks crop to the destination aspect ratio, centered, so
// a plain stretch then fills the output without distortion.
func cropToAspect(crop image.Rectangle, dstW, dstH int) image.Rectangle {
	cw, ch := crop.Dx(), crop.Dy()
	if cw == 0 || ch == 0 || dstW == 0 || dstH == 0 {
		return crop
	}
	if cw*dstH > dstW*ch {
		// Crop is wider than the destination: trim width.
		w := dstW * ch / dstH
		x := crop.Min.X + (cw-w)/2
		return image.Rect(x, crop.Min.Y, x+w, crop.Max.Y)
	}
	// Crop is taller: trim height.
	h := dstH * cw / dstW
	y := crop.Min.Y + (ch-h)/2
	return image.Rect(crop.Min.X, y, crop.Max.X, y+h)
}

// bufferImage wraps a buffer's pixels as an image without copying.
func bufferImage(b *bufq.Buffer) (image.Image, error) {
	if b == nil || b.Pix == nil {
		return nil, ErrNoCPUAccess
	}
	r := image.Rect(0, 0, int(b.Width), int(b.Height))
	switch b.Format {
	case gputypes.TextureFormatRGBA8Unorm:
		return &image.RGBA{Pix: b.Pix, Stride: b.Stride, Rect: r}, nil
	case gputypes.TextureFormatBGRA8Unorm:
		return &bgraImage{pix: b.Pix, stride: b.Stride, rect: r}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadFormat, b.Format)
	}
}

// bgraImage adapts BGRA byte order to the image.Image interface.
type bgraImage struct {
	pix    []byte
	stride int
	rect   image.Rectangle
}

func (m *bgraImage) ColorModel() color.Model { return color.RGBAModel }

func (m *bgraImage) Bounds() image.Rectangle { return m.rect }

func (m *bgraImage) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(m.rect)) {
		return color.RGBA{}
	}
	i := (y-m.rect.Min.Y)*m.stride + (x-m.rect.Min.X)*4
	return color.RGBA{R: m.pix[i+2], G: m.pix[i+1], B: m.pix[i], A: m.pix[i+3]}
}
