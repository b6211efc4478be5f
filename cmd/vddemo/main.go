// Command vddemo drives a virtual display end to end: frames are
// rendered in software through the producer facade, routed through a
// recording composer, and captured via an image sink as PNG files.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/vdisplay"
	"github.com/gogpu/vdisplay/bufq"
	"github.com/gogpu/vdisplay/fence"
	"github.com/gogpu/vdisplay/hwc/hwctest"
	"github.com/gogpu/vdisplay/imagesink"
)

func main() {
	var (
		width  = flag.Int("width", 640, "display width")
		height = flag.Int("height", 360, "display height")
		frames = flag.Int("frames", 6, "number of frames to compose")
		outDir = flag.String("out", ".", "output directory for PNG frames")
	)
	flag.Parse()

	sink := imagesink.New(uint32(*width), uint32(*height))
	defer sink.Close()

	composer := &hwctest.Composer{}
	vd, err := vdisplay.New(composer, 0, sink.Producer(), "vddemo")
	if err != nil {
		log.Fatalf("Failed to create surface: %v", err)
	}

	producer := vd.Producer()
	if _, err := producer.Connect(bufq.APIEGL); err != nil {
		log.Fatalf("Failed to connect producer: %v", err)
	}
	defer func() { _ = producer.Disconnect(bufq.APIEGL) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	types := []vdisplay.CompositionType{
		vdisplay.CompositionGLES,
		vdisplay.CompositionHWC,
		vdisplay.CompositionMixed,
	}
	for i := 0; i < *frames; i++ {
		ct := types[i%len(types)]
		if err := composeFrame(ctx, vd, producer, composer, sink, ct, i, *outDir); err != nil {
			log.Fatalf("Frame %d (%s): %v", i, ct, err)
		}
	}

	log.Printf("Composed %d frames into %s (%dx%d)\n", *frames, *outDir, *width, *height)
}

// composeFrame runs one full prepare/render/advance/commit cycle and
// saves the frame the sink delivers.
func composeFrame(ctx context.Context, vd *vdisplay.Surface, producer bufq.Producer, composer *hwctest.Composer, sink *imagesink.Sink, ct vdisplay.CompositionType, n int, outDir string) error {
	if err := vd.PrepareFrame(ct); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	// On GLES and Mixed frames the client renders into a dequeued buffer.
	if ct != vdisplay.CompositionHWC {
		if err := renderFrame(ctx, producer, ct, n); err != nil {
			return fmt.Errorf("render: %w", err)
		}
	}
	vd.CompositionComplete()

	if err := vd.AdvanceFrame(); err != nil {
		return fmt.Errorf("advance: %w", err)
	}

	// Stand in for the display hardware: compose whatever was posted
	// into the output buffer, then report completion fences.
	simulateCompose(composer, ct, n)
	composer.SetReleaseFence(fence.Signaled())
	composer.SetRetireFence(fence.Signaled())
	vd.FrameCommitted()

	img, err := sink.NextFrame(ctx)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	name := filepath.Join(outDir, fmt.Sprintf("frame_%02d_%s.png", n, strings.ToLower(ct.String())))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	log.Printf("Frame %d (%s) -> %s", n, ct, name)
	return nil
}

// renderFrame plays the GPU client: dequeue, fill a test pattern, queue
// with a signaled render-complete fence.
func renderFrame(ctx context.Context, producer bufq.Producer, ct vdisplay.CompositionType, n int) error {
	slot, wait, _, err := producer.DequeueBuffer(0, 0, gputypes.TextureFormatRGBA8Unorm, 0)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if err := wait.Wait(ctx); err != nil {
		return fmt.Errorf("wait for slot %d: %w", slot, err)
	}
	buf, err := producer.RequestBuffer(slot)
	if err != nil {
		return fmt.Errorf("request slot %d: %w", slot, err)
	}
	drawPattern(buf, ct, n)

	done := fence.Signaled()
	if _, err := producer.QueueBuffer(slot, bufq.QueueInput{
		Timestamp: time.Now(),
		Fence:     done,
	}); err != nil {
		return fmt.Errorf("queue slot %d: %w", slot, err)
	}
	return nil
}

// simulateCompose does what real display hardware would: on Mixed
// frames it copies the posted scratch framebuffer into the sink-owned
// output buffer, and on HWC frames it draws directly into the output.
func simulateCompose(composer *hwctest.Composer, ct vdisplay.CompositionType, n int) {
	var fb, out *bufq.Buffer
	for _, call := range composer.Calls() {
		switch call.Op {
		case "post":
			fb = call.Buffer
		case "output":
			out = call.Buffer
		}
	}
	composer.Reset()
	if out == nil {
		return
	}
	switch ct {
	case vdisplay.CompositionHWC:
		drawPattern(out, ct, n)
	case vdisplay.CompositionMixed:
		if fb != nil && fb != out && len(out.Pix) == len(fb.Pix) {
			copy(out.Pix, fb.Pix)
		}
	}
}

// drawPattern fills the buffer with a pattern that varies per frame and
// per composition path, so the saved PNGs are easy to tell apart.
func drawPattern(buf *bufq.Buffer, ct vdisplay.CompositionType, n int) {
	if buf == nil || buf.Pix == nil {
		return
	}
	w, h := int(buf.Width), int(buf.Height)
	phase := byte(n * 40)
	for y := 0; y < h; y++ {
		row := buf.Pix[y*buf.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+4]
			switch ct {
			case vdisplay.CompositionGLES:
				p[0] = byte(x * 255 / w)
				p[1] = phase
				p[2] = byte(y * 255 / h)
			case vdisplay.CompositionHWC:
				v := byte((x ^ y) & 0xff)
				p[0] = v
				p[1] = v + phase
				p[2] = 255 - v
			default:
				p[0] = phase
				p[1] = byte(x * 255 / w)
				p[2] = byte(y * 255 / h)
			}
			p[3] = 255
		}
	}
}
