// Package hwctest provides a recording fake Composer for tests and demos.
package hwctest

import (
	"sync"

	"github.com/gogpu/vdisplay/bufq"
	"github.com/gogpu/vdisplay/fence"
	"github.com/gogpu/vdisplay/hwc"
)

// Call records one composer invocation.
type Call struct {
	// Op is "post" or "output".
	Op      string
	Display hwc.DisplayID
	Fence   *fence.Fence
	Buffer  *bufq.Buffer
}

// Composer is a fake hwc.Composer that records calls and hands out
// preconstructed fences. The zero value is ready to use.
type Composer struct {
	mu sync.Mutex

	// PostErr and OutputErr, when non-nil, are returned by the
	// corresponding calls to script composer failures.
	PostErr   error
	OutputErr error

	calls   []Call
	release *fence.Fence
	retire  *fence.Fence
}

var _ hwc.Composer = (*Composer)(nil)

// SetReleaseFence sets the fence the next ReleaseFence call returns.
func (c *Composer) SetReleaseFence(f *fence.Fence) {
	c.mu.Lock()
	c.release = f
	c.mu.Unlock()
}

// SetRetireFence sets the fence the next RetireFence call returns.
func (c *Composer) SetRetireFence(f *fence.Fence) {
	c.mu.Lock()
	c.retire = f
	c.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (c *Composer) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// Reset clears the recorded calls.
func (c *Composer) Reset() {
	c.mu.Lock()
	c.calls = nil
	c.mu.Unlock()
}

// PostFramebuffer implements hwc.Composer.
func (c *Composer) PostFramebuffer(display hwc.DisplayID, f *fence.Fence, buf *bufq.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PostErr != nil {
		return c.PostErr
	}
	c.calls = append(c.calls, Call{Op: "post", Display: display, Fence: f, Buffer: buf})
	return nil
}

// SetOutputBuffer implements hwc.Composer.
func (c *Composer) SetOutputBuffer(display hwc.DisplayID, f *fence.Fence, buf *bufq.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OutputErr != nil {
		return c.OutputErr
	}
	c.calls = append(c.calls, Call{Op: "output", Display: display, Fence: f, Buffer: buf})
	return nil
}

// ReleaseFence implements hwc.Composer. The configured fence is returned
// once and then reset, matching real composer fence retrieval.
func (c *Composer) ReleaseFence(hwc.DisplayID) *fence.Fence {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.release
	c.release = nil
	return f
}

// RetireFence implements hwc.Composer.
func (c *Composer) RetireFence(hwc.DisplayID) *fence.Fence {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.retire
	c.retire = nil
	return f
}
