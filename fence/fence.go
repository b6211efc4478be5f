// Package fence provides one-shot synchronization tokens for buffer
// hand-off between producers and consumers.
//
// A Fence signals that the previous user of a buffer (a renderer, the
// hardware composer, or a consumer) has finished touching it. Passing a
// fence along with a buffer means "the buffer is yours once this fence
// signals"; the routing core itself never blocks on a fence, it only
// forwards them. Consumers that actually read pixel data call Wait.
//
// A nil *Fence means "no fence" and behaves as already signaled.
package fence

import (
	"context"
	"sync"
	"sync/atomic"
)

// closedChan is returned by Done for nil and already-signaled fences.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Fence is a one-shot synchronization token. The zero value is an
// unsignaled fence. Fences are safe for concurrent use.
type Fence struct {
	once     sync.Once
	signaled atomic.Bool

	mu sync.Mutex
	ch chan struct{} // lazily created; nil until first Done on unsignaled fence
}

// New returns a new unsignaled fence.
func New() *Fence {
	return &Fence{}
}

// Signaled returns a fence that is already signaled. Useful for sources
// that hand out buffers with no pending prior user.
func Signaled() *Fence {
	f := &Fence{}
	f.Signal()
	return f
}

// Signal marks the fence as signaled. Signaling more than once is a no-op.
func (f *Fence) Signal() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		f.signaled.Store(true)
		f.mu.Lock()
		if f.ch != nil {
			close(f.ch)
		}
		f.mu.Unlock()
	})
}

// Signaled reports whether the fence has signaled. A nil fence reports true.
func (f *Fence) Signaled() bool {
	if f == nil {
		return true
	}
	return f.signaled.Load()
}

// Done returns a channel that is closed when the fence signals.
// For a nil or already-signaled fence the returned channel is closed.
func (f *Fence) Done() <-chan struct{} {
	if f == nil {
		return closedChan
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled.Load() {
		return closedChan
	}
	if f.ch == nil {
		f.ch = make(chan struct{})
	}
	return f.ch
}

// Wait blocks until the fence signals or ctx is done. Intended for code
// outside the routing core (for example a sink consumer reading pixels);
// the core itself only forwards fences.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Merge returns a fence that signals once every input fence has signaled.
// Nil inputs are ignored. If all inputs are nil or already signaled the
// result is already signaled.
func Merge(fences ...*Fence) *Fence {
	pending := make([]*Fence, 0, len(fences))
	for _, f := range fences {
		if f != nil && !f.Signaled() {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		return Signaled()
	}
	m := New()
	go func() {
		for _, f := range pending {
			<-f.Done()
		}
		m.Signal()
	}()
	return m
}
