package fence

import (
	"context"
	"testing"
	"time"
)

func TestNilFence(t *testing.T) {
	var f *Fence
	if !f.Signaled() {
		t.Error("nil fence should report signaled")
	}
	select {
	case <-f.Done():
	default:
		t.Error("nil fence Done channel should be closed")
	}
	f.Signal() // must not panic
}

func TestSignal(t *testing.T) {
	f := New()
	if f.Signaled() {
		t.Error("new fence should not be signaled")
	}
	select {
	case <-f.Done():
		t.Error("Done channel closed before Signal")
	default:
	}

	f.Signal()
	if !f.Signaled() {
		t.Error("fence should be signaled after Signal")
	}
	select {
	case <-f.Done():
	default:
		t.Error("Done channel should be closed after Signal")
	}

	f.Signal() // double signal is a no-op
}

func TestSignaledConstructor(t *testing.T) {
	f := Signaled()
	if !f.Signaled() {
		t.Error("Signaled() should return a signaled fence")
	}
}

func TestWait(t *testing.T) {
	f := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Signal()
	}()
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWaitCanceled(t *testing.T) {
	f := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Wait(ctx); err == nil {
		t.Error("Wait on canceled context should return an error")
	}
}

func TestMerge(t *testing.T) {
	a := New()
	b := New()
	m := Merge(a, nil, b)
	if m.Signaled() {
		t.Error("merge of unsignaled fences should not be signaled")
	}
	a.Signal()
	b.Signal()
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on merged fence: %v", err)
	}
}

func TestMergeAllSignaled(t *testing.T) {
	m := Merge(nil, Signaled())
	if !m.Signaled() {
		t.Error("merge of nil and signaled fences should be signaled")
	}
}
