package gpualloc

import (
	"errors"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// stubProvider implements gpucontext.DeviceProvider without HAL access.
type stubProvider struct{}

func (stubProvider) Device() gpucontext.Device { return nil }
func (stubProvider) Queue() gpucontext.Queue   { return nil }
func (stubProvider) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatUndefined
}
func (stubProvider) Adapter() gpucontext.Adapter         { return nil }
func (stubProvider) AdapterInfo() gpucontext.AdapterInfo { return gpucontext.AdapterInfo{} }

// stubHALProvider exposes HAL accessors with the wrong concrete types.
type stubHALProvider struct{ stubProvider }

func (stubHALProvider) HalDevice() any { return "not a device" }
func (stubHALProvider) HalQueue() any  { return nil }

func TestNewNilProvider(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNilProvider) {
		t.Errorf("err = %v, want ErrNilProvider", err)
	}
}

func TestNewWithoutHAL(t *testing.T) {
	if _, err := New(stubProvider{}); !errors.Is(err, ErrNoHAL) {
		t.Errorf("err = %v, want ErrNoHAL", err)
	}
}

func TestNewWrongHALTypes(t *testing.T) {
	if _, err := New(stubHALProvider{}); !errors.Is(err, ErrNoHAL) {
		t.Errorf("err = %v, want ErrNoHAL", err)
	}
}
