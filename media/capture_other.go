//go:build !linux || !cgo

package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// CaptureDevice is unavailable off Linux: pion/mediadevices needs the
// platform drivers (V4L2/malgo) that only the linux build carries.
type CaptureDevice struct{}

// NewCaptureDevice reports that capture is unsupported on this platform.
func NewCaptureDevice() (*CaptureDevice, error) {
	return &CaptureDevice{}, nil
}

// Open always fails on this platform.
func (d *CaptureDevice) Open(_ Config) ([]Track, error) {
	return nil, fmt.Errorf("no capture drivers on this platform: %w", ErrDeviceUnavailable)
}

// Populate registers the default codec set; there are no capture
// codecs to pin on this platform.
func (d *CaptureDevice) Populate(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}
