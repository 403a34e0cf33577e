//go:build linux && cgo

package media

import (
	"fmt"
	"os"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// videoBitRate caps the VP8 encoder; at 640×480 this stays smooth
// without flooding the uplink.
const videoBitRate = 1_500_000

// CaptureDevice captures camera and microphone via pion/mediadevices
// (V4L2 + malgo on Linux).
type CaptureDevice struct {
	selector *mediadevices.CodecSelector
}

// NewCaptureDevice builds the VP8+Opus capture device.
func NewCaptureDevice() (*CaptureDevice, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &CaptureDevice{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Open requests an audio+video stream within the configured bounds.
func (d *CaptureDevice) Open(config Config) ([]Track, error) {
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, fmt.Errorf("no capture devices found: %w", ErrDeviceUnavailable)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.IntRanged{Ideal: config.Width}
			c.Height = prop.IntRanged{Ideal: config.Height}
			c.FrameRate = prop.FloatRanged{Max: float32(config.FrameRate)}
		},
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("get user media: %w", ErrPermissionDenied)
		}
		return nil, fmt.Errorf("get user media: %v: %w", err, ErrDeviceUnavailable)
	}

	var tracks []Track
	for _, t := range stream.GetTracks() {
		tracks = append(tracks, newGatedTrack(t))
	}
	return tracks, nil
}

// gatedTrack wraps a capture track with an in-place mute switch. The
// capture pipeline keeps running; while disabled, its packets are
// swallowed before they reach the wire, so no renegotiation is needed.
type gatedTrack struct {
	mediadevices.Track
	gate gate
}

func newGatedTrack(t mediadevices.Track) *gatedTrack {
	gt := &gatedTrack{Track: t}
	gt.gate.enabled = true
	return gt
}

func (t *gatedTrack) SetEnabled(enabled bool) {
	t.gate.setEnabled(enabled)
}

// Bind hands the encoder a write stream that honors the gate.
func (t *gatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return t.Track.Bind(&gatedContext{TrackLocalContext: ctx, gate: &t.gate})
}

type gate struct {
	mu      sync.Mutex
	enabled bool
}

func (g *gate) setEnabled(enabled bool) {
	g.mu.Lock()
	g.enabled = enabled
	g.mu.Unlock()
}

func (g *gate) open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

type gatedContext struct {
	webrtc.TrackLocalContext
	gate *gate
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{inner: c.TrackLocalContext.WriteStream(), gate: c.gate}
}

// gatedWriter reports writes as successful while the gate is shut, so
// the encoder never sees the mute.
type gatedWriter struct {
	inner webrtc.TrackLocalWriter
	gate  *gate
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.gate.open() {
		return len(payload), nil
	}
	return w.inner.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.gate.open() {
		return len(b), nil
	}
	return w.inner.Write(b)
}

// Populate registers the selected capture codecs with a peer
// connection's media engine.
func (d *CaptureDevice) Populate(engine *webrtc.MediaEngine) error {
	d.selector.Populate(engine)
	return nil
}
