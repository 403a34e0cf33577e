// Package media manages the local capture stream for a call: device
// acquisition, mute toggles, and release.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Below is the error set for media acquisition.
var (
	// ErrPermissionDenied is returned when the user refuses camera or
	// microphone access. Call setup aborts without retry.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrDeviceUnavailable is returned when no capture device exists
	// or capture is not supported on this platform.
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

// Track is a local capture track that can feed a peer connection.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Switchable is implemented by tracks whose output can be toggled in
// place without renegotiation.
type Switchable interface {
	SetEnabled(enabled bool)
}

// Device opens local capture tracks.
//
//go:generate mockgen -destination=mock_device.go -package=media . Device
type Device interface {
	Open(config Config) ([]Track, error)
}

// Config bounds the capture request.
type Config struct {
	Width     int // ideal horizontal resolution
	Height    int // ideal vertical resolution
	FrameRate int // maximum frames per second
}

// DefaultConfig returns the capture bounds used for calls.
func DefaultConfig() Config {
	return Config{
		Width:     640,
		Height:    480,
		FrameRate: 30,
	}
}

// Session owns an acquired capture stream. Exactly one release happens
// per acquired session regardless of how many exit paths request it.
type Session struct {
	mu       sync.Mutex
	tracks   []Track
	audioOn  bool
	videoOn  bool
	released bool
}

// Acquire requests audio+video capture from dev. No peer connection
// may be built without a successfully acquired session.
func Acquire(dev Device, config Config) (*Session, error) {
	tracks, err := dev.Open(config)
	if err != nil {
		return nil, err
	}
	return &Session{
		tracks:  tracks,
		audioOn: true,
		videoOn: true,
	}, nil
}

// Tracks returns the capture tracks to attach to a peer connection.
func (s *Session) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

// AudioEnabled reports whether the audio tracks are live.
func (s *Session) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}

// VideoEnabled reports whether the video tracks are live.
func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

// SetAudioEnabled toggles the audio tracks in place. No effect after
// release or when no audio track exists.
func (s *Session) SetAudioEnabled(enabled bool) {
	s.setEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

// SetVideoEnabled toggles the video tracks in place. No effect after
// release or when no video track exists.
func (s *Session) SetVideoEnabled(enabled bool) {
	s.setEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

func (s *Session) setEnabled(kind webrtc.RTPCodecType, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	for _, t := range s.tracks {
		if t.Kind() != kind {
			continue
		}
		if sw, ok := t.(Switchable); ok {
			sw.SetEnabled(enabled)
		}
	}
	if kind == webrtc.RTPCodecTypeAudio {
		s.audioOn = enabled
	} else {
		s.videoOn = enabled
	}
}

// Release stops all tracks and releases the device. Idempotent; called
// on every exit path of a call.
func (s *Session) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	for _, t := range tracks {
		_ = t.Close()
	}
}
