package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"duo/media"
)

// WebRTC builds adapters on pion peer connections.
type WebRTC struct {
	config Config
}

// NewWebRTC creates a new adapter factory.
func NewWebRTC(config Config) *WebRTC {
	return &WebRTC{config: config}
}

// NewInitiator builds the caller-side adapter.
func (w *WebRTC) NewInitiator(tracks []media.Track) (Adapter, error) {
	c, err := w.newConn(tracks)
	if err != nil {
		return nil, err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.Destroy()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := c.setLocalAndEmit(offer); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

// NewResponder builds the receiver-side adapter seeded with the
// caller's offer payload.
func (w *WebRTC) NewResponder(tracks []media.Track, offer []byte) (Adapter, error) {
	c, err := w.newConn(tracks)
	if err != nil {
		return nil, err
	}

	var remote webrtc.SessionDescription
	if err := json.Unmarshal(offer, &remote); err != nil {
		c.Destroy()
		return nil, fmt.Errorf("decode offer: %w", ErrProtocol)
	}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		c.Destroy()
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.Destroy()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := c.setLocalAndEmit(answer); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

func (w *WebRTC) newConn(tracks []media.Track) (*conn, error) {
	engine := &webrtc.MediaEngine{}
	setup := w.config.EngineSetup
	if setup == nil {
		setup = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := setup(engine); err != nil {
		return nil, fmt.Errorf("setup media engine: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           w.config.iceServers(),
		ICECandidatePoolSize: w.config.CandidatePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	c := &conn{
		pc:     pc,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}

	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			c.Destroy()
			return nil, fmt.Errorf("add track: %w", err)
		}
		go drainRTCP(sender)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.emit(Event{Kind: EventRemoteTrack, Track: track})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			c.markConnected()
			c.emit(Event{Kind: EventConnected})
		case webrtc.PeerConnectionStateFailed:
			c.emit(Event{Kind: EventFailed, Err: errors.New("peer connection failed")})
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			c.emit(Event{Kind: EventClosed})
		default:
		}
	})
	return c, nil
}

// conn is one pion-backed adapter.
type conn struct {
	pc     *webrtc.PeerConnection
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	connected bool
	destroyed bool
	once      sync.Once
}

// Events returns the adapter's event stream.
func (c *conn) Events() <-chan Event {
	return c.events
}

// AcceptRemoteDescription feeds the peer's description into the
// connection.
func (c *conn) AcceptRemoteDescription(payload []byte) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("adapter destroyed: %w", ErrProtocol)
	}
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("adapter already connected: %w", ErrProtocol)
	}
	c.mu.Unlock()

	var remote webrtc.SessionDescription
	if err := json.Unmarshal(payload, &remote); err != nil {
		return fmt.Errorf("decode description: %w", ErrProtocol)
	}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// Destroy releases the underlying connection. Idempotent. The done
// channel closes before the connection does, so emitters blocked on a
// slow consumer are released first.
func (c *conn) Destroy() {
	c.once.Do(func() {
		c.mu.Lock()
		c.destroyed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.pc.Close()
	})
}

// setLocalAndEmit installs desc and emits the complete local
// description once ICE gathering finishes. Candidates are not trickled:
// the notification store is a one-slot mailbox, so each side sends
// exactly one full description.
func (c *conn) setLocalAndEmit(desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	go func() {
		<-gathered
		local := c.pc.LocalDescription()
		if local == nil {
			return
		}
		payload, err := json.Marshal(local)
		if err != nil {
			c.emit(Event{Kind: EventFailed, Err: fmt.Errorf("encode description: %w", err)})
			return
		}
		c.emit(Event{Kind: EventLocalDescription, Payload: payload})
	}()
	return nil
}

func (c *conn) markConnected() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
}

// emit blocks until the consumer takes the event; no event is ever
// silently dropped while the adapter lives. Destruction releases any
// blocked emitter, after which only the closed notification is still
// offered to a draining consumer.
func (c *conn) emit(ev Event) {
	select {
	case <-c.done:
		c.emitClosedLate(ev)
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.done:
		c.emitClosedLate(ev)
	}
}

func (c *conn) emitClosedLate(ev Event) {
	if ev.Kind != EventClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

// drainRTCP keeps the sender's feedback stream flowing; interceptors
// depend on the reads.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
