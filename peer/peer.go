// Package peer wraps the direct peer-to-peer media connection behind a
// small adapter with a fixed event set.
package peer

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"duo/media"
)

// ErrProtocol is returned on adapter misuse, e.g. feeding a
// description into a destroyed or already-connected adapter. It is a
// programmer error: logged and treated as a teardown trigger, never a
// crash.
var ErrProtocol = errors.New("peer protocol violation")

// EventKind discriminates adapter events.
type EventKind int

// The adapter's fixed event set.
const (
	// EventLocalDescription carries a connection description to be
	// forwarded to the peer through the notification store.
	EventLocalDescription EventKind = iota

	// EventConnected reports that the media path is established.
	EventConnected

	// EventRemoteTrack carries a remote track to attach to the media sink.
	EventRemoteTrack

	// EventFailed reports a fatal transport error for this session.
	EventFailed

	// EventClosed reports that the connection ended.
	EventClosed
)

// Event is one tagged adapter event. Exactly the field matching Kind
// is set.
type Event struct {
	Kind    EventKind
	Payload []byte
	Track   *webrtc.TrackRemote
	Err     error
}

// Adapter is one peer connection. Events are consumed from a single
// channel by the call machine's event loop.
//
//go:generate mockgen -destination=mock_peer.go -package=peer . Adapter,Factory
type Adapter interface {
	// Events returns the adapter's event stream. The stream is never
	// closed; consumers stop reading after Destroy.
	Events() <-chan Event

	// AcceptRemoteDescription feeds the peer's description in: an
	// answer into an initiator, a further offer into a responder.
	// Returns ErrProtocol on a destroyed or already-connected adapter.
	AcceptRemoteDescription(payload []byte) error

	// Destroy releases all transport resources. Idempotent.
	Destroy()
}

// Factory builds adapters for one side of a call.
type Factory interface {
	// NewInitiator builds the caller-side adapter. It asynchronously
	// emits a local description to send as the offer.
	NewInitiator(tracks []media.Track) (Adapter, error)

	// NewResponder builds the receiver-side adapter seeded with the
	// caller's offer. It asynchronously emits a local description to
	// send back as the answer.
	NewResponder(tracks []media.Track, offer []byte) (Adapter, error)
}
