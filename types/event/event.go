// Package event provides data types published on the in-process broker
// for the UI layer to observe.
package event

import (
	"github.com/pion/webrtc/v4"
	"duo/types/chat"
	"duo/types/presence"
)

// CallStatus reports a call state transition. Reason is set only when
// the session returned to idle and names the user-visible notice.
type CallStatus struct {
	State  string
	Peer   string
	Reason string
}

// IncomingCall reports a fresh offer ringing the local user. The UI
// answers by calling Accept or Decline on the call machine.
type IncomingCall struct {
	From string
}

// RemoteMedia carries a remote track to attach to the media sink.
type RemoteMedia struct {
	Peer  string
	Track *webrtc.TrackRemote
}

// Roster is a read-only snapshot of the user directory.
type Roster map[string]presence.Record

// ChatMessage carries one conversation record with its store child id.
type ChatMessage struct {
	ID      string
	Message chat.Message
}
