// Package hub provides the wire types spoken between the remote store
// client and the sync hub server.
package hub

import "encoding/json"

// Operations a client may request.
const (
	OpPublish         = "PUBLISH"
	OpAppend          = "APPEND"
	OpClear           = "CLEAR"
	OpSubscribe       = "SUBSCRIBE"
	OpSubscribePrefix = "SUBSCRIBE_PREFIX"
	OpUnsubscribe     = "UNSUBSCRIBE"
)

// Frame types sent by the server.
const (
	Ack    = "ACK"
	Change = "CHANGE"
)

// Request is one client frame. ID correlates the server's ack. Sub
// identifies the subscription a SUBSCRIBE* registers or an UNSUBSCRIBE
// releases; the client allocates it.
type Request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Key    string          `json:"key,omitempty"`
	Prefix string          `json:"prefix,omitempty"`
	Sub    string          `json:"sub,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// Response is one server frame: an ack for a request (Type=ACK, ID set)
// or a pushed change for a subscription (Type=CHANGE, Sub set).
type Response struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Sub   string          `json:"sub,omitempty"`
	Key   string          `json:"key,omitempty"`
	Child string          `json:"child,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}
