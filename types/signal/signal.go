// Package signal provides the call signaling record exchanged through
// the notification store.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind of a call signal.
type Kind string

// Signal kinds. A recipient's key holds at most one signal at a time;
// a new write overwrites whatever was there before.
const (
	Offer   Kind = "offer"
	Answer  Kind = "answer"
	Decline Kind = "decline"
)

// Below is the error set for signal validation.
var (
	ErrUnknownKind    = errors.New("unknown signal kind")
	ErrMissingSender  = errors.New("missing sender")
	ErrMissingPayload = errors.New("missing payload")
)

// Signal is the record written to a recipient's call key. Payload is an
// opaque connection description and is absent for declines. CreatedAt
// is set for offers only and is used for freshness checks.
type Signal struct {
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	From      string          `json:"from"`
	CreatedAt int64           `json:"created_at,omitempty"`
}

// Key returns the notification store key holding signals addressed to uid.
func Key(uid string) string {
	return "calls/" + uid
}

// Validate checks that the signal is well formed.
func (s *Signal) Validate() error {
	switch s.Kind {
	case Offer, Answer:
		if len(s.Payload) == 0 {
			return fmt.Errorf("%s: %w", s.Kind, ErrMissingPayload)
		}
	case Decline:
	default:
		return fmt.Errorf("%q: %w", s.Kind, ErrUnknownKind)
	}
	if s.From == "" {
		return ErrMissingSender
	}
	return nil
}

// Fresh reports whether the signal is recent enough to act on. Only
// offers carry a creation time; the key is reused across unrelated
// calls, so an offer left behind by an ended call must not ring anyone.
func (s *Signal) Fresh(now time.Time, ttl time.Duration) bool {
	if s.Kind != Offer {
		return true
	}
	if s.CreatedAt == 0 {
		return false
	}
	created := time.UnixMilli(s.CreatedAt)
	return now.Sub(created) <= ttl
}

// Encode marshals the signal for the store.
func (s *Signal) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	return data, nil
}

// Decode unmarshals a stored signal. A nil or empty value decodes to
// nil, which callers treat as a cleared key.
func Decode(data []byte) (*Signal, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	return &s, nil
}
