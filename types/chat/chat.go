// Package chat provides the persisted message record and the
// deterministic two-party chat addressing scheme.
package chat

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Prefix is the store subtree holding all private conversations.
const Prefix = "private_messages/"

// Message is one record in a two-party conversation. Records are
// appended and ordered by Timestamp (unix millis).
type Message struct {
	Text       string `json:"text,omitempty"`
	Sender     string `json:"sender"`
	Receiver   string `json:"receiver"`
	SenderName string `json:"sender_name"`
	Timestamp  int64  `json:"timestamp"`
	Read       bool   `json:"read"`
	FileURL    string `json:"file_url,omitempty"`
	FileType   string `json:"file_type,omitempty"`
}

// ID returns the deterministic conversation id for two participants:
// both uids sorted and joined, so either side derives the same id.
func ID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// Key returns the store key of the conversation between a and b.
func Key(a, b string) string {
	return Prefix + ID(a, b)
}

// Encode marshals the message for the store.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode unmarshals a stored message.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
