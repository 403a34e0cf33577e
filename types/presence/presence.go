// Package presence provides the per-user directory record.
package presence

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Prefix is the directory subtree holding one record per user.
const Prefix = "users/"

// Record is a user's directory entry. Each record is written only by
// its owner: online=true on session start, online=false with a fresh
// last-seen timestamp on session end.
type Record struct {
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"last_seen"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// Key returns the directory key owned by uid.
func Key(uid string) string {
	return Prefix + uid
}

// UID extracts the owner uid from a directory key.
func UID(key string) string {
	return strings.TrimPrefix(key, Prefix)
}

// Encode marshals the record for the store.
func (r *Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode presence record: %w", err)
	}
	return data, nil
}

// Decode unmarshals a stored record.
func Decode(data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode presence record: %w", err)
	}
	return &r, nil
}
