// Package store provides the key-value notification store used as the
// only channel between clients: per-key last-write-wins records with
// change subscriptions.
package store

import "errors"

// ErrConnectivity is returned when the store backend is unreachable.
// Callers abort the operation in flight and surface a user-visible
// error; there is no automatic retry.
var ErrConnectivity = errors.New("store unreachable")

// Store is a hierarchical key-value store with change subscriptions.
// Writes to a key overwrite any prior value (last-write-wins, no
// queue); subscribers eventually observe the latest written value but
// are not guaranteed to see every intermediate one.
//
//go:generate mockgen -destination=mock_store.go -package=store . Store
type Store interface {
	// Publish overwrites the value at key. No error if none existed.
	Publish(key string, value []byte) error

	// Append stores value as a new child of key under a generated id
	// and returns that id.
	Append(key string, value []byte) (string, error)

	// Clear removes the value at key, equivalent to publishing nil.
	Clear(key string) error

	// Subscribe invokes onChange once immediately with the current
	// value (nil if absent), then on every subsequent write to key.
	// The returned cancel releases the subscription and is safe to
	// call more than once.
	Subscribe(key string, onChange func(value []byte)) (cancel func(), err error)

	// SubscribePrefix invokes onChange for every existing entry under
	// prefix, then on every subsequent write there.
	SubscribePrefix(prefix string, onChange func(key string, value []byte)) (cancel func(), err error)
}
