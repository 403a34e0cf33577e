// Package presence keeps the user directory in sync: it publishes the
// local user's online record and mirrors everyone else's.
package presence

import (
	"fmt"
	"log"
	"sync"
	"time"

	"duo/broker"
	"duo/metric"
	"duo/store"
	"duo/types/event"
	"duo/types/identity"
	ptypes "duo/types/presence"
)

// Sync mirrors the directory subtree for one local user.
type Sync struct {
	self    identity.Identity
	store   store.Store
	broker  *broker.Broker
	metrics *metric.Metrics

	mu     sync.RWMutex
	roster map[string]ptypes.Record
	cancel func()
}

// New creates a new directory sync. Start must be called before use.
func New(self identity.Identity, st store.Store, bk *broker.Broker, metrics *metric.Metrics) *Sync {
	return &Sync{
		self:    self,
		store:   st,
		broker:  bk,
		metrics: metrics,
		roster:  make(map[string]ptypes.Record),
	}
}

// Start marks the local user online and begins mirroring the
// directory. Existing records are delivered before live changes.
func (s *Sync) Start() error {
	if err := s.publishSelf(true); err != nil {
		return err
	}
	cancel, err := s.store.SubscribePrefix(ptypes.Prefix, s.onChange)
	if err != nil {
		return fmt.Errorf("subscribe directory: %w", err)
	}
	s.cancel = cancel
	return nil
}

// Stop halts mirroring and marks the local user offline with a fresh
// last-seen timestamp. Best effort: an unreachable store only costs
// the offline marker.
func (s *Sync) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if err := s.publishSelf(false); err != nil {
		log.Printf("presence: going offline: %v", err)
	}
}

// Roster returns a snapshot of the directory.
func (s *Sync) Roster() event.Roster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Sync) publishSelf(online bool) error {
	rec := ptypes.Record{
		Online:      online,
		LastSeen:    time.Now().UnixMilli(),
		DisplayName: s.self.DisplayName,
		PhotoURL:    s.self.PhotoURL,
	}
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	if err := s.store.Publish(ptypes.Key(s.self.UID), data); err != nil {
		return fmt.Errorf("publish own record: %w", err)
	}
	return nil
}

func (s *Sync) onChange(key string, value []byte) {
	uid := ptypes.UID(key)
	if uid == "" {
		return
	}
	rec, err := ptypes.Decode(value)
	if err != nil {
		log.Printf("presence: dropping malformed record at %s: %v", key, err)
		return
	}

	s.mu.Lock()
	if rec == nil {
		delete(s.roster, uid)
	} else {
		s.roster[uid] = *rec
	}
	online := 0
	for _, r := range s.roster {
		if r.Online {
			online++
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.metrics.SetOnlineUsers(online)
	if err := s.broker.Publish(broker.Presence, "", snapshot); err != nil {
		log.Printf("presence: publishing roster event: %v", err)
	}
}

func (s *Sync) snapshotLocked() event.Roster {
	roster := make(event.Roster, len(s.roster))
	for uid, rec := range s.roster {
		roster[uid] = rec
	}
	return roster
}
