// Package subscription provides the per-subscriber message queue.
package subscription

import "sync"

// Subscription is one subscriber's queue on a broker channel.
type Subscription struct {
	queue  chan any
	mu     sync.Mutex
	closed bool
}

// New creates and initializes a new Subscription instance.
func New() *Subscription {
	return &Subscription{
		queue: make(chan any, 16),
	}
}

// Send queues a message for the subscriber. Messages are dropped once
// the subscription is closed or its queue is full; broker consumers are
// event loops that either keep up or only care about the latest state.
func (s *Subscription) Send(message any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- message:
	default:
	}
}

// Receive returns the channel delivering queued messages.
func (s *Subscription) Receive() <-chan any {
	return s.queue
}

// Close stops the subscription.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}
