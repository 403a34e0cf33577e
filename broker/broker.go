// Package broker provides in-process pub/sub between the core
// components and the UI layer.
package broker

import (
	"fmt"
	"sync"

	"duo/broker/channel"
	"duo/broker/subscription"
)

// Topic groups related events.
type Topic int

// Topics carried by the broker.
const (
	Call Topic = iota
	Presence
	Chat
)

// Detail narrows a topic to one stream, e.g. a conversation id.
type Detail string

// Broker fans events out to any number of subscribers per
// (topic, detail) channel. Publishing to a channel with no subscribers
// is not an error; the event is simply dropped.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]*channel.Channel
}

// New creates a new Broker instance.
func New() *Broker {
	return &Broker{
		channels: make(map[string]*channel.Channel),
	}
}

// Publish sends message to all subscribers of (topic, detail).
func (b *Broker) Publish(topic Topic, detail Detail, message any) error {
	b.mu.RLock()
	ch, ok := b.channels[chanKey(topic, detail)]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	ch.SendAll(message)
	return nil
}

// Subscribe registers a new subscription on (topic, detail).
func (b *Broker) Subscribe(topic Topic, detail Detail) *subscription.Subscription {
	key := chanKey(topic, detail)

	b.mu.Lock()
	ch, ok := b.channels[key]
	if !ok {
		ch = channel.New()
		b.channels[key] = ch
	}
	b.mu.Unlock()

	sub := subscription.New()
	ch.AddSubscription(sub)
	return sub
}

// Unsubscribe removes a subscription from (topic, detail) and closes it.
func (b *Broker) Unsubscribe(topic Topic, detail Detail, sub *subscription.Subscription) error {
	key := chanKey(topic, detail)

	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[key]
	if !ok {
		return fmt.Errorf("no channel for topic %d detail %q", topic, detail)
	}
	ch.RemoveSubscription(sub)
	if ch.Empty() {
		delete(b.channels, key)
	}
	return nil
}

func chanKey(topic Topic, detail Detail) string {
	return fmt.Sprintf("%d/%s", topic, detail)
}
