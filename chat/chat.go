// Package chat provides two-party text conversations persisted in the
// notification store.
package chat

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"duo/broker"
	"duo/store"
	ctypes "duo/types/chat"
	"duo/types/event"
	"duo/types/identity"
)

// Conversation is one open two-party chat. Messages arrive through the
// store subscription; local sends come back the same way, so the
// mirror is the single source of truth.
type Conversation struct {
	self   identity.Identity
	peerID string
	key    string
	store  store.Store
	broker *broker.Broker

	mu       sync.Mutex
	messages map[string]ctypes.Message
	cancel   func()
}

// Open starts mirroring the conversation between the local user and
// peerID. History is delivered before live messages.
func Open(self identity.Identity, peerID string, st store.Store, bk *broker.Broker) (*Conversation, error) {
	c := &Conversation{
		self:     self,
		peerID:   peerID,
		key:      ctypes.Key(self.UID, peerID),
		store:    st,
		broker:   bk,
		messages: make(map[string]ctypes.Message),
	}
	cancel, err := st.SubscribePrefix(c.key+"/", c.onChange)
	if err != nil {
		return nil, fmt.Errorf("subscribe conversation: %w", err)
	}
	c.cancel = cancel
	return c, nil
}

// Close stops mirroring. Safe to call more than once.
func (c *Conversation) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Send appends a text message to the conversation.
func (c *Conversation) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return c.append(ctypes.Message{Text: text})
}

// SendFile appends a file attachment message. fileURL points at the
// already-uploaded content.
func (c *Conversation) SendFile(fileURL, fileType string) error {
	if fileURL == "" {
		return fmt.Errorf("missing file url")
	}
	return c.append(ctypes.Message{FileURL: fileURL, FileType: fileType})
}

// MarkRead flags a received message as read. No effect on messages the
// local user sent or already-read messages.
func (c *Conversation) MarkRead(id string) error {
	c.mu.Lock()
	msg, ok := c.messages[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no message %q", id)
	}
	if msg.Read || msg.Receiver != c.self.UID {
		return nil
	}

	msg.Read = true
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.store.Publish(c.key+"/"+id, data)
}

// History returns the mirrored messages ordered by timestamp.
func (c *Conversation) History() []event.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := make([]event.ChatMessage, 0, len(c.messages))
	for id, msg := range c.messages {
		history = append(history, event.ChatMessage{ID: id, Message: msg})
	}
	sort.Slice(history, func(i, j int) bool {
		if history[i].Message.Timestamp != history[j].Message.Timestamp {
			return history[i].Message.Timestamp < history[j].Message.Timestamp
		}
		return history[i].ID < history[j].ID
	})
	return history
}

func (c *Conversation) append(msg ctypes.Message) error {
	msg.Sender = c.self.UID
	msg.Receiver = c.peerID
	msg.SenderName = c.self.DisplayName
	msg.Timestamp = time.Now().UnixMilli()

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if _, err := c.store.Append(c.key, data); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (c *Conversation) onChange(key string, value []byte) {
	id := key[strings.LastIndex(key, "/")+1:]
	if id == "" {
		return
	}
	msg, err := ctypes.Decode(value)
	if err != nil {
		log.Printf("chat: dropping malformed message at %s: %v", key, err)
		return
	}

	c.mu.Lock()
	if msg == nil {
		delete(c.messages, id)
		c.mu.Unlock()
		return
	}
	c.messages[id] = *msg
	c.mu.Unlock()

	ev := event.ChatMessage{ID: id, Message: *msg}
	if err := c.broker.Publish(broker.Chat, broker.Detail(ctypes.ID(c.self.UID, c.peerID)), ev); err != nil {
		log.Printf("chat: publishing message event: %v", err)
	}
}
