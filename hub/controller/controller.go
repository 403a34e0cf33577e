// Package controller speaks the sync protocol on one websocket
// connection: acked requests in, pushed changes out.
package controller

import (
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"duo/metric"
	"duo/store"
	"duo/types/hub"
)

// Controller handles sync connections against a shared store.
type Controller struct {
	store  store.Store
	metric *metric.Metrics
}

// New creates a new instance of Controller.
func New(st store.Store, m *metric.Metrics) *Controller {
	return &Controller{
		store:  st,
		metric: m,
	}
}

// Process serves one connection until it closes. Subscriptions are
// reaped when the connection goes away.
func (c *Controller) Process(conn *websocket.Conn) error {
	c.metric.IncrementWebSocketConnections()
	defer c.metric.DecrementWebSocketConnections()

	s := &session{
		conn:    conn,
		store:   c.store,
		cancels: make(map[string]func()),
	}
	defer s.close()

	for {
		var req hub.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}
		s.handle(req)
	}
}

// session is the per-connection state: its subscriptions and a write
// lock shared by acks and pushed changes.
type session struct {
	conn  *websocket.Conn
	store store.Store

	writeMu sync.Mutex

	mu      sync.Mutex
	cancels map[string]func()
}

func (s *session) handle(req hub.Request) {
	res := hub.Response{Type: hub.Ack, ID: req.ID}

	switch req.Op {
	case hub.OpPublish:
		if err := s.store.Publish(req.Key, req.Value); err != nil {
			res.Error = err.Error()
		}
	case hub.OpAppend:
		child, err := s.store.Append(req.Key, req.Value)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Child = child
		}
	case hub.OpClear:
		if err := s.store.Clear(req.Key); err != nil {
			res.Error = err.Error()
		}
	case hub.OpSubscribe:
		if err := s.subscribe(req); err != nil {
			res.Error = err.Error()
		}
	case hub.OpSubscribePrefix:
		if err := s.subscribePrefix(req); err != nil {
			res.Error = err.Error()
		}
	case hub.OpUnsubscribe:
		s.unsubscribe(req.Sub)
	default:
		res.Error = fmt.Sprintf("unknown op %q", req.Op)
	}

	s.write(res)
}

func (s *session) subscribe(req hub.Request) error {
	sub, key := req.Sub, req.Key
	cancel, err := s.store.Subscribe(key, func(value []byte) {
		s.write(hub.Response{Type: hub.Change, Sub: sub, Key: key, Value: value})
	})
	if err != nil {
		return err
	}
	s.register(sub, cancel)
	return nil
}

func (s *session) subscribePrefix(req hub.Request) error {
	sub := req.Sub
	cancel, err := s.store.SubscribePrefix(req.Prefix, func(key string, value []byte) {
		s.write(hub.Response{Type: hub.Change, Sub: sub, Key: key, Value: value})
	})
	if err != nil {
		return err
	}
	s.register(sub, cancel)
	return nil
}

func (s *session) register(sub string, cancel func()) {
	s.mu.Lock()
	if prev, ok := s.cancels[sub]; ok {
		prev()
	}
	s.cancels[sub] = cancel
	s.mu.Unlock()
}

func (s *session) unsubscribe(sub string) {
	s.mu.Lock()
	cancel, ok := s.cancels[sub]
	delete(s.cancels, sub)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *session) write(res hub.Response) {
	s.writeMu.Lock()
	err := s.conn.WriteJSON(res)
	s.writeMu.Unlock()
	if err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (s *session) close() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = make(map[string]func())
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
