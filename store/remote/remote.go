// Package remote provides a notification store client backed by a
// websocket connection to the sync hub.
package remote

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lithammer/shortuuid/v4"

	"duo/store"
	"duo/types/hub"
)

// DefaultTimeout bounds how long a request waits for its ack.
const DefaultTimeout = 10 * time.Second

// Client is a notification store served by a remote sync hub. All
// requests are acked by the hub; a broken connection surfaces
// store.ErrConnectivity on every subsequent operation.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan hub.Response
	subs    map[string]*store.Mailbox
	closed  bool

	done chan struct{}
	once sync.Once
}

// Dial connects to the sync hub at host (host:port).
func Dial(host string) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), store.ErrConnectivity)
	}
	c := &Client{
		conn:    conn,
		timeout: DefaultTimeout,
		pending: make(map[string]chan hub.Response),
		subs:    make(map[string]*store.Mailbox),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Publish overwrites the value at key on the hub.
func (c *Client) Publish(key string, value []byte) error {
	_, err := c.request(hub.Request{Op: hub.OpPublish, Key: key, Value: value})
	return err
}

// Append stores value as a new child of key and returns the child id.
func (c *Client) Append(key string, value []byte) (string, error) {
	res, err := c.request(hub.Request{Op: hub.OpAppend, Key: key, Value: value})
	if err != nil {
		return "", err
	}
	return res.Child, nil
}

// Clear removes the value at key on the hub.
func (c *Client) Clear(key string) error {
	_, err := c.request(hub.Request{Op: hub.OpClear, Key: key})
	return err
}

// Subscribe registers onChange for writes to key. The hub delivers the
// current value as the first change.
func (c *Client) Subscribe(key string, onChange func(value []byte)) (func(), error) {
	mb := store.NewMailbox(func(_ string, value []byte) {
		onChange(value)
	})
	return c.subscribe(hub.Request{Op: hub.OpSubscribe, Key: key}, mb)
}

// SubscribePrefix registers onChange for writes under prefix. Existing
// entries are delivered first.
func (c *Client) SubscribePrefix(prefix string, onChange func(key string, value []byte)) (func(), error) {
	mb := store.NewMailbox(onChange)
	return c.subscribe(hub.Request{Op: hub.OpSubscribePrefix, Prefix: prefix}, mb)
}

// Close shuts the connection down. All subscriptions stop; in-flight
// requests fail with store.ErrConnectivity.
func (c *Client) Close() error {
	c.fail()
	return nil
}

func (c *Client) subscribe(req hub.Request, mb *store.Mailbox) (func(), error) {
	sub := shortuuid.New()
	req.Sub = sub

	c.mu.Lock()
	c.subs[sub] = mb
	c.mu.Unlock()

	if _, err := c.request(req); err != nil {
		c.dropSub(sub)
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.dropSub(sub)
			// Best effort: the hub also reaps subscriptions when the
			// connection goes away.
			_, _ = c.request(hub.Request{Op: hub.OpUnsubscribe, Sub: sub})
		})
	}
	return cancel, nil
}

func (c *Client) dropSub(sub string) {
	c.mu.Lock()
	mb, ok := c.subs[sub]
	delete(c.subs, sub)
	c.mu.Unlock()
	if ok {
		mb.Close()
	}
}

func (c *Client) request(req hub.Request) (hub.Response, error) {
	req.ID = shortuuid.New()
	ch := make(chan hub.Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return hub.Response{}, fmt.Errorf("%s: %w", req.Op, store.ErrConnectivity)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.fail()
		return hub.Response{}, fmt.Errorf("%s: %w", req.Op, store.ErrConnectivity)
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return hub.Response{}, fmt.Errorf("%s: %s", req.Op, res.Error)
		}
		return res, nil
	case <-time.After(c.timeout):
		return hub.Response{}, fmt.Errorf("%s: ack timeout: %w", req.Op, store.ErrConnectivity)
	case <-c.done:
		return hub.Response{}, fmt.Errorf("%s: %w", req.Op, store.ErrConnectivity)
	}
}

func (c *Client) readLoop() {
	for {
		var res hub.Response
		if err := c.conn.ReadJSON(&res); err != nil {
			c.fail()
			return
		}
		switch res.Type {
		case hub.Ack:
			c.mu.Lock()
			ch, ok := c.pending[res.ID]
			c.mu.Unlock()
			if ok {
				ch <- res
			}
		case hub.Change:
			c.mu.Lock()
			mb, ok := c.subs[res.Sub]
			c.mu.Unlock()
			if ok {
				mb.Put(res.Key, res.Value)
			}
		}
	}
}

func (c *Client) fail() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		subs := c.subs
		c.subs = make(map[string]*store.Mailbox)
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
		for _, mb := range subs {
			mb.Close()
		}
	})
}
