package peer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, uint8(10), config.CandidatePoolSize)
	assert.GreaterOrEqual(t, len(config.STUNServers), 2)

	// Traversal must not hinge on a single provider.
	hosts := map[string]bool{}
	for _, u := range config.STUNServers {
		assert.True(t, strings.HasPrefix(u, "stun:"))
		host := strings.TrimPrefix(u, "stun:")
		host = strings.SplitN(host, ".", 2)[1]
		hosts[host] = true
	}
	assert.GreaterOrEqual(t, len(hosts), 2)

	servers := config.iceServers()
	assert.Len(t, servers, len(config.STUNServers))
}

func TestAdapterGuards(t *testing.T) {
	t.Run("given destroyed adapter when fed a description then protocol error", func(t *testing.T) {
		c, err := NewWebRTC(DefaultConfig()).newConn(nil)
		assert.NoError(t, err)
		c.Destroy()
		c.Destroy()

		err = c.AcceptRemoteDescription([]byte(`{"type":"answer","sdp":""}`))
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("given connected adapter when fed a description then protocol error", func(t *testing.T) {
		c, err := NewWebRTC(DefaultConfig()).newConn(nil)
		assert.NoError(t, err)
		defer c.Destroy()
		c.markConnected()

		err = c.AcceptRemoteDescription([]byte(`{"type":"answer","sdp":""}`))
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("given malformed payload when fed then protocol error", func(t *testing.T) {
		c, err := NewWebRTC(DefaultConfig()).newConn(nil)
		assert.NoError(t, err)
		defer c.Destroy()

		err = c.AcceptRemoteDescription([]byte("not json"))
		assert.ErrorIs(t, err, ErrProtocol)
	})
}

func TestEmitBlocksInsteadOfDropping(t *testing.T) {
	c, err := NewWebRTC(DefaultConfig()).newConn(nil)
	assert.NoError(t, err)

	for i := 0; i < cap(c.events); i++ {
		c.emit(Event{Kind: EventConnected})
	}

	// With the stream full, another emit waits for the consumer rather
	// than discarding the event.
	blocked := make(chan struct{})
	go func() {
		c.emit(Event{Kind: EventConnected})
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("emit dropped an event on a full stream")
	case <-time.After(50 * time.Millisecond):
	}

	<-c.Events()
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("emit not released by the consumer")
	}

	// A blocked emitter is also released by destruction.
	again := make(chan struct{})
	go func() {
		c.emit(Event{Kind: EventConnected})
		close(again)
	}()
	select {
	case <-again:
		t.Fatal("emit dropped an event on a full stream")
	case <-time.After(50 * time.Millisecond):
	}
	c.Destroy()
	select {
	case <-again:
	case <-time.After(time.Second):
		t.Fatal("emit not released by destroy")
	}
}

func TestEmitAfterDestroy(t *testing.T) {
	c, err := NewWebRTC(DefaultConfig()).newConn(nil)
	assert.NoError(t, err)
	c.Destroy()

	// Only closed notifications survive destruction. Closing the
	// underlying connection may emit its own closed event, so anything
	// received from here on must be EventClosed.
	c.emit(Event{Kind: EventConnected})
	c.emit(Event{Kind: EventClosed})

	received := 0
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case ev := <-c.Events():
			assert.Equal(t, EventClosed, ev.Kind)
			received++
		case <-deadline:
			assert.GreaterOrEqual(t, received, 1)
			return
		}
	}
}
