package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMailboxDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	mb := NewMailbox(func(key string, value []byte) {
		mu.Lock()
		got = append(got, key+"="+string(value))
		mu.Unlock()
	})
	defer mb.Close()

	mb.Put("a", []byte("1"))
	mb.Put("b", []byte("2"))
	mb.Put("c", []byte("3"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a=1", "b=2", "c=3"}, got)
}

func TestMailboxCoalescesPerKey(t *testing.T) {
	var mu sync.Mutex
	var got []string
	started := make(chan struct{})
	release := make(chan struct{})
	first := true
	mb := NewMailbox(func(key string, value []byte) {
		if first {
			first = false
			close(started)
			<-release
		}
		mu.Lock()
		got = append(got, string(value))
		mu.Unlock()
	})
	defer mb.Close()

	mb.Put("k", []byte("1"))
	<-started

	// While the subscriber is stuck on the first delivery, later writes
	// to the same key collapse into the newest one.
	mb.Put("k", []byte("2"))
	mb.Put("k", []byte("3"))
	close(release)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "3"}, got)
}

func TestMailboxClose(t *testing.T) {
	var mu sync.Mutex
	delivered := 0
	mb := NewMailbox(func(string, []byte) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	mb.Close()
	mb.Close()
	mb.Put("k", []byte("1"))

	assert.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}
