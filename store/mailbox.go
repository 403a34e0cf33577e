package store

import "sync"

// Mailbox delivers change notifications to a single subscriber on its
// own goroutine. Values are coalesced per key: if the subscriber lags,
// it observes only the latest value written to each key, which is all
// the last-write-wins contract promises. Delivery order per key is the
// write order of the values actually observed.
type Mailbox struct {
	mu      sync.Mutex
	pending []string
	latest  map[string][]byte
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewMailbox starts a mailbox feeding deliver with (key, value) pairs.
func NewMailbox(deliver func(key string, value []byte)) *Mailbox {
	m := &Mailbox{
		latest: make(map[string][]byte),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.run(deliver)
	return m
}

// Put records a value for key, replacing any undelivered one.
func (m *Mailbox) Put(key string, value []byte) {
	m.mu.Lock()
	if _, queued := m.latest[key]; !queued {
		m.pending = append(m.pending, key)
	}
	m.latest[key] = value
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. Pending values are dropped. Safe to call more
// than once and concurrently with Put.
func (m *Mailbox) Close() {
	m.once.Do(func() {
		close(m.done)
	})
}

func (m *Mailbox) run(deliver func(key string, value []byte)) {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			key := m.pending[0]
			m.pending = m.pending[1:]
			value := m.latest[key]
			delete(m.latest, key)
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}
			deliver(key, value)
		}
	}
}
