//go:build linux && cgo

package media

import (
	"sync"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

// recordWriter counts packets that actually reach the wire side.
type recordWriter struct {
	mu     sync.Mutex
	writes int
}

func (w *recordWriter) WriteRTP(_ *rtp.Header, payload []byte) (int, error) {
	w.mu.Lock()
	w.writes++
	w.mu.Unlock()
	return len(payload), nil
}

func (w *recordWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	w.writes++
	w.mu.Unlock()
	return len(b), nil
}

func (w *recordWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

func TestGatedWriter(t *testing.T) {
	t.Run("given open gate when writing then packets pass", func(t *testing.T) {
		inner := &recordWriter{}
		g := &gate{enabled: true}
		w := &gatedWriter{inner: inner, gate: g}

		n, err := w.WriteRTP(&rtp.Header{}, []byte{1, 2, 3})
		assert.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, 1, inner.count())
	})

	t.Run("given shut gate when writing then packets are swallowed", func(t *testing.T) {
		inner := &recordWriter{}
		g := &gate{enabled: true}
		w := &gatedWriter{inner: inner, gate: g}

		g.setEnabled(false)

		// The encoder still sees successful writes.
		n, err := w.WriteRTP(&rtp.Header{}, []byte{1, 2, 3})
		assert.NoError(t, err)
		assert.Equal(t, 3, n)
		n, err = w.Write([]byte{4, 5})
		assert.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 0, inner.count())

		g.setEnabled(true)
		_, err = w.WriteRTP(&rtp.Header{}, []byte{6})
		assert.NoError(t, err)
		assert.Equal(t, 1, inner.count())
	})
}

func TestGatedTrackToggle(t *testing.T) {
	tr := &gatedTrack{}
	tr.gate.enabled = true

	tr.SetEnabled(false)
	assert.False(t, tr.gate.open())
	tr.SetEnabled(true)
	assert.True(t, tr.gate.open())
}
