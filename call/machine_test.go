package call_test

import (
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"

	"duo/broker"
	"duo/broker/subscription"
	"duo/call"
	"duo/media"
	"duo/metric"
	"duo/peer"
	"duo/store"
	"duo/store/memory"
	"duo/types/event"
	"duo/types/signal"
)

const waitFor = 2 * time.Second
const tick = 10 * time.Millisecond

// fakeDescription is the canned local description fake adapters emit.
var fakeDescription = []byte(`{"sdp":"fake"}`)

type fakeTrack struct {
	*webrtc.TrackLocalStaticRTP
	mu      sync.Mutex
	closed  bool
	enabled bool
}

func newFakeTrack(mimeType, id string) *fakeTrack {
	tr, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mimeType}, id, "fake")
	if err != nil {
		panic(err)
	}
	return &fakeTrack{TrackLocalStaticRTP: tr, enabled: true}
}

func (f *fakeTrack) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTrack) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *fakeTrack) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTrack) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

type fakeDevice struct {
	mu     sync.Mutex
	err    error
	opened []*fakeTrack
}

func (d *fakeDevice) Open(_ media.Config) ([]media.Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	audio := newFakeTrack(webrtc.MimeTypeOpus, "audio")
	video := newFakeTrack(webrtc.MimeTypeVP8, "video")
	d.opened = append(d.opened, audio, video)
	return []media.Track{audio, video}, nil
}

func (d *fakeDevice) tracks() []*fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTrack(nil), d.opened...)
}

type fakeAdapter struct {
	events chan peer.Event

	mu        sync.Mutex
	destroyed bool
	accepted  [][]byte
	acceptErr error
}

func (a *fakeAdapter) Events() <-chan peer.Event { return a.events }

func (a *fakeAdapter) AcceptRemoteDescription(payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.acceptErr != nil {
		return a.acceptErr
	}
	a.accepted = append(a.accepted, payload)
	return nil
}

func (a *fakeAdapter) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed = true
}

func (a *fakeAdapter) emit(ev peer.Event) {
	a.events <- ev
}

func (a *fakeAdapter) acceptedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.accepted)
}

func (a *fakeAdapter) isDestroyed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

// fakeFactory builds fake adapters that immediately emit a canned
// local description, mirroring the asynchronous offer/answer emission
// of the real transport.
type fakeFactory struct {
	mu       sync.Mutex
	err      error
	adapters []*fakeAdapter
	offers   [][]byte
}

func (f *fakeFactory) NewInitiator(_ []media.Track) (peer.Adapter, error) {
	return f.build(nil)
}

func (f *fakeFactory) NewResponder(_ []media.Track, offer []byte) (peer.Adapter, error) {
	return f.build(offer)
}

func (f *fakeFactory) build(offer []byte) (peer.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a := &fakeAdapter{events: make(chan peer.Event, 16)}
	a.events <- peer.Event{Kind: peer.EventLocalDescription, Payload: fakeDescription}
	f.adapters = append(f.adapters, a)
	if offer != nil {
		f.offers = append(f.offers, offer)
	}
	return a, nil
}

func (f *fakeFactory) last() *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.adapters) == 0 {
		return nil
	}
	return f.adapters[len(f.adapters)-1]
}

// endpoint is one simulated user: a machine with its own fakes on a
// shared store.
type endpoint struct {
	machine *call.Machine
	factory *fakeFactory
	device  *fakeDevice
	broker  *broker.Broker
	status  *subscription.Subscription
}

func startEndpoint(t *testing.T, selfID string, db *memory.DB) *endpoint {
	t.Helper()
	return startEndpointTimeout(t, selfID, db, 5*time.Second)
}

func startEndpointTimeout(t *testing.T, selfID string, db *memory.DB, timeout time.Duration) *endpoint {
	t.Helper()
	e := &endpoint{
		factory: &fakeFactory{},
		device:  &fakeDevice{},
		broker:  broker.New(),
	}
	e.status = e.broker.Subscribe(broker.Call, "")

	m, err := call.New(call.Config{SelfID: selfID, Timeout: timeout},
		db, e.factory, e.device, e.broker, metric.New(metric.Config{}))
	assert.NoError(t, err)
	assert.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	e.machine = m
	return e
}

func (e *endpoint) waitState(t *testing.T, want call.State) {
	t.Helper()
	assert.Eventuallyf(t, func() bool {
		return e.machine.Status().State == want
	}, waitFor, tick, "machine never reached %s, last state %s", want, e.machine.Status().State)
}

func (e *endpoint) waitRinging(t *testing.T) {
	t.Helper()
	assert.Eventuallyf(t, func() bool {
		return e.machine.Status().Ringing
	}, waitFor, tick, "machine never rang")
}

// waitIdleReason drains status events until an idle status with the
// wanted reason arrives.
func (e *endpoint) waitIdleReason(t *testing.T, want call.Reason) {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-e.status.Receive():
			st, ok := ev.(event.CallStatus)
			if ok && st.State == call.Idle.String() && st.Reason == string(want) {
				return
			}
		case <-timeout:
			t.Fatalf("no idle status with reason %q", want)
		}
	}
}

func connect(t *testing.T, caller, callee *endpoint, calleeID string) {
	t.Helper()
	assert.NoError(t, caller.machine.Call(calleeID))
	callee.waitRinging(t)
	assert.NoError(t, callee.machine.Accept())

	// The answer reaches the caller's adapter before media flows.
	callerAdapter := caller.factory.last()
	assert.Eventually(t, func() bool {
		return callerAdapter.acceptedCount() == 1
	}, waitFor, tick)

	callerAdapter.emit(peer.Event{Kind: peer.EventConnected})
	callee.factory.last().emit(peer.Event{Kind: peer.EventConnected})
	caller.waitState(t, call.Connected)
	callee.waitState(t, call.Connected)
}

func TestPlaceCall(t *testing.T) {
	t.Run("given two idle users when one calls then the other rings", func(t *testing.T) {
		db := memory.New()
		alice := startEndpoint(t, "alice", db)
		bob := startEndpoint(t, "bob", db)
		incoming := bob.broker.Subscribe(broker.Call, "")

		assert.NoError(t, alice.machine.Call("bob"))
		alice.waitState(t, call.Calling)
		bob.waitRinging(t)

		// The offer waits for the user; the machine itself stays idle.
		status := bob.machine.Status()
		assert.Equal(t, call.Idle, status.State)
		assert.Equal(t, "alice", status.Caller)

		timeout := time.After(waitFor)
		for {
			select {
			case ev := <-incoming.Receive():
				if ic, ok := ev.(event.IncomingCall); ok {
					assert.Equal(t, "alice", ic.From)
					return
				}
			case <-timeout:
				t.Fatal("no incoming call event")
			}
		}
	})

	t.Run("given ringing user when calling out then the call is placed", func(t *testing.T) {
		db := memory.New()
		alice := startEndpoint(t, "alice", db)
		bob := startEndpoint(t, "bob", db)

		assert.NoError(t, alice.machine.Call("bob"))
		bob.waitRinging(t)

		assert.NoError(t, bob.machine.Call("carol"))
		bob.waitState(t, call.Calling)
		assert.True(t, bob.machine.Status().Ringing, "the untouched offer keeps ringing")
	})

	t.Run("given invalid peer when calling then return error", func(t *testing.T) {
		db := memory.New()
		alice := startEndpoint(t, "alice", db)
		assert.Error(t, alice.machine.Call(""))
		assert.Error(t, alice.machine.Call("alice"))
		assert.Equal(t, call.Idle, alice.machine.Status().State)
	})
}

func TestConnectAndHangUp(t *testing.T) {
	db := memory.New()
	alice := startEndpoint(t, "alice", db)
	bob := startEndpoint(t, "bob", db)

	connect(t, alice, bob, "bob")

	// Hanging up releases everything on both sides.
	assert.NoError(t, alice.machine.End())
	alice.waitState(t, call.Idle)
	bob.waitState(t, call.Idle)

	assert.True(t, alice.factory.last().isDestroyed())
	assert.Eventually(t, func() bool {
		return bob.factory.last().isDestroyed()
	}, waitFor, tick)
	for _, tr := range alice.device.tracks() {
		assert.True(t, tr.Closed())
	}

	// Both call slots end up cleared.
	for _, uid := range []string{"alice", "bob"} {
		var mu sync.Mutex
		var latest []byte
		gotAny := false
		cancel, err := db.Subscribe(signal.Key(uid), func(value []byte) {
			mu.Lock()
			latest = value
			gotAny = true
			mu.Unlock()
		})
		assert.NoError(t, err)
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return gotAny && latest == nil
		}, waitFor, tick, "slot %s not cleared", uid)
		cancel()
	}
}

func TestDecline(t *testing.T) {
	db := memory.New()
	alice := startEndpoint(t, "alice", db)
	bob := startEndpoint(t, "bob", db)

	assert.NoError(t, alice.machine.Call("bob"))
	bob.waitRinging(t)
	assert.NoError(t, bob.machine.Decline())

	status := bob.machine.Status()
	assert.Equal(t, call.Idle, status.State)
	assert.False(t, status.Ringing)
	alice.waitIdleReason(t, call.ReasonDeclined)
}

func TestCallerTimeout(t *testing.T) {
	db := memory.New()
	e := &endpoint{factory: &fakeFactory{}, device: &fakeDevice{}, broker: broker.New()}
	e.status = e.broker.Subscribe(broker.Call, "")
	m, err := call.New(call.Config{SelfID: "alice", Timeout: 100 * time.Millisecond},
		db, e.factory, e.device, e.broker, metric.New(metric.Config{}))
	assert.NoError(t, err)
	assert.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	e.machine = m

	assert.NoError(t, m.Call("bob"))
	e.waitIdleReason(t, call.ReasonTimeout)
	assert.True(t, e.factory.last().isDestroyed())
}

func TestSingleCall(t *testing.T) {
	db := memory.New()
	alice := startEndpoint(t, "alice", db)

	assert.ErrorIs(t, alice.machine.Accept(), call.ErrNoPendingOffer)

	assert.NoError(t, alice.machine.Call("bob"))
	assert.ErrorIs(t, alice.machine.Call("carol"), call.ErrBusy)
	assert.ErrorIs(t, alice.machine.Accept(), call.ErrBusy)
	assert.ErrorIs(t, alice.machine.Decline(), call.ErrNoPendingOffer)
}

func TestEndIsIdempotent(t *testing.T) {
	db := memory.New()
	alice := startEndpoint(t, "alice", db)

	assert.NoError(t, alice.machine.End(), "ending an idle machine is a no-op")

	assert.NoError(t, alice.machine.Call("bob"))
	assert.NoError(t, alice.machine.End())
	assert.NoError(t, alice.machine.End())
	assert.Equal(t, call.Idle, alice.machine.Status().State)
}

func TestMediaFailure(t *testing.T) {
	t.Run("given unavailable device when calling then stay idle", func(t *testing.T) {
		db := memory.New()
		alice := startEndpoint(t, "alice", db)
		alice.device.err = media.ErrDeviceUnavailable

		err := alice.machine.Call("bob")
		assert.ErrorIs(t, err, media.ErrDeviceUnavailable)
		assert.Equal(t, call.Idle, alice.machine.Status().State)
	})

	t.Run("given denied permission when accepting then leave the offer unanswered", func(t *testing.T) {
		db := memory.New()
		alice := startEndpointTimeout(t, "alice", db, time.Second)
		bob := startEndpointTimeout(t, "bob", db, time.Second)
		bob.device.err = media.ErrPermissionDenied

		assert.NoError(t, alice.machine.Call("bob"))
		bob.waitRinging(t)

		err := bob.machine.Accept()
		assert.ErrorIs(t, err, media.ErrPermissionDenied)
		assert.Equal(t, call.Idle, bob.machine.Status().State)
		assert.True(t, bob.machine.Status().Ringing, "the offer stays ringing")

		// No decline goes out; the caller keeps calling until her own
		// timeout fires.
		assert.Never(t, func() bool {
			return alice.machine.Status().State != call.Calling
		}, 300*time.Millisecond, tick)
		alice.waitIdleReason(t, call.ReasonTimeout)

		// The timeout cleanup clears the offer and stops the ring.
		assert.Eventually(t, func() bool {
			return !bob.machine.Status().Ringing
		}, waitFor, tick)
	})
}

func TestStaleOfferDoesNotRing(t *testing.T) {
	db := memory.New()
	stale := signal.Signal{
		Kind:      signal.Offer,
		Payload:   fakeDescription,
		From:      "alice",
		CreatedAt: time.Now().Add(-time.Hour).UnixMilli(),
	}
	data, err := stale.Encode()
	assert.NoError(t, err)
	assert.NoError(t, db.Publish(signal.Key("bob"), data))

	bob := startEndpoint(t, "bob", db)
	assert.Never(t, func() bool {
		status := bob.machine.Status()
		return status.State != call.Idle || status.Ringing
	}, 300*time.Millisecond, tick)
}

func TestToggles(t *testing.T) {
	db := memory.New()
	alice := startEndpoint(t, "alice", db)

	// Toggling outside a call is a no-op.
	alice.machine.SetAudioEnabled(false)

	assert.NoError(t, alice.machine.Call("bob"))
	status := alice.machine.Status()
	assert.True(t, status.AudioEnabled)
	assert.True(t, status.VideoEnabled)

	alice.machine.SetAudioEnabled(false)
	alice.machine.SetVideoEnabled(false)
	status = alice.machine.Status()
	assert.False(t, status.AudioEnabled)
	assert.False(t, status.VideoEnabled)
	for _, tr := range alice.device.tracks() {
		assert.False(t, tr.Enabled())
	}

	alice.machine.SetVideoEnabled(true)
	assert.True(t, alice.machine.Status().VideoEnabled)
}

func TestGlare(t *testing.T) {
	db := memory.New()
	alice := startEndpoint(t, "alice", db)
	bob := startEndpoint(t, "bob", db)

	// Both call each other at once. The lower id keeps its offer, the
	// other side yields and rings. Bob may already be ringing from
	// alice when his own call goes out, which reads as busy.
	assert.NoError(t, alice.machine.Call("bob"))
	if err := bob.machine.Call("alice"); err != nil {
		assert.ErrorIs(t, err, call.ErrBusy)
	}

	alice.waitState(t, call.Calling)
	bob.waitRinging(t)
	assert.Eventually(t, func() bool {
		return bob.machine.Status().State == call.Idle
	}, waitFor, tick)
	assert.Equal(t, "alice", bob.machine.Status().Caller)
}

func TestPublishFailureTearsDown(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := store.NewMockStore(ctrl)
	st.EXPECT().Subscribe(signal.Key("alice"), gomock.Any()).Return(func() {}, nil)
	st.EXPECT().Publish(signal.Key("bob"), gomock.Any()).Return(store.ErrConnectivity).AnyTimes()
	st.EXPECT().Clear(gomock.Any()).Return(nil).AnyTimes()

	e := &endpoint{factory: &fakeFactory{}, device: &fakeDevice{}, broker: broker.New()}
	e.status = e.broker.Subscribe(broker.Call, "")
	m, err := call.New(call.Config{SelfID: "alice"},
		st, e.factory, e.device, e.broker, metric.New(metric.Config{}))
	assert.NoError(t, err)
	assert.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	e.machine = m

	assert.NoError(t, m.Call("bob"))
	e.waitIdleReason(t, call.ReasonConnectivity)
}

func TestTransportFailure(t *testing.T) {
	db := memory.New()
	alice := startEndpoint(t, "alice", db)
	bob := startEndpoint(t, "bob", db)

	connect(t, alice, bob, "bob")

	alice.factory.last().emit(peer.Event{Kind: peer.EventFailed, Err: assert.AnError})
	alice.waitIdleReason(t, call.ReasonConnectionFailed)
	// The failing side clears both slots, which ends the peer too.
	bob.waitState(t, call.Idle)
}
