// Package call implements the signaling state machine for one-to-one
// calls. All state lives on a single event loop; commands, store
// notifications, transport events and timers are funneled into one
// channel and handled in arrival order.
package call

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"duo/broker"
	"duo/media"
	"duo/metric"
	"duo/peer"
	"duo/store"
	"duo/types/event"
	"duo/types/signal"
)

// Below is the error set for call commands.
var (
	// ErrBusy is returned when a call is placed while another call is
	// in progress. At most one call exists at a time.
	ErrBusy = errors.New("another call is in progress")

	// ErrNoPendingOffer is returned when Accept or Decline is invoked
	// without an offer ringing.
	ErrNoPendingOffer = errors.New("no pending offer")

	// ErrStopped is returned when the machine has been stopped.
	ErrStopped = errors.New("call machine stopped")
)

// State of the call machine.
type State int

// Call states. Every teardown path ends in Idle.
const (
	Idle State = iota
	Calling
	Receiving
	Connected
)

// String returns the state name published with status events.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calling:
		return "calling"
	case Receiving:
		return "receiving"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Reason names why a call returned to idle. It doubles as the outcome
// label on call metrics.
type Reason string

// Teardown reasons.
const (
	ReasonNone             Reason = ""
	ReasonEnded            Reason = "ended"
	ReasonDeclined         Reason = "declined"
	ReasonTimeout          Reason = "timeout"
	ReasonConnectionFailed Reason = "connection_failed"
	ReasonMediaFailed      Reason = "media_failed"
	ReasonConnectivity     Reason = "connectivity"
	ReasonProtocol         Reason = "protocol"
)

// Status is a snapshot of the machine for the UI layer. Ringing is
// independent of State: a pending offer waits in Idle until the user
// accepts or declines it.
type Status struct {
	State        State
	Peer         string
	Ringing      bool
	Caller       string
	AudioEnabled bool
	VideoEnabled bool
}

// Commands funneled into the event loop. Replies are buffered so the
// loop never blocks on a caller.
type (
	callCmd struct {
		peerID string
		reply  chan error
	}
	acceptCmd  struct{ reply chan error }
	declineCmd struct{ reply chan error }
	endCmd     struct{ reply chan error }
	toggleCmd  struct {
		audio   bool
		enabled bool
		reply   chan struct{}
	}
	statusCmd struct{ reply chan Status }
)

// Internal events. The generation stamp lets the loop discard events
// from adapters and timers that belong to an already torn down call.
type (
	signalEvent  struct{ value []byte }
	adapterEvent struct {
		gen uint64
		ev  peer.Event
	}
	timeoutEvent struct{ gen uint64 }
)

// Machine drives the call lifecycle for one local user.
type Machine struct {
	config  Config
	store   store.Store
	factory peer.Factory
	device  media.Device
	broker  *broker.Broker
	metrics *metric.Metrics

	events    chan any
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	cancelSub func()

	// Fields below are owned by the event loop.
	state        State
	peerID       string
	sess         *media.Session
	adapter      peer.Adapter
	pendingOffer *signal.Signal
	gen          uint64
	timer        *time.Timer
	pumpQuit     chan struct{}
	counted      bool
}

// New creates a new call machine. Start must be called before use.
func New(config Config, st store.Store, factory peer.Factory, device media.Device,
	bk *broker.Broker, metrics *metric.Metrics) (*Machine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid call config: %w", err)
	}
	return &Machine{
		config:  config,
		store:   st,
		factory: factory,
		device:  device,
		broker:  bk,
		metrics: metrics,
		events:  make(chan any, 32),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start subscribes to the local call key and runs the event loop. A
// fresh offer already sitting in the key rings immediately.
func (m *Machine) Start() error {
	cancel, err := m.store.Subscribe(signal.Key(m.config.SelfID), func(value []byte) {
		select {
		case m.events <- signalEvent{value: value}:
		case <-m.done:
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe call key: %w", err)
	}
	m.cancelSub = cancel
	go m.run()
	return nil
}

// Stop tears down any call in progress and halts the event loop.
// Idempotent.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.quit) })
	<-m.done
}

// Call places an outbound call to peerID. It returns once local media
// is acquired and the transport is set up; the offer itself is sent
// asynchronously when the local description is ready.
func (m *Machine) Call(peerID string) error {
	return m.roundTrip(func(reply chan error) any { return callCmd{peerID: peerID, reply: reply} })
}

// Accept answers the ringing offer.
func (m *Machine) Accept() error {
	return m.roundTrip(func(reply chan error) any { return acceptCmd{reply: reply} })
}

// Decline rejects the ringing offer and notifies the caller.
func (m *Machine) Decline() error {
	return m.roundTrip(func(reply chan error) any { return declineCmd{reply: reply} })
}

// End terminates the current call. Ending an idle machine is a no-op.
func (m *Machine) End() error {
	return m.roundTrip(func(reply chan error) any { return endCmd{reply: reply} })
}

// SetAudioEnabled toggles the microphone. No effect outside a call.
func (m *Machine) SetAudioEnabled(enabled bool) {
	m.toggle(true, enabled)
}

// SetVideoEnabled toggles the camera. No effect outside a call.
func (m *Machine) SetVideoEnabled(enabled bool) {
	m.toggle(false, enabled)
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	reply := make(chan Status, 1)
	select {
	case m.events <- statusCmd{reply: reply}:
	case <-m.done:
		return Status{State: Idle}
	}
	select {
	case s := <-reply:
		return s
	case <-m.done:
		return Status{State: Idle}
	}
}

func (m *Machine) roundTrip(build func(reply chan error) any) error {
	reply := make(chan error, 1)
	select {
	case m.events <- build(reply):
	case <-m.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrStopped
	}
}

func (m *Machine) toggle(audio, enabled bool) {
	reply := make(chan struct{}, 1)
	select {
	case m.events <- toggleCmd{audio: audio, enabled: enabled, reply: reply}:
	case <-m.done:
		return
	}
	select {
	case <-reply:
	case <-m.done:
	}
}

func (m *Machine) run() {
	defer func() {
		close(m.done)
		if m.cancelSub != nil {
			m.cancelSub()
		}
	}()
	for {
		select {
		case <-m.quit:
			m.teardown(ReasonEnded)
			return
		case ev := <-m.events:
			m.dispatch(ev)
		}
	}
}

func (m *Machine) dispatch(ev any) {
	switch ev := ev.(type) {
	case callCmd:
		ev.reply <- m.handleCall(ev.peerID)
	case acceptCmd:
		ev.reply <- m.handleAccept()
	case declineCmd:
		ev.reply <- m.handleDecline()
	case endCmd:
		ev.reply <- m.handleEnd()
	case toggleCmd:
		m.handleToggle(ev.audio, ev.enabled)
		ev.reply <- struct{}{}
	case statusCmd:
		ev.reply <- m.snapshot()
	case signalEvent:
		m.handleSignal(ev.value)
	case adapterEvent:
		m.handleAdapterEvent(ev)
	case timeoutEvent:
		m.handleTimeout(ev)
	default:
		log.Printf("call: unknown event %T", ev)
	}
}

func (m *Machine) handleCall(peerID string) error {
	if m.state != Idle {
		return ErrBusy
	}
	if peerID == "" || peerID == m.config.SelfID {
		return fmt.Errorf("invalid peer %q", peerID)
	}
	mutual := m.pendingOffer != nil && m.pendingOffer.From == peerID
	if mutual && m.config.SelfID > peerID {
		// Mutual call. The lower id places its offer; the higher id
		// stays with the ring it already has.
		return ErrBusy
	}

	sess, err := media.Acquire(m.device, m.config.Media)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	adapter, err := m.factory.NewInitiator(sess.Tracks())
	if err != nil {
		sess.Release()
		return fmt.Errorf("create initiator: %w", err)
	}

	if mutual {
		m.pendingOffer = nil
	}
	m.state = Calling
	m.peerID = peerID
	m.sess = sess
	m.beginSession(adapter)
	m.publishStatus(ReasonNone)
	return nil
}

func (m *Machine) handleAccept() error {
	if m.state != Idle {
		return ErrBusy
	}
	if m.pendingOffer == nil {
		return ErrNoPendingOffer
	}
	offer := m.pendingOffer

	// Failures leave the offer unanswered and the machine Idle; the
	// caller's own timeout ends the attempt.
	sess, err := media.Acquire(m.device, m.config.Media)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	adapter, err := m.factory.NewResponder(sess.Tracks(), offer.Payload)
	if err != nil {
		sess.Release()
		return fmt.Errorf("create responder: %w", err)
	}

	m.state = Receiving
	m.peerID = offer.From
	m.pendingOffer = nil
	m.sess = sess
	m.beginSession(adapter)
	m.publishStatus(ReasonNone)
	return nil
}

func (m *Machine) handleDecline() error {
	if m.pendingOffer == nil {
		return ErrNoPendingOffer
	}
	err := m.notifyDecline(m.pendingOffer.From)
	m.stopRinging(ReasonDeclined, m.state == Idle)
	return err
}

func (m *Machine) handleEnd() error {
	if m.state == Idle {
		return nil
	}
	m.teardown(ReasonEnded)
	return nil
}

func (m *Machine) handleToggle(audio, enabled bool) {
	if m.sess == nil {
		return
	}
	if audio {
		m.sess.SetAudioEnabled(enabled)
	} else {
		m.sess.SetVideoEnabled(enabled)
	}
}

func (m *Machine) snapshot() Status {
	s := Status{State: m.state, Peer: m.peerID}
	if m.pendingOffer != nil {
		s.Ringing = true
		s.Caller = m.pendingOffer.From
	}
	if m.sess != nil {
		s.AudioEnabled = m.sess.AudioEnabled()
		s.VideoEnabled = m.sess.VideoEnabled()
	}
	return s
}

// handleSignal reacts to the current value of the local call key. A nil
// value means the key was cleared.
func (m *Machine) handleSignal(value []byte) {
	sig, err := signal.Decode(value)
	if err != nil {
		log.Printf("call: dropping malformed signal: %v", err)
		return
	}
	if sig == nil {
		m.handleClearedKey()
		return
	}
	if err := sig.Validate(); err != nil {
		log.Printf("call: dropping invalid signal: %v", err)
		return
	}
	if sig.From == m.config.SelfID {
		return
	}

	switch sig.Kind {
	case signal.Offer:
		m.handleOffer(sig)
	case signal.Answer:
		m.handleAnswer(sig)
	case signal.Decline:
		m.handlePeerDecline(sig)
	}
}

func (m *Machine) handleClearedKey() {
	if m.pendingOffer != nil {
		// The caller canceled before the user answered.
		m.stopRinging(ReasonEnded, false)
		return
	}
	switch m.state {
	case Receiving, Connected:
		// The peer hung up. Our own cleanup also clears this key, but
		// by then the machine is already idle.
		m.teardown(ReasonEnded)
	default:
	}
}

func (m *Machine) handleOffer(sig *signal.Signal) {
	if !sig.Fresh(time.Now(), m.config.OfferTTL) {
		log.Printf("call: ignoring stale offer from %s", sig.From)
		return
	}

	switch m.state {
	case Idle:
		if m.pendingOffer != nil && m.pendingOffer.From == sig.From {
			// A rewritten offer from the same caller replaces the one
			// still ringing.
			m.pendingOffer = sig
			return
		}
		m.ring(sig)
	case Calling:
		if sig.From != m.peerID {
			return
		}
		// Both sides called each other at once. The side with the
		// lower id keeps its offer; the other yields and rings.
		if m.config.SelfID < sig.From {
			return
		}
		log.Printf("call: yielding glare to %s", sig.From)
		m.teardownQuiet()
		m.ring(sig)
	default:
	}
}

func (m *Machine) handleAnswer(sig *signal.Signal) {
	if m.state != Calling || sig.From != m.peerID {
		return
	}
	if err := m.adapter.AcceptRemoteDescription(sig.Payload); err != nil {
		log.Printf("call: rejecting answer from %s: %v", sig.From, err)
		if errors.Is(err, peer.ErrProtocol) {
			m.teardown(ReasonProtocol)
		} else {
			m.teardown(ReasonConnectionFailed)
		}
	}
}

func (m *Machine) handlePeerDecline(sig *signal.Signal) {
	if m.state != Calling || sig.From != m.peerID {
		return
	}
	m.teardown(ReasonDeclined)
}

// ring presents a fresh offer without leaving Idle. Receiving is only
// entered when the user accepts; until then the user can still place
// outgoing calls.
func (m *Machine) ring(sig *signal.Signal) {
	m.pendingOffer = sig
	if err := m.broker.Publish(broker.Call, "", event.IncomingCall{From: sig.From}); err != nil {
		log.Printf("call: publishing incoming call event: %v", err)
	}
}

// stopRinging dismisses the pending offer, leaving any active session
// untouched. The offer record in the local slot is cleared only when
// this side wrote the dismissal, not when the caller already did.
func (m *Machine) stopRinging(reason Reason, clearKey bool) {
	from := m.pendingOffer.From
	m.pendingOffer = nil

	if clearKey {
		go func(self string) {
			if err := m.store.Clear(signal.Key(self)); err != nil {
				log.Printf("call: clearing %s: %v", signal.Key(self), err)
			}
		}(m.config.SelfID)
	}

	status := event.CallStatus{State: m.state.String(), Peer: from, Reason: string(reason)}
	if err := m.broker.Publish(broker.Call, "", status); err != nil {
		log.Printf("call: publishing status event: %v", err)
	}
}

func (m *Machine) handleAdapterEvent(ae adapterEvent) {
	if ae.gen != m.gen {
		return
	}
	switch ae.ev.Kind {
	case peer.EventLocalDescription:
		m.sendDescription(ae.ev.Payload)
	case peer.EventConnected:
		m.stopTimer()
		m.state = Connected
		m.publishStatus(ReasonNone)
	case peer.EventRemoteTrack:
		if err := m.broker.Publish(broker.Call, "", event.RemoteMedia{Peer: m.peerID, Track: ae.ev.Track}); err != nil {
			log.Printf("call: publishing remote media event: %v", err)
		}
	case peer.EventFailed:
		log.Printf("call: transport failed with %s: %v", m.peerID, ae.ev.Err)
		m.teardown(ReasonConnectionFailed)
	case peer.EventClosed:
		if m.state == Connected {
			m.teardown(ReasonEnded)
		} else {
			m.teardown(ReasonConnectionFailed)
		}
	}
}

func (m *Machine) handleTimeout(te timeoutEvent) {
	if te.gen != m.gen || m.state == Connected || m.state == Idle {
		return
	}
	log.Printf("call: no answer from %s within %s", m.peerID, m.config.Timeout)
	m.teardown(ReasonTimeout)
}

// sendDescription forwards the local description to the peer: an offer
// when calling, an answer when receiving.
func (m *Machine) sendDescription(payload []byte) {
	sig := signal.Signal{Payload: payload, From: m.config.SelfID}
	switch m.state {
	case Calling:
		sig.Kind = signal.Offer
		sig.CreatedAt = time.Now().UnixMilli()
	case Receiving:
		sig.Kind = signal.Answer
	default:
		return
	}

	data, err := sig.Encode()
	if err != nil {
		log.Printf("call: encoding %s: %v", sig.Kind, err)
		m.teardown(ReasonProtocol)
		return
	}
	if err := m.store.Publish(signal.Key(m.peerID), data); err != nil {
		log.Printf("call: publishing %s to %s: %v", sig.Kind, m.peerID, err)
		m.teardown(ReasonConnectivity)
		return
	}
	m.metrics.IncrementSignalsPublished()
}

// beginSession attaches an adapter to the current call attempt: event
// pump, answer timer and call accounting.
func (m *Machine) beginSession(adapter peer.Adapter) {
	m.adapter = adapter
	m.counted = true
	m.metrics.IncrementActiveCalls()

	gen := m.gen
	m.pumpQuit = make(chan struct{})
	go m.pump(gen, adapter, m.pumpQuit)

	m.timer = time.AfterFunc(m.config.Timeout, func() {
		select {
		case m.events <- timeoutEvent{gen: gen}:
		case <-m.done:
		}
	})
}

func (m *Machine) pump(gen uint64, adapter peer.Adapter, quit chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case ev := <-adapter.Events():
			select {
			case m.events <- adapterEvent{gen: gen, ev: ev}:
			case <-quit:
				return
			case <-m.done:
				return
			}
		}
	}
}

func (m *Machine) notifyDecline(to string) error {
	sig := signal.Signal{Kind: signal.Decline, From: m.config.SelfID}
	data, err := sig.Encode()
	if err != nil {
		return fmt.Errorf("encoding decline: %w", err)
	}
	if err := m.store.Publish(signal.Key(to), data); err != nil {
		return fmt.Errorf("publishing decline: %w", err)
	}
	m.metrics.IncrementSignalsPublished()
	return nil
}

// teardown releases every call resource, clears both call slots and
// returns to Idle. Safe to call on any state, any number of times per
// call.
func (m *Machine) teardown(reason Reason) {
	if m.state == Idle {
		return
	}
	peerID := m.release()

	// Best-effort cleanup; a failure here only leaves a record the
	// freshness check will reject later.
	go func(self, other string) {
		if err := m.store.Clear(signal.Key(other)); err != nil {
			log.Printf("call: clearing %s: %v", signal.Key(other), err)
		}
		if err := m.store.Clear(signal.Key(self)); err != nil {
			log.Printf("call: clearing %s: %v", signal.Key(self), err)
		}
	}(m.config.SelfID, peerID)

	m.metrics.ObserveCallOutcome(string(reason))
	status := event.CallStatus{State: Idle.String(), Peer: peerID, Reason: string(reason)}
	if err := m.broker.Publish(broker.Call, "", status); err != nil {
		log.Printf("call: publishing status event: %v", err)
	}
}

// teardownQuiet releases resources without cleanup writes or status
// events, for yielding a glare race right before ringing.
func (m *Machine) teardownQuiet() {
	if m.state == Idle {
		return
	}
	m.release()
}

func (m *Machine) release() (peerID string) {
	peerID = m.peerID
	m.stopTimer()
	if m.pumpQuit != nil {
		close(m.pumpQuit)
		m.pumpQuit = nil
	}
	if m.adapter != nil {
		m.adapter.Destroy()
		m.adapter = nil
	}
	if m.sess != nil {
		m.sess.Release()
		m.sess = nil
	}
	if m.counted {
		m.counted = false
		m.metrics.DecrementActiveCalls()
	}
	m.gen++
	m.state = Idle
	m.peerID = ""
	m.pendingOffer = nil
	return peerID
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) publishStatus(reason Reason) {
	status := event.CallStatus{State: m.state.String(), Peer: m.peerID, Reason: string(reason)}
	if err := m.broker.Publish(broker.Call, "", status); err != nil {
		log.Printf("call: publishing status event: %v", err)
	}
}
