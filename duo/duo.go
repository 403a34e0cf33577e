package duo

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"duo/broker"
	"duo/call"
	"duo/chat"
	"duo/hub"
	"duo/media"
	"duo/metric"
	"duo/peer"
	"duo/presence"
	"duo/store/remote"
	"duo/upload"
)

// Hub dial retry bounds for the embedded hub's listener coming up.
const (
	dialAttempts = 20
	dialBackoff  = 100 * time.Millisecond
)

// Duo contains the client components and configuration.
type Duo struct {
	config   Config
	broker   *broker.Broker
	metrics  *metric.Metrics
	hub      *hub.Hub
	store    *remote.Client
	machine  *call.Machine
	presence *presence.Sync
	upload   *upload.Client
}

// New creates a new instance of Duo. Start must be called before use.
func New(config Config) (*Duo, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Duo{
		config:  config,
		broker:  broker.New(),
		metrics: metric.New(config.Metrics),
		upload:  upload.New(config.Upload),
	}
	if config.Serve {
		d.hub = hub.New(config.Hub, d.metrics)
	}
	return d, nil
}

// Start brings every component up: metrics, the embedded hub when
// configured, the store connection, the call machine and the directory
// sync.
func (d *Duo) Start() error {
	d.metrics.RegisterMetrics()
	d.metrics.Start()
	d.metrics.UpdateSystemMetrics()

	if d.hub != nil {
		go func() {
			if err := d.hub.Start(); err != nil {
				log.Printf("duo: hub stopped: %v", err)
			}
		}()
	}

	st, err := d.dialHub()
	if err != nil {
		return fmt.Errorf("connect to hub: %w", err)
	}
	d.store = st

	device, err := media.NewCaptureDevice()
	if err != nil {
		return fmt.Errorf("create capture device: %w", err)
	}
	peerConfig := peer.DefaultConfig()
	peerConfig.EngineSetup = device.Populate

	machine, err := call.New(d.config.Call, st, peer.NewWebRTC(peerConfig), device, d.broker, d.metrics)
	if err != nil {
		return err
	}
	if err := machine.Start(); err != nil {
		return fmt.Errorf("start call machine: %w", err)
	}
	d.machine = machine

	d.presence = presence.New(d.config.Self, st, d.broker, d.metrics)
	if err := d.presence.Start(); err != nil {
		return fmt.Errorf("start directory sync: %w", err)
	}
	return nil
}

// Stop brings the components down in reverse order. Safe to call after
// a failed Start.
func (d *Duo) Stop() {
	if d.presence != nil {
		d.presence.Stop()
	}
	if d.machine != nil {
		d.machine.Stop()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.hub != nil {
		if err := d.hub.Stop(); err != nil {
			log.Printf("duo: stopping hub: %v", err)
		}
	}
	if err := d.metrics.Stop(); err != nil {
		log.Printf("duo: stopping metrics: %v", err)
	}
}

// Calls returns the call machine.
func (d *Duo) Calls() *call.Machine {
	return d.machine
}

// Directory returns the directory sync.
func (d *Duo) Directory() *presence.Sync {
	return d.presence
}

// Broker returns the event broker the UI layer subscribes on.
func (d *Duo) Broker() *broker.Broker {
	return d.broker
}

// OpenConversation opens the chat with peerID.
func (d *Duo) OpenConversation(peerID string) (*chat.Conversation, error) {
	return chat.Open(d.config.Self, peerID, d.store, d.broker)
}

// UploadFile pushes an attachment to the hosting service and returns
// its public URL.
func (d *Duo) UploadFile(ctx context.Context, name string, content io.Reader) (string, error) {
	return d.upload.Upload(ctx, name, content)
}

// dialHub connects to the sync hub. With an embedded hub the listener
// races Start, so the dial retries briefly.
func (d *Duo) dialHub() (*remote.Client, error) {
	if !d.config.Serve {
		return remote.Dial(d.config.HubAddr)
	}

	var lastErr error
	for i := 0; i < dialAttempts; i++ {
		c, err := remote.Dial(d.config.HubAddr)
		if err == nil {
			return c, nil
		}
		lastErr = err
		time.Sleep(dialBackoff)
	}
	return nil, lastErr
}
