// Package duo wires the client together: sync hub connection, call
// machine, directory sync, chat and metrics.
package duo

import (
	"errors"

	"duo/call"
	"duo/hub"
	"duo/metric"
	"duo/types/identity"
	"duo/upload"
)

// Below is the error set for configuration.
var (
	ErrNoIdentity = errors.New("missing identity")
	ErrNoHubAddr  = errors.New("missing hub address")
)

// Config contains the configuration for the client.
type Config struct {
	Self    identity.Identity // local user, supplied by the auth layer
	HubAddr string            // host:port of the sync hub
	Serve   bool              // also run an embedded sync hub
	Hub     hub.Config        // embedded hub settings, used when Serve
	Call    call.Config
	Metrics metric.Config
	Upload  upload.Config
}

// Validate checks the config and propagates the local identity into
// the component configs.
func (c *Config) Validate() error {
	if c.Self.UID == "" {
		return ErrNoIdentity
	}
	if c.HubAddr == "" {
		return ErrNoHubAddr
	}
	c.Call.SelfID = c.Self.UID
	if err := c.Call.Validate(); err != nil {
		return err
	}
	if c.Serve {
		if err := c.Hub.Validate(); err != nil {
			return err
		}
	}
	return nil
}
