package call

import (
	"errors"
	"time"

	"duo/media"
)

// Defaults for call timing.
const (
	// DefaultTimeout bounds how long an unanswered outbound call rings
	// before it is torn down.
	DefaultTimeout = 30 * time.Second

	// DefaultOfferTTL bounds how old a stored offer may be and still
	// ring the recipient. The call key is reused across unrelated
	// calls, so stale leftovers must not ring anyone.
	DefaultOfferTTL = 60 * time.Second
)

// ErrNoSelfID is returned when the configuration misses the local user id.
var ErrNoSelfID = errors.New("missing self id")

// Config defines the configuration for the call machine.
type Config struct {
	SelfID   string        // local user id, owner of the calls/{self} key
	Timeout  time.Duration // unanswered outbound call timeout
	OfferTTL time.Duration // maximum age of an offer that may ring
	Media    media.Config  // capture bounds for call sessions
}

// Validate checks the config and fills unset fields with defaults.
func (c *Config) Validate() error {
	if c.SelfID == "" {
		return ErrNoSelfID
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.OfferTTL <= 0 {
		c.OfferTTL = DefaultOfferTTL
	}
	if c.Media == (media.Config{}) {
		c.Media = media.DefaultConfig()
	}
	return nil
}
