package peer

import "github.com/pion/webrtc/v4"

// Connectivity is STUN-only by design: the product targets casual
// point-to-point calls, so a relay fallback for symmetric NATs is not
// carried. Multiple independent providers and a warm candidate pool
// raise the traversal success rate instead.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// DefaultCandidatePoolSize pre-gathers candidates before the first
// description is created.
const DefaultCandidatePoolSize = 10

// Config configures the underlying transport.
type Config struct {
	// STUNServers lists the STUN URLs handed to ICE.
	STUNServers []string

	// CandidatePoolSize is the ICE candidate pool size.
	CandidatePoolSize uint8

	// EngineSetup registers codecs on a new connection's media engine.
	// Defaults to the webrtc default codec set; capture devices that
	// select their own encoders install theirs here.
	EngineSetup func(*webrtc.MediaEngine) error
}

// DefaultConfig returns the transport configuration used for calls.
func DefaultConfig() Config {
	return Config{
		STUNServers:       defaultSTUNServers,
		CandidatePoolSize: DefaultCandidatePoolSize,
	}
}

func (c Config) iceServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.STUNServers))
	for _, u := range c.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}
