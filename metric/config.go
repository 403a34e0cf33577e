package metric

// Default values for the metrics endpoint.
const (
	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"
)

// Config defines the configuration for the metrics endpoint.
type Config struct {
	Port int    // Port the /metrics server listens on
	Path string // HTTP path the exposition is served under
}
