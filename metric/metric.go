// Package metric provides Prometheus metrics collection and monitoring.
package metric

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/cpu"
)

// systemMetricsInterval is how often system-level gauges refresh.
const systemMetricsInterval = 5 * time.Second

// Metrics contains the Prometheus metrics server and registered custom metrics.
type Metrics struct {
	httpServer           *http.Server
	config               Config
	done                 chan struct{}
	webSocketConnections prometheus.Gauge
	activeCalls          prometheus.Gauge
	callOutcomes         *prometheus.CounterVec
	signalsPublished     prometheus.Counter
	onlineUsers          prometheus.Gauge
	cpuUsage             prometheus.Gauge
	memoryUsage          prometheus.Gauge
}

// New creates a new Metrics instance with the specified configuration.
func New(config Config) *Metrics {
	return &Metrics{
		config: config,
		done:   make(chan struct{}),
		webSocketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_connections_total",
			Help: "Current number of WebSocket connections.",
		}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_calls_total",
			Help: "Current number of calls in progress.",
		}),
		callOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "call_outcomes_total",
			Help: "Finished calls by outcome.",
		}, []string{"reason"}),
		signalsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signals_published_total",
			Help: "Call signals written to the notification store.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "online_users_total",
			Help: "Users currently marked online in the directory.",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percentage",
			Help: "CPU usage percentage.",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_bytes",
			Help: "Current memory usage in bytes.",
		}),
	}
}

// RegisterMetrics registers custom metrics with Prometheus.
func (m *Metrics) RegisterMetrics() {
	prometheus.MustRegister(m.webSocketConnections)
	prometheus.MustRegister(m.activeCalls)
	prometheus.MustRegister(m.callOutcomes)
	prometheus.MustRegister(m.signalsPublished)
	prometheus.MustRegister(m.onlineUsers)
	prometheus.MustRegister(m.cpuUsage)
	prometheus.MustRegister(m.memoryUsage)
}

// Start initializes and starts the metrics HTTP server.
func (m *Metrics) Start() {
	m.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.config.Port),
		Handler: promhttp.Handler(),
	}

	go func() {
		log.Printf("Starting metrics server on port %d at path %s", m.config.Port, m.config.Path)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Error starting metrics server: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (m *Metrics) Stop() error {
	close(m.done)
	if m.httpServer != nil {
		log.Printf("Stopping metrics server on port %d", m.config.Port)
		return m.httpServer.Close()
	}
	return nil
}

// UpdateSystemMetrics collects and updates system-level metrics until Stop.
func (m *Metrics) UpdateSystemMetrics() {
	go func() {
		ticker := time.NewTicker(systemMetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				var memStats runtime.MemStats
				runtime.ReadMemStats(&memStats)
				m.memoryUsage.Set(float64(memStats.Alloc))

				if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
					m.cpuUsage.Set(percents[0])
				}
			}
		}
	}()
}

// IncrementWebSocketConnections increments the WebSocket connection count.
func (m *Metrics) IncrementWebSocketConnections() {
	m.webSocketConnections.Inc()
}

// DecrementWebSocketConnections decrements the WebSocket connection count.
func (m *Metrics) DecrementWebSocketConnections() {
	m.webSocketConnections.Dec()
}

// IncrementActiveCalls increments the in-progress call count.
func (m *Metrics) IncrementActiveCalls() {
	m.activeCalls.Inc()
}

// DecrementActiveCalls decrements the in-progress call count.
func (m *Metrics) DecrementActiveCalls() {
	m.activeCalls.Dec()
}

// ObserveCallOutcome counts one finished call under its outcome reason.
func (m *Metrics) ObserveCallOutcome(reason string) {
	m.callOutcomes.WithLabelValues(reason).Inc()
}

// IncrementSignalsPublished counts one signal written to the store.
func (m *Metrics) IncrementSignalsPublished() {
	m.signalsPublished.Inc()
}

// SetOnlineUsers updates the online user gauge.
func (m *Metrics) SetOnlineUsers(count int) {
	m.onlineUsers.Set(float64(count))
}
