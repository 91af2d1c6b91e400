package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the lobby's Prometheus collectors. Each instance owns its
// registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeClients  prometheus.Gauge
	activeRooms    prometheus.Gauge
	connections    prometheus.Counter
	disconnections prometheus.Counter
	roomsCreated   prometheus.Counter
	commands       *prometheus.CounterVec
	commandErrors  *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fuzzy_clients_active",
			Help: "Number of connected clients",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fuzzy_rooms_active",
			Help: "Number of open rooms",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuzzy_connections_total",
			Help: "Accepted connections",
		}),
		disconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuzzy_disconnections_total",
			Help: "Closed connections",
		}),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fuzzy_rooms_created_total",
			Help: "Rooms created",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuzzy_commands_total",
			Help: "Decoded commands by type",
		}, []string{"command"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuzzy_command_errors_total",
			Help: "ERROR responses by command type",
		}, []string{"command"}),
	}

	m.registry.MustRegister(
		m.activeClients,
		m.activeRooms,
		m.connections,
		m.disconnections,
		m.roomsCreated,
		m.commands,
		m.commandErrors,
	)
	return m
}

func (m *Metrics) RecordActiveClients(n int) { m.activeClients.Set(float64(n)) }
func (m *Metrics) RecordActiveRooms(n int) { m.activeRooms.Set(float64(n)) }
func (m *Metrics) RecordConnection() { m.connections.Inc() }
func (m *Metrics) RecordDisconnection() { m.disconnections.Inc() }
func (m *Metrics) RecordRoomCreated() { m.roomsCreated.Inc() }
func (m *Metrics) RecordCommand(command string) { m.commands.WithLabelValues(command).Inc() }
func (m *Metrics) RecordCommandError(command string) { m.commandErrors.WithLabelValues(command).Inc() }
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
func (m *Metrics) Handler() http.Handler { return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}) }
