package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fuzzytales/fuzzy/pkg/database"
	"github.com/fuzzytales/fuzzy/pkg/logging"
	"github.com/fuzzytales/fuzzy/pkg/protocol"
)

// State is the server run state
type State int32

const (
	StateCreated State = iota
	StateListening
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Address     string
	Port        int    // TCP lobby port (0 = pick a free port)
	HTTPPort    int    // WebSocket transport at /ws (0 = disabled)
	MetricsPort int    // Internal /metrics and /health (0 = disabled)
	KeyFile     string // Session key is written here at startup ("" = don't write)
	JournalPath string // SQLite lobby journal ("" = disabled)

	MaxClients          int // 0 = unlimited
	MaxRoomMembers      int // 0 = unlimited, includes the owner
	WriteTimeoutSeconds int // 0 = no write deadline
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Address:     "127.0.0.1",
		Port:        7557,
		HTTPPort:    0,
		MetricsPort: 9090,
	}
}

type eventKind uint8

const (
	eventConnect eventKind = iota
	eventFrames
	eventClosed
)

// event is what reader goroutines hand to the dispatcher
type event struct {
	kind   eventKind
	peer   *Peer
	frames []*protocol.Envelope
	err    error
}

// Server is a FUZZY lobby server instance
type Server struct {
	config    ServerConfig
	key       string
	registry  *Registry
	metrics   *Metrics
	journal   *database.Journal
	logger    zerolog.Logger
	startTime time.Time

	listener      net.Listener
	wsServer      *http.Server
	wsListener    net.Listener
	metricsServer *http.Server
	metricsAddr   net.Addr

	events   chan event
	shutdown chan struct{} // closed when the server starts stopping
	stopped  chan struct{} // closed when the dispatcher has exited
	stopOnce sync.Once
	wg       sync.WaitGroup
	wgMu     sync.Mutex // orders wg.Add for WebSocket peers against close(shutdown)

	state       atomic.Int32
	dispatching atomic.Bool
	nextPeerID  atomic.Uint64

	out *protocol.Envelope // response buffer, dispatcher only
}

// NewServer creates a new server instance and its session key
func NewServer(config ServerConfig) (*Server, error) {
	if config.Port < 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", config.Port)
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)

	s := &Server{
		config:   config,
		key:      strings.ToUpper(uuid.New().String()),
		registry: registry,
		metrics:  metrics,
		logger:   logging.Component("server"),
		events:   make(chan event, 64),
		shutdown: make(chan struct{}),
		stopped:  make(chan struct{}),
		out:      protocol.NewEnvelope(),
	}

	if config.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(config.JournalPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		journal, err := database.Open(config.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		s.journal = journal
	}

	return s, nil
}

// Key returns the session key clients authenticate with
func (s *Server) Key() string {
	return s.key
}

// State returns the current run state
func (s *Server) State() State {
	return State(s.state.Load())
}

// Registry exposes the lobby state. Only safe to inspect once the server
// has stopped.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server's collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Journal returns the lobby journal, or nil when disabled
func (s *Server) Journal() *database.Journal {
	return s.journal
}

// Addr returns the lobby listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WebSocketAddr returns the WebSocket listener address, or nil when disabled
func (s *Server) WebSocketAddr() net.Addr {
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}

// MetricsAddr returns the metrics listener address, or nil when disabled
func (s *Server) MetricsAddr() net.Addr {
	return s.metricsAddr
}

func (s *Server) record(kind string, clientID uint64, roomID uint32, detail string) {
	if s.journal != nil {
		s.journal.Record(kind, clientID, roomID, detail)
	}
}

// Start opens the listeners and launches the reactor
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateListening)) {
		return fmt.Errorf("server already started")
	}
	s.startTime = time.Now()

	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	lc := reuseAddrListenConfig()
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("lobby listening")

	if err := s.startMetricsServer(); err != nil {
		listener.Close()
		s.state.Store(int32(StateStopped))
		return err
	}

	if err := s.startWebSocketServer(); err != nil {
		listener.Close()
		if s.metricsServer != nil {
			s.metricsServer.Close()
		}
		s.state.Store(int32(StateStopped))
		return err
	}

	if err := s.writeKeyFile(); err != nil {
		// Clients can still be handed the key some other way
		s.logger.Warn().Err(err).Str("path", s.config.KeyFile).Msg("failed to write key file")
	}

	s.state.Store(int32(StateRunning))

	s.dispatching.Store(true)
	go s.dispatchLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) startMetricsServer() error {
	if s.config.MetricsPort <= 0 {
		return nil
	}

	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.MetricsPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Internal only - never expose publicly!
	s.metricsServer = &http.Server{Handler: s.metricsRouter(), ReadHeaderTimeout: 5 * time.Second}
	s.metricsAddr = listener.Addr()

	go func() {
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("metrics server listening (/metrics, /health)")
		if err := s.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	return nil
}

func (s *Server) startWebSocketServer() error {
	if s.config.HTTPPort <= 0 {
		return nil
	}

	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.HTTPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.wsServer = &http.Server{Handler: s.webSocketRouter(), ReadHeaderTimeout: 5 * time.Second}
	s.wsListener = listener

	go func() {
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("websocket server listening (/ws)")
		if err := s.wsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("websocket server error")
		}
	}()
	return nil
}

// writeKeyFile hands the session key to local clients
func (s *Server) writeKeyFile() error {
	if s.config.KeyFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.config.KeyFile), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(s.config.KeyFile, []byte(s.key+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// beginShutdown moves the server to Stopped and closes the listeners.
// Safe to call from any goroutine, more than once.
func (s *Server) beginShutdown() {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateStopped))
		s.wgMu.Lock()
		close(s.shutdown)
		s.wgMu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}
		if s.wsServer != nil {
			s.wsServer.Close()
		}
		if s.metricsServer != nil {
			s.metricsServer.Close()
		}
	})
}

// Wait blocks until the reactor has stopped, either through an authenticated
// SHUTDOWN or Stop.
func (s *Server) Wait() {
	if !s.dispatching.Load() {
		return
	}
	<-s.stopped
}

// Stop gracefully stops the server and flushes the journal
func (s *Server) Stop() error {
	s.beginShutdown()

	if s.dispatching.Load() {
		<-s.stopped
		s.wg.Wait()
	}

	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Error().Err(err).Msg("error during journal close")
			return err
		}
	}

	s.logger.Info().Msg("graceful shutdown complete")
	return nil
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("accept error")
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go s.servePeer(s.newPeer(conn))
	}
}

func (s *Server) newPeer(conn Transport) *Peer {
	timeout := time.Duration(s.config.WriteTimeoutSeconds) * time.Second
	return NewPeer(s.nextPeerID.Add(1), conn, timeout)
}

// trackPeer counts a reader goroutine started outside the accept loop. It
// fails once the server is shutting down, so Stop never waits on a peer it
// cannot see.
func (s *Server) trackPeer() bool {
	s.wgMu.Lock()
	defer s.wgMu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.wg.Add(1)
	return true
}

// deliver hands an event to the dispatcher. It fails once the server is
// shutting down.
func (s *Server) deliver(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.shutdown:
		return false
	}
}

// servePeer is the reader goroutine of one connection. It only pumps bytes:
// every frame already buffered behind the first one is read too and handed
// over as a single batch.
func (s *Server) servePeer(peer *Peer) {
	defer s.wg.Done()
	defer peer.Close()

	if !s.deliver(event{kind: eventConnect, peer: peer}) {
		return
	}

	for {
		batch, ok, err := s.readBatch(peer)
		if len(batch) > 0 {
			if !s.deliver(event{kind: eventFrames, peer: peer, frames: batch}) {
				return
			}
		}
		if !ok || err != nil {
			s.deliver(event{kind: eventClosed, peer: peer, err: err})
			return
		}
	}
}

func (s *Server) readBatch(peer *Peer) ([]*protocol.Envelope, bool, error) {
	var batch []*protocol.Envelope
	for {
		env := protocol.NewEnvelope()
		ok, err := peer.Receive(env)
		if err != nil || !ok {
			return batch, ok, err
		}
		batch = append(batch, env)
		if !peer.Pending() {
			return batch, true, nil
		}
	}
}

// dispatchLoop is the only goroutine that touches the registry
func (s *Server) dispatchLoop() {
	defer close(s.stopped)
	defer s.teardown()

	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
			if s.State() == StateStopped {
				s.beginShutdown()
				return
			}
		case <-s.shutdown:
			return
		}
	}
}

// teardown closes every remaining connection once the reactor stops
func (s *Server) teardown() {
	clients := s.registry.Clients()
	if len(clients) > 0 {
		s.logger.Info().Int("clients", len(clients)).Msg("closing client connections")
	}
	for _, c := range clients {
		c.Peer.Close()
	}
	s.record(database.EventServerShutdown, 0, 0, "")
}

func (s *Server) handleEvent(ev event) {
	switch ev.kind {
	case eventConnect:
		s.handleConnect(ev.peer)

	case eventFrames:
		client, ok := s.registry.Client(ev.peer.ID())
		if !ok {
			return
		}
		for _, env := range ev.frames {
			if err := s.handleEnvelope(client, env); err != nil {
				s.logger.Error().Err(err).Uint64("client", client.ID).Msg("closing connection")
				s.dropClient(client)
				return
			}
		}

	case eventClosed:
		client, ok := s.registry.Client(ev.peer.ID())
		if !ok {
			return
		}
		if ev.err != nil {
			s.logger.Error().Err(ev.err).Uint64("client", client.ID).Msg("read error")
		} else {
			s.logger.Debug().Uint64("client", client.ID).Msg("client disconnected")
		}
		s.handleDisconnect(client)
	}
}

func (s *Server) handleConnect(peer *Peer) {
	if s.config.MaxClients > 0 && s.registry.ClientCount() >= s.config.MaxClients {
		s.logger.Warn().Str("remote", peer.RemoteAddr().String()).Msg("rejecting connection: server full")
		protocol.EncodeError(s.out, "Server full")
		if err := peer.Send(s.out); err != nil {
			s.logger.Debug().Err(err).Uint64("client", peer.ID()).Msg("failed to send server full")
		}
		peer.Close()
		return
	}

	client := s.registry.AddClient(peer)
	s.metrics.RecordConnection()
	s.record(database.EventClientConnected, client.ID, 0, net.JoinHostPort(client.IP, strconv.Itoa(client.Port)))
	s.logger.Debug().Uint64("client", client.ID).Str("ip", client.IP).Int("port", client.Port).Msg("new connection")
}

// dropClient closes a connection from the dispatcher side
func (s *Server) dropClient(client *Client) {
	client.Peer.Close()
	s.handleDisconnect(client)
}

// handleDisconnect resolves room membership and forgets the client. An
// owner leaving closes the room and every other member is sent GAME_FINISH.
func (s *Server) handleDisconnect(client *Client) {
	if room := client.Room; room != nil {
		if room.Owner == client {
			evicted := s.registry.CloseRoom(room)
			protocol.EncodeNotification(s.out, protocol.CommandGameFinish)
			for _, m := range evicted {
				if err := m.Peer.Send(s.out); err != nil {
					s.logger.Warn().Err(err).Uint64("client", m.ID).Msg("failed to notify evicted member")
					m.Peer.Close()
				}
			}
			s.record(database.EventRoomClosed, client.ID, room.ID, room.Name)
			s.logger.Debug().Uint32("room", room.ID).Int("evicted", len(evicted)).Msg("room closed by owner disconnect")
		} else {
			s.registry.LeaveRoom(client)
		}
	}

	s.registry.RemoveClient(client.ID)
	s.metrics.RecordDisconnection()
	s.record(database.EventClientDisconnected, client.ID, 0, "")
}
