package server

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fuzzytales/fuzzy/pkg/logging"
	"github.com/fuzzytales/fuzzy/pkg/protocol"
)

// Transport is the byte stream a Peer runs over: a TCP connection or an
// adapted WebSocket.
type Transport interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetWriteDeadline(t time.Time) error
}

// Peer wraps a Transport with a buffered reader and write synchronization.
//
// Reads happen only on the peer's reader goroutine. Writes come from the
// dispatcher and from shutdown, so they go through mu to keep frames from
// interleaving on the wire.
type Peer struct {
	id           uint64
	conn         Transport
	reader       *bufio.Reader
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu        sync.Mutex // Protects writes to conn
	closeOnce sync.Once
}

// NewPeer wraps conn. A zero writeTimeout disables write deadlines.
func NewPeer(id uint64, conn Transport, writeTimeout time.Duration) *Peer {
	return &Peer{
		id:           id,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: writeTimeout,
		logger:       logging.Component("peer").With().Uint64("client", id).Logger(),
	}
}

// ID returns the connection identity
func (p *Peer) ID() uint64 {
	return p.id
}

// Send writes one envelope
func (p *Peer) Send(env *protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writeTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			p.logger.Debug().Err(err).Msg("set write deadline failed")
		}
		defer func() {
			if err := p.conn.SetWriteDeadline(time.Time{}); err != nil {
				p.logger.Debug().Err(err).Msg("clear write deadline failed")
			}
		}()
	}
	return env.Send(p.conn)
}

// Receive reads one envelope. It returns false when the peer has gone away.
func (p *Peer) Receive(env *protocol.Envelope) (bool, error) {
	return env.Receive(p.reader)
}

// Pending reports whether another complete envelope is already buffered
func (p *Peer) Pending() bool {
	return protocol.Poll(p.reader)
}

// Close closes the underlying transport. Safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
	})
	return err
}

// RemoteAddr returns the remote network address
func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}
