// Package client is a small lobby client: it speaks the envelope protocol to
// a FUZZY server and waits for replies synchronously.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fuzzytales/fuzzy/pkg/logging"
	"github.com/fuzzytales/fuzzy/pkg/protocol"
)

// DefaultTimeout bounds how long a request waits for its reply
const DefaultTimeout = 5 * time.Second

var (
	ErrTimeout = errors.New("timeout waiting for response")
	ErrClosed  = errors.New("connection closed")
)

// ServerError is an ERROR reply from the server
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// response is an OK or ERROR envelope, with any OK data still unpopped
type response struct {
	reply *protocol.Reply
	env   *protocol.Envelope
}

// Client is a connection to a lobby server
type Client struct {
	conn    net.Conn
	timeout time.Duration
	logger  zerolog.Logger

	sendMu sync.Mutex
	out    *protocol.Envelope

	// Replies to requests are read here in order. Notifications that arrive
	// meanwhile are queued separately.
	responses     chan response
	notifications chan protocol.CommandType
	done          chan struct{}
	closeOnce     sync.Once
	closed        atomic.Bool
	readErr       error
}

// Dial connects to a lobby server
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c := &Client{
		conn:          conn,
		timeout:       DefaultTimeout,
		logger:        logging.Component("client").With().Str("server", addr).Logger(),
		out:           protocol.NewEnvelope(),
		responses:     make(chan response, 16),
		notifications: make(chan protocol.CommandType, 64),
		done:          make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// SetTimeout changes how long requests wait for their reply. It waits for
// any request in flight.
func (c *Client) SetTimeout(d time.Duration) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.timeout = d
}

// receiveLoop reads envelopes and routes them: OK and ERROR to the
// response queue, GAME_START and GAME_FINISH to the notification queue.
func (c *Client) receiveLoop() {
	defer close(c.done)

	reader := bufio.NewReader(c.conn)
	for {
		env := protocol.NewEnvelope()
		ok, err := env.Receive(reader)
		if err != nil {
			c.readErr = err
			return
		}
		if !ok {
			return
		}

		reply, err := protocol.DecodeReply(env)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable envelope")
			continue
		}

		switch reply.Kind {
		case protocol.ReplyNotification:
			select {
			case c.notifications <- reply.Notification:
			default:
				c.logger.Warn().Stringer("notification", reply.Notification).Msg("notification queue full")
			}
		default:
			c.responses <- response{reply: reply, env: env}
		}
	}
}

func (c *Client) closedErr() error {
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

// roundTrip sends one request and waits for its reply.
//
// Replies carry no request id, so a reply that misses its timeout would be
// taken as the answer to the next request. A timeout therefore closes the
// client and every later request fails with ErrClosed.
func (c *Client) roundTrip(encode func(*protocol.Envelope)) (response, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return response{}, ErrClosed
	}

	encode(c.out)
	if err := c.out.Send(c.conn); err != nil {
		return response{}, fmt.Errorf("send failed: %w", err)
	}

	select {
	case resp := <-c.responses:
		if resp.reply.Kind == protocol.ReplyError {
			return resp, &ServerError{Message: resp.reply.Message}
		}
		return resp, nil
	case <-c.done:
		// A reply may have landed just before the connection closed
		select {
		case resp := <-c.responses:
			if resp.reply.Kind == protocol.ReplyError {
				return resp, &ServerError{Message: resp.reply.Message}
			}
			return resp, nil
		default:
		}
		return response{}, c.closedErr()
	case <-time.After(c.timeout):
		c.logger.Warn().Dur("timeout", c.timeout).Msg("no reply, closing connection")
		c.Close()
		return response{}, ErrTimeout
	}
}

// Authenticate presents the server's session key
func (c *Client) Authenticate(key string) error {
	_, err := c.roundTrip(func(env *protocol.Envelope) { protocol.EncodeAuthenticate(env, key) })
	return err
}

// CreateRoom opens a room owned by this client and returns its id
func (c *Client) CreateRoom(name string) (uint32, error) {
	resp, err := c.roundTrip(func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, name) })
	if err != nil {
		return 0, err
	}
	if resp.env.Len() < 4 {
		return 0, fmt.Errorf("%w: missing room id", protocol.ErrMalformed)
	}
	return resp.env.Pop32()
}

// JoinRoom joins an existing room
func (c *Client) JoinRoom(id uint32) error {
	_, err := c.roundTrip(func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, id) })
	return err
}

// StartGame starts the game in the room this client owns
func (c *Client) StartGame() error {
	_, err := c.roundTrip(protocol.EncodeGameStart)
	return err
}

// Shutdown asks the server to stop. Requires prior authentication.
func (c *Client) Shutdown() error {
	_, err := c.roundTrip(protocol.EncodeShutdown)
	return err
}

// WaitNotification waits for the next GAME_START or GAME_FINISH
func (c *Client) WaitNotification(timeout time.Duration) (protocol.CommandType, error) {
	select {
	case n := <-c.notifications:
		return n, nil
	case <-c.done:
		select {
		case n := <-c.notifications:
			return n, nil
		default:
		}
		return 0, c.closedErr()
	case <-time.After(timeout):
		return 0, ErrTimeout
	}
}

// Done is closed once the server side of the connection has gone away
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// ReadKeyFile loads the session key a server wrote to its key file
func ReadKeyFile(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = home + path[1:]
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("key file %s is empty", path)
	}
	return key, nil
}
