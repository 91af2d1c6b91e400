package server

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzytales/fuzzy/pkg/protocol"
)

const replyTimeout = 2 * time.Second

// startServer runs a lobby on a free loopback port for the duration of the test
func startServer(t *testing.T, configure func(*ServerConfig)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.MetricsPort = 0
	if configure != nil {
		configure(&cfg)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// lobbyConn is a raw protocol client over TCP
type lobbyConn struct {
	conn   net.Conn
	reader *bufio.Reader
	env    *protocol.Envelope
}

func dialLobby(t *testing.T, srv *Server) *lobbyConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), replyTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &lobbyConn{conn: conn, reader: bufio.NewReader(conn), env: protocol.NewEnvelope()}
}

func (c *lobbyConn) send(t *testing.T, encode func(*protocol.Envelope)) {
	t.Helper()
	encode(c.env)
	require.NoError(t, c.env.Send(c.conn))
}

func (c *lobbyConn) receive(t *testing.T) *protocol.Reply {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(replyTimeout))
	ok, err := c.env.Receive(c.reader)
	require.NoError(t, err)
	require.True(t, ok, "server closed the connection")

	reply, err := protocol.DecodeReply(c.env)
	require.NoError(t, err)
	return reply
}

func (c *lobbyConn) expectOK(t *testing.T) {
	t.Helper()
	reply := c.receive(t)
	require.Equal(t, protocol.ReplyOK, reply.Kind, "unexpected reply %+v", reply)
}

func (c *lobbyConn) expectRoom(t *testing.T) uint32 {
	t.Helper()
	c.expectOK(t)
	id, err := c.env.Pop32()
	require.NoError(t, err)
	return id
}

func (c *lobbyConn) expectError(t *testing.T, message string) {
	t.Helper()
	reply := c.receive(t)
	require.Equal(t, protocol.ReplyError, reply.Kind, "unexpected reply %+v", reply)
	assert.Equal(t, message, reply.Message)
}

func (c *lobbyConn) expectNotification(t *testing.T, want protocol.CommandType) {
	t.Helper()
	reply := c.receive(t)
	require.Equal(t, protocol.ReplyNotification, reply.Kind, "unexpected reply %+v", reply)
	assert.Equal(t, want, reply.Notification)
}

func (c *lobbyConn) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(d))
	_, err := c.reader.Peek(1)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr, "expected no data")
	assert.True(t, netErr.Timeout())
}

func (c *lobbyConn) expectClosed(t *testing.T) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(replyTimeout))
	ok, err := c.env.Receive(c.reader)
	if err != nil {
		// A reset is as good as a close
		assert.NotContains(t, err.Error(), "timeout")
		return
	}
	assert.False(t, ok, "expected the server to close the connection")
}

func (c *lobbyConn) authenticate(t *testing.T, key string) {
	t.Helper()
	c.send(t, func(env *protocol.Envelope) { protocol.EncodeAuthenticate(env, key) })
	c.expectOK(t)
}

func TestLobbyScenario(t *testing.T) {
	srv := startServer(t, nil)

	a := dialLobby(t, srv)
	a.authenticate(t, srv.Key())

	a.send(t, func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, "room1") })
	roomID := a.expectRoom(t)
	assert.Equal(t, uint32(1), roomID)

	b := dialLobby(t, srv)
	b.authenticate(t, srv.Key())
	b.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
	b.expectOK(t)

	a.send(t, protocol.EncodeGameStart)
	a.expectOK(t)
	b.expectNotification(t, protocol.CommandGameStart)
	a.expectSilence(t, 100*time.Millisecond)

	c := dialLobby(t, srv)
	c.send(t, protocol.EncodeShutdown)
	c.expectError(t, "not authorized")

	// Still serving
	assert.Equal(t, StateRunning, srv.State())
	d := dialLobby(t, srv)
	d.authenticate(t, srv.Key())
}

func TestAuthenticateBadKey(t *testing.T) {
	srv := startServer(t, nil)

	c := dialLobby(t, srv)
	c.send(t, func(env *protocol.Envelope) { protocol.EncodeAuthenticate(env, strings.Repeat("0", 36)) })
	c.expectError(t, "Bad key")

	// Still unauthenticated
	c.send(t, protocol.EncodeShutdown)
	c.expectError(t, "not authorized")
	assert.Equal(t, StateRunning, srv.State())
}

func TestDoubleCreateRejected(t *testing.T) {
	srv := startServer(t, nil)

	c := dialLobby(t, srv)
	c.send(t, func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, "first") })
	c.expectRoom(t)

	c.send(t, func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, "second") })
	c.expectError(t, "Disconnect client first")
}

func TestRoomIDsIncrease(t *testing.T) {
	srv := startServer(t, nil)

	for want := uint32(1); want <= 3; want++ {
		c := dialLobby(t, srv)
		c.send(t, func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, "room") })
		assert.Equal(t, want, c.expectRoom(t))
	}
}

func TestJoinErrors(t *testing.T) {
	srv := startServer(t, func(cfg *ServerConfig) { cfg.MaxRoomMembers = 2 })

	owner := dialLobby(t, srv)
	owner.send(t, func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, "duel") })
	roomID := owner.expectRoom(t)

	c := dialLobby(t, srv)
	c.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, 999) })
	c.expectError(t, "Room does not exist")

	owner.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
	owner.expectError(t, "Disconnect client first")

	c.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
	c.expectOK(t)

	late := dialLobby(t, srv)
	late.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
	late.expectError(t, "Room is full")
}

func TestStartErrors(t *testing.T) {
	srv := startServer(t, nil)

	owner := dialLobby(t, srv)
	owner.send(t, protocol.EncodeGameStart)
	owner.expectError(t, "Not in a room")

	owner.send(t, func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, "room") })
	roomID := owner.expectRoom(t)

	member := dialLobby(t, srv)
	member.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
	member.expectOK(t)
	member.send(t, protocol.EncodeGameStart)
	member.expectError(t, "Not room owner")

	owner.send(t, protocol.EncodeGameStart)
	owner.expectOK(t)
	member.expectNotification(t, protocol.CommandGameStart)

	owner.send(t, protocol.EncodeGameStart)
	owner.expectError(t, "Game already started")

	late := dialLobby(t, srv)
	late.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
	late.expectError(t, "Game already started")
}

func TestMalformedMessage(t *testing.T) {
	srv := startServer(t, nil)
	c := dialLobby(t, srv)

	tests := []struct {
		name   string
		encode func(*protocol.Envelope)
	}{
		{"empty", func(env *protocol.Envelope) { env.Clear() }},
		{"unknown type", func(env *protocol.Envelope) { env.Clear(); env.Push8(0x7F) }},
		{"short key", func(env *protocol.Envelope) {
			env.Clear()
			env.PushString("ABC", 8)
			env.Push8(uint8(protocol.CommandAuthenticate))
		}},
		{"short room id", func(env *protocol.Envelope) {
			env.Clear()
			env.Push16(1)
			env.Push8(uint8(protocol.CommandGameJoin))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.send(t, tt.encode)
			c.expectError(t, "Malformed message")
		})
	}

	// The connection survives malformed input
	c.authenticate(t, srv.Key())
}

func TestReservedCommandsRejected(t *testing.T) {
	srv := startServer(t, nil)
	c := dialLobby(t, srv)

	for _, cmd := range []protocol.CommandType{
		protocol.CommandGameFinish,
		protocol.CommandPlayerStep,
		protocol.CommandPlayerMove,
		protocol.CommandPlayerAttack,
	} {
		c.send(t, func(env *protocol.Envelope) { protocol.EncodeNotification(env, cmd) })
		c.expectError(t, "Unsupported command")
	}
}

func TestPipelinedCommands(t *testing.T) {
	srv := startServer(t, nil)
	c := dialLobby(t, srv)

	// Three frames in one write
	var wire []byte
	env := protocol.NewEnvelope()
	for _, encode := range []func(*protocol.Envelope){
		func(env *protocol.Envelope) { protocol.EncodeAuthenticate(env, srv.Key()) },
		func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, "pipelined") },
		protocol.EncodeGameStart,
	} {
		encode(env)
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(env.Len()))
		wire = append(wire, prefix[:]...)
		wire = append(wire, env.Bytes()...)
	}
	_, err := c.conn.Write(wire)
	require.NoError(t, err)

	c.expectOK(t)
	assert.Equal(t, uint32(1), c.expectRoom(t))
	c.expectOK(t)
}

func TestOwnerDisconnectClosesRoom(t *testing.T) {
	srv := startServer(t, nil)

	owner := dialLobby(t, srv)
	owner.send(t, func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, "room") })
	roomID := owner.expectRoom(t)

	members := []*lobbyConn{dialLobby(t, srv), dialLobby(t, srv)}
	for _, m := range members {
		m.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
		m.expectOK(t)
	}

	owner.conn.Close()

	for _, m := range members {
		m.expectNotification(t, protocol.CommandGameFinish)
	}

	// Room is gone, and the evicted members are free to create their own
	members[0].send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
	members[0].expectError(t, "Room does not exist")
	members[1].send(t, func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, "next") })
	members[1].expectRoom(t)
}

func TestMemberDisconnectLeavesRoom(t *testing.T) {
	srv := startServer(t, func(cfg *ServerConfig) { cfg.MaxRoomMembers = 2 })

	owner := dialLobby(t, srv)
	owner.send(t, func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, "room") })
	roomID := owner.expectRoom(t)

	first := dialLobby(t, srv)
	first.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
	first.expectOK(t)
	first.conn.Close()

	// The freed seat can be taken once the disconnect is processed
	second := dialLobby(t, srv)
	require.Eventually(t, func() bool {
		second.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
		return second.receive(t).Kind == protocol.ReplyOK
	}, replyTimeout, 20*time.Millisecond)

	owner.expectSilence(t, 100*time.Millisecond)
}

func TestWriteTimeoutDropsStalledMember(t *testing.T) {
	srv := startServer(t, func(cfg *ServerConfig) {
		cfg.WriteTimeoutSeconds = 1
		cfg.MaxRoomMembers = 2
	})

	owner := dialLobby(t, srv)
	owner.send(t, func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, "room") })
	roomID := owner.expectRoom(t)

	stalled := dialLobby(t, srv)
	stalled.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
	stalled.expectOK(t)
	if tcpConn, ok := stalled.conn.(*net.TCPConn); ok {
		tcpConn.SetReadBuffer(4096)
	}

	// Each request is answered with "Not room owner"; the replies are never
	// read, so the server's socket buffers fill and its send hits the deadline.
	var flood bytes.Buffer
	protocol.EncodeGameStart(stalled.env)
	for i := 0; i < 400000; i++ {
		require.NoError(t, stalled.env.Send(&flood))
	}
	go stalled.conn.Write(flood.Bytes())

	require.Eventually(t, func() bool {
		return srv.Registry().ClientCount() == 1
	}, 15*time.Second, 50*time.Millisecond, "stalled member was not dropped")

	// The seat is free again and the reactor still answers
	late := dialLobby(t, srv)
	late.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
	late.expectOK(t)

	owner.send(t, protocol.EncodeGameStart)
	owner.expectOK(t)
	late.expectNotification(t, protocol.CommandGameStart)
}

func TestShutdownCommand(t *testing.T) {
	srv := startServer(t, nil)

	idle := dialLobby(t, srv)
	admin := dialLobby(t, srv)
	admin.authenticate(t, srv.Key())

	admin.send(t, protocol.EncodeShutdown)
	admin.expectOK(t)

	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(replyTimeout):
		t.Fatal("server did not stop after SHUTDOWN")
	}

	assert.Equal(t, StateStopped, srv.State())
	idle.expectClosed(t)

	_, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServerFull(t *testing.T) {
	srv := startServer(t, func(cfg *ServerConfig) { cfg.MaxClients = 1 })

	first := dialLobby(t, srv)
	first.authenticate(t, srv.Key())

	second := dialLobby(t, srv)
	second.expectError(t, "Server full")
	second.expectClosed(t)

	first.authenticate(t, srv.Key())
}

func TestKeyFormat(t *testing.T) {
	srv, err := NewServer(DefaultConfig())
	require.NoError(t, err)

	key := srv.Key()
	assert.Len(t, key, protocol.KeyLen-1)
	assert.Equal(t, strings.ToUpper(key), key)
	assert.Equal(t, StateCreated, srv.State())
	assert.NoError(t, srv.Stop())
}

func TestWebSocketRefusedAfterStop(t *testing.T) {
	srv := startServer(t, nil)
	require.NoError(t, srv.Stop())

	rec := httptest.NewRecorder()
	srv.webSocketRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	srv.wg.Wait()
}

func TestWebSocketTransport(t *testing.T) {
	srv := startServer(t, nil)

	ts := httptest.NewServer(srv.webSocketRouter())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	dialer := websocket.Dialer{HandshakeTimeout: replyTimeout}
	ws, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	wsSend := func(encode func(*protocol.Envelope)) {
		env := protocol.NewEnvelope()
		encode(env)
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(env.Len()))
		require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, append(prefix[:], env.Bytes()...)))
	}
	wsReceive := func() (*protocol.Reply, *protocol.Envelope) {
		ws.SetReadDeadline(time.Now().Add(replyTimeout))
		msgType, data, err := ws.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, msgType)

		env := protocol.NewEnvelope()
		ok, err := env.Receive(bytes.NewReader(data))
		require.NoError(t, err)
		require.True(t, ok)
		reply, err := protocol.DecodeReply(env)
		require.NoError(t, err)
		return reply, env
	}

	wsSend(func(env *protocol.Envelope) { protocol.EncodeAuthenticate(env, srv.Key()) })
	reply, _ := wsReceive()
	assert.Equal(t, protocol.ReplyOK, reply.Kind)

	wsSend(func(env *protocol.Envelope) { protocol.EncodeGameCreate(env, "websocket room") })
	reply, env := wsReceive()
	require.Equal(t, protocol.ReplyOK, reply.Kind)
	roomID, err := env.Pop32()
	require.NoError(t, err)

	// TCP and WebSocket peers share one lobby
	tcp := dialLobby(t, srv)
	tcp.send(t, func(env *protocol.Envelope) { protocol.EncodeGameJoin(env, roomID) })
	tcp.expectOK(t)

	wsSend(protocol.EncodeGameStart)
	reply, _ = wsReceive()
	assert.Equal(t, protocol.ReplyOK, reply.Kind)
	tcp.expectNotification(t, protocol.CommandGameStart)
}
