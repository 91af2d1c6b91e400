package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients are served from anywhere
		return true
	},
}

// WebSocketConn adapts a WebSocket connection to the Transport interface.
//
// Binary messages are concatenated into one byte stream, so a frame may
// span messages or share one. Each Write becomes one binary message.
type WebSocketConn struct {
	conn    *websocket.Conn
	pending bytes.Buffer // unread bytes of the current message

	writeMu sync.Mutex
}

// NewWebSocketConn wraps an upgraded connection
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

// Read implements io.Reader
func (w *WebSocketConn) Read(p []byte) (int, error) {
	for w.pending.Len() == 0 {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return 0, io.EOF
			}
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		w.pending.Write(data)
	}
	return w.pending.Read(p)
}

// Write implements io.Writer
func (w *WebSocketConn) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close implements io.Closer
func (w *WebSocketConn) Close() error {
	return w.conn.Close()
}

// RemoteAddr returns the remote network address
func (w *WebSocketConn) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

// SetWriteDeadline sets the write deadline on the underlying connection
func (w *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return w.conn.SetWriteDeadline(t)
}

// HandleWebSocket upgrades an HTTP request and serves the lobby over it
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.trackPeer() {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	s.servePeer(s.newPeer(NewWebSocketConn(conn)))
}
