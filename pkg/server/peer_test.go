package server

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzytales/fuzzy/pkg/protocol"
)

func TestPeerSendWithWriteTimeout(t *testing.T) {
	conn, other := net.Pipe()
	defer other.Close()
	p := NewPeer(1, conn, time.Second)
	defer p.Close()

	env := protocol.NewEnvelope()
	protocol.EncodeOk(env)

	received := make(chan error, 1)
	go func() {
		_, err := protocol.NewEnvelope().Receive(other)
		received <- err
	}()

	require.NoError(t, p.Send(env))
	require.NoError(t, <-received)
}

func TestPeerSendStalledReader(t *testing.T) {
	conn, other := net.Pipe()
	defer other.Close()
	p := NewPeer(1, conn, 50*time.Millisecond)
	defer p.Close()

	env := protocol.NewEnvelope()
	protocol.EncodeOk(env)

	// Nobody reads the other end of the pipe
	start := time.Now()
	err := p.Send(env)
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPeerDeadlineFailureLogged(t *testing.T) {
	level := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(level) })

	conn, other := net.Pipe()
	other.Close()
	p := NewPeer(1, conn, time.Second)
	p.Close()

	var buf bytes.Buffer
	p.logger = zerolog.New(&buf)

	env := protocol.NewEnvelope()
	protocol.EncodeOk(env)
	assert.Error(t, p.Send(env))
	assert.Contains(t, buf.String(), "set write deadline failed")
}
