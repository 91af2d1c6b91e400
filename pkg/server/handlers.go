package server

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/fuzzytales/fuzzy/pkg/database"
	"github.com/fuzzytales/fuzzy/pkg/protocol"
)

// ErrUnhandledCommand means a decoded command has no dispatcher case
var ErrUnhandledCommand = errors.New("unhandled command")

// Recoverable lobby errors, sent to the client as ERROR envelopes
const (
	msgMalformed      = "Malformed message"
	msgBadKey         = "Bad key"
	msgNotAuthorized  = "not authorized"
	msgAlreadyInRoom  = "Disconnect client first"
	msgNoSuchRoom     = "Room does not exist"
	msgNotInRoom      = "Not in a room"
	msgNotOwner       = "Not room owner"
	msgRoomFull       = "Room is full"
	msgAlreadyStarted = "Game already started"
	msgUnsupported    = "Unsupported command"
)

// handleEnvelope decodes and dispatches one received envelope. A returned
// error is fatal for the connection; lobby errors are answered in-band.
func (s *Server) handleEnvelope(client *Client, env *protocol.Envelope) error {
	cmd, err := protocol.Decode(env)
	if err != nil {
		s.logger.Debug().Err(err).Uint64("client", client.ID).Msg("malformed message")
		return s.sendError(client, "MALFORMED", msgMalformed)
	}

	s.metrics.RecordCommand(cmd.Type.String())
	s.logger.Trace().Uint64("client", client.ID).Stringer("command", cmd.Type).Msg("recv")

	switch cmd.Type {
	case protocol.CommandAuthenticate:
		return s.handleAuthenticate(client, cmd)
	case protocol.CommandShutdown:
		return s.handleShutdown(client, cmd)
	case protocol.CommandGameCreate:
		return s.handleGameCreate(client, cmd)
	case protocol.CommandGameJoin:
		return s.handleGameJoin(client, cmd)
	case protocol.CommandGameStart:
		return s.handleGameStart(client, cmd)
	}

	if cmd.Type.Reserved() {
		return s.sendError(client, cmd.Type.String(), msgUnsupported)
	}
	return fmt.Errorf("%w: %s", ErrUnhandledCommand, cmd.Type)
}

func (s *Server) handleAuthenticate(client *Client, cmd *protocol.Command) error {
	if subtle.ConstantTimeCompare([]byte(cmd.Key), []byte(s.key)) != 1 {
		s.logger.Warn().Uint64("client", client.ID).Str("ip", client.IP).Msg("bad key")
		return s.sendError(client, cmd.Type.String(), msgBadKey)
	}

	client.Authenticated = true
	s.logger.Debug().Uint64("client", client.ID).Msg("authenticated")
	return s.sendOk(client)
}

func (s *Server) handleShutdown(client *Client, cmd *protocol.Command) error {
	if !client.Authenticated {
		return s.sendError(client, cmd.Type.String(), msgNotAuthorized)
	}

	s.logger.Info().Uint64("client", client.ID).Msg("shutdown requested")
	// Takes effect once the current batch is done
	s.state.Store(int32(StateStopped))
	return s.sendOk(client)
}

func (s *Server) handleGameCreate(client *Client, cmd *protocol.Command) error {
	if client.Room != nil {
		return s.sendError(client, cmd.Type.String(), msgAlreadyInRoom)
	}

	room := s.registry.CreateRoom(client, cmd.RoomName)
	s.record(database.EventRoomCreated, client.ID, room.ID, room.Name)
	s.logger.Debug().Uint64("client", client.ID).Uint32("room", room.ID).Str("name", room.Name).Msg("room created")

	protocol.EncodeOkRoom(s.out, room.ID)
	return client.Peer.Send(s.out)
}

func (s *Server) handleGameJoin(client *Client, cmd *protocol.Command) error {
	if client.Room != nil {
		return s.sendError(client, cmd.Type.String(), msgAlreadyInRoom)
	}

	room, ok := s.registry.Room(cmd.RoomID)
	if !ok {
		return s.sendError(client, cmd.Type.String(), msgNoSuchRoom)
	}
	if room.Started {
		return s.sendError(client, cmd.Type.String(), msgAlreadyStarted)
	}
	if s.config.MaxRoomMembers > 0 && len(room.Members) >= s.config.MaxRoomMembers {
		return s.sendError(client, cmd.Type.String(), msgRoomFull)
	}

	s.registry.JoinRoom(room, client)
	s.record(database.EventRoomJoined, client.ID, room.ID, "")
	s.logger.Debug().Uint64("client", client.ID).Uint32("room", room.ID).Int("members", len(room.Members)).Msg("joined room")
	return s.sendOk(client)
}

func (s *Server) handleGameStart(client *Client, cmd *protocol.Command) error {
	room := client.Room
	if room == nil {
		return s.sendError(client, cmd.Type.String(), msgNotInRoom)
	}
	if room.Owner != client {
		return s.sendError(client, cmd.Type.String(), msgNotOwner)
	}
	if room.Started {
		return s.sendError(client, cmd.Type.String(), msgAlreadyStarted)
	}

	room.Started = true
	s.broadcastToRoom(room, protocol.CommandGameStart, client)
	s.record(database.EventGameStarted, client.ID, room.ID, "")
	s.logger.Debug().Uint32("room", room.ID).Int("members", len(room.Members)).Msg("game started")
	return s.sendOk(client)
}

// broadcastToRoom sends a notification to every member except exclude. A
// member that cannot be reached is closed; its reader reports the disconnect.
func (s *Server) broadcastToRoom(room *Room, t protocol.CommandType, exclude *Client) {
	protocol.EncodeNotification(s.out, t)
	for _, m := range room.Members {
		if m == exclude {
			continue
		}
		if err := m.Peer.Send(s.out); err != nil {
			s.logger.Warn().Err(err).Uint64("client", m.ID).Stringer("notification", t).Msg("broadcast failed")
			m.Peer.Close()
		}
	}
}

func (s *Server) sendOk(client *Client) error {
	protocol.EncodeOk(s.out)
	return client.Peer.Send(s.out)
}

// sendError sends an ERROR envelope to a client
func (s *Server) sendError(client *Client, command, message string) error {
	s.metrics.RecordCommandError(command)
	protocol.EncodeError(s.out, message)
	return client.Peer.Send(s.out)
}
