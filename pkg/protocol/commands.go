package protocol

import (
	"errors"
	"fmt"
)

// CommandType is the first byte popped from a client envelope
type CommandType uint8

// Command types (Client → Server). GameFinish and the Player* tags are
// reserved: they decode but no server handler exists for them.
const (
	CommandShutdown CommandType = iota
	CommandAuthenticate
	CommandGameCreate
	CommandGameJoin
	CommandGameStart
	CommandGameFinish
	CommandPlayerStep
	CommandPlayerMove
	CommandPlayerAttack
)

// Status codes (Server → Client)
const (
	StatusOK    = 0x00
	StatusError = 0x01
)

// Fixed field widths
const (
	KeyLen      = 37 // upper-case UUID plus terminator
	RoomNameLen = 32
	ErrorLen    = 64
)

var ErrMalformed = errors.New("malformed message")

var commandNames = map[CommandType]string{
	CommandShutdown:     "SHUTDOWN",
	CommandAuthenticate: "AUTHENTICATE",
	CommandGameCreate:   "GAME_CREATE",
	CommandGameJoin:     "GAME_JOIN",
	CommandGameStart:    "GAME_START",
	CommandGameFinish:   "GAME_FINISH",
	CommandPlayerStep:   "PLAYER_STEP",
	CommandPlayerMove:   "PLAYER_MOVE",
	CommandPlayerAttack: "PLAYER_ATTACK",
}

func (t CommandType) String() string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
}

// Reserved reports whether the tag is defined on the wire but has no handler
func (t CommandType) Reserved() bool {
	switch t {
	case CommandGameFinish, CommandPlayerStep, CommandPlayerMove, CommandPlayerAttack:
		return true
	}
	return false
}

// Command is a decoded client request. Only the field matching Type is set.
type Command struct {
	Type     CommandType
	Key      string // AUTHENTICATE
	RoomName string // GAME_CREATE
	RoomID   uint32 // GAME_JOIN
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decode pops a command from a received envelope.
// Length checks run before every pop, so a short envelope is reported as
// ErrMalformed and never as ErrUnderflow.
func Decode(env *Envelope) (*Command, error) {
	if env.Len() < 1 {
		return nil, malformed("missing command type")
	}

	b, err := env.Pop8()
	if err != nil {
		return nil, err
	}
	cmd := &Command{Type: CommandType(b)}

	switch cmd.Type {
	case CommandAuthenticate:
		if env.Len() < KeyLen {
			return nil, malformed("missing authentication key")
		}
		key, err := env.PopString(KeyLen)
		if err != nil {
			return nil, err
		}
		cmd.Key = CString(key)

	case CommandGameCreate:
		if env.Len() < RoomNameLen {
			return nil, malformed("missing room name")
		}
		name, err := env.PopString(RoomNameLen)
		if err != nil {
			return nil, err
		}
		cmd.RoomName = CString(name)

	case CommandGameJoin:
		if env.Len() < 4 {
			return nil, malformed("missing room id")
		}
		id, err := env.Pop32()
		if err != nil {
			return nil, err
		}
		cmd.RoomID = id

	case CommandGameStart:
		if env.Len() != 0 {
			return nil, malformed("unexpected %d trailing bytes", env.Len())
		}

	case CommandShutdown, CommandGameFinish, CommandPlayerStep, CommandPlayerMove, CommandPlayerAttack:
		// no payload

	default:
		return nil, malformed("unknown command type '0x%02x'", b)
	}

	return cmd, nil
}

// EncodeAuthenticate builds an AUTHENTICATE request
func EncodeAuthenticate(env *Envelope, key string) {
	env.Clear()
	env.PushString(key, KeyLen)
	env.Push8(uint8(CommandAuthenticate))
}

// EncodeGameCreate builds a GAME_CREATE request
func EncodeGameCreate(env *Envelope, name string) {
	env.Clear()
	env.PushString(name, RoomNameLen)
	env.Push8(uint8(CommandGameCreate))
}

// EncodeGameJoin builds a GAME_JOIN request
func EncodeGameJoin(env *Envelope, roomID uint32) {
	env.Clear()
	env.Push32(roomID)
	env.Push8(uint8(CommandGameJoin))
}

// EncodeGameStart builds a GAME_START request
func EncodeGameStart(env *Envelope) {
	env.Clear()
	env.Push8(uint8(CommandGameStart))
}

// EncodeShutdown builds a SHUTDOWN request
func EncodeShutdown(env *Envelope) {
	env.Clear()
	env.Push8(uint8(CommandShutdown))
}

// EncodeOk builds an OK response with no data
func EncodeOk(env *Envelope) {
	env.Clear()
	env.Push8(StatusOK)
}

// EncodeOkRoom builds the OK response to GAME_CREATE carrying the room id
func EncodeOkRoom(env *Envelope, roomID uint32) {
	env.Clear()
	env.Push32(roomID)
	env.Push8(StatusOK)
}

// EncodeError builds an ERROR response. The status byte goes last so that it
// pops first.
func EncodeError(env *Envelope, message string) {
	env.Clear()
	env.PushString(message, ErrorLen)
	env.Push8(StatusError)
}

// EncodeNotification builds an unsolicited lifecycle envelope (GAME_START or
// GAME_FINISH) holding the command tag only
func EncodeNotification(env *Envelope, t CommandType) {
	env.Clear()
	env.Push8(uint8(t))
}

// ReplyKind classifies an envelope received by a client
type ReplyKind int

const (
	ReplyOK ReplyKind = iota
	ReplyError
	ReplyNotification
)

// Reply is a decoded server envelope. For ReplyOK any response data (such as
// the GAME_CREATE room id) is still in the envelope, ready to pop.
type Reply struct {
	Kind         ReplyKind
	Message      string      // ReplyError
	Notification CommandType // ReplyNotification
}

// DecodeReply pops the leading status or notification byte of a server envelope
func DecodeReply(env *Envelope) (*Reply, error) {
	if env.Len() < 1 {
		return nil, malformed("missing status code")
	}
	b, err := env.Pop8()
	if err != nil {
		return nil, err
	}

	switch {
	case b == StatusOK:
		return &Reply{Kind: ReplyOK}, nil
	case b == StatusError:
		if env.Len() < ErrorLen {
			return nil, malformed("missing error message")
		}
		msg, err := env.PopString(ErrorLen)
		if err != nil {
			return nil, err
		}
		return &Reply{Kind: ReplyError, Message: CString(msg)}, nil
	case CommandType(b) == CommandGameStart || CommandType(b) == CommandGameFinish:
		return &Reply{Kind: ReplyNotification, Notification: CommandType(b)}, nil
	default:
		return nil, malformed("unknown status code '0x%02x'", b)
	}
}
