package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	// DefaultEnvelopeSize is the initial buffer capacity of a new Envelope
	DefaultEnvelopeSize = 256

	// MaxEnvelopeSize is the largest payload a peer may announce (1 MB)
	MaxEnvelopeSize = 1024 * 1024

	// lengthPrefixSize is the size of the frame length prefix
	lengthPrefixSize = 4
)

var (
	ErrUnderflow        = errors.New("envelope does not hold enough bytes")
	ErrEnvelopeTooLarge = errors.New("envelope exceeds maximum size (1 MB)")
)

// Envelope is a length-framed binary message with stack discipline.
//
// Pushes append at the cursor and pops read backward from it, so the last
// field pushed is the first field popped. Encoders must push fields in the
// reverse of the order the receiver pops them.
//
// Format on the wire: [Length (4 bytes, big-endian)][Payload (Length bytes)]
type Envelope struct {
	buf    []byte
	cursor int // next insertion offset, always <= len(buf)
}

// NewEnvelope returns an empty envelope with the default capacity
func NewEnvelope() *Envelope {
	return &Envelope{buf: make([]byte, DefaultEnvelopeSize)}
}

// Len returns the number of bytes currently held (the cursor)
func (e *Envelope) Len() int {
	return e.cursor
}

// Cap returns the buffer capacity
func (e *Envelope) Cap() int {
	return len(e.buf)
}

// Bytes returns the held bytes. The slice aliases the envelope buffer.
func (e *Envelope) Bytes() []byte {
	return e.buf[:e.cursor]
}

// Clear resets the cursor. Contents are kept until overwritten.
func (e *Envelope) Clear() {
	e.cursor = 0
}

// reserve makes room for n more bytes. Capacity doubles, or grows to exactly
// fit when doubling is not enough.
func (e *Envelope) reserve(n int) {
	if len(e.buf)-e.cursor >= n {
		return
	}

	need := e.cursor + n
	size := len(e.buf) * 2
	if size < need {
		size = need
	}

	grown := make([]byte, size)
	copy(grown, e.buf[:e.cursor])
	e.buf = grown
}

// Push8 pushes a single byte
func (e *Envelope) Push8(v uint8) {
	e.reserve(1)
	e.buf[e.cursor] = v
	e.cursor++
}

// Push16 pushes a 16-bit value in network byte order
func (e *Envelope) Push16(v uint16) {
	e.reserve(2)
	binary.BigEndian.PutUint16(e.buf[e.cursor:], v)
	e.cursor += 2
}

// Push32 pushes a 32-bit value in network byte order
func (e *Envelope) Push32(v uint32) {
	e.reserve(4)
	binary.BigEndian.PutUint32(e.buf[e.cursor:], v)
	e.cursor += 4
}

// PushString pushes a fixed-width field of exactly fixedLen bytes.
// Input is truncated at the first NUL or at fixedLen, and the rest of the
// field is zeroed so stale buffer contents never reach the wire.
func (e *Envelope) PushString(s string, fixedLen int) {
	if fixedLen <= 0 {
		return
	}
	e.reserve(fixedLen)

	field := e.buf[e.cursor : e.cursor+fixedLen]
	n := 0
	for n < len(s) && n < fixedLen && s[n] != 0 {
		field[n] = s[n]
		n++
	}
	clear(field[n:])
	e.cursor += fixedLen
}

// Pop8 pops a single byte
func (e *Envelope) Pop8() (uint8, error) {
	if e.cursor < 1 {
		return 0, fmt.Errorf("pop 8 bit value: %w", ErrUnderflow)
	}
	e.cursor--
	return e.buf[e.cursor], nil
}

// Pop16 pops a 16-bit value pushed with Push16
func (e *Envelope) Pop16() (uint16, error) {
	if e.cursor < 2 {
		return 0, fmt.Errorf("pop 16 bit value: %w", ErrUnderflow)
	}
	e.cursor -= 2
	return binary.BigEndian.Uint16(e.buf[e.cursor:]), nil
}

// Pop32 pops a 32-bit value pushed with Push32
func (e *Envelope) Pop32() (uint32, error) {
	if e.cursor < 4 {
		return 0, fmt.Errorf("pop 32 bit value: %w", ErrUnderflow)
	}
	e.cursor -= 4
	return binary.BigEndian.Uint32(e.buf[e.cursor:]), nil
}

// PopString pops a fixed-width field. The returned slice is a copy and keeps
// any zero padding; use CString to trim it.
func (e *Envelope) PopString(fixedLen int) ([]byte, error) {
	if fixedLen < 0 || e.cursor < fixedLen {
		return nil, fmt.Errorf("pop string[%d]: %w", fixedLen, ErrUnderflow)
	}
	e.cursor -= fixedLen
	out := make([]byte, fixedLen)
	copy(out, e.buf[e.cursor:e.cursor+fixedLen])
	return out, nil
}

// CString returns the bytes of a fixed-width field up to the first NUL
func CString(field []byte) string {
	for i, b := range field {
		if b == 0 {
			return string(field[:i])
		}
	}
	return string(field)
}

// Send writes the length prefix and the held bytes as a single write
func (e *Envelope) Send(w io.Writer) error {
	frame := make([]byte, lengthPrefixSize+e.cursor)
	binary.BigEndian.PutUint32(frame, uint32(e.cursor))
	copy(frame[lengthPrefixSize:], e.buf[:e.cursor])

	n, err := w.Write(frame)
	if err != nil {
		return fmt.Errorf("send envelope: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("send envelope (%d of %d bytes): %w", n, len(frame), io.ErrShortWrite)
	}
	return nil
}

// Receive reads one frame, replacing the envelope contents.
//
// It returns false with a nil error when the peer closed the connection
// before sending a length prefix. Afterwards the cursor equals the number of
// payload bytes received, ready to be popped.
func (e *Envelope) Receive(r io.Reader) (bool, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return false, nil
		}
		return false, fmt.Errorf("receive length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxEnvelopeSize {
		return false, ErrEnvelopeTooLarge
	}

	e.cursor = 0
	e.reserve(int(length))
	if _, err := io.ReadFull(r, e.buf[:length]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return false, fmt.Errorf("receive %d byte payload: %w", length, err)
	}
	e.cursor = int(length)
	return true, nil
}

// Poll reports whether r already buffers a complete frame, so that the next
// Receive will not block. It never reads from the underlying connection.
func Poll(r *bufio.Reader) bool {
	buffered := r.Buffered()
	if buffered < lengthPrefixSize {
		return false
	}
	prefix, err := r.Peek(lengthPrefixSize)
	if err != nil {
		return false
	}
	length := binary.BigEndian.Uint32(prefix)
	return uint64(buffered) >= uint64(lengthPrefixSize)+uint64(length)
}
