package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownMsg  = errors.New("unknown message id")
	ErrBadFlag     = errors.New("bad frame flag")
	ErrBadLength   = errors.New("bad frame length")
	ErrChecksum    = errors.New("frame checksum mismatch")
	ErrBodyLength  = errors.New("body length does not match message id")
	ErrInvalidBody = errors.New("invalid message body")
)

// BodyLen returns the body size of id, or 0 if id is unknown.
func BodyLen(id MsgID) int {
	b := NewBody(id)
	if b == nil {
		return 0
	}
	return binary.Size(b)
}

// PackLen returns the full frame size of id, or 0 if id is unknown.
func PackLen(id MsgID) int {
	n := BodyLen(id)
	if n <= 0 {
		return 0
	}
	return HeaderLen + n + trailerLen
}

// Encode frames body behind h. MsgID and Length are taken from the body.
func Encode(h Header, body Body) ([]byte, error) {
	if body == nil {
		return nil, ErrUnknownMsg
	}
	n := PackLen(body.MsgID())
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMsg, body.MsgID())
	}
	h.MsgID = body.MsgID()
	h.Length = uint16(n)
	buf := make([]byte, n)
	h.put(buf)
	if _, err := binary.Encode(buf[HeaderLen:n-trailerLen], binary.BigEndian, body); err != nil {
		return nil, fmt.Errorf("pack %s: %w", body.MsgID(), err)
	}
	buf[n-2] = checksum(buf[2 : n-2])
	buf[n-1] = flagEnd
	return buf, nil
}

// DecodeBody parses and validates a body of the given id.
func DecodeBody(id MsgID, body []byte) (Body, error) {
	b := NewBody(id)
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMsg, id)
	}
	if want := binary.Size(b); len(body) != want {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrBodyLength, id, len(body), want)
	}
	if _, err := binary.Decode(body, binary.BigEndian, b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", id, err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBody, id, err)
	}
	return b, nil
}

// DecodeJSON converts a bus payload into a validated body of the given id.
func DecodeJSON(id MsgID, payload []byte) (Body, error) {
	b := NewBody(id)
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMsg, id)
	}
	if err := json.Unmarshal(payload, b); err != nil {
		return nil, fmt.Errorf("json %s: %w", id, err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBody, id, err)
	}
	return b, nil
}

// Status is the outcome of an incremental parse.
type Status int

const (
	// StatusOK means a complete frame was found at the start of the buffer.
	StatusOK Status = iota
	// StatusContinue means the buffer holds a prefix of a frame.
	StatusContinue
	// StatusError means the buffer does not start with a valid frame.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusContinue:
		return "continue"
	default:
		return "error"
	}
}

// ParseResult describes the frame at the head of a buffer. Header, Body and
// Consumed are set only when Status is StatusOK. Body aliases the input.
type ParseResult struct {
	Status   Status
	Consumed int
	Header   Header
	Body     []byte
	Err      error
}

// ParseFrame parses one frame from the head of buf. The message id is not
// checked; callers decide what to do with ids they do not know.
func ParseFrame(buf []byte) ParseResult {
	if len(buf) >= 1 && buf[0] != flagStart || len(buf) >= 2 && buf[1] != flagStart {
		return ParseResult{Status: StatusError, Err: ErrBadFlag}
	}
	if len(buf) < 4 {
		return ParseResult{Status: StatusContinue}
	}
	n := int(binary.BigEndian.Uint16(buf[2:4]))
	if n < HeaderLen+trailerLen || n > MaxFrameLen {
		return ParseResult{Status: StatusError, Err: fmt.Errorf("%w: %d", ErrBadLength, n)}
	}
	if len(buf) < n {
		return ParseResult{Status: StatusContinue}
	}
	if buf[n-1] != flagEnd {
		return ParseResult{Status: StatusError, Err: ErrBadFlag}
	}
	if checksum(buf[2:n-2]) != buf[n-2] {
		return ParseResult{Status: StatusError, Err: ErrChecksum}
	}
	return ParseResult{
		Status:   StatusOK,
		Consumed: n,
		Header:   readHeader(buf),
		Body:     buf[HeaderLen : n-2],
	}
}
