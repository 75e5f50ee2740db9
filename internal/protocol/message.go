// Package protocol implements the host-side half of the device's framed
// message protocol: a tagged-union message type, a length-prefixed wire
// encoding, and a human-inspectable serialization for logging. The payload
// layout of any individual message is treated as opaque per the runtime's
// scope — only the envelope (type tag + length + body) and the handful of
// control messages the worker must recognize to drive its own state machine
// are modeled here.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"keepkeyhost/internal/errs"
)

// MessageType is the discriminant of the tagged union. Values mirror the
// device's well-known message kinds; any value the host doesn't recognize
// still round-trips as an opaque payload under MessageType(raw tag).
type MessageType uint16

const (
	MessageTypeInitialize MessageType = iota + 1
	MessageTypeFeatures
	MessageTypeButtonRequest
	MessageTypeButtonAck
	MessageTypePinMatrixRequest
	MessageTypePinMatrixAck
	MessageTypePassphraseRequest
	MessageTypePassphraseAck
	MessageTypeTxRequest
	MessageTypeTxAck
	MessageTypeFailure
	MessageTypeSuccess
	MessageTypeGetAddress
	MessageTypeAddress
	MessageTypeGetPublicKey
	MessageTypePublicKey
)

var typeNames = map[MessageType]string{
	MessageTypeInitialize:        "Initialize",
	MessageTypeFeatures:          "Features",
	MessageTypeButtonRequest:     "ButtonRequest",
	MessageTypeButtonAck:         "ButtonAck",
	MessageTypePinMatrixRequest:  "PinMatrixRequest",
	MessageTypePinMatrixAck:      "PinMatrixAck",
	MessageTypePassphraseRequest: "PassphraseRequest",
	MessageTypePassphraseAck:     "PassphraseAck",
	MessageTypeTxRequest:         "TxRequest",
	MessageTypeTxAck:             "TxAck",
	MessageTypeFailure:           "Failure",
	MessageTypeSuccess:           "Success",
	MessageTypeGetAddress:        "GetAddress",
	MessageTypeAddress:           "Address",
	MessageTypeGetPublicKey:      "GetPublicKey",
	MessageTypePublicKey:         "PublicKey",
}

func (t MessageType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Unknown(%d)", uint16(t))
}

// Message is the tagged union: a discriminant plus an opaque payload.
type Message struct {
	Type    MessageType
	Payload []byte
}

// IsIntermediate reports whether m is one of the exchanges the worker must
// handle transparently (button/PIN/passphrase prompts, TX-request chains)
// rather than hand back to the caller of SendRaw.
func (m Message) IsIntermediate() bool {
	switch m.Type {
	case MessageTypeButtonRequest, MessageTypePinMatrixRequest,
		MessageTypePassphraseRequest, MessageTypeTxRequest:
		return true
	default:
		return false
	}
}

// frameHeaderSize is the length of the envelope prepended to every encoded
// message: a 2-byte type tag followed by a 4-byte big-endian body length.
const frameHeaderSize = 6

// Encode serializes m into a length-prefixed frame suitable for chunking
// across the transport's fixed-size HID reports.
func Encode(m Message) []byte {
	buf := make([]byte, frameHeaderSize+len(m.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Type))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(m.Payload)))
	copy(buf[frameHeaderSize:], m.Payload)
	return buf
}

// Decode parses a complete frame (as reassembled by the transport's chunk
// reader) back into a Message. decode(encode(m)) == m for any m.
func Decode(frame []byte) (Message, error) {
	if len(frame) < frameHeaderSize {
		return Message{}, errs.Protocol(fmt.Sprintf("frame too short: %d bytes", len(frame)))
	}
	typ := MessageType(binary.BigEndian.Uint16(frame[0:2]))
	length := binary.BigEndian.Uint32(frame[2:6])
	body := frame[frameHeaderSize:]
	if uint32(len(body)) != length {
		return Message{}, errs.Protocol(fmt.Sprintf("frame length mismatch: header says %d, got %d", length, len(body)))
	}
	payload := make([]byte, len(body))
	copy(payload, body)
	return Message{Type: typ, Payload: payload}, nil
}

// Inspect produces a human-readable, single-line rendering of m for logging.
func Inspect(m Message) string {
	const maxPreview = 32
	preview := m.Payload
	truncated := false
	if len(preview) > maxPreview {
		preview = preview[:maxPreview]
		truncated = true
	}
	suffix := ""
	if truncated {
		suffix = "..."
	}
	return fmt.Sprintf("%s(%d bytes) %s%s", m.Type, len(m.Payload), hex.EncodeToString(preview), suffix)
}

// FailurePayload is the decoded body of a Failure message.
type FailurePayload struct {
	Code    string
	Message string
}

// AsFailure decodes m's payload as a Failure message. Callers first check
// m.Type == MessageTypeFailure.
func AsFailure(m Message) (FailurePayload, error) {
	// The on-wire failure payload is "<code>\x00<message>"; this keeps the
	// codec independent of any particular serialization library while still
	// letting ProtocolError surface both fields to callers.
	for i, b := range m.Payload {
		if b == 0 {
			return FailurePayload{Code: string(m.Payload[:i]), Message: string(m.Payload[i+1:])}, nil
		}
	}
	return FailurePayload{Code: "UNKNOWN", Message: string(m.Payload)}, nil
}
