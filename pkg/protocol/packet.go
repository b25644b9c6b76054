// pkg/protocol/packet.go
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/busybox42/relay/pkg/types"
)

type PacketType string

const (
	TypeChallenge    PacketType = "challenge"
	TypeAuthenticate PacketType = "authenticate"
	TypeSubscribe    PacketType = "subscribe"
	TypeMessage      PacketType = "message"
	TypeList         PacketType = "list"
	TypeGet          PacketType = "get"
)

// Serial is a client-chosen correlation token. It is kept as raw JSON so it
// can be echoed back exactly as received.
type Serial = json.RawMessage

// Envelope holds the fields common to every packet.
type Envelope struct {
	Type   PacketType `json:"type"`
	Serial Serial     `json:"_serial,omitempty"`
}

func (e Envelope) envelope() Envelope { return e }

// Packet is one of Challenge, Authenticate, Subscribe, Message, List or Get.
// The set is closed: only types in this package implement it.
type Packet interface {
	envelope() Envelope
}

// Header returns the envelope of p.
func Header(p Packet) Envelope { return p.envelope() }

type Challenge struct {
	Envelope
}

type Authenticate struct {
	Envelope
	Response string         `json:"response"`
	PubKey   types.Identity `json:"pubkey"`
}

type Subscribe struct {
	Envelope
	Identity types.Identity `json:"identity"`
}

type Message struct {
	Envelope
	Sender    types.Identity `json:"sender"`
	Recipient types.Identity `json:"recipient"`
	// Data is the opaque payload. A non-string JSON value is kept as its
	// JSON text.
	Data string `json:"data"`

	// frame is the packet exactly as received. It is what subscribers and
	// history get back, so fields this package does not know survive.
	frame json.RawMessage
}

// messageJSON has Message's fields without its JSON methods.
type messageJSON Message

type messageFields struct {
	Envelope
	Sender    types.Identity  `json:"sender"`
	Recipient types.Identity  `json:"recipient"`
	Data      json.RawMessage `json:"data"`
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var f messageFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	data, err := payload(f.Data)
	if err != nil {
		return err
	}

	*m = Message{
		Envelope:  f.Envelope,
		Sender:    f.Sender,
		Recipient: f.Recipient,
		Data:      data,
		frame:     append(json.RawMessage(nil), b...),
	}
	return nil
}

// MarshalJSON writes the received frame unchanged, or the fields for a
// locally built message.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.frame != nil {
		return m.frame, nil
	}
	return json.Marshal(messageJSON(m))
}

func payload(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0, bytes.Equal(raw, jsonNull):
		return "", nil
	case raw[0] == '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	default:
		return string(raw), nil
	}
}

// NewMessage builds a message packet without a serial.
func NewMessage(sender, recipient types.Identity, data string) *Message {
	return &Message{
		Envelope:  Envelope{Type: TypeMessage},
		Sender:    sender,
		Recipient: recipient,
		Data:      data,
	}
}

// WithSerial returns a copy of m to be sent as a new request carrying
// serial. The copy is encoded from its fields, not from any received frame.
func (m *Message) WithSerial(serial Serial) *Message {
	out := *m
	out.Envelope = Envelope{Type: TypeMessage, Serial: serial}
	out.frame = nil
	return &out
}

type List struct {
	Envelope
	Identity types.Identity `json:"identity"`
}

type Get struct {
	Envelope
	Identity types.Identity `json:"identity"`
	Messages []string       `json:"messages"`
}

var jsonNull = []byte("null")

// Decode parses one frame into its packet variant.
func Decode(frame []byte) (Packet, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}

	var pkt Packet
	switch env.Type {
	case TypeChallenge:
		pkt = &Challenge{}
	case TypeAuthenticate:
		pkt = &Authenticate{}
	case TypeSubscribe:
		pkt = &Subscribe{}
	case TypeMessage:
		pkt = &Message{}
	case TypeList:
		pkt = &List{}
	case TypeGet:
		pkt = &Get{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrProtocolDecode)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacketType, env.Type)
	}

	if err := json.Unmarshal(frame, pkt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProtocolDecode, env.Type, err)
	}
	normalizeSerial(pkt)
	if err := validate(pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Encode serializes a packet or reply for the wire.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode packet: %w", err)
	}
	return data, nil
}

func normalizeSerial(p Packet) {
	var env *Envelope
	switch p := p.(type) {
	case *Challenge:
		env = &p.Envelope
	case *Authenticate:
		env = &p.Envelope
	case *Subscribe:
		env = &p.Envelope
	case *Message:
		env = &p.Envelope
	case *List:
		env = &p.Envelope
	case *Get:
		env = &p.Envelope
	}
	if env != nil && bytes.Equal(bytes.TrimSpace(env.Serial), jsonNull) {
		env.Serial = nil
	}
}

func validate(p Packet) error {
	switch p := p.(type) {
	case *Message:
		if p.Recipient == "" {
			return fmt.Errorf("%w: message without recipient", ErrProtocolDecode)
		}
	case *Subscribe:
		if p.Identity == "" {
			return fmt.Errorf("%w: subscribe without identity", ErrProtocolDecode)
		}
	case *List:
		if p.Identity == "" {
			return fmt.Errorf("%w: list without identity", ErrProtocolDecode)
		}
	case *Get:
		if p.Identity == "" {
			return fmt.Errorf("%w: get without identity", ErrProtocolDecode)
		}
	}
	return nil
}
