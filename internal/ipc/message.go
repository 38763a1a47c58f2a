package ipc

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// ProtocolVersion is stamped on every message built by this package.
const ProtocolVersion uint64 = 0

// MessageType selects how the daemon dispatches a message.
type MessageType byte

const (
	// Regular messages are queued for asynchronous execution without a reply.
	Regular MessageType = iota
	// Immediate messages execute inline on the dispatch loop without a reply.
	Immediate
	// Request messages execute inline and receive one Response.
	Request
	// BufferedRequest messages reserve a result slot named by Content[0],
	// are acknowledged at once and execute Content[1:] asynchronously.
	BufferedRequest
	// RequestCommand messages execute inline; the result is re-split into tokens.
	RequestCommand
	// Response is the terminal reply sent by the daemon.
	Response
)

var messageTypeNames = [...]string{
	Regular:         "regular",
	Immediate:       "immediate",
	Request:         "request",
	BufferedRequest: "buffered-request",
	RequestCommand:  "request-command",
	Response:        "response",
}

func (t MessageType) String() string {
	if t.Valid() {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("message-type(%d)", byte(t))
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return int(t) < len(messageTypeNames)
}

// ExpectsReply reports whether the daemon writes a Response for t.
func (t MessageType) ExpectsReply() bool {
	switch t {
	case Request, RequestCommand, BufferedRequest:
		return true
	default:
		return false
	}
}

// Message is the unit carried by the channel.
type Message struct {
	Type    MessageType
	Version uint64
	Content []string
	Sender  string
}

// NewMessage builds a message at the current protocol version.
func NewMessage(t MessageType, sender string, content ...string) Message {
	return Message{Type: t, Version: ProtocolVersion, Content: content, Sender: sender}
}

// MarshalBinary encodes the message body: type byte, uint64 version, uint32
// content count, then each content string and finally the sender, every
// string as a uint32 length followed by UTF-8 bytes. Integers are big-endian.
func (m Message) MarshalBinary() ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("encode message: invalid type %d", byte(m.Type))
	}
	size := 1 + 8 + 4 + 4 + len(m.Sender)
	for idx, token := range m.Content {
		if !utf8.ValidString(token) {
			return nil, fmt.Errorf("encode message: content[%d] is not valid UTF-8", idx)
		}
		size += 4 + len(token)
	}
	if !utf8.ValidString(m.Sender) {
		return nil, fmt.Errorf("encode message: sender is not valid UTF-8")
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(m.Type))
	buf = binary.BigEndian.AppendUint64(buf, m.Version)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Content)))
	for _, token := range m.Content {
		buf = appendString(buf, token)
	}
	buf = appendString(buf, m.Sender)
	return buf, nil
}

// UnmarshalBinary decodes a body produced by MarshalBinary. Unknown types,
// invalid UTF-8, lengths overrunning the body and trailing bytes are
// reported as *ProtocolError.
func (m *Message) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}

	typeByte, err := d.readByte()
	if err != nil {
		return err
	}
	t := MessageType(typeByte)
	if !t.Valid() {
		return protocolErrorf(nil, "unknown message type %d", typeByte)
	}
	version, err := d.readUint64()
	if err != nil {
		return err
	}
	count, err := d.readUint32()
	if err != nil {
		return err
	}
	// Every token needs at least its length prefix.
	if uint64(count)*4 > uint64(d.remaining()) {
		return protocolErrorf(nil, "content count %d exceeds body", count)
	}
	var content []string
	if count > 0 {
		content = make([]string, 0, count)
	}
	for i := uint32(0); i < count; i++ {
		token, err := d.readString()
		if err != nil {
			return err
		}
		content = append(content, token)
	}
	sender, err := d.readString()
	if err != nil {
		return err
	}
	if d.remaining() != 0 {
		return protocolErrorf(nil, "%d trailing bytes after message body", d.remaining())
	}

	*m = Message{Type: t, Version: version, Content: content, Sender: sender}
	return nil
}

// Command returns the first content token, conventionally the command name.
func (m Message) Command() string {
	if len(m.Content) == 0 {
		return ""
	}
	return m.Content[0]
}

func appendString(buf []byte, value string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) take(n int, field string) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, protocolErrorf(nil, "truncated %s: need %d bytes, have %d", field, n, d.remaining())
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out, nil
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.take(1, "type")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) readUint64() (uint64, error) {
	b, err := d.take(8, "version")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *decoder) readUint32() (uint32, error) {
	b, err := d.take(4, "length")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) readString() (string, error) {
	n, err := d.readUint32()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(d.remaining()) {
		return "", protocolErrorf(nil, "string length %d exceeds body", n)
	}
	b, err := d.take(int(n), "string")
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", protocolErrorf(nil, "string is not valid UTF-8")
	}
	return string(b), nil
}
