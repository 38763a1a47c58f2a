package ipc

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxFrameSize bounds the declared payload length of a single frame.
const MaxFrameSize = 16 << 20

const frameHeaderSize = 4

// WriteFrame writes the length prefix and payload in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return protocolErrorf(nil, "frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}

// ReadFrame blocks until a full prefix and exactly that many payload bytes
// have been read. Short reads are reported as *ProtocolError wrapping the
// underlying io error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocolErrorf(err, "incomplete length prefix")
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, protocolErrorf(nil, "declared frame length %d exceeds limit %d", size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocolErrorf(io.ErrUnexpectedEOF, "payload truncated (declared %d bytes)", size)
		}
		return nil, err
	}
	return payload, nil
}

// WriteMessage encodes msg and writes it as one frame.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one frame and decodes it.
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := msg.UnmarshalBinary(payload); err != nil {
		return Message{}, err
	}
	return msg, nil
}
