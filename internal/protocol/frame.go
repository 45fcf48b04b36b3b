package protocol

import (
	"encoding/binary"
	"fmt"
)

// FrameType tags the application meaning of a frame's payload.
type FrameType uint16

// Frame is the default message shape: an opaque payload tagged with a
// type.
//
// Wire format:
//
//	<length:4><type:2><payload:length-2>
//
// The length prefix excludes itself and covers the type tag plus payload.
type Frame struct {
	Type    FrameType
	Payload []byte
}

const frameHeaderSize = 4 + 2

// NewFrame copies payload into a fresh frame.
func NewFrame(typ FrameType, payload []byte) *Frame {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	return &Frame{Type: typ, Payload: cp}
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame(type=%d, %d bytes)", f.Type, len(f.Payload))
}

// FrameCodec is the default Serializer. It frames *Frame values with a
// 4-byte big-endian length prefix and a 2-byte type tag.
type FrameCodec struct {
	// MaxFrameSize rejects oversized length prefixes during
	// SizeFromBuffer. Zero means no limit.
	MaxFrameSize uint32
}

var _ Serializer = (*FrameCodec)(nil)

func (c *FrameCodec) SizeFromMessage(msg Message) (uint32, error) {
	frame, ok := msg.(*Frame)
	if !ok {
		return 0, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}

	return uint32(frameHeaderSize + len(frame.Payload)), nil
}

func (c *FrameCodec) SizeFromBuffer(buf []byte, offset int) (uint32, error) {
	if offset < 0 || offset+4 > len(buf) {
		return 0, ErrShortBuffer
	}

	length := binary.BigEndian.Uint32(buf[offset:])
	if length < 2 {
		return 0, ErrBadLengthPrefix
	}
	if c.MaxFrameSize > 0 && length > c.MaxFrameSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadLengthPrefix, length)
	}

	return 4 + length, nil
}

func (c *FrameCodec) Serialize(msg Message, buf []byte, offset int) error {
	frame, ok := msg.(*Frame)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}

	size := frameHeaderSize + len(frame.Payload)
	if offset < 0 || offset+size > len(buf) {
		return ErrShortBuffer
	}

	binary.BigEndian.PutUint32(buf[offset:], uint32(2+len(frame.Payload)))
	binary.BigEndian.PutUint16(buf[offset+4:], uint16(frame.Type))
	copy(buf[offset+frameHeaderSize:], frame.Payload)

	return nil
}

func (c *FrameCodec) Deserialize(buf []byte, offset int) (Message, error) {
	size, err := c.SizeFromBuffer(buf, offset)
	if err != nil {
		return nil, err
	}
	if offset+int(size) > len(buf) {
		return nil, ErrShortBuffer
	}

	typ := FrameType(binary.BigEndian.Uint16(buf[offset+4:]))
	payload := buf[offset+frameHeaderSize : offset+int(size)]

	return NewFrame(typ, payload), nil
}
