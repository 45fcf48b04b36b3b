// Package protocol defines the framed message contract between peers and
// the application, plus the default length-prefixed codec.
package protocol

import "errors"

// Message is an application payload carried inside a frame. The host never
// inspects it; routing matchers and handlers downcast to their own types.
type Message any

var (
	ErrShortBuffer     = errors.New("protocol: short buffer")
	ErrBadLengthPrefix = errors.New("protocol: invalid length prefix")
	ErrUnknownMessage  = errors.New("protocol: message type not handled by codec")
)

// Serializer frames messages for the wire. Frames are read back-to-back
// from a single receive buffer; the cursor advances by SizeFromBuffer per
// frame.
//
// Implementations must keep the two size functions consistent:
// Serialize writes exactly SizeFromMessage bytes and Deserialize consumes
// exactly SizeFromBuffer bytes.
type Serializer interface {
	// SizeFromMessage returns the total number of bytes the framed
	// message occupies on the wire.
	SizeFromMessage(msg Message) (uint32, error)

	// SizeFromBuffer inspects the leading frame header at offset and
	// returns the full frame length.
	SizeFromBuffer(buf []byte, offset int) (uint32, error)

	// Serialize writes the framed message into buf at offset.
	Serialize(msg Message, buf []byte, offset int) error

	// Deserialize reconstructs the message from the frame at offset.
	Deserialize(buf []byte, offset int) (Message, error)
}
