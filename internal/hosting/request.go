package hosting

import (
	"time"

	"github.com/prxssh/warren/internal/protocol"
	"github.com/prxssh/warren/internal/transport"
	"github.com/prxssh/warren/pkg/pool"
)

// refBuffer shares one receive buffer among every request parsed from it.
// All frames alias the same backing slice; the pool sees exactly one
// return, when the last reference drops. Tick-goroutine affine.
type refBuffer struct {
	data []byte
	refs int
	bufs *pool.Buffers
}

// newRefBuffer wraps data with one creation reference; the creator calls
// release once it has handed references to the requests.
func newRefBuffer(data []byte, bufs *pool.Buffers) *refBuffer {
	return &refBuffer{data: data, refs: 1, bufs: bufs}
}

func (b *refBuffer) retain() { b.refs++ }

func (b *refBuffer) release() {
	b.refs--
	if b.refs == 0 {
		b.bufs.Return(b.data)
	}
}

// Request is one deserialized frame traveling through the pipeline.
// Allocated from the request pool during deserialization and released
// exactly once after its terminal stage.
type Request struct {
	// Message is the parsed payload.
	Message protocol.Message

	// Contents is the frame's raw bytes, aliasing the shared receive
	// buffer. Valid until the request is released.
	Contents []byte

	// Peer identifies the sender; a value copy, safe after peer disposal.
	Peer transport.Connection

	// Timestamp is the tick the frame was drained on.
	Timestamp time.Time

	buffer *refBuffer
}

func (r *Request) Clear() {
	r.Message = nil
	r.Contents = nil
	r.Peer = transport.Connection{}
	r.Timestamp = time.Time{}
	r.buffer = nil
}

// requestResponse pairs a request with its response so the two are
// released atomically after egress.
type requestResponse struct {
	req  *Request
	resp *Response
}
