package hosting

import (
	"github.com/prxssh/warren/internal/protocol"
)

// StatusCode is the outcome a handler records on a response. Codes are
// observational: they drive logging and the reply, never retries.
type StatusCode uint8

const (
	// StatusEmpty means the handler never set a code; the application
	// logs a warning and sends no reply.
	StatusEmpty StatusCode = iota

	// StatusOk is a handled request; a reply goes out if one was set.
	StatusOk

	// StatusReset asks the server to disconnect the peer after replying.
	StatusReset

	// StatusServerError is a handler failure.
	StatusServerError

	// StatusBadRequest is a request the handler refused.
	StatusBadRequest

	// StatusNoRoute means no matcher accepted the request.
	StatusNoRoute
)

func (s StatusCode) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusOk:
		return "ok"
	case StatusReset:
		return "reset"
	case StatusServerError:
		return "server error"
	case StatusBadRequest:
		return "bad request"
	case StatusNoRoute:
		return "no route"
	default:
		return "unknown"
	}
}

// Response is mutated by the matched handler. Allocated from the response
// pool at dispatch and released together with its request.
type Response struct {
	Status  StatusCode
	Message protocol.Message

	// Err carries the handler failure for StatusServerError.
	Err error
}

// Ok marks the request handled, with an optional reply.
func (r *Response) Ok(reply protocol.Message) {
	r.Status = StatusOk
	r.Message = reply
}

// Reset asks for the peer to be disconnected, optionally after a last
// reply.
func (r *Response) Reset(reply protocol.Message) {
	r.Status = StatusReset
	r.Message = reply
}

// BadRequest refuses the request.
func (r *Response) BadRequest() {
	r.Status = StatusBadRequest
}

// ContainsReply reports whether a message should be sent back.
func (r *Response) ContainsReply() bool { return r.Message != nil }

func (r *Response) Clear() {
	r.Status = StatusEmpty
	r.Message = nil
	r.Err = nil
}
