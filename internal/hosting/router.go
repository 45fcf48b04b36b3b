package hosting

import (
	"fmt"

	"github.com/prxssh/warren/internal/protocol"
)

// Matcher decides whether a route accepts a request.
type Matcher func(*Request) bool

// RouteHandler serves a matched request by mutating resp. Returning an
// error (or panicking) yields a server-error response.
type RouteHandler func(req *Request, resp *Response) error

// Router dispatches each request to the first route whose matcher accepts
// it.
type Router interface {
	// Route appends a (matcher, handler) pair. Routes are tried in
	// registration order.
	Route(m Matcher, h RouteHandler)

	// Dispatch serves req. With no matching route the response status is
	// set to no-route; a failing handler yields server-error.
	Dispatch(req *Request, resp *Response)
}

// MatchAny accepts every request.
func MatchAny() Matcher {
	return func(*Request) bool { return true }
}

// MatchFrameType accepts frames with the given type tag.
func MatchFrameType(typ protocol.FrameType) Matcher {
	return func(req *Request) bool {
		frame, ok := req.Message.(*protocol.Frame)
		return ok && frame.Type == typ
	}
}

type route struct {
	match  Matcher
	handle RouteHandler
}

type router struct {
	routes []route
}

// NewRouter returns the default in-memory router.
func NewRouter() Router {
	return &router{}
}

func (r *router) Route(m Matcher, h RouteHandler) {
	r.routes = append(r.routes, route{match: m, handle: h})
}

func (r *router) Dispatch(req *Request, resp *Response) {
	for _, route := range r.routes {
		if !route.match(req) {
			continue
		}

		if err := invokeHandler(route.handle, req, resp); err != nil {
			resp.Status = StatusServerError
			resp.Err = err
		}
		return
	}

	resp.Status = StatusNoRoute
}

// invokeHandler contains handler panics so one bad route never takes the
// tick loop down.
func invokeHandler(h RouteHandler, req *Request, resp *Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hosting: route handler panic: %v", r)
		}
	}()

	return h(req, resp)
}
