package hosting

import "github.com/prxssh/warren/internal/transport"

// RequestContext flows through the request middleware before dispatch.
type RequestContext struct {
	Request *Request
}

// RequestResponseContext flows through the response middleware before
// egress.
type RequestResponseContext struct {
	Request  *Request
	Response *Response
}

// NotificationContext flows through the notification middleware before
// egress. Peers is the set of currently connected peer ids.
type NotificationContext struct {
	Peers        []transport.PeerID
	Notification *Notification
}
