package mcp

import (
	"context"
	"encoding/json"
	"iter"
)

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// Open connects to the server and returns the Channel the session talks through.
	// The returned Channel is ready to Send: transports that need a preliminary exchange
	// (such as waiting for the SSE endpoint event) complete it before Open returns.
	// Open fails with a *TransportError when the connection can't be established.
	Open(ctx context.Context) (Channel, error)
}

// Channel is a duplex, message-framed connection to the server.
type Channel interface {
	// ID returns the session token the server assigned to this channel, or an empty
	// string if the transport has none.
	ID() string

	// Send transmits a single encoded JSON-RPC message.
	Send(ctx context.Context, raw json.RawMessage) error

	// Messages returns an iterator over the messages received from the server, one
	// complete JSON-RPC message per element, in arrival order. The iteration ends with
	// exactly one element carrying a nil message and a non-nil error: ErrTransportClosed
	// after Close, or a *TransportError when the remote side went away. Messages is
	// meant to be consumed by a single reader.
	Messages() iter.Seq2[json.RawMessage, error]

	// Close releases the channel and unblocks any reader. It is safe to call more than once.
	Close() error
}

// Requester sends a request and waits for its result. *Session implements it, and
// ToolCatalog, Invoker and Liveness are built on top of it.
type Requester interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// NotificationHandler is called for every notification of the method it was registered
// for. Handlers run on a dedicated goroutine, one at a time, in arrival order.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// RequestHandler answers a server-initiated request. The returned value is encoded
// as the result; returning a *JSONRPCError sends it as the error object, any other
// error is reported as an internal error.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// protocolVersionSetter is implemented by channels that must echo the negotiated
// protocol version on later traffic.
type protocolVersionSetter interface {
	SetProtocolVersion(version string)
}
