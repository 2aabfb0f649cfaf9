package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransportClosed is the terminal error of a Channel that was closed locally.
	ErrTransportClosed = errors.New("transport closed")

	// ErrMalformedMessage is returned by DecodeMessage for input that is not a valid
	// JSON-RPC request, response or notification. The session drops such messages.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrDuplicateID is returned when registering a request id that is already outstanding.
	ErrDuplicateID = errors.New("duplicate request id")

	// ErrUnknownID is returned when resolving a response whose id has no outstanding request.
	ErrUnknownID = errors.New("unknown response id")

	// ErrHandshakeFailed wraps every failure of the initialize handshake.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrNotReady is returned by operations issued before the handshake completed.
	ErrNotReady = errors.New("session not ready")

	// ErrSessionClosed is returned by operations issued after the session started closing,
	// and wraps the closure reason for requests that were outstanding at that time.
	ErrSessionClosed = errors.New("session closed")

	// ErrTimeout is returned when a request's bound elapsed before its response arrived.
	ErrTimeout = errors.New("request timeout")

	// ErrToolNotFound is returned by ToolCatalog.Resolve for names missing from the snapshot.
	ErrToolNotFound = errors.New("tool not found")
)

// TransportError reports a failure of the underlying connection: refused or reset
// connections, unexpected HTTP statuses, broken framing. The engine never retries
// them; they are surfaced to the caller as is.
type TransportError struct {
	// Op names the transport operation that failed, e.g. "connect", "send" or "receive".
	Op  string
	Err error
}

// ToolInvocationError is returned by the Invoker when the remote party answered a
// tools/call request with an error payload, or with a result flagged as an error.
type ToolInvocationError struct {
	Tool string

	// Code, Message and Data mirror the JSON-RPC error object. Code is zero when the
	// failure was reported through an isError result.
	Code    int
	Message string
	Data    json.RawMessage

	// Content holds the pages of an isError result.
	Content []Content
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *ToolInvocationError) Error() string {
	if e.Code != 0 || len(e.Content) == 0 {
		return fmt.Sprintf("tool %q failed, code: %d, message: %s", e.Tool, e.Code, e.Message)
	}

	texts := make([]string, 0, len(e.Content))
	for _, c := range e.Content {
		if c.Type == ContentTypeText {
			texts = append(texts, c.Text)
		}
	}
	return fmt.Sprintf("tool %q failed: %s", e.Tool, strings.Join(texts, "; "))
}

func (j JSONRPCError) Error() string {
	if len(j.Data) == 0 {
		return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
	}
	return fmt.Sprintf("request error, code: %d, message: %s, data %s", j.Code, j.Message, j.Data)
}
