package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageKind tells which of the three JSON-RPC shapes a decoded message has.
type MessageKind int

const (
	// KindRequest is a message carrying both an id and a method.
	KindRequest MessageKind = iota + 1
	// KindResponse is a message carrying an id and exactly one of result or error.
	KindResponse
	// KindNotification is a message carrying a method and no id.
	KindNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// EncodeMessage serializes msg, always stamping the JSON-RPC version. The id of a
// reply built with NewReply is written exactly as the request carried it.
func EncodeMessage(msg JSONRPCMessage) (json.RawMessage, error) {
	msg.JSONRPC = JSONRPCVersion

	var v any = msg
	if len(msg.rawID) > 0 {
		v = struct {
			JSONRPCMessage
			ID json.RawMessage `json:"id"`
		}{JSONRPCMessage: msg, ID: msg.rawID}
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return bs, nil
}

// DecodeMessage parses raw as a JSON-RPC 2.0 message and classifies it. Any input
// that is not a well-formed request, response or notification yields an error
// wrapping ErrMalformedMessage.
func DecodeMessage(raw json.RawMessage) (JSONRPCMessage, MessageKind, error) {
	var wire struct {
		JSONRPCMessage
		// Presence of these keys matters even when their value is null.
		RawID     json.RawMessage `json:"id"`
		RawResult json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return JSONRPCMessage{}, 0, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	msg := wire.JSONRPCMessage
	if len(wire.RawID) != 0 {
		if err := json.Unmarshal(wire.RawID, &msg.ID); err != nil {
			return JSONRPCMessage{}, 0, fmt.Errorf("%w: invalid id: %w", ErrMalformedMessage, err)
		}
	}
	msg.Result = wire.RawResult

	if msg.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, 0, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrMalformedMessage, msg.JSONRPC)
	}

	hasID := len(wire.RawID) != 0 && !bytes.Equal(wire.RawID, []byte("null"))
	if hasID {
		msg.rawID = wire.RawID
	}
	hasResult := len(wire.RawResult) != 0
	hasError := msg.Error != nil

	switch {
	case hasID && msg.Method != "":
		return msg, KindRequest, nil
	case hasID:
		if hasResult == hasError {
			return JSONRPCMessage{}, 0, fmt.Errorf("%w: response must carry exactly one of result or error",
				ErrMalformedMessage)
		}
		return msg, KindResponse, nil
	case msg.Method != "":
		return msg, KindNotification, nil
	default:
		return JSONRPCMessage{}, 0, fmt.Errorf("%w: neither id nor method", ErrMalformedMessage)
	}
}

// NewReply returns a response to req carrying req's id as it was received. Set
// exactly one of Result or Error on it before sending.
func NewReply(req JSONRPCMessage) JSONRPCMessage {
	return JSONRPCMessage{ID: req.ID, rawID: req.rawID}
}
