package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/TangGee/go-mcp-client"
	"github.com/elnormous/contenttype"
	"github.com/tmaxmax/go-sse"
)

var (
	acceptedReplyMediaTypes = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	eventStreamMediaTypes   = []contenttype.MediaType{eventStreamMediaType}

	errNoStandaloneStream = errors.New("client has no standalone stream open")
)

// StreamableOption configures the streamable HTTP handler.
type StreamableOption func(*streamableHandler)

type streamableHandler struct {
	server *Server

	streamingReplies bool
	standalone       bool

	mu      sync.Mutex
	streams map[string]*sseStream
}

// WithStreamingReplies answers requests with an event stream carrying the reply
// instead of a JSON body.
func WithStreamingReplies() StreamableOption {
	return func(h *streamableHandler) {
		h.streamingReplies = true
	}
}

// WithoutStandaloneStream answers GET requests with 405, the way servers that never
// initiate messages do.
func WithoutStandaloneStream() StreamableOption {
	return func(h *streamableHandler) {
		h.standalone = false
	}
}

// HandleStreamable returns an http.Handler implementing the streamable HTTP transport
// on a single endpoint: POST carries client messages, GET opens the stream for
// server-initiated messages, and DELETE terminates the session.
func (s *Server) HandleStreamable(options ...StreamableOption) http.Handler {
	h := &streamableHandler{
		server:     s,
		standalone: true,
		streams:    make(map[string]*sseStream),
	}
	for _, opt := range options {
		opt(h)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.handlePost(w, r)
		case http.MethodGet:
			h.handleGet(w, r)
		case http.MethodDelete:
			h.handleDelete(w, r)
		default:
			w.Header().Set("Allow", "GET, POST, DELETE")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (h *streamableHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, acceptedReplyMediaTypes); err != nil {
		http.Error(w, "client must accept application/json and text/event-stream", http.StatusNotAcceptable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
		return
	}
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "failed to decode message", http.StatusBadRequest)
		return
	}

	var sess *serverSession
	sessID := r.Header.Get(mcp.HeaderSessionID)
	switch {
	case probe.Method == mcp.MethodInitialize && sessID == "":
		sess = h.server.newSession(nil)
		sess.send = h.sender(sess.id)
	case sessID == "":
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	default:
		var ok bool
		sess, ok = h.server.session(sessID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if !h.checkProtocolVersion(w, r, sess) {
			return
		}
	}
	w.Header().Set(mcp.HeaderSessionID, sess.id)

	if !isRequest(body) {
		sess.handleRaw(body)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	reply := sess.handleRaw(body)
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	replyBs, err := mcp.EncodeMessage(*reply)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal reply: %v", err), http.StatusInternalServerError)
		return
	}

	if !h.streamingReplies {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(replyBs)
		return
	}

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		h.server.logger.Error("failed to upgrade reply stream", slog.String("err", err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(replyBs))
	if err := stream.Send(msg); err != nil {
		h.server.logger.Warn("failed to send reply", slog.String("err", err.Error()))
		return
	}
	if err := stream.Flush(); err != nil {
		h.server.logger.Warn("failed to flush reply", slog.String("err", err.Error()))
	}
}

func (h *streamableHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if !h.standalone {
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		http.Error(w, "client must accept text/event-stream", http.StatusNotAcceptable)
		return
	}

	sess, ok := h.server.session(r.Header.Get(mcp.HeaderSessionID))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if !h.checkProtocolVersion(w, r, sess) {
		return
	}

	upgraded, err := sse.Upgrade(w, r)
	if err != nil {
		h.server.logger.Error("failed to upgrade stream", slog.String("err", err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := upgraded.Flush(); err != nil {
		return
	}

	stream := &sseStream{sess: upgraded}
	h.mu.Lock()
	h.streams[sess.id] = stream
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.streams[sess.id] == stream {
			delete(h.streams, sess.id)
		}
		h.mu.Unlock()

		stream.mu.Lock()
		stream.closed = true
		stream.mu.Unlock()
	}()

	select {
	case <-r.Context().Done():
	case <-sess.ctx.Done():
	}
}

func (h *streamableHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(mcp.HeaderSessionID)
	if _, ok := h.server.session(sessID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	h.server.removeSession(sessID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *streamableHandler) checkProtocolVersion(w http.ResponseWriter, r *http.Request, sess *serverSession) bool {
	version := r.Header.Get(mcp.HeaderProtocolVersion)
	if version == "" {
		return true
	}

	sess.mu.Lock()
	negotiated := sess.protocolVersion
	sess.mu.Unlock()

	if negotiated != "" && version != negotiated {
		http.Error(w, fmt.Sprintf("unsupported protocol version %q", version), http.StatusBadRequest)
		return false
	}
	return true
}

// sender returns the function server-initiated messages of session id are sent with,
// through whichever standalone stream the client has open at the time.
func (h *streamableHandler) sender(id string) func(context.Context, mcp.JSONRPCMessage) error {
	return func(ctx context.Context, msg mcp.JSONRPCMessage) error {
		h.mu.Lock()
		stream, ok := h.streams[id]
		h.mu.Unlock()
		if !ok {
			return errNoStandaloneStream
		}
		return stream.send(ctx, msg)
	}
}
