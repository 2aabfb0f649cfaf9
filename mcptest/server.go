// Package mcptest provides an in-process MCP tool server for exercising clients. The
// same Server can be exposed over the event-stream, streamable HTTP, WebSocket and
// stdio transports at once.
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/TangGee/go-mcp-client"
	"github.com/google/uuid"
)

// ServerOption is a function that configures a Server.
type ServerOption func(*Server)

// Server implements the server side of the MCP tool surface: initialize, ping,
// tools/list and tools/call. Sessions are created by the transports' handlers.
type Server struct {
	info            mcp.Info
	instructions    string
	protocolVersion string
	pageSize        int

	pingInterval time.Duration
	sendTimeout  time.Duration
	observer     func(sessionID string, msg mcp.JSONRPCMessage)
	logger       *slog.Logger

	tools     map[string]Tool
	toolOrder []string

	mu       sync.Mutex
	sessions map[string]*serverSession
	sse      *sseSessions
}

type serverSession struct {
	id     string
	server *Server
	logger *slog.Logger

	// send delivers server-initiated messages; nil when the transport has no path for them.
	send func(ctx context.Context, msg mcp.JSONRPCMessage) error

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	initialized     bool
	protocolVersion string
	pings           map[mcp.MustString]struct{}
	pongs           int
}

type sessionKey struct{}

var (
	defaultSendTimeout = 5 * time.Second

	errNoSession = errors.New("no session in context")
)

// NewServer creates a Server offering tools.
func NewServer(info mcp.Info, tools []Tool, options ...ServerOption) *Server {
	s := &Server{
		info:        info,
		sendTimeout: defaultSendTimeout,
		logger:      slog.Default(),
		tools:       make(map[string]Tool, len(tools)),
		sessions:    make(map[string]*serverSession),
	}
	for _, t := range tools {
		if _, ok := s.tools[t.Definition.Name]; !ok {
			s.toolOrder = append(s.toolOrder, t.Definition.Name)
		}
		s.tools[t.Definition.Name] = t
	}
	for _, opt := range options {
		opt(s)
	}
	s.sse = newSSESessions()
	return s
}

// WithInstructions sets the instructions sent in the initialize result.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithProtocolVersion forces the protocol version of the initialize result instead of
// echoing the client's.
func WithProtocolVersion(version string) ServerOption {
	return func(s *Server) {
		s.protocolVersion = version
	}
}

// WithPageSize splits tools/list results into pages of n tools.
func WithPageSize(n int) ServerOption {
	return func(s *Server) {
		s.pageSize = n
	}
}

// WithPingInterval makes the server ping every initialized session at interval, over
// transports that can carry server-initiated messages.
func WithPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithObserver registers fn to be called with every message the server receives.
func WithObserver(fn func(sessionID string, msg mcp.JSONRPCMessage)) ServerOption {
	return func(s *Server) {
		s.observer = fn
	}
}

// WithLogger sets the logger of the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// Handler returns an http.Handler serving every HTTP transport: the event stream on
// /sse with messages posted to /messages, the streamable transport on /mcp and
// WebSocket connections on /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/sse", s.HandleSSE("/messages"))
	mux.Handle("/messages", s.HandleMessage())
	mux.Handle("/mcp", s.HandleStreamable())
	mux.Handle("/ws", s.HandleWebSocket())
	return mux
}

// Notify sends a notification to the client of the session the tool call in ctx
// belongs to.
func Notify(ctx context.Context, method string, params any) error {
	sess, ok := ctx.Value(sessionKey{}).(*serverSession)
	if !ok {
		return errNoSession
	}
	return sess.notify(ctx, method, params)
}

// SessionID returns the id of the session the tool call in ctx belongs to.
func SessionID(ctx context.Context) string {
	sess, ok := ctx.Value(sessionKey{}).(*serverSession)
	if !ok {
		return ""
	}
	return sess.id
}

// Pongs returns the number of answered server pings of the session id.
func (s *Server) Pongs(id string) int {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return 0
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.pongs
}

// Sessions returns the ids of the open sessions.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseSession ends the session id from the server side, dropping its connection
// where the transport has one.
func (s *Server) CloseSession(id string) {
	s.removeSession(id)
}

func (s *Server) newSession(send func(context.Context, mcp.JSONRPCMessage) error) *serverSession {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &serverSession{
		id:     uuid.New().String(),
		server: s,
		logger: s.logger,
		send:   send,
		ctx:    ctx,
		cancel: cancel,
		pings:  make(map[mcp.MustString]struct{}),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	return sess
}

func (s *Server) session(id string) (*serverSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		sess.cancel()
	}
}

// handleRaw decodes and handles one inbound message, returning the reply to send
// back if any.
func (s *serverSession) handleRaw(raw json.RawMessage) *mcp.JSONRPCMessage {
	msg, kind, err := mcp.DecodeMessage(raw)
	if err != nil {
		s.logger.Info("failed to handle message", slog.String("err", err.Error()))
		if errors.Is(err, mcp.ErrMalformedMessage) {
			return &mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				Error:   &mcp.JSONRPCError{Code: mcp.CodeInvalidRequest, Message: err.Error()},
			}
		}
		return nil
	}
	if s.server.observer != nil {
		s.server.observer(s.id, msg)
	}

	switch kind {
	case mcp.KindRequest:
		return s.handleRequest(msg)
	case mcp.KindNotification:
		s.handleNotification(msg)
	case mcp.KindResponse:
		s.handleResponse(msg)
	}
	return nil
}

func (s *serverSession) handleRequest(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage {
	var (
		result any
		err    error
	)
	switch msg.Method {
	case mcp.MethodInitialize:
		result, err = s.initialize(msg.Params)
	case mcp.MethodPing:
		result = struct{}{}
	case mcp.MethodToolsList:
		if !s.isInitialized() {
			err = &mcp.JSONRPCError{Code: mcp.CodeInvalidRequest, Message: "session not initialized"}
			break
		}
		result, err = s.listTools(msg.Params)
	case mcp.MethodToolsCall:
		if !s.isInitialized() {
			err = &mcp.JSONRPCError{Code: mcp.CodeInvalidRequest, Message: "session not initialized"}
			break
		}
		result, err = s.callTool(msg.Params)
	default:
		err = &mcp.JSONRPCError{Code: mcp.CodeMethodNotFound, Message: "Method not found"}
	}

	r := mcp.NewReply(msg)
	reply := &r
	if err != nil {
		var jErr *mcp.JSONRPCError
		if !errors.As(err, &jErr) {
			jErr = &mcp.JSONRPCError{Code: mcp.CodeInternalError, Message: err.Error()}
		}
		reply.Error = jErr
		return reply
	}

	resBs, mErr := json.Marshal(result)
	if mErr != nil {
		reply.Error = &mcp.JSONRPCError{Code: mcp.CodeInternalError, Message: mErr.Error()}
		return reply
	}
	reply.Result = resBs
	return reply
}

func (s *serverSession) handleNotification(msg mcp.JSONRPCMessage) {
	switch msg.Method {
	case mcp.MethodNotificationsInitialized:
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()

		if s.server.pingInterval > 0 && s.send != nil {
			go s.ping()
		}
	default:
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (s *serverSession) handleResponse(msg mcp.JSONRPCMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pings[msg.ID]; !ok {
		return
	}
	delete(s.pings, msg.ID)
	if msg.Error == nil {
		s.pongs++
	}
}

func (s *serverSession) initialize(params json.RawMessage) (any, error) {
	var req struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		ClientInfo      mcp.Info               `json:"clientInfo"`
		Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	if req.ProtocolVersion == "" {
		return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: "missing protocolVersion"}
	}

	version := req.ProtocolVersion
	if s.server.protocolVersion != "" {
		version = s.server.protocolVersion
	}

	s.mu.Lock()
	s.protocolVersion = version
	s.mu.Unlock()

	s.logger.Debug("client initializing",
		slog.String("session", s.id),
		slog.String("client", req.ClientInfo.Name),
		slog.String("protocolVersion", req.ProtocolVersion))

	return map[string]any{
		"protocolVersion": version,
		"capabilities": mcp.ServerCapabilities{
			Tools: &mcp.ListChangedCapability{},
		},
		"serverInfo":   s.server.info,
		"instructions": s.server.instructions,
	}, nil
}

func (s *serverSession) listTools(params json.RawMessage) (mcp.ListToolsResult, error) {
	var req mcp.ListToolsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return mcp.ListToolsResult{}, &mcp.JSONRPCError{
				Code:    mcp.CodeInvalidParams,
				Message: fmt.Sprintf("invalid params: %v", err),
			}
		}
	}

	names := s.server.toolOrder
	start := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 || n > len(names) {
			return mcp.ListToolsResult{}, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: "invalid cursor"}
		}
		start = n
	}
	end := len(names)
	if s.server.pageSize > 0 && start+s.server.pageSize < end {
		end = start + s.server.pageSize
	}

	res := mcp.ListToolsResult{Tools: make([]mcp.Tool, 0, end-start)}
	for _, name := range names[start:end] {
		res.Tools = append(res.Tools, s.server.tools[name].Definition)
	}
	if end < len(names) {
		res.NextCursor = strconv.Itoa(end)
	}
	return res, nil
}

func (s *serverSession) callTool(params json.RawMessage) (mcp.CallToolResult, error) {
	var req mcp.CallToolParams
	if err := json.Unmarshal(params, &req); err != nil {
		return mcp.CallToolResult{}, &mcp.JSONRPCError{
			Code:    mcp.CodeInvalidParams,
			Message: fmt.Sprintf("invalid params: %v", err),
		}
	}

	tool, ok := s.server.tools[req.Name]
	if !ok {
		return mcp.CallToolResult{}, &mcp.JSONRPCError{
			Code:    mcp.CodeInvalidParams,
			Message: fmt.Sprintf("Unknown tool: %s", req.Name),
		}
	}

	ctx := context.WithValue(s.ctx, sessionKey{}, s)
	result, err := tool.handler(ctx, req.Arguments)
	if err != nil {
		var jErr *mcp.JSONRPCError
		if errors.As(err, &jErr) {
			return mcp.CallToolResult{}, jErr
		}
		return ErrorResult(err.Error()), nil
	}
	if result.Content == nil {
		result.Content = []mcp.Content{}
	}
	return result, nil
}

func (s *serverSession) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.initialized
}

func (s *serverSession) notify(ctx context.Context, method string, params any) error {
	if s.send == nil {
		return errors.New("transport can't carry server-initiated messages")
	}

	var paramsBs json.RawMessage
	if params != nil {
		var err error
		paramsBs, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	sCtx, cancel := context.WithTimeout(ctx, s.server.sendTimeout)
	defer cancel()

	return s.send(sCtx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}

func (s *serverSession) ping() {
	pingTicker := time.NewTicker(s.server.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-pingTicker.C:
		}

		msgID := mcp.MustString(uuid.New().String())
		s.mu.Lock()
		s.pings[msgID] = struct{}{}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(s.ctx, s.server.sendTimeout)
		if err := s.send(ctx, mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      msgID,
			Method:  mcp.MethodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to client", slog.String("err", err.Error()))
		}
		cancel()
	}
}
